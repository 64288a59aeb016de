package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/orrn/labelspool/internal/printing"
	"github.com/orrn/labelspool/internal/queue"
)

const (
	defaultDrainTimeout = 30 * time.Second
	maxDrainTimeout     = 5 * time.Minute
)

// CreateJobRequest carries either raw device code or a template reference
// with variables.
type CreateJobRequest struct {
	Code         string            `json:"code"`
	TemplateID   int64             `json:"template_id"`
	TemplateName string            `json:"template_name"`
	Variables    map[string]string `json:"variables"`
	Quantity     int               `json:"quantity" binding:"gte=0"`
}

type CreateJobResponse struct {
	JobID   string `json:"job_id"`
	Printer string `json:"printer"`
}

type QueueResponse struct {
	queue.Stats
	Jobs []queue.PrintJob `json:"jobs"`
}

type RetryResponse struct {
	ItemID  string `json:"item_id,omitempty"`
	Retried int    `json:"retried"`
}

type JobHandler struct {
	printing *printing.Service
	queues   *queue.Manager
}

func NewJobHandler(service *printing.Service) *JobHandler {
	return &JobHandler{
		printing: service,
		queues:   service.Queues(),
	}
}

func (h *JobHandler) CreateJob(c *gin.Context) {
	var req CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	printer := c.Param("name")
	var (
		id  string
		err error
	)
	if strings.TrimSpace(req.Code) != "" {
		id, err = h.printing.PrintRaw(c.Request.Context(), printer, req.Code, req.Quantity)
	} else {
		id, err = h.printing.PrintTemplate(c.Request.Context(), printing.TemplateRequest{
			Printer:      printer,
			TemplateID:   req.TemplateID,
			TemplateName: req.TemplateName,
			Variables:    req.Variables,
			Quantity:     req.Quantity,
		})
	}
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, CreateJobResponse{JobID: id, Printer: printer})
}

func (h *JobHandler) GetQueue(c *gin.Context) {
	name := c.Param("name")
	q, ok := h.queues.Lookup(name)
	if !ok {
		c.JSON(http.StatusOK, QueueResponse{Stats: queue.Stats{Printer: name}, Jobs: []queue.PrintJob{}})
		return
	}

	jobs := q.Jobs()
	if jobs == nil {
		jobs = []queue.PrintJob{}
	}
	c.JSON(http.StatusOK, QueueResponse{Stats: q.Stats(), Jobs: jobs})
}

// PauseQueue may be called before anything was printed, so the queue is
// opened rather than looked up. Names the bridge does not know get 404.
func (h *JobHandler) PauseQueue(c *gin.Context) {
	q, err := h.queues.Open(c.Request.Context(), c.Param("name"))
	if err != nil {
		respondError(c, err)
		return
	}
	q.Pause()
	c.JSON(http.StatusOK, q.Stats())
}

func (h *JobHandler) ResumeQueue(c *gin.Context) {
	q, err := h.queues.Open(c.Request.Context(), c.Param("name"))
	if err != nil {
		respondError(c, err)
		return
	}
	q.Resume()
	c.JSON(http.StatusOK, q.Stats())
}

// DrainQueue waits until the queue has nothing pending. The wait is bounded
// by the timeout query parameter.
func (h *JobHandler) DrainQueue(c *gin.Context) {
	timeout, ok := durationParam(c, "timeout", defaultDrainTimeout)
	if !ok {
		return
	}
	timeout = min(timeout, maxDrainTimeout)

	q, ok := h.queues.Lookup(c.Param("name"))
	if !ok {
		c.JSON(http.StatusOK, queue.Stats{Printer: c.Param("name")})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
	defer cancel()
	if err := q.Drain(ctx); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, q.Stats())
}

func (h *JobHandler) ListDeadLetters(c *gin.Context) {
	entries := []queue.DeadLetterEntry{}
	if q, ok := h.queues.Lookup(c.Param("name")); ok {
		if dl := q.DeadLetters(); dl != nil {
			entries = dl
		}
	}
	c.JSON(http.StatusOK, entries)
}

func (h *JobHandler) RetryDeadLetter(c *gin.Context) {
	q, ok := h.queues.Lookup(c.Param("name"))
	if !ok {
		respondError(c, queue.ErrDeadLetterNotFound)
		return
	}

	itemID, err := q.RetryDeadLetter(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, RetryResponse{ItemID: itemID, Retried: 1})
}

func (h *JobHandler) RetryAllDeadLetters(c *gin.Context) {
	n := 0
	if q, ok := h.queues.Lookup(c.Param("name")); ok {
		n = q.RetryAllDeadLetters()
	}
	c.JSON(http.StatusAccepted, RetryResponse{Retried: n})
}

func (h *JobHandler) ClearDeadLetters(c *gin.Context) {
	n := 0
	if q, ok := h.queues.Lookup(c.Param("name")); ok {
		n = q.ClearDeadLetters()
	}
	c.JSON(http.StatusOK, gin.H{"cleared": n})
}

func RegisterJobRoutes(r *gin.RouterGroup, h *JobHandler) {
	printers := r.Group("/printers/:name")
	{
		printers.POST("/jobs", h.CreateJob)
		printers.GET("/queue", h.GetQueue)
		printers.POST("/queue/pause", h.PauseQueue)
		printers.POST("/queue/resume", h.ResumeQueue)
		printers.POST("/queue/drain", h.DrainQueue)
		printers.GET("/dead-letters", h.ListDeadLetters)
		printers.POST("/dead-letters/retry", h.RetryAllDeadLetters)
		printers.POST("/dead-letters/:id/retry", h.RetryDeadLetter)
		printers.DELETE("/dead-letters", h.ClearDeadLetters)
	}
}
