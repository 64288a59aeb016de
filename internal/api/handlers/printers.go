package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/orrn/labelspool/internal/bridge"
	"github.com/orrn/labelspool/internal/queue"
)

type PrinterResponse struct {
	Name  string      `json:"name"`
	Queue queue.Stats `json:"queue"`
}

type PrinterStatusResponse struct {
	Name     string                `json:"name"`
	State    string                `json:"state"`
	CanPrint bool                  `json:"can_print"`
	Problem  string                `json:"problem,omitempty"`
	Status   *bridge.PrinterStatus `json:"status"`
}

type PrinterHandler struct {
	client bridge.Client
	queues *queue.Manager
}

func NewPrinterHandler(client bridge.Client, queues *queue.Manager) *PrinterHandler {
	return &PrinterHandler{
		client: client,
		queues: queues,
	}
}

func (h *PrinterHandler) ListPrinters(c *gin.Context) {
	ctx := c.Request.Context()
	if !h.client.IsConnected() {
		if err := h.client.Connect(ctx); err != nil {
			respondError(c, err)
			return
		}
	}

	names, err := h.client.ListPrinters(ctx)
	if err != nil {
		respondError(c, err)
		return
	}

	responses := make([]PrinterResponse, 0, len(names))
	for _, name := range names {
		stats := queue.Stats{Printer: name}
		if q, ok := h.queues.Lookup(name); ok {
			stats = q.Stats()
		}
		responses = append(responses, PrinterResponse{Name: name, Queue: stats})
	}

	c.JSON(http.StatusOK, responses)
}

func (h *PrinterHandler) GetPrinterStatus(c *gin.Context) {
	name := c.Param("name")
	ctx := c.Request.Context()
	if !h.client.IsConnected() {
		if err := h.client.Connect(ctx); err != nil {
			respondError(c, err)
			return
		}
	}

	status, err := h.client.Status(ctx, name)
	if err != nil {
		respondError(c, err)
		return
	}

	resp := PrinterStatusResponse{
		Name:     name,
		State:    status.State(),
		CanPrint: status.CanPrint(),
		Status:   status,
	}
	if err := status.Err(); err != nil {
		resp.Problem = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

func RegisterPrinterRoutes(r *gin.RouterGroup, h *PrinterHandler) {
	r.GET("/printers", h.ListPrinters)
	r.GET("/printers/:name/status", h.GetPrinterStatus)
}
