package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/orrn/labelspool/internal/db"
	"github.com/orrn/labelspool/internal/printing"
	"github.com/orrn/labelspool/internal/queue"
)

type DashboardStats struct {
	TodayLabels       int `json:"today_labels"`
	DeliveredToday    int `json:"delivered_today"`
	DeadLetteredToday int `json:"dead_lettered_today"`
	QueueDepth        int `json:"queue_depth"`
	InFlight          int `json:"in_flight"`
	PausedQueues      int `json:"paused_queues"`
	DeadLetters       int `json:"dead_letters"`
}

type DashboardData struct {
	Stats  DashboardStats       `json:"stats"`
	Queues []queue.Stats        `json:"queues"`
	Today  []*db.PrinterSummary `json:"today"`
	Batch  printing.BatchStatus `json:"batch"`
}

// DashboardHandler aggregates queue state and today's delivery log into one
// response for status screens.
type DashboardHandler struct {
	printing   *printing.Service
	deliveries *db.DeliveryOperations
	now        func() time.Time
}

func NewDashboardHandler(service *printing.Service, deliveries *db.DeliveryOperations) *DashboardHandler {
	return &DashboardHandler{
		printing:   service,
		deliveries: deliveries,
		now:        time.Now,
	}
}

func (h *DashboardHandler) GetDashboard(c *gin.Context) {
	now := h.now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	today, err := h.deliveries.Summary(c.Request.Context(), midnight)
	if err != nil {
		respondError(c, err)
		return
	}
	if today == nil {
		today = []*db.PrinterSummary{}
	}

	data := DashboardData{
		Queues: []queue.Stats{},
		Today:  today,
		Batch:  h.printing.BatchStatus(),
	}
	for _, s := range today {
		data.Stats.TodayLabels += s.Labels
		data.Stats.DeliveredToday += s.Delivered
		data.Stats.DeadLetteredToday += s.DeadLettered
	}
	for _, q := range h.printing.Queues().Queues() {
		st := q.Stats()
		data.Queues = append(data.Queues, st)
		data.Stats.QueueDepth += st.Pending
		data.Stats.DeadLetters += st.DeadLetters
		if st.InFlight {
			data.Stats.InFlight++
		}
		if st.Paused {
			data.Stats.PausedQueues++
		}
	}

	c.JSON(http.StatusOK, data)
}

func RegisterDashboardRoutes(r *gin.RouterGroup, h *DashboardHandler) {
	r.GET("/dashboard", h.GetDashboard)
}
