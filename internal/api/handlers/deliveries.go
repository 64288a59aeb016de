package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/orrn/labelspool/internal/db"
)

const defaultSummaryWindow = 24 * time.Hour

type DeliveryListResponse struct {
	Deliveries []*db.DeliveryRecord `json:"deliveries"`
	Count      int                  `json:"count"`
}

type DeliverySummaryResponse struct {
	Since    time.Time            `json:"since"`
	Printers []*db.PrinterSummary `json:"printers"`
}

type DeliveryHandler struct {
	deliveries *db.DeliveryOperations
}

func NewDeliveryHandler(deliveries *db.DeliveryOperations) *DeliveryHandler {
	return &DeliveryHandler{deliveries: deliveries}
}

func (h *DeliveryHandler) ListDeliveries(c *gin.Context) {
	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "validation_error", Message: "invalid limit"})
			return
		}
		limit = n
	}

	records, err := h.deliveries.ListRecent(c.Request.Context(), c.Query("printer"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	if records == nil {
		records = []*db.DeliveryRecord{}
	}
	c.JSON(http.StatusOK, DeliveryListResponse{Deliveries: records, Count: len(records)})
}

// GetSummary counts outcomes per printer over the window given by the
// "window" query parameter, a duration such as 1h or 168h.
func (h *DeliveryHandler) GetSummary(c *gin.Context) {
	window, ok := durationParam(c, "window", defaultSummaryWindow)
	if !ok {
		return
	}

	since := time.Now().Add(-window)
	summaries, err := h.deliveries.Summary(c.Request.Context(), since)
	if err != nil {
		respondError(c, err)
		return
	}
	if summaries == nil {
		summaries = []*db.PrinterSummary{}
	}
	c.JSON(http.StatusOK, DeliverySummaryResponse{Since: since.UTC(), Printers: summaries})
}

// PurgeDeliveries drops records older than the "older_than" duration.
func (h *DeliveryHandler) PurgeDeliveries(c *gin.Context) {
	age, ok := durationParam(c, "older_than", 0)
	if !ok {
		return
	}
	if age <= 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "validation_error", Message: "older_than is required"})
		return
	}

	n, err := h.deliveries.Purge(c.Request.Context(), time.Now().Add(-age))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"purged": n})
}

func durationParam(c *gin.Context, name string, def time.Duration) (time.Duration, bool) {
	v := c.Query(name)
	if v == "" {
		return def, true
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Message: name + " must be a positive duration",
		})
		return 0, false
	}
	return d, true
}

func RegisterDeliveryRoutes(r *gin.RouterGroup, h *DeliveryHandler) {
	r.GET("/deliveries", h.ListDeliveries)
	r.GET("/deliveries/summary", h.GetSummary)
	r.DELETE("/deliveries", h.PurgeDeliveries)
}
