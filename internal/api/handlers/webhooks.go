package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/orrn/labelspool/internal/db"
	"github.com/orrn/labelspool/internal/webhook"
)

type WebhookHandler struct {
	webhooks *db.WebhookOperations
	sender   *webhook.Sender
}

type CreateWebhookRequest struct {
	Name   string   `json:"name" binding:"required"`
	URL    string   `json:"url" binding:"required,url"`
	Secret string   `json:"secret"`
	Events []string `json:"events" binding:"required"`
}

type UpdateWebhookRequest struct {
	Name    string   `json:"name"`
	URL     string   `json:"url" binding:"omitempty,url"`
	Secret  string   `json:"secret"`
	Events  []string `json:"events"`
	Enabled *bool    `json:"enabled"`
}

type TestWebhookResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// NewWebhookHandler builds the subscription endpoints. sender may be nil when
// delivery is disabled; subscriptions can still be managed.
func NewWebhookHandler(webhooks *db.WebhookOperations, sender *webhook.Sender) *WebhookHandler {
	return &WebhookHandler{
		webhooks: webhooks,
		sender:   sender,
	}
}

func (h *WebhookHandler) ListWebhooks(c *gin.Context) {
	webhooks, err := h.webhooks.ListWebhooks(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	if webhooks == nil {
		webhooks = []*db.Webhook{}
	}
	c.JSON(http.StatusOK, webhooks)
}

func (h *WebhookHandler) CreateWebhook(c *gin.Context) {
	var req CreateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if !checkEvents(c, req.Events) {
		return
	}

	w := &db.Webhook{
		Name:    req.Name,
		URL:     req.URL,
		Secret:  req.Secret,
		Events:  req.Events,
		Enabled: true,
	}
	if err := h.webhooks.CreateWebhook(c.Request.Context(), w); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, w)
}

func (h *WebhookHandler) GetWebhook(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	w, err := h.webhooks.GetWebhookByID(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

func (h *WebhookHandler) UpdateWebhook(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	var req UpdateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	w, err := h.webhooks.GetWebhookByID(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	if req.Name != "" {
		w.Name = req.Name
	}
	if req.URL != "" {
		w.URL = req.URL
	}
	if req.Secret != "" {
		w.Secret = req.Secret
	}
	if len(req.Events) > 0 {
		if !checkEvents(c, req.Events) {
			return
		}
		w.Events = req.Events
	}
	if req.Enabled != nil {
		w.Enabled = *req.Enabled
	}

	if err := h.webhooks.UpdateWebhook(c.Request.Context(), w); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

func (h *WebhookHandler) DeleteWebhook(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	if err := h.webhooks.DeleteWebhook(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *WebhookHandler) TestWebhook(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if h.sender == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error:   "webhooks_disabled",
			Message: "webhook delivery is disabled",
		})
		return
	}

	w, err := h.webhooks.GetWebhookByID(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	if err := h.sender.Test(w); err != nil {
		c.JSON(http.StatusOK, TestWebhookResponse{
			Success: false,
			Message: fmt.Sprintf("Webhook test failed: %v", err),
		})
		return
	}
	c.JSON(http.StatusOK, TestWebhookResponse{Success: true, Message: "Webhook test successful"})
}

func checkEvents(c *gin.Context, events []string) bool {
	if len(events) == 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Message: "At least one event must be specified",
		})
		return false
	}
	for _, event := range events {
		if !webhook.ValidEvent(event) {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "invalid_event",
				Message: fmt.Sprintf("Invalid event type: %s", event),
			})
			return false
		}
	}
	return true
}

func RegisterWebhookRoutes(r *gin.RouterGroup, h *WebhookHandler) {
	r.GET("/webhooks", h.ListWebhooks)
	r.POST("/webhooks", h.CreateWebhook)
	r.GET("/webhooks/:id", h.GetWebhook)
	r.PUT("/webhooks/:id", h.UpdateWebhook)
	r.DELETE("/webhooks/:id", h.DeleteWebhook)
	r.POST("/webhooks/:id/test", h.TestWebhook)
}
