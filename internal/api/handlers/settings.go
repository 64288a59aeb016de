package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/orrn/labelspool/internal/config"
	"github.com/orrn/labelspool/internal/label"
)

type SettingsHandler struct {
	config   *config.Config
	compiler *label.Compiler
}

type ServerConfigResponse struct {
	Port              int      `json:"port"`
	DatabasePath      string   `json:"database_path"`
	BridgeMode        string   `json:"bridge_mode"`
	BridgeURL         string   `json:"bridge_url,omitempty"`
	ConnectionTimeout string   `json:"connection_timeout"`
	StatusCheck       bool     `json:"status_check"`
	Printers          []string `json:"printers,omitempty"`
	MaxAttempts       int      `json:"max_attempts"`
	Backoff           string   `json:"backoff"`
	RetryDelay        string   `json:"retry_delay"`
	MaxRetryDelay     string   `json:"max_retry_delay"`
	SendInterval      string   `json:"send_interval"`
	DirectThreshold   int      `json:"direct_threshold"`
	WebhooksEnabled   bool     `json:"webhooks_enabled"`
	LogLevel          string   `json:"log_level"`
	LogFormat         string   `json:"log_format"`
}

func NewSettingsHandler(cfg *config.Config, compiler *label.Compiler) *SettingsHandler {
	return &SettingsHandler{
		config:   cfg,
		compiler: compiler,
	}
}

// GetServerConfig reports the effective configuration. Printer addresses and
// secrets are left out.
func (h *SettingsHandler) GetServerConfig(c *gin.Context) {
	printers := make([]string, 0, len(h.config.Bridge.Printers))
	for _, p := range h.config.Bridge.Printers {
		printers = append(printers, p.Name)
	}

	resp := ServerConfigResponse{
		Port:              h.config.Server.Port,
		DatabasePath:      h.config.Database.Path,
		BridgeMode:        h.config.Bridge.Mode,
		ConnectionTimeout: h.config.Bridge.ConnectionTimeout.String(),
		StatusCheck:       h.config.Bridge.StatusCheck,
		Printers:          printers,
		MaxAttempts:       h.config.Queue.MaxAttempts,
		Backoff:           h.config.Queue.Backoff,
		RetryDelay:        h.config.Queue.RetryDelay.String(),
		MaxRetryDelay:     h.config.Queue.MaxRetryDelay.String(),
		SendInterval:      h.config.Queue.SendInterval.String(),
		DirectThreshold:   h.config.Batch.DirectThreshold,
		WebhooksEnabled:   h.config.Webhook.Enabled,
		LogLevel:          h.config.Logging.Level,
		LogFormat:         h.config.Logging.Format,
	}
	if h.config.Bridge.Mode == "http" {
		resp.BridgeURL = h.config.Bridge.URL
	}

	c.JSON(http.StatusOK, resp)
}

// GetLabelSpec returns the geometry product labels are laid out against.
func (h *SettingsHandler) GetLabelSpec(c *gin.Context) {
	c.JSON(http.StatusOK, h.compiler.Spec())
}

func RegisterSettingsRoutes(r *gin.RouterGroup, h *SettingsHandler) {
	r.GET("/settings/server", h.GetServerConfig)
	r.GET("/settings/label", h.GetLabelSpec)
}
