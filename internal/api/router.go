// Package api exposes the spooler over HTTP.
package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/orrn/labelspool/internal/api/handlers"
	"github.com/orrn/labelspool/internal/api/middleware"
	"github.com/orrn/labelspool/internal/bridge"
	"github.com/orrn/labelspool/internal/config"
	"github.com/orrn/labelspool/internal/db"
	"github.com/orrn/labelspool/internal/printing"
	"github.com/orrn/labelspool/internal/webhook"
)

// Deps is everything the HTTP surface needs. Webhooks may be nil when
// delivery is disabled.
type Deps struct {
	Config   *config.Config
	DB       *db.DB
	Bridge   bridge.Client
	Printing *printing.Service
	Webhooks *webhook.Sender
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

// NewRouter builds the gin engine with middleware and every route.
func NewRouter(deps Deps) *gin.Engine {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := gin.New()
	r.Use(middleware.RequestID())
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.Logger(logger))

	r.GET("/healthz", health(deps))
	if deps.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	v1 := r.Group("/api/v1")
	handlers.RegisterPrinterRoutes(v1, handlers.NewPrinterHandler(deps.Bridge, deps.Printing.Queues()))
	handlers.RegisterJobRoutes(v1, handlers.NewJobHandler(deps.Printing))
	handlers.RegisterBatchRoutes(v1, handlers.NewBatchHandler(deps.Printing, deps.DB.Inventory))
	handlers.RegisterTemplateRoutes(v1, handlers.NewTemplateHandler(deps.DB.Templates, deps.Printing.Compiler()))
	handlers.RegisterWebhookRoutes(v1, handlers.NewWebhookHandler(deps.DB.Webhooks, deps.Webhooks))
	handlers.RegisterDeliveryRoutes(v1, handlers.NewDeliveryHandler(deps.DB.Deliveries))
	handlers.RegisterDashboardRoutes(v1, handlers.NewDashboardHandler(deps.Printing, deps.DB.Deliveries))
	if deps.Config != nil {
		handlers.RegisterSettingsRoutes(v1, handlers.NewSettingsHandler(deps.Config, deps.Printing.Compiler()))
	}

	return r
}

func health(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		resp := gin.H{
			"status":           "ok",
			"bridge_connected": deps.Bridge.IsConnected(),
		}
		if err := deps.DB.Conn().PingContext(c.Request.Context()); err != nil {
			resp["status"] = "degraded"
			resp["database"] = err.Error()
			c.JSON(http.StatusServiceUnavailable, resp)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

// NewServer wraps handler in an http.Server configured from cfg.
func NewServer(cfg config.ServerConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
}
