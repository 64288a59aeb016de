package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/orrn/labelspool/internal/api"
	"github.com/orrn/labelspool/internal/batch"
	"github.com/orrn/labelspool/internal/bridge"
	"github.com/orrn/labelspool/internal/config"
	"github.com/orrn/labelspool/internal/db"
	"github.com/orrn/labelspool/internal/label"
	"github.com/orrn/labelspool/internal/printing"
	"github.com/orrn/labelspool/internal/queue"
	"github.com/orrn/labelspool/internal/webhook"
)

const shutdownTimeout = 15 * time.Second

func newServeCommand(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the printer queues",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	database, err := db.Open(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer database.Close()
	logger.Info("database ready", zap.String("path", cfg.Database.Path))

	client, err := bridge.New(cfg.Bridge, logger)
	if err != nil {
		return err
	}
	if err := client.Connect(ctx); err != nil {
		// Queues connect again before their first send.
		logger.Warn("bridge not reachable at startup", zap.Error(err))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := queue.NewMetrics(reg)

	hooks := []queue.Hooks{
		metrics.Hooks(),
		printing.DeliveryHooks(database.Deliveries, logger),
	}
	var sender *webhook.Sender
	if cfg.Webhook.Enabled {
		sender = webhook.NewSender(database.Webhooks, cfg.Webhook, logger)
		sender.Start()
		defer sender.Stop()
		hooks = append(hooks, sender.Hooks())
	}

	opts := queue.OptionsFromConfig(cfg.Queue, logger)
	opts.Hooks = queue.ChainHooks(hooks...)
	queues := queue.NewManager(client, opts)
	for _, p := range cfg.Bridge.Printers {
		queues.Get(p.Name)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	queues.StartAll(runCtx)
	defer queues.StopAll()

	service := printing.NewService(
		database.Templates,
		database.Inventory,
		label.NewCompiler(label.SpecFromConfig(cfg.Label)),
		queues,
		printing.Options{
			DirectThreshold: cfg.Batch.DirectThreshold,
			Logger:          logger,
			OnBatchComplete: func(printer string, result batch.Result) {
				if sender != nil {
					sender.BatchCompleted(printer, result)
				}
			},
		},
	)
	defer service.Close()

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(api.Deps{
		Config:   cfg,
		DB:       database,
		Bridge:   client,
		Printing: service,
		Webhooks: sender,
		Gatherer: reg,
		Logger:   logger,
	})
	server := api.NewServer(cfg.Server, router)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", zap.Error(err))
	}

	for _, q := range queues.Queues() {
		if n := q.Pending(); n > 0 {
			logger.Warn("queue stopped with jobs pending",
				zap.String("printer", q.Printer()), zap.Int("pending", n))
		}
	}
	logger.Info("server stopped")
	return nil
}
