package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/joao-fontenele/grouporders/internal/config"
	"github.com/joao-fontenele/grouporders/internal/grouporders"
	"github.com/joao-fontenele/grouporders/internal/logging"
	"github.com/joao-fontenele/grouporders/internal/messaging"
	"github.com/joao-fontenele/grouporders/internal/telemetry"
)

func main() {
	cfg, err := config.Load[config.GroupOrders]()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := logging.New(os.Stdout, cfg.LogFormat, cfg.LogLevel)

	decimal.MarshalJSONWithoutQuotes = true

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := telemetry.InitTracerProvider(ctx, "group-orders", "0.1.0", cfg.OTLPEndpoint)
	if err != nil {
		logger.Error("failed to initialize tracer", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTracer(context.Background()) }()

	metricsHandler, shutdownMeter, err := telemetry.InitMeterProvider("group-orders", "0.1.0")
	if err != nil {
		logger.Error("failed to initialize meter", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownMeter(context.Background()) }()

	var store grouporders.Store = grouporders.NewMemoryStore()
	if cfg.PostgresURL != "" {
		db, err := telemetry.OpenPostgres(ctx, cfg.PostgresURL)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer func() { _ = db.Close() }()
		store = grouporders.NewPostgresStore(db)
	} else {
		logger.Warn("POSTGRES_URL not set, group orders are kept in memory only")
	}

	var publisher grouporders.EventPublisher
	if len(cfg.KafkaBrokers) > 0 {
		producer := messaging.NewProducer(cfg.KafkaBrokers, cfg.EventsTopic)
		defer func() { _ = producer.Close() }()
		publisher = producer
	}

	registry, err := grouporders.NewRegistry(store, publisher, logger,
		grouporders.WithMaxTTL(time.Duration(cfg.MaxTTLMinutes)*time.Minute),
		grouporders.WithMaxParticipants(cfg.MaxParticipants),
		grouporders.WithRetention(cfg.TerminalRetention),
	)
	if err != nil {
		logger.Error("failed to create registry", "error", err)
		os.Exit(1)
	}

	restored, err := registry.Restore(ctx)
	if err != nil {
		logger.Error("failed to restore group orders", "error", err)
		os.Exit(1)
	}
	logger.Info("restored active group orders", "count", restored)

	go registry.Run(ctx, cfg.SweepInterval)

	mux := http.NewServeMux()
	grouporders.NewHandler(registry, logger).Register(mux)
	mux.Handle("GET /metrics", metricsHandler)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(mux, "group-orders", otelhttp.WithSpanNameFormatter(telemetry.HTTPSpanName)),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("starting group orders service", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}
