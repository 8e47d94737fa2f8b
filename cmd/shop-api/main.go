package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/matheusmosca/variant-reservations/internal/config"
	"github.com/matheusmosca/variant-reservations/internal/inventory"
	"github.com/matheusmosca/variant-reservations/internal/logging"
	"github.com/matheusmosca/variant-reservations/internal/notify"
	"github.com/matheusmosca/variant-reservations/internal/orders"
	"github.com/matheusmosca/variant-reservations/internal/payments"
	"github.com/matheusmosca/variant-reservations/internal/storage/memory"
	"github.com/matheusmosca/variant-reservations/internal/storage/postgres"
	"github.com/matheusmosca/variant-reservations/internal/telemetry"
)

// store is everything the use cases need from persistence.
type store interface {
	inventory.Repository
	orders.Repository
	payments.Repository
	payments.OrderStore
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.MustNewLogger(config.ServiceName, cfg.Env, cfg.LogLevel)
	defer logger.Sync() //nolint:errcheck
	zap.ReplaceGlobals(logger)

	if err := run(cfg, logger); err != nil {
		logger.Fatal("service_failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := telemetry.Setup(ctx, config.ServiceName, config.ServiceVersion, cfg.OtelEndpoint)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := providers.Shutdown(shutdownCtx); err != nil {
			logger.Error("telemetry_shutdown_failed", zap.Error(err))
		}
	}()
	tracer := providers.Tracer(config.ServiceName)
	meter := providers.Meter(config.ServiceName)

	db, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	manager := inventory.NewReservationManager(db, tracer, meter, logger,
		inventory.WithTTL(cfg.ReservationTTL),
		inventory.WithSweepBatch(cfg.SweepBatchSize),
	)
	admin := inventory.NewStockAdmin(db, manager, tracer, logger)
	assembler := orders.NewAssembler(db, cfg.Currency, tracer, logger)

	stub := payments.NewStubProvider(cfg.StubPayURL)
	getnet := payments.NewGetnetProvider(payments.GetnetConfig{
		BaseURL:    cfg.GetnetBaseURL,
		Login:      cfg.GetnetLogin,
		SecretKey:  cfg.GetnetSecretKey,
		ReturnURL:  cfg.GetnetReturnURL,
		CancelURL:  cfg.GetnetCancelURL,
		SessionTTL: cfg.GetnetSessionTTL,

		AllowUnsigned: !cfg.Production(),
	}, stub)
	if cfg.PayProvider == payments.GetnetProviderName && !cfg.GetnetConfigured() {
		logger.Warn("getnet_not_configured", zap.String("fallback", stub.Name()))
	}
	payProviders := []payments.Provider{getnet}
	if cfg.StubWebhooksEnabled() {
		payProviders = append(payProviders, stub)
	} else {
		logger.Info("stub_webhooks_disabled")
	}
	registry := payments.NewRegistry(cfg.PayProvider, payProviders...)
	if _, err := registry.Default(); err != nil {
		return err
	}
	checkout := payments.NewCheckout(db, registry, cfg.Currency, tracer, meter, logger)

	notifier, closeNotifier := buildNotifier(cfg, logger)
	defer closeNotifier()

	var reconcilerOpts []payments.ReconcilerOption
	var barrierDB *sql.DB
	if cfg.DTMEnabled() {
		barriers, ok := db.(notify.BarrierStore)
		if !ok {
			return fmt.Errorf("store %T cannot hold DTM barriers", db)
		}
		if barrierDB, err = sql.Open("postgres", cfg.DatabaseURL); err != nil {
			return fmt.Errorf("open barrier db: %w", err)
		}
		defer barrierDB.Close()
		reconcilerOpts = append(reconcilerOpts,
			payments.WithPaidOutbox(notify.NewDTMOutbox(cfg.DTMServer, cfg.DTMBusiURL, barriers, logger)))
		logger.Info("dtm_outbox_enabled", zap.String("server", cfg.DTMServer), zap.String("busi_url", cfg.DTMBusiURL))
	}

	reconciler := payments.NewReconciler(db, notifier, tracer, meter, logger, reconcilerOpts...)
	dispatcher := payments.NewDispatcher(reconciler, cfg.WebhookTimeout, logger, payments.WithMaxInFlight(cfg.WebhookInFlight))

	sweeperCtx, stopSweeper := context.WithCancel(ctx)
	sweeperDone := make(chan struct{})
	go func() {
		defer close(sweeperDone)
		inventory.NewSweeper(manager, cfg.SweepInterval, logger).Run(sweeperCtx)
	}()

	httpMetrics := telemetry.NewHTTPMetrics("shop")
	router := newRouter(cfg, logger, httpMetrics)
	inventory.RegisterRoutes(router, manager, admin, logger)
	orders.RegisterRoutes(router, assembler, logger)
	payments.RegisterRoutes(router, checkout, registry, dispatcher, logger)
	if barrierDB != nil {
		notify.RegisterDTMRoutes(router.Group("/dtm"), barrierDB, db, notifier, logger)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http_listening", zap.String("addr", srv.Addr), zap.String("store", cfg.StoreDriver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown_requested")
	case err := <-serveErr:
		if err != nil {
			stopSweeper()
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http_shutdown_failed", zap.Error(err))
	}
	if err := dispatcher.Wait(shutdownCtx); err != nil {
		logger.Error("webhook_drain_incomplete", zap.Error(err))
	}
	stopSweeper()
	<-sweeperDone
	logger.Info("shutdown_complete")
	return nil
}

func newRouter(cfg *config.Config, logger *zap.Logger, httpMetrics *telemetry.HTTPMetrics) *gin.Engine {
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(
		gin.Recovery(),
		otelgin.Middleware(config.ServiceName),
		httpMetrics.Middleware(),
		requestLogger(logger),
	)

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true, "service": config.ServiceName})
	})
	r.GET("/metrics", gin.WrapH(httpMetrics.Handler()))
	return r
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.Request.URL.Path == "/health" || c.Request.URL.Path == "/metrics" {
			return
		}
		logging.WithTrace(c.Request.Context(), logger).Info("http_request",
			zap.String("method", c.Request.Method),
			zap.String("route", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()))
	}
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store, func(), error) {
	var seed []inventory.ProductVariant
	if cfg.SeedFile != "" {
		var err error
		if seed, err = inventory.LoadSeedFile(cfg.SeedFile); err != nil {
			return nil, nil, err
		}
	}

	switch cfg.StoreDriver {
	case "memory":
		logger.Warn("memory_store_in_use", zap.String("note", "row locks are process-local; run a single instance"))
		s := memory.NewStore()
		for _, v := range seed {
			s.PutVariant(v)
		}
		return s, s.Close, nil
	default:
		s, err := postgres.New(ctx, postgres.Config{
			URL:              cfg.DatabaseURL,
			MaxConns:         cfg.DBMaxConns,
			MinConns:         cfg.DBMinConns,
			LockTimeout:      cfg.DBLockTimeout,
			StatementTimeout: cfg.DBStatementTimeout,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		for _, v := range seed {
			if err := s.UpsertVariant(ctx, v); err != nil {
				s.Close()
				return nil, nil, fmt.Errorf("seed variant %s: %w", v.ID, err)
			}
		}
		return s, s.Close, nil
	}
}

func buildNotifier(cfg *config.Config, logger *zap.Logger) (payments.Notifier, func()) {
	logNotifier := notify.NewLogNotifier(logger)
	if len(cfg.KafkaBrokers) == 0 {
		return logNotifier, func() {}
	}

	kafkaNotifier := notify.NewKafkaNotifier(notify.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaOrdersTopic), cfg.KafkaOrdersTopic, logger)
	logger.Info("kafka_notifier_enabled", zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaOrdersTopic))
	return notify.Multi{logNotifier, kafkaNotifier}, func() {
		if err := kafkaNotifier.Close(); err != nil {
			logger.Error("kafka_close_failed", zap.Error(err))
		}
	}
}
