package main

import (
	"context"
	"net/http"
	"time"

	"github.com/carelink-health/carelink/libs/auth"
	"github.com/carelink-health/carelink/libs/config"
	"github.com/carelink-health/carelink/libs/db"
	"github.com/carelink-health/carelink/libs/grpcx"
	"github.com/carelink-health/carelink/libs/httpx"
	"github.com/carelink-health/carelink/libs/kafkax"
	otelx "github.com/carelink-health/carelink/libs/otel"
	"github.com/carelink-health/carelink/libs/runtime"
	"github.com/carelink-health/carelink/services/appointment-service/internal/cancellation"
	"github.com/carelink-health/carelink/services/appointment-service/internal/handlers"
	"github.com/carelink-health/carelink/services/appointment-service/internal/lifecycle"
	"github.com/carelink-health/carelink/services/appointment-service/internal/outbox"
	"github.com/carelink-health/carelink/services/appointment-service/internal/reconcile"
	"github.com/carelink-health/carelink/services/appointment-service/internal/refunds"
	"github.com/carelink-health/carelink/services/appointment-service/internal/storage"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func main() {
	if err := config.LoadDotenv(); err != nil {
		panic(err)
	}
	cfg, err := loadConfig()
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(cfg.ServiceName)

	ctx, stop := runtime.ShutdownContext(context.Background(), logger)
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(cfg.ServiceName))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	pool, err := db.Open(ctx, cfg.DatabaseURL, db.Options{})
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	repo := storage.NewAppointmentRepository(pool)
	outboxRepo := outbox.NewRepository(pool)
	outboxPublisher := outbox.NewPublisher(pool, outboxRepo, logger, outbox.PublisherConfig{
		Brokers:   cfg.KafkaBrokers,
		PollEvery: 2 * time.Second,
		BatchSize: 50,
	})
	go outboxPublisher.Run(ctx)

	var gateway refunds.Gateway
	if cfg.StripeSecretKey != "" {
		gateway = refunds.NewStripeGateway(refunds.StripeConfig{SecretKey: cfg.StripeSecretKey, BaseURL: cfg.StripeAPIBase})
	} else {
		logger.Warn("STRIPE_SECRET_KEY not set, refunds go through the local gateway")
		gateway = refunds.NewLocalGateway()
	}

	store := cancellation.NewPostgresStore(pool, repo, outboxRepo)
	cancelSvc := cancellation.New(store, gateway, logger, cancellation.Config{
		Window:        cfg.Window,
		RefundTimeout: cfg.RefundTimeout,
	})
	lifecycleSvc := lifecycle.NewService(pool, repo, outboxRepo, logger)

	checks := []runtime.ReadyCheck{
		{Name: "db", Check: db.ReadyCheck(pool)},
		{Name: "kafka", Check: kafkax.ReadyCheck(cfg.KafkaBrokers)},
	}
	var limiter httpx.Limiter = httpx.NewMemoryRateLimiter(cfg.RateLimitPerMinute, time.Minute)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		limiter = httpx.NewRedisRateLimiter(rdb, cfg.RateLimitPerMinute, time.Minute, "appointment-cancel")
		checks = append(checks, runtime.ReadyCheck{Name: "redis", Check: httpx.RedisReadyCheck(rdb)})
	}
	mux := runtime.NewBaseMuxWithReady(checks...)

	verifier := &auth.Verifier{Secret: cfg.JWTSecret}
	if cfg.JWKSURL != "" {
		verifier.JWKS = auth.NewJWKSClient(cfg.JWKSURL, 5*time.Minute)
	}

	api := http.NewServeMux()
	h := handlers.NewAppointmentHandler(cancelSvc, lifecycleSvc, logger)
	h.Register(api, httpx.RateLimit(limiter, logger, true))
	mux.Handle("/api/v1/", httpx.Chain(api,
		httpx.RequireAuth(verifier),
		httpx.WithBodyLimit(16<<10),
	))

	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithCORS(cfg.CORSAllowedOrigins, 10*time.Minute),
	)
	handler = otelhttp.NewHandler(handler, "appointments")
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	if cfg.ReconcileEnabled {
		rec := reconcile.NewRefundReconciler(pool, store, cancelSvc, logger, reconcile.Config{
			BatchSize:       cfg.ReconcileBatchSize,
			AdvisoryLockKey: cfg.ReconcileLockKey,
			SettleAfter:     cfg.RefundTimeout + time.Minute,
		})
		go rec.Run(ctx, cfg.ReconcileInterval)
	}

	if cfg.GRPCPort != "" {
		grpcSrv := grpcx.NewServer(logger)
		grpcSrv.Health.SetServingStatus(cfg.ServiceName, healthpb.HealthCheckResponse_SERVING)
		if err := grpcSrv.Start(ctx, ":"+cfg.GRPCPort, logger); err != nil {
			logger.Error("grpc server failed to start", "err", err)
		}
	}

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
}
