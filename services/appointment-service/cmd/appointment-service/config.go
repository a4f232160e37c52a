package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/carelink-health/carelink/libs/config"
	"github.com/carelink-health/carelink/services/appointment-service/internal/cancellation"
	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5/pgxpool"
)

type serviceConfig struct {
	ServiceName string `validate:"required"`
	Port        string `validate:"required,numeric"`
	GRPCPort    string `validate:"omitempty,numeric"`
	DatabaseURL string `validate:"required"`

	JWTSecret string `validate:"required_without=JWKSURL"`
	JWKSURL   string `validate:"omitempty,url"`

	KafkaBrokers       string
	RedisAddr          string `validate:"omitempty,hostname_port"`
	RateLimitPerMinute int    `validate:"gte=1"`
	CORSAllowedOrigins []string

	StripeSecretKey string
	StripeAPIBase   string        `validate:"omitempty,url"`
	RefundTimeout   time.Duration `validate:"gt=0"`
	Window          time.Duration `validate:"gt=0"`

	ReconcileEnabled   bool
	ReconcileInterval  time.Duration `validate:"gt=0"`
	ReconcileBatchSize int           `validate:"gte=1,lte=1000"`
	ReconcileLockKey   int64
}

func loadConfig() (serviceConfig, error) {
	port, err := config.Port("PORT", "8080")
	if err != nil {
		return serviceConfig{}, err
	}
	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		return serviceConfig{}, err
	}
	// Accepts URL and key/value connection strings alike.
	if _, err := pgxpool.ParseConfig(dbURL); err != nil {
		return serviceConfig{}, fmt.Errorf("DATABASE_URL: %w", err)
	}
	lockKey, err := strconv.ParseInt(config.String("REFUND_RECONCILE_LOCK_KEY", "7311001"), 10, 64)
	if err != nil {
		return serviceConfig{}, fmt.Errorf("REFUND_RECONCILE_LOCK_KEY: %w", err)
	}

	cfg := serviceConfig{
		ServiceName: config.String("SERVICE_NAME", "appointment-service"),
		Port:        port,
		GRPCPort:    config.String("GRPC_PORT", "9080"),
		DatabaseURL: dbURL,

		JWTSecret: config.String("JWT_SECRET", ""),
		JWKSURL:   config.String("JWKS_URL", ""),

		KafkaBrokers:       config.String("KAFKA_BROKERS", ""),
		RedisAddr:          config.String("REDIS_ADDR", ""),
		RateLimitPerMinute: config.Int("RATE_LIMIT_PER_MINUTE", 20),
		CORSAllowedOrigins: config.List("CORS_ALLOWED_ORIGINS"),

		StripeSecretKey: config.String("STRIPE_SECRET_KEY", ""),
		StripeAPIBase:   config.String("STRIPE_API_BASE", ""),
		RefundTimeout:   config.Seconds("REFUND_TIMEOUT_SECONDS", cancellation.DefaultRefundTimeout),
		Window:          time.Duration(config.Int("CANCELLATION_WINDOW_HOURS", 72)) * time.Hour,

		ReconcileEnabled:   config.Bool("REFUND_RECONCILE_ENABLED", false),
		ReconcileInterval:  config.Seconds("REFUND_RECONCILE_INTERVAL_SECONDS", 5*time.Minute),
		ReconcileBatchSize: config.Int("REFUND_RECONCILE_BATCH_SIZE", 50),
		ReconcileLockKey:   lockKey,
	}
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(cfg); err != nil {
		return serviceConfig{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
