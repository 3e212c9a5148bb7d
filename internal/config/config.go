package config

import (
	"os"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
)

const (
	ReservationStoreRedis = "redis"
	ReservationStoreCRDB  = "crdb"
)

type Config struct {
	CRDBDSN      string
	MongoURI     string
	MongoDB      string
	RedisAddr    string
	RabbitURL    string
	JWTPublicKey string
	HTTPAddr     string
	LogLevel     string
	OTLPEndpoint string

	HoldTTL             time.Duration
	ReservationStore    string
	PaymentBypassMaxAge time.Duration
	HookTimeout         time.Duration

	StripeWebhookSecret       string
	SendGridAPIKey            string
	SendGridFromEmail         string
	GoogleCalendarCredentials string

	OutboxInterval     time.Duration
	ExpiryInterval     time.Duration
	CommissionInterval time.Duration
	CommissionMinAge   time.Duration
	WorkerBatchSize    int
	PaymentQueue       string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		CRDBDSN:      os.Getenv("CRDB_DSN"),
		MongoURI:     os.Getenv("MONGO_URI"),
		MongoDB:      getenv("MONGO_DB", "bookings"),
		RedisAddr:    os.Getenv("REDIS_ADDR"),
		RabbitURL:    os.Getenv("RABBIT_URL"),
		JWTPublicKey: os.Getenv("JWT_PUBLIC_KEY"),
		HTTPAddr:     getenv("HTTP_ADDR", ":8080"),
		LogLevel:     getenv("LOG_LEVEL", "info"),
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),

		ReservationStore: getenv("RESERVATION_STORE", ReservationStoreRedis),

		StripeWebhookSecret:       os.Getenv("STRIPE_WEBHOOK_SECRET"),
		SendGridAPIKey:            os.Getenv("SENDGRID_API_KEY"),
		SendGridFromEmail:         getenv("SENDGRID_FROM_EMAIL", "no-reply@example.com"),
		GoogleCalendarCredentials: os.Getenv("GOOGLE_CALENDAR_CREDENTIALS"),

		PaymentQueue: getenv("PAYMENT_QUEUE", "payments.succeeded"),
	}

	var err error
	durations := []struct {
		key  string
		def  time.Duration
		dest *time.Duration
	}{
		{"HOLD_TTL", 10 * time.Minute, &cfg.HoldTTL},
		{"PAYMENT_BYPASS_MAX_AGE", 72 * time.Hour, &cfg.PaymentBypassMaxAge},
		{"HOOK_TIMEOUT", 5 * time.Second, &cfg.HookTimeout},
		{"OUTBOX_INTERVAL", 5 * time.Second, &cfg.OutboxInterval},
		{"EXPIRY_INTERVAL", 10 * time.Second, &cfg.ExpiryInterval},
		{"COMMISSION_INTERVAL", 30 * time.Second, &cfg.CommissionInterval},
		{"COMMISSION_MIN_AGE", time.Minute, &cfg.CommissionMinAge},
	}
	for _, d := range durations {
		if *d.dest, err = duration(d.key, d.def); err != nil {
			return nil, err
		}
	}
	if cfg.HoldTTL <= 0 {
		return nil, errors.Newf("HOLD_TTL must be positive, got %s", cfg.HoldTTL)
	}

	cfg.WorkerBatchSize = 50
	if v := os.Getenv("WORKER_BATCH_SIZE"); v != "" {
		if cfg.WorkerBatchSize, err = strconv.Atoi(v); err != nil {
			return nil, errors.Wrapf(err, "WORKER_BATCH_SIZE %q", v)
		}
	}

	switch cfg.ReservationStore {
	case ReservationStoreRedis, ReservationStoreCRDB:
	default:
		return nil, errors.Newf("unknown RESERVATION_STORE %q", cfg.ReservationStore)
	}
	return cfg, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// duration reads key as a Go duration. Unset keys take def; "0" is kept.
func duration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, errors.Wrapf(err, "%s %q", key, v)
	}
	return d, nil
}
