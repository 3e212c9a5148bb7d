package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robertarktes/expert-bookings/internal/adapters/crdb"
	redisadapter "github.com/robertarktes/expert-bookings/internal/adapters/redis"
	"github.com/robertarktes/expert-bookings/internal/app"
	"github.com/robertarktes/expert-bookings/internal/config"
	httphandler "github.com/robertarktes/expert-bookings/internal/http"
	"github.com/robertarktes/expert-bookings/internal/idempotency"
	"github.com/robertarktes/expert-bookings/internal/observability"
	"github.com/robertarktes/expert-bookings/internal/payments"
	"github.com/robertarktes/expert-bookings/internal/rateLimit"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	shutdown, err := observability.SetupOTel(context.Background(), "bookings-api", cfg.OTLPEndpoint)
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdown()

	logger := observability.NewLogger(cfg.LogLevel)
	ctx := context.Background()

	pool, err := app.OpenPostgres(ctx, cfg.CRDBDSN)
	if err != nil {
		log.Fatalf("failed to connect to crdb: %v", err)
	}
	defer pool.Close()
	repo := crdb.NewRepository(pool)

	mongoClient, err := app.OpenMongo(ctx, cfg.MongoURI)
	if err != nil {
		log.Fatalf("failed to connect to mongo: %v", err)
	}
	defer mongoClient.Disconnect(context.Background())

	redisClient, err := app.OpenRedis(cfg.RedisAddr)
	if err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}
	defer redisClient.Close()
	redisCache := redisadapter.NewCache(redisClient)

	calendar, err := app.Calendar(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("failed to setup calendar: %v", err)
	}
	jwtKey, err := app.JWTKey(cfg.JWTPublicKey)
	if err != nil {
		log.Fatalf("failed to load jwt key: %v", err)
	}
	if jwtKey == nil {
		logger.Warn("JWT_PUBLIC_KEY not set; API authentication disabled")
	}

	svc := app.NewServices(cfg, app.Adapters{
		Repo:     repo,
		Store:    app.ReservationStore(cfg, redisClient, repo),
		Mongo:    mongoClient.Database(cfg.MongoDB),
		Calendar: calendar,
		Notifier: app.Notifier(cfg, logger),
	}, logger)

	checks := map[string]httphandler.Check{
		"crdb":  pool.Ping,
		"redis": redisCache.Ping,
		"mongo": func(ctx context.Context) error { return mongoClient.Ping(ctx, nil) },
	}
	handlers := httphandler.NewHandlers(svc.Reservations, svc.Orchestrator, repo, svc.Commissions, checks, logger)

	opts := httphandler.RouterOptions{
		Logger:      logger,
		RateLimiter: rateLimit.NewRateLimiter(redisCache, logger),
		Idempotency: idempotency.NewIdempotency(redisadapter.NewIdempotency(redisClient), 24*time.Hour),
		JWTKey:      jwtKey,
	}
	if cfg.StripeWebhookSecret != "" {
		opts.StripeWebhook = payments.NewStripeWebhook(cfg.StripeWebhookSecret, svc.Processor, svc.Subscriptions, logger)
	} else {
		logger.Warn("STRIPE_WEBHOOK_SECRET not set; Stripe webhook disabled")
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httphandler.SetupRouter(handlers, opts),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.WithField("addr", cfg.HTTPAddr).Info("API listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %s\n", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutdown Server ...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal("Server Shutdown:", err)
	}
	logger.Info("Server exiting")
}
