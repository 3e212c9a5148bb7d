package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/expert-bookings/internal/adapters/crdb"
	"github.com/robertarktes/expert-bookings/internal/adapters/rabbit"
	"github.com/robertarktes/expert-bookings/internal/app"
	"github.com/robertarktes/expert-bookings/internal/config"
	"github.com/robertarktes/expert-bookings/internal/observability"
	"github.com/robertarktes/expert-bookings/internal/payments"
)

// Consumes payment signals published by the checkout service and settles
// them into bookings and commissions.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	shutdownOtel, err := observability.SetupOTel(context.Background(), "payment-consumer", cfg.OTLPEndpoint)
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdownOtel()

	logger := observability.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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

	calendar, err := app.Calendar(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("failed to setup calendar: %v", err)
	}

	svc := app.NewServices(cfg, app.Adapters{
		Repo:     repo,
		Store:    app.ReservationStore(cfg, redisClient, repo),
		Mongo:    mongoClient.Database(cfg.MongoDB),
		Calendar: calendar,
		Notifier: app.Notifier(cfg, logger),
	}, logger)

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatalf("failed to connect to rabbitmq: %v", err)
	}
	defer conn.Close()
	consumer, err := rabbit.NewConsumer(conn, rabbit.DefaultExchange, cfg.PaymentQueue, []string{"payment.succeeded"}, 10)
	if err != nil {
		log.Fatalf("failed to create consumer: %v", err)
	}
	defer consumer.Close()

	deliveries, err := consumer.Consume(ctx)
	if err != nil {
		log.Fatalf("failed to consume %s: %v", cfg.PaymentQueue, err)
	}

	logger.WithField("queue", cfg.PaymentQueue).Info("Payment consumer started")
	err = payments.NewSignalConsumer(svc.Processor, logger).Run(ctx, deliveries)
	if err != nil && ctx.Err() == nil {
		log.Fatalf("payment consumer stopped: %v", err)
	}
	logger.Info("Shutdown payment consumer")
}
