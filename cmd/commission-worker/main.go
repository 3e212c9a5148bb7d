package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/robertarktes/expert-bookings/internal/adapters/crdb"
	"github.com/robertarktes/expert-bookings/internal/app"
	"github.com/robertarktes/expert-bookings/internal/config"
	"github.com/robertarktes/expert-bookings/internal/observability"
	"github.com/robertarktes/expert-bookings/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	shutdownOtel, err := observability.SetupOTel(context.Background(), "commission-worker", cfg.OTLPEndpoint)
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdownOtel()

	logger := observability.NewLogger(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

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

	w := worker.NewCommissionWorker(repo, svc.Commissions, svc.Orchestrator, logger, worker.CommissionOptions{
		MinAge: cfg.CommissionMinAge,
		Batch:  cfg.WorkerBatchSize,
	})
	go worker.Every(ctx, cfg.CommissionInterval, logger, "commission", func(ctx context.Context) error {
		recorded, backfilled, err := w.RunOnce(ctx)
		if recorded > 0 || backfilled > 0 {
			logger.WithFields(map[string]interface{}{"recorded": recorded, "backfilled": backfilled}).Info("commission backlog drained")
		}
		return err
	})
	logger.Info("Commission worker started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("Shutdown commission worker")
}
