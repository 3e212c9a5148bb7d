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

// The expiry worker only matters for the SQL reservation store; Redis holds
// expire on their own TTL.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	shutdownOtel, err := observability.SetupOTel(context.Background(), "expiry-worker", cfg.OTLPEndpoint)
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdownOtel()

	logger := observability.NewLogger(cfg.LogLevel)
	if cfg.ReservationStore != config.ReservationStoreCRDB {
		logger.Warn("RESERVATION_STORE is not crdb; nothing to purge")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := app.OpenPostgres(ctx, cfg.CRDBDSN)
	if err != nil {
		log.Fatalf("failed to connect to crdb: %v", err)
	}
	defer pool.Close()

	w := worker.NewExpiryWorker(crdb.NewReservations(crdb.NewRepository(pool), nil), logger)
	go worker.Every(ctx, cfg.ExpiryInterval, logger, "expiry", w.RunOnce)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("Shutdown expiry worker")
}
