package main

import (
	"context"
	"log"
	"time"

	"github.com/robertarktes/expert-bookings/internal/adapters/crdb"
	"github.com/robertarktes/expert-bookings/internal/app"
	"github.com/robertarktes/expert-bookings/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	pool, err := app.OpenPostgres(ctx, cfg.CRDBDSN)
	if err != nil {
		log.Fatalf("failed to connect to crdb: %v", err)
	}
	defer pool.Close()

	version, err := crdb.Migrate(ctx, pool)
	if err != nil {
		log.Fatalf("migrate: %v", err)
	}
	log.Printf("schema at version %d", version)
}
