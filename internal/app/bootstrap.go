// Package app wires adapters and services shared by the binaries under cmd/.
package app

import (
	"context"
	"crypto/rsa"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/golang-jwt/jwt/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/robertarktes/expert-bookings/internal/adapters/crdb"
	"github.com/robertarktes/expert-bookings/internal/adapters/gcal"
	mongoadapter "github.com/robertarktes/expert-bookings/internal/adapters/mongo"
	redisadapter "github.com/robertarktes/expert-bookings/internal/adapters/redis"
	"github.com/robertarktes/expert-bookings/internal/adapters/sendgrid"
	"github.com/robertarktes/expert-bookings/internal/booking"
	"github.com/robertarktes/expert-bookings/internal/commission"
	"github.com/robertarktes/expert-bookings/internal/config"
	"github.com/robertarktes/expert-bookings/internal/observability"
	"github.com/robertarktes/expert-bookings/internal/payments"
	"github.com/robertarktes/expert-bookings/internal/subscription"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"google.golang.org/api/option"
)

const connectTimeout = 10 * time.Second

// OpenPostgres connects to CockroachDB and checks the connection.
func OpenPostgres(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	if dsn == "" {
		return nil, errors.New("CRDB_DSN is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "connect crdb")
	}
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping crdb")
	}
	return pool, nil
}

func OpenMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	if uri == "" {
		return nil, errors.New("MONGO_URI is required")
	}
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, errors.Wrap(err, "connect mongo")
	}
	return client, nil
}

func OpenRedis(addr string) (*redis.Client, error) {
	if addr == "" {
		return nil, errors.New("REDIS_ADDR is required")
	}
	return redis.NewClient(&redis.Options{Addr: addr}), nil
}

// ReservationStore picks the hold store named by RESERVATION_STORE.
func ReservationStore(cfg *config.Config, client *redis.Client, repo *crdb.Repository) booking.ReservationStore {
	if cfg.ReservationStore == config.ReservationStoreCRDB {
		return crdb.NewReservations(repo, time.Now)
	}
	return redisadapter.NewReservations(client, time.Now)
}

// Calendar returns the Google Calendar provider when credentials are set,
// otherwise a provider that never reports busy time.
func Calendar(ctx context.Context, cfg *config.Config, logger observability.Logger) (booking.Calendar, error) {
	if cfg.GoogleCalendarCredentials == "" {
		logger.Warn("no calendar credentials configured; calendar sync disabled")
		return gcal.Noop{}, nil
	}
	p, err := gcal.NewProvider(ctx, logger, option.WithCredentialsJSON([]byte(cfg.GoogleCalendarCredentials)))
	if err != nil {
		return nil, errors.Wrap(err, "calendar provider")
	}
	return p, nil
}

// Notifier returns the SendGrid notifier, or a logging stub without an API key.
func Notifier(cfg *config.Config, logger observability.Logger) booking.Notifier {
	if cfg.SendGridAPIKey == "" {
		logger.Warn("no SendGrid API key configured; notifications are logged only")
		return sendgrid.NewStubNotifier(logger)
	}
	return sendgrid.NewNotifier(sendgrid.Config{APIKey: cfg.SendGridAPIKey, FromEmail: cfg.SendGridFromEmail}, logger)
}

// JWTKey parses the PEM encoded RS256 verification key. An empty value
// returns nil, which leaves the API unauthenticated.
func JWTKey(pem string) (*rsa.PublicKey, error) {
	if pem == "" {
		return nil, nil
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(pem))
	if err != nil {
		return nil, errors.Wrap(err, "parse JWT_PUBLIC_KEY")
	}
	return key, nil
}

// Services is the booking and commission core assembled over concrete
// adapters.
type Services struct {
	Reservations  *booking.Reservations
	Orchestrator  *booking.Orchestrator
	Commissions   *commission.Resolver
	Subscriptions *subscription.Service
	Processor     *payments.Processor
}

type Adapters struct {
	Repo     *crdb.Repository
	Store    booking.ReservationStore
	Mongo    *mongo.Database
	Calendar booking.Calendar
	Notifier booking.Notifier
}

func NewServices(cfg *config.Config, a Adapters, logger observability.Logger) *Services {
	audit := mongoadapter.NewAuditLogger(a.Mongo, logger)
	deps := booking.Deps{
		Store:     a.Store,
		Ledger:    a.Repo,
		Catalog:   mongoadapter.NewCatalogRepository(a.Mongo, logger),
		Directory: a.Repo,
		Calendar:  a.Calendar,
		Notifier:  a.Notifier,
		Auditor:   audit,
		Logger:    logger,
	}
	opts := booking.Options{
		HookTimeout:         cfg.HookTimeout,
		PaymentBypassMaxAge: cfg.PaymentBypassMaxAge,
		DefaultHoldTTL:      cfg.HoldTTL,
	}

	s := &Services{
		Reservations:  booking.NewReservations(deps, opts),
		Orchestrator:  booking.NewOrchestrator(deps, opts),
		Commissions:   commission.NewResolver(a.Repo, a.Repo, audit, logger, nil),
		Subscriptions: subscription.NewService(a.Repo, audit, logger),
	}
	s.Processor = payments.NewProcessor(s.Orchestrator, s.Commissions, a.Repo, logger)
	return s
}
