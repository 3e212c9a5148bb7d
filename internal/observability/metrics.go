package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eb_requests_total",
			Help: "Total number of requests",
		},
		[]string{"route", "code", "method"},
	)

	DBTxDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "eb_db_tx_seconds",
			Help:    "Duration of DB transactions",
			Buckets: prometheus.DefBuckets,
		},
	)

	OutboxLag = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "eb_outbox_lag_seconds",
			Help: "Age of the oldest outbox row in the last published batch",
		},
	)

	RabbitPublishRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "eb_rabbit_publish_retries_total",
			Help: "Total rabbit publish retries",
		},
	)

	RateLimitExceeded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "eb_rate_limit_exceeded_total",
			Help: "Total rate limit exceeded",
		},
	)

	// ReservationsTotal counts reserve attempts by result (reserved, refused,
	// booked, error).
	ReservationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eb_reservations_total",
			Help: "Slot reservation attempts",
		},
		[]string{"result"},
	)

	// BookingsTotal counts ConfirmBooking calls by outcome or guard failure.
	BookingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eb_bookings_total",
			Help: "Booking confirmations by outcome",
		},
		[]string{"outcome"},
	)

	CommissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eb_commissions_total",
			Help: "Commission resolutions by result",
		},
		[]string{"result"},
	)

	HookFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eb_hook_failures_total",
			Help: "Best-effort side effects that failed",
		},
		[]string{"hook"},
	)

	SubscriptionTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eb_subscription_transitions_total",
			Help: "Applied subscription transitions",
		},
		[]string{"kind"},
	)

	// PaymentSignals counts processed payment signals by source (stripe,
	// rabbit) and result (ok, rejected, retry).
	PaymentSignals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eb_payment_signals_total",
			Help: "Payment signals by source and result",
		},
		[]string{"source", "result"},
	)
)
