package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// promauto registers everything below on the default registry.
var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tro_requests_total",
			Help: "Total number of requests",
		},
		[]string{"route", "code", "method"},
	)

	DBTxDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tro_db_tx_seconds",
			Help:    "Duration of DB transactions",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReservationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tro_reservations_total",
			Help: "Reservation attempts by result",
		},
		[]string{"kind", "result"},
	)

	ReservationTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tro_reservation_transitions_total",
			Help: "Reservation commits and releases",
		},
		[]string{"transition"},
	)

	CheckoutsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tro_checkouts_total",
			Help: "Checkout attempts by reason code",
		},
		[]string{"result"},
	)

	ReconciliationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tro_reconciliations_total",
			Help: "Payment events by method and settlement",
		},
		[]string{"method", "result"},
	)

	WalletMovementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tro_wallet_movements_total",
			Help: "Wallet movements by direction and result",
		},
		[]string{"direction", "result"},
	)

	ValidationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tro_validations_total",
			Help: "QR scans by outcome",
		},
		[]string{"outcome"},
	)

	TicketsIssuedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tro_tickets_issued_total",
			Help: "Tickets minted",
		},
	)

	SweepReleasedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tro_sweep_reservations_total",
			Help: "Expired reservations handled by the reaper",
		},
		[]string{"action"},
	)

	OutboxLag = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tro_outbox_lag_seconds",
			Help: "Lag of outbox publishing",
		},
	)

	RabbitPublishRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tro_rabbit_publish_retries_total",
			Help: "Total rabbit publish retries",
		},
	)

	RabbitDeadLettered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tro_rabbit_dead_lettered_total",
			Help: "Total consumed messages routed to the dead-letter queue",
		},
		[]string{"queue"},
	)

	RateLimitExceeded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tro_rate_limit_exceeded_total",
			Help: "Total rate limit exceeded",
		},
	)
)
