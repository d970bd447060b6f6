// Package metrics exposes the engine's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ReservationsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "promo_reservations_created_total",
		Help: "Reservations inserted (idempotent replays excluded).",
	})

	ReservationsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "promo_reservations_expired_total",
		Help: "Reservations the reaper transitioned to expired.",
	})

	RedemptionsCommitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "promo_redemptions_committed_total",
		Help: "Ledger rows written by the committer.",
	})

	LimitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "promo_limit_rejections_total",
		Help: "Reserve/commit attempts rejected by a usage cap.",
	}, []string{"limit"})

	GatewayCallFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "promo_gateway_call_failures_total",
		Help: "Failed create/delete calls against payment gateways.",
	}, []string{"gateway", "op"})

	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "promo_reaper_sweep_seconds",
		Help:    "Wall time of one reaper sweep.",
		Buckets: prometheus.DefBuckets,
	})
)
