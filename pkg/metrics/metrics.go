// Package metrics exposes prometheus instrumentation for the quota
// ledger, the provisioning flow and the build-status reconciler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var registry = prometheus.NewRegistry()

var (
	// QuotaReservations counts ledger debit attempts by outcome
	// (ok, shortage, no_such_quota, error).
	QuotaReservations = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: "vms",
		Subsystem: "quota",
		Name:      "reservations_total",
		Help:      "Quota reservation attempts by outcome.",
	}, []string{"outcome"})

	QuotaReleases = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: "vms",
		Subsystem: "quota",
		Name:      "releases_total",
		Help:      "Quota release attempts by outcome (ok, noop, error).",
	}, []string{"outcome"})

	// QuotaClamps counts releases that had to be floored at zero. Any
	// increase here means the ledger drifted and should be investigated.
	QuotaClamps = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Namespace: "vms",
		Subsystem: "quota",
		Name:      "release_clamps_total",
		Help:      "Quota releases clamped at zero due to counter drift.",
	})

	ProvisionRollbacks = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Namespace: "vms",
		Subsystem: "provision",
		Name:      "rollbacks_total",
		Help:      "Server create requests rolled back after provider failure.",
	})

	ProviderCallDuration = promauto.With(registry).NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "vms",
		Subsystem: "provider",
		Name:      "call_duration_seconds",
		Help:      "Provider adapter call duration.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method"})

	ReconcileAttempts = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Namespace: "vms",
		Subsystem: "reconciler",
		Name:      "attempts_total",
		Help:      "Build-status poll attempts.",
	})

	ReconcileFinalized = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: "vms",
		Subsystem: "reconciler",
		Name:      "finalized_total",
		Help:      "Build tasks finalized by result (ok, failed).",
	}, []string{"result"})
)

// Handler serves the broker's metric registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
