// Package metrics exposes Prometheus collectors for the draft pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "draftpipe"

var (
	uploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_uploads_total",
			Help:      "Object storage uploads by backend and outcome",
		},
		[]string{"backend", "outcome"},
	)

	registrationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registrations_total",
			Help:      "Draft file registrations by path (bulk, sequential) and outcome",
		},
		[]string{"path", "outcome"},
	)

	rateLimitRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registration_rate_limit_retries_total",
			Help:      "Retries caused by rate-limited registration calls",
		},
	)

	cacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Durable cache lookups by tier (blob, url) and result (hit, miss)",
		},
		[]string{"tier", "result"},
	)

	restorations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "restorations_total",
			Help:      "Preview restorations by outcome",
		},
		[]string{"outcome"},
	)

	duplicateClassifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_classifications_total",
			Help:      "Duplicate lookups by classification (clear, resolvable, blocked, error)",
		},
		[]string{"class"},
	)

	finalizations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "finalizations_total",
			Help:      "Draft finalizations by outcome",
		},
		[]string{"outcome"},
	)

	inferences = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inferences_total",
			Help:      "Filename inferences by source (rules, ai, quota_exhausted, none)",
		},
		[]string{"source"},
	)
)

func RecordUpload(backend, outcome string) {
	uploadsTotal.WithLabelValues(backend, outcome).Inc()
}

func RecordRegistration(path, outcome string) {
	registrationsTotal.WithLabelValues(path, outcome).Inc()
}

func RecordRateLimitRetry() {
	rateLimitRetries.Inc()
}

func RecordCacheLookup(tier string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheLookups.WithLabelValues(tier, result).Inc()
}

func RecordRestoration(outcome string) {
	restorations.WithLabelValues(outcome).Inc()
}

func RecordDuplicate(class string) {
	duplicateClassifications.WithLabelValues(class).Inc()
}

func RecordFinalization(outcome string) {
	finalizations.WithLabelValues(outcome).Inc()
}

func RecordInference(source string, n int) {
	inferences.WithLabelValues(source).Add(float64(n))
}
