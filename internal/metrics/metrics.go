package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "trendpipe"

// Circuit breaker metrics
var (
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "circuit_breaker_state",
		Help:      "Circuit state per service (0=closed, 1=half-open, 2=open)",
	}, []string{"service"})

	CircuitBreakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "circuit_breaker_transitions_total",
		Help:      "Circuit state transitions",
	}, []string{"service", "from", "to"})

	CircuitBreakerRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "circuit_breaker_requests_total",
		Help:      "Calls through a circuit by result (success, failure, excluded, rejected)",
	}, []string{"service", "result"})

	RetryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "retry_attempts_total",
		Help:      "Retries scheduled after a failed attempt",
	}, []string{"service"})
)

// Job metrics
var (
	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_total",
		Help:      "Processed jobs by kind and outcome",
	}, []string{"kind", "outcome"})

	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "job_duration_seconds",
		Help:      "Job processing time",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	}, []string{"kind"})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Jobs waiting in the queue",
	}, []string{"kind"})

	JobsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_rejected_total",
		Help:      "Job admissions refused by reason code",
	}, []string{"kind", "reason"})
)

// Cache and lock metrics
var (
	CacheRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_requests_total",
		Help:      "Cache lookups by result (hit, miss, error)",
	}, []string{"result"})

	LockAcquisitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "lock_acquisitions_total",
		Help:      "Refresh lock attempts by result (acquired, contended, error)",
	}, []string{"result"})

	TrendingRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "trending_refreshes_total",
		Help:      "Trending refreshes by platform and result",
	}, []string{"platform", "result"})
)

// Vault metrics
var (
	TokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "token_refreshes_total",
		Help:      "Platform access token refreshes by result",
	}, []string{"platform", "result"})

	KeyDerivations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "key_derivations_total",
		Help:      "Per-owner key derivations that missed the key cache",
	})
)

// Handler exposes the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}
