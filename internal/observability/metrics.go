package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "gorepl",
			Name:      "sessions_active",
			Help:      "Sessions currently held by the registry.",
		},
	)
	sessionsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gorepl",
			Name:      "sessions_created_total",
			Help:      "Worker sessions spawned.",
		},
	)
	sessionsRemoved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gorepl",
			Name:      "sessions_removed_total",
			Help:      "Worker sessions torn down, by reason.",
		},
		[]string{"reason"},
	)
	requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gorepl",
			Name:      "requests_total",
			Help:      "Dispatcher operations, by outcome.",
		},
		[]string{"op", "outcome"},
	)
	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "gorepl",
			Name:      "request_duration_seconds",
			Help:      "Dispatcher operation duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"op"},
	)
)

// Removal reasons reported by RecordSessionRemoved.
const (
	ReasonDeleted  = "deleted"
	ReasonExpired  = "expired"
	ReasonCrashed  = "crashed"
	ReasonTimeout  = "timeout"
	ReasonReplaced = "replaced"
	ReasonShutdown = "shutdown"
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(sessionsActive, sessionsCreated, sessionsRemoved, requests, requestDuration)
	})
}

func RecordSessionCreated() {
	RegisterMetrics()
	sessionsCreated.Inc()
	sessionsActive.Inc()
}

func RecordSessionRemoved(reason string) {
	RegisterMetrics()
	sessionsRemoved.WithLabelValues(reason).Inc()
	sessionsActive.Dec()
}

func RecordRequest(op, outcome string, duration time.Duration) {
	RegisterMetrics()
	requests.WithLabelValues(op, outcome).Inc()
	requestDuration.WithLabelValues(op).Observe(duration.Seconds())
}
