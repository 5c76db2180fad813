package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionsTotal counts finished sessions by terminal state.
	SessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batchwatch_sessions_total",
		Help: "Total number of batch sessions by terminal state",
	}, []string{"state"})

	// SessionDuration tracks wall time from start to terminal state.
	SessionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "batchwatch_session_duration_seconds",
		Help:    "Batch session duration by terminal state",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	}, []string{"state"})

	// FramesTotal counts dispatched frames by event kind.
	FramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batchwatch_frames_total",
		Help: "Total number of decoded stream frames by event kind",
	}, []string{"kind"})

	// ResultsTotal counts results by category.
	ResultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batchwatch_results_total",
		Help: "Total number of result records by category",
	}, []string{"category"})

	// FlushSize tracks how many records each coalesced flush carried.
	FlushSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "batchwatch_flush_size",
		Help:    "Records per coalesced flush",
		Buckets: []float64{1, 2, 5, 10, 20, 50, 100},
	})

	// DiscardedTotal counts pending records dropped without a flush.
	DiscardedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "batchwatch_results_discarded_total",
		Help: "Pending result records dropped on cancellation or failure",
	})

	// StopNotificationsTotal counts stop notifications by outcome.
	StopNotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batchwatch_stop_notifications_total",
		Help: "Best-effort stop notifications by result",
	}, []string{"result"})

	// HTTPRequestDuration tracks local API latency by route pattern.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "batchwatch_http_request_duration_seconds",
		Help:    "Local API request latencies in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
)

// ObserveSession records a finished session.
func ObserveSession(state string, d time.Duration) {
	SessionsTotal.WithLabelValues(state).Inc()
	SessionDuration.WithLabelValues(state).Observe(d.Seconds())
}

// ObserveFlush records one coalesced flush.
func ObserveFlush(n int) {
	FlushSize.Observe(float64(n))
}

// IncFrame records a dispatched frame.
func IncFrame(kind string) {
	FramesTotal.WithLabelValues(kind).Inc()
}

// IncResult records one classified result.
func IncResult(category string) {
	ResultsTotal.WithLabelValues(category).Inc()
}

// AddDiscarded records records dropped without a flush.
func AddDiscarded(n int) {
	if n > 0 {
		DiscardedTotal.Add(float64(n))
	}
}

// IncStop records a stop notification outcome ("ok" or "error").
func IncStop(result string) {
	StopNotificationsTotal.WithLabelValues(result).Inc()
}

// ObserveHTTP records one served API request.
func ObserveHTTP(method, route string, status int, d time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}
