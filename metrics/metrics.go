// Package metrics provides Prometheus metrics for content transfer.
// It tracks pushes, user decisions, wiki API traffic, cache performance and tool calls.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all metrics
const (
	Namespace = "contenttransfer"
)

var (
	// RequestsTotal counts total MCP tool calls by tool name and status
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "requests_total",
		Help:      "Total number of MCP tool calls",
	}, []string{"tool", "status"})

	// RequestDuration measures tool call latency distribution
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: Namespace,
		Name:      "request_duration_seconds",
		Help:      "Tool call latency distribution by tool",
		Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300},
	}, []string{"tool"})

	// RequestInFlight tracks currently executing tool calls
	RequestInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "requests_in_flight",
		Help:      "Number of tool calls currently being processed",
	}, []string{"tool"})

	// PanicsRecovered counts recovered panics
	PanicsRecovered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "panics_recovered_total",
		Help:      "Number of panics recovered in tool handlers",
	}, []string{"tool"})

	// PushesTotal counts page pushes by target and outcome kind
	PushesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "pushes_total",
		Help:      "Page pushes by target and result (success or failure kind)",
	}, []string{"target", "result"})

	// PushDuration measures the time to push one page
	PushDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: Namespace,
		Name:      "push_duration_seconds",
		Help:      "Time to push one page to a target",
		Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 180},
	}, []string{"target"})

	// DecisionsTotal counts answers to pending push decisions
	DecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "decisions_total",
		Help:      "Skip/force/stop decisions by failure kind",
	}, []string{"kind", "decision"})

	// PurgesTotal counts purge requests sent after a run
	PurgesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "purges_total",
		Help:      "Purge requests by target and status",
	}, []string{"target", "status"})

	// UploadBytes tracks file sizes uploaded to targets
	UploadBytes = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: Namespace,
		Name:      "upload_size_bytes",
		Help:      "Uploaded file size distribution in bytes",
		Buckets:   []float64{1e3, 1e4, 1e5, 5e5, 1e6, 5e6, 1e7, 5e7, 1e8},
	}, []string{"target"})

	// ContentSize tracks wikitext sizes pushed
	ContentSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: Namespace,
		Name:      "content_size_bytes",
		Help:      "Pushed wikitext size distribution in bytes",
		Buckets:   []float64{100, 1000, 10000, 50000, 100000, 250000, 500000, 1000000},
	})

	// AuthFailures counts authentication failures
	AuthFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "auth_failures_total",
		Help:      "Authentication failure count by wiki and reason",
	}, []string{"wiki", "reason"})

	// WikiAPILatency measures wiki API call latency
	WikiAPILatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: Namespace,
		Name:      "wiki_api_latency_seconds",
		Help:      "Wiki API call latency by wiki and action",
		Buckets:   prometheus.DefBuckets,
	}, []string{"wiki", "action"})

	// WikiAPIRequestsTotal counts wiki API requests
	WikiAPIRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "wiki_api_requests_total",
		Help:      "Total wiki API requests by wiki, action and status",
	}, []string{"wiki", "action", "status"})

	// WikiAPIErrors counts remote API errors by error code
	WikiAPIErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "wiki_api_errors_total",
		Help:      "Wiki API errors by wiki, action and error code",
	}, []string{"wiki", "action", "error_code"})

	// WikiAPIRetries counts API request retries
	WikiAPIRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "wiki_api_retries_total",
		Help:      "Wiki API retry count by wiki and action",
	}, []string{"wiki", "action"})

	// RateLimitWaits counts requests that had to wait for the pacing limiter
	RateLimitWaits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "rate_limit_waits_total",
		Help:      "Requests delayed by client-side pacing",
	}, []string{"wiki"})

	// CacheHits counts source lookup cache hits
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "cache_hits_total",
		Help:      "Total cache hit count",
	})

	// CacheMisses counts source lookup cache misses
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "cache_misses_total",
		Help:      "Total cache miss count",
	})
)

// RecordRequest records a completed tool call with its duration and status
func RecordRequest(tool string, duration float64, success bool) {
	RequestsTotal.WithLabelValues(tool, status(success)).Inc()
	RequestDuration.WithLabelValues(tool).Observe(duration)
}

// RecordAPICall records a wiki API call
func RecordAPICall(wiki, action string, duration float64, success bool, errorCode string) {
	WikiAPIRequestsTotal.WithLabelValues(wiki, action, status(success)).Inc()
	WikiAPILatency.WithLabelValues(wiki, action).Observe(duration)
	if errorCode != "" {
		WikiAPIErrors.WithLabelValues(wiki, action, errorCode).Inc()
	}
}

// RecordPush records one page push; result is "success" or a failure kind
func RecordPush(target, result string, duration float64) {
	PushesTotal.WithLabelValues(target, result).Inc()
	PushDuration.WithLabelValues(target).Observe(duration)
}

// RecordCacheAccess records a cache hit or miss
func RecordCacheAccess(hit bool) {
	if hit {
		CacheHits.Inc()
	} else {
		CacheMisses.Inc()
	}
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
