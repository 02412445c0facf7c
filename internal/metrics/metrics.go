package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SugarRequestsTotal tracks outbound CRM API calls.
	SugarRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sugar_api_requests_total",
			Help: "Total number of Sugar API requests made (by endpoint, method, and status).",
		},
		[]string{"endpoint", "method", "status"},
	)

	// SugarRequestDuration measures the duration of outbound CRM API calls.
	SugarRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sugar_api_request_duration_seconds",
			Help:    "Duration of Sugar API requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms → ~16s
		},
		[]string{"endpoint", "method"},
	)

	// LoginsTotal counts password-grant logins by result.
	LoginsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sugar_logins_total",
			Help: "Number of password-grant logins (by result).",
		},
		[]string{"result"},
	)

	// TokenRefreshTotal counts refresh-grant exchanges by result.
	TokenRefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sugar_token_refresh_total",
			Help: "Number of refresh-token exchanges (by result).",
		},
		[]string{"result"},
	)

	// AuthRetriesTotal counts calls replayed after an expired access token.
	AuthRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sugar_auth_retries_total",
			Help: "Number of calls retried after refreshing an expired access token (by result).",
		},
		[]string{"result"},
	)

	// RecordCacheTotal counts record cache lookups.
	RecordCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sugar_record_cache_total",
			Help: "Record cache lookups (by module and outcome).",
		},
		[]string{"module", "outcome"},
	)

	// NATSMessageCount tracks published record events by subject and result.
	NATSMessageCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nats_messages_total",
			Help: "Total number of NATS messages published.",
		},
		[]string{"subject", "result"}, // result = "ok" | "error"
	)

	NATSMessageLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nats_message_latency_seconds",
			Help:    "Time taken to publish NATS messages",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"subject"},
	)

	// SecretsCacheHits tracks hits and misses of the credentials cache.
	SecretsCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "secrets_cache_access_total",
			Help: "Number of cache hits/misses in secret cache.",
		},
		[]string{"result"}, // hit | miss
	)

	// ErrorsTotal counts adapter-level errors by component.
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adapter_errors_total",
			Help: "Count of adapter-level errors by component.",
		},
		[]string{"component", "reason"},
	)
)

// IncSugarRequest increments the CRM API request counter.
func IncSugarRequest(endpoint, method, status string) {
	SugarRequestsTotal.WithLabelValues(endpoint, method, status).Inc()
}

// ObserveDuration records elapsed time since start into a HistogramVec or SummaryVec.
func ObserveDuration(v any, start time.Time, labels ...string) {
	duration := time.Since(start).Seconds()
	switch metric := v.(type) {
	case *prometheus.HistogramVec:
		metric.WithLabelValues(labels...).Observe(duration)
	case *prometheus.SummaryVec:
		metric.WithLabelValues(labels...).Observe(duration)
	}
}

// IncLogin records a login attempt outcome.
func IncLogin(result string) {
	LoginsTotal.WithLabelValues(result).Inc()
}

// IncTokenRefresh records a refresh attempt outcome.
func IncTokenRefresh(result string) {
	TokenRefreshTotal.WithLabelValues(result).Inc()
}

// IncAuthRetry records the outcome of a replayed call.
func IncAuthRetry(result string) {
	AuthRetriesTotal.WithLabelValues(result).Inc()
}

// IncRecordCache records a cache hit or miss.
func IncRecordCache(module, outcome string) {
	RecordCacheTotal.WithLabelValues(module, outcome).Inc()
}

func IncNATSMessage(subject, result string) {
	NATSMessageCount.WithLabelValues(subject, result).Inc()
}

func IncCacheHit(result string) {
	SecretsCacheHits.WithLabelValues(result).Inc()
}

func IncError(component, reason string) {
	ErrorsTotal.WithLabelValues(component, reason).Inc()
}
