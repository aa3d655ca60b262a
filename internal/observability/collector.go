// Package observability provides logging, request tracing and upstream
// request metrics.
package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RequestInfo describes an upstream HTTP request.
type RequestInfo struct {
	Server  string
	Method  string
	URL     string
	Attempt int
}

// RequestResult describes the outcome of an upstream HTTP request.
type RequestResult struct {
	StatusCode int
	Duration   time.Duration
	Retryable  bool
	Error      error
}

// SessionMetrics aggregates upstream activity since the collector started.
type SessionMetrics struct {
	StartTime     time.Time
	EndTime       time.Time
	TotalRequests int
	FailedCalls   int
	TotalRetries  int
	TotalLatency  time.Duration
}

// Collector accumulates upstream request metrics. Counts are kept in memory
// for the session summary and mirrored to Prometheus when a registerer is given.
// It is safe for concurrent use.
type Collector struct {
	mu sync.Mutex

	startTime     time.Time
	totalRequests int
	failedCalls   int
	totalRetries  int
	totalLatency  time.Duration

	requests *prometheus.CounterVec
	retries  *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// NewCollector creates a Collector. reg may be nil.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		startTime: time.Now(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pipeboard",
			Subsystem: "upstream",
			Name:      "requests_total",
			Help:      "Upstream GitLab requests by server and HTTP status (0 for transport errors).",
		}, []string{"server", "code"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pipeboard",
			Subsystem: "upstream",
			Name:      "retries_total",
			Help:      "Upstream GitLab request retries by server.",
		}, []string{"server"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pipeboard",
			Subsystem: "upstream",
			Name:      "request_duration_seconds",
			Help:      "Upstream GitLab request latency by server.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"server"}),
	}
	if reg != nil {
		for _, col := range []prometheus.Collector{c.requests, c.retries, c.latency} {
			if err := reg.Register(col); err != nil {
				return nil, err
			}
		}
	}
	return c, nil
}

// RecordRequest records a completed request attempt.
func (c *Collector) RecordRequest(info RequestInfo, result RequestResult) {
	c.mu.Lock()
	c.totalRequests++
	c.totalLatency += result.Duration
	if result.Error != nil {
		c.failedCalls++
	}
	c.mu.Unlock()

	c.requests.WithLabelValues(info.Server, strconv.Itoa(result.StatusCode)).Inc()
	c.latency.WithLabelValues(info.Server).Observe(result.Duration.Seconds())
}

// RecordRetry records a retry event.
func (c *Collector) RecordRetry(info RequestInfo) {
	c.mu.Lock()
	c.totalRetries++
	c.mu.Unlock()

	c.retries.WithLabelValues(info.Server).Inc()
}

// Summary returns aggregated metrics for the session.
func (c *Collector) Summary() SessionMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()

	return SessionMetrics{
		StartTime:     c.startTime,
		EndTime:       time.Now(),
		TotalRequests: c.totalRequests,
		FailedCalls:   c.failedCalls,
		TotalRetries:  c.totalRetries,
		TotalLatency:  c.totalLatency,
	}
}

// Reset clears the session counters. Prometheus counters are monotonic and
// are not affected.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.startTime = time.Now()
	c.totalRequests = 0
	c.failedCalls = 0
	c.totalRetries = 0
	c.totalLatency = 0
}
