// Package domain implements the performance monitor: operation counters,
// moving-average latencies, a rolling window of process samples, and the
// health report.
package domain

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pennyrealm/pennyrealm/internal/platform/timeouts"
)

const (
	// emaAlpha weights new latency observations.
	emaAlpha = 0.1
	// MaxSamples bounds the rolling sample window.
	MaxSamples = 60
	// MaxErrorLog bounds the internal-error log.
	MaxErrorLog = 100

	// Health thresholds.
	maxHeapUtilization = 0.9
	maxRequestMillis   = 1000.0
	maxWSMessageMillis = 100.0
	minCacheHitRate    = 0.5
	minCacheAccesses   = 100
)

// Sample is one point-in-time capture of process memory state.
type Sample struct {
	At         time.Time `json:"at"`
	HeapUsed   uint64    `json:"heap_used"`
	HeapTotal  uint64    `json:"heap_total"`
	Sys        uint64    `json:"sys"`
	StackInUse uint64    `json:"stack_in_use"`
	Goroutines int       `json:"goroutines"`
	GCCPUShare float64   `json:"gc_cpu_share"`
}

// ErrorEntry is one recorded internal failure.
type ErrorEntry struct {
	At        time.Time `json:"at"`
	Operation string    `json:"operation"`
	Message   string    `json:"message"`
}

// Health is the aggregate health report.
type Health struct {
	Healthy          bool     `json:"healthy"`
	Issues           []string `json:"issues,omitempty"`
	HeapUtilization  float64  `json:"heap_utilization"`
	AvgRequestMillis float64  `json:"avg_request_ms"`
	AvgWSMillis      float64  `json:"avg_ws_ms"`
	AvgQueryMillis   float64  `json:"avg_query_ms"`
	CacheHitRate     float64  `json:"cache_hit_rate"`
	CacheAccesses    int64    `json:"cache_accesses"`
}

// Stats is the counter snapshot exposed over the wire.
type Stats struct {
	Requests    int64 `json:"requests"`
	WSMessages  int64 `json:"ws_messages"`
	DBQueries   int64 `json:"db_queries"`
	CacheHits   int64 `json:"cache_hits"`
	CacheMisses int64 `json:"cache_misses"`
}

// ema is an exponential moving average in milliseconds, seeded by the
// first observation.
type ema struct {
	value  float64
	seeded bool
}

func (e *ema) observe(millis float64) {
	if !e.seeded {
		e.value = millis
		e.seeded = true
		return
	}
	e.value = emaAlpha*millis + (1-emaAlpha)*e.value
}

// Service owns all monitor state and the Prometheus collectors backing it.
type Service struct {
	mu    sync.Mutex
	clock func() time.Time

	requests    int64
	wsMessages  int64
	dbQueries   int64
	cacheHits   int64
	cacheMisses int64

	requestLatency ema
	wsLatency      ema
	queryLatency   ema

	samples  []Sample
	errorLog []ErrorEntry

	registry          *prometheus.Registry
	requestsTotal     prometheus.Counter
	wsMessagesTotal   prometheus.Counter
	dbQueriesTotal    prometheus.Counter
	cacheHitsTotal    prometheus.Counter
	cacheMissesTotal  prometheus.Counter
	requestLatencyAvg prometheus.Gauge
	wsLatencyAvg      prometheus.Gauge
	queryLatencyAvg   prometheus.Gauge
	heapUsedBytes     prometheus.Gauge
}

// NewService constructs the monitor with its own Prometheus registry.
func NewService(clock func() time.Time) *Service {
	if clock == nil {
		clock = time.Now
	}

	s := &Service{
		clock:    clock,
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pennyrealm_requests_total",
			Help: "HTTP and wire requests handled.",
		}),
		wsMessagesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pennyrealm_ws_messages_total",
			Help: "WebSocket frames processed.",
		}),
		dbQueriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pennyrealm_db_queries_total",
			Help: "Player store queries issued.",
		}),
		cacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pennyrealm_cache_hits_total",
			Help: "Cache lookups served from memory.",
		}),
		cacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pennyrealm_cache_misses_total",
			Help: "Cache lookups that fell through.",
		}),
		requestLatencyAvg: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pennyrealm_request_latency_avg_ms",
			Help: "Moving-average request latency in milliseconds.",
		}),
		wsLatencyAvg: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pennyrealm_ws_latency_avg_ms",
			Help: "Moving-average WebSocket frame latency in milliseconds.",
		}),
		queryLatencyAvg: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pennyrealm_query_latency_avg_ms",
			Help: "Moving-average player store query latency in milliseconds.",
		}),
		heapUsedBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pennyrealm_heap_used_bytes",
			Help: "Heap bytes in use at the last sample.",
		}),
	}
	s.registry.MustRegister(
		s.requestsTotal,
		s.wsMessagesTotal,
		s.dbQueriesTotal,
		s.cacheHitsTotal,
		s.cacheMissesTotal,
		s.requestLatencyAvg,
		s.wsLatencyAvg,
		s.queryLatencyAvg,
		s.heapUsedBytes,
	)
	return s
}

// Registry exposes the collectors for the metrics endpoint.
func (s *Service) Registry() *prometheus.Registry {
	return s.registry
}

// RecordRequest counts one handled request and folds its latency in.
func (s *Service) RecordRequest(elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests++
	s.requestsTotal.Inc()
	s.requestLatency.observe(float64(elapsed) / float64(time.Millisecond))
	s.requestLatencyAvg.Set(s.requestLatency.value)
}

// RecordWSMessage counts one processed WebSocket frame.
func (s *Service) RecordWSMessage(elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.wsMessages++
	s.wsMessagesTotal.Inc()
	s.wsLatency.observe(float64(elapsed) / float64(time.Millisecond))
	s.wsLatencyAvg.Set(s.wsLatency.value)
}

// RecordDBQuery counts one player store query.
func (s *Service) RecordDBQuery(elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dbQueries++
	s.dbQueriesTotal.Inc()
	s.queryLatency.observe(float64(elapsed) / float64(time.Millisecond))
	s.queryLatencyAvg.Set(s.queryLatency.value)
}

// RecordCacheHit counts one cache lookup served from memory.
func (s *Service) RecordCacheHit() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cacheHits++
	s.cacheHitsTotal.Inc()
}

// RecordCacheMiss counts one cache lookup that fell through.
func (s *Service) RecordCacheMiss() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cacheMisses++
	s.cacheMissesTotal.Inc()
}

// RecordError appends one internal failure to the bounded error log.
func (s *Service) RecordError(operation string, cause error) {
	if cause == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.errorLog = append(s.errorLog, ErrorEntry{
		At:        s.clock().UTC(),
		Operation: operation,
		Message:   cause.Error(),
	})
	if overflow := len(s.errorLog) - MaxErrorLog; overflow > 0 {
		s.errorLog = append(s.errorLog[:0:0], s.errorLog[overflow:]...)
	}
}

// Errors returns the recorded internal failures, oldest first.
func (s *Service) Errors() []ErrorEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]ErrorEntry(nil), s.errorLog...)
}

// Stats returns the counter snapshot.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Stats{
		Requests:    s.requests,
		WSMessages:  s.wsMessages,
		DBQueries:   s.dbQueries,
		CacheHits:   s.cacheHits,
		CacheMisses: s.cacheMisses,
	}
}

// CaptureSample records one process memory sample into the rolling window.
func (s *Service) CaptureSample() Sample {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	sample := Sample{
		At:         s.clock().UTC(),
		HeapUsed:   mem.HeapAlloc,
		HeapTotal:  mem.HeapSys,
		Sys:        mem.Sys,
		StackInUse: mem.StackInuse,
		Goroutines: runtime.NumGoroutine(),
		GCCPUShare: mem.GCCPUFraction,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.samples = append(s.samples, sample)
	if overflow := len(s.samples) - MaxSamples; overflow > 0 {
		s.samples = append(s.samples[:0:0], s.samples[overflow:]...)
	}
	s.heapUsedBytes.Set(float64(sample.HeapUsed))
	return sample
}

// Samples returns the rolling window, oldest first.
func (s *Service) Samples() []Sample {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]Sample(nil), s.samples...)
}

// RunSampler captures a sample immediately and then on every tick until
// the context ends.
func (s *Service) RunSampler(ctx context.Context) {
	s.CaptureSample()

	ticker := time.NewTicker(timeouts.MetricSample)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.CaptureSample()
		}
	}
}

// HealthCheck evaluates the thresholds against current state.
func (s *Service) HealthCheck() Health {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := Health{
		Healthy:          true,
		AvgRequestMillis: s.requestLatency.value,
		AvgWSMillis:      s.wsLatency.value,
		AvgQueryMillis:   s.queryLatency.value,
		CacheAccesses:    s.cacheHits + s.cacheMisses,
	}

	if len(s.samples) > 0 {
		latest := s.samples[len(s.samples)-1]
		if latest.HeapTotal > 0 {
			report.HeapUtilization = float64(latest.HeapUsed) / float64(latest.HeapTotal)
		}
	}
	if report.HeapUtilization > maxHeapUtilization {
		report.Issues = append(report.Issues, fmt.Sprintf("heap utilization %.0f%% above %.0f%%", report.HeapUtilization*100, maxHeapUtilization*100))
	}
	if s.requestLatency.seeded && report.AvgRequestMillis > maxRequestMillis {
		report.Issues = append(report.Issues, fmt.Sprintf("average request time %.0fms above %.0fms", report.AvgRequestMillis, maxRequestMillis))
	}
	if s.wsLatency.seeded && report.AvgWSMillis > maxWSMessageMillis {
		report.Issues = append(report.Issues, fmt.Sprintf("average ws message time %.0fms above %.0fms", report.AvgWSMillis, maxWSMessageMillis))
	}
	if report.CacheAccesses > minCacheAccesses {
		report.CacheHitRate = float64(s.cacheHits) / float64(report.CacheAccesses)
		if report.CacheHitRate < minCacheHitRate {
			report.Issues = append(report.Issues, fmt.Sprintf("cache hit rate %.0f%% below %.0f%%", report.CacheHitRate*100, minCacheHitRate*100))
		}
	} else if report.CacheAccesses > 0 {
		report.CacheHitRate = float64(s.cacheHits) / float64(report.CacheAccesses)
	}

	report.Healthy = len(report.Issues) == 0
	return report
}
