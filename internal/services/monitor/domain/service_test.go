package domain

import (
	"fmt"
	"math"
	"strings"
	"testing"
	"time"
)

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func TestCountersAccumulate(t *testing.T) {
	t.Parallel()

	svc := NewService(fixedClock(time.Now()))

	svc.RecordRequest(10 * time.Millisecond)
	svc.RecordRequest(10 * time.Millisecond)
	svc.RecordWSMessage(time.Millisecond)
	svc.RecordDBQuery(2 * time.Millisecond)
	svc.RecordCacheHit()
	svc.RecordCacheMiss()
	svc.RecordCacheMiss()

	stats := svc.Stats()
	if stats.Requests != 2 || stats.WSMessages != 1 || stats.DBQueries != 1 {
		t.Fatalf("unexpected counters %+v", stats)
	}
	if stats.CacheHits != 1 || stats.CacheMisses != 2 {
		t.Fatalf("unexpected cache counters %+v", stats)
	}
}

func TestLatencyMovingAverage(t *testing.T) {
	t.Parallel()

	svc := NewService(fixedClock(time.Now()))

	svc.RecordRequest(100 * time.Millisecond)
	if got := svc.HealthCheck().AvgRequestMillis; got != 100 {
		t.Fatalf("first observation should seed the average, got %f", got)
	}

	svc.RecordRequest(200 * time.Millisecond)
	want := 0.1*200 + 0.9*100
	if got := svc.HealthCheck().AvgRequestMillis; math.Abs(got-want) > 1e-9 {
		t.Fatalf("expected average %f, got %f", want, got)
	}
}

func TestHealthCheckSlowRequests(t *testing.T) {
	t.Parallel()

	svc := NewService(fixedClock(time.Now()))

	svc.RecordRequest(2 * time.Second)
	report := svc.HealthCheck()
	if report.Healthy {
		t.Fatalf("expected unhealthy report, got %+v", report)
	}
	if len(report.Issues) != 1 || !strings.Contains(report.Issues[0], "request time") {
		t.Fatalf("expected a request-time issue, got %+v", report.Issues)
	}
}

func TestHealthCheckCacheHitRateNeedsVolume(t *testing.T) {
	t.Parallel()

	svc := NewService(fixedClock(time.Now()))

	// 10 accesses at 0% hit rate: below the volume floor, so healthy.
	for i := 0; i < 10; i++ {
		svc.RecordCacheMiss()
	}
	if report := svc.HealthCheck(); !report.Healthy {
		t.Fatalf("hit rate should not count below 100 accesses, got %+v", report)
	}

	for i := 0; i < 95; i++ {
		svc.RecordCacheMiss()
	}
	report := svc.HealthCheck()
	if report.Healthy {
		t.Fatalf("expected unhealthy at 0%% hit rate over %d accesses", report.CacheAccesses)
	}
	if len(report.Issues) != 1 || !strings.Contains(report.Issues[0], "cache hit rate") {
		t.Fatalf("expected a hit-rate issue, got %+v", report.Issues)
	}
}

func TestSampleWindowIsBounded(t *testing.T) {
	t.Parallel()

	svc := NewService(fixedClock(time.Now()))

	for i := 0; i < MaxSamples+7; i++ {
		svc.CaptureSample()
	}
	samples := svc.Samples()
	if len(samples) != MaxSamples {
		t.Fatalf("expected the window capped at %d, got %d", MaxSamples, len(samples))
	}
	if samples[0].HeapTotal == 0 {
		t.Fatalf("sample should capture heap state, got %+v", samples[0])
	}
}

func TestErrorLogIsBounded(t *testing.T) {
	t.Parallel()

	svc := NewService(fixedClock(time.Now()))

	svc.RecordError("noop", nil)
	if got := svc.Errors(); len(got) != 0 {
		t.Fatalf("nil errors should not be recorded, got %+v", got)
	}

	for i := 0; i < MaxErrorLog+5; i++ {
		svc.RecordError("trade.commit", fmt.Errorf("failure %d", i))
	}
	entries := svc.Errors()
	if len(entries) != MaxErrorLog {
		t.Fatalf("expected the log capped at %d, got %d", MaxErrorLog, len(entries))
	}
	if entries[0].Message != "failure 5" {
		t.Fatalf("expected oldest entries evicted, got %q", entries[0].Message)
	}
	if entries[0].Operation != "trade.commit" {
		t.Fatalf("unexpected operation %q", entries[0].Operation)
	}
}

func TestRegistryServesCounters(t *testing.T) {
	t.Parallel()

	svc := NewService(fixedClock(time.Now()))
	svc.RecordRequest(5 * time.Millisecond)

	families, err := svc.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, family := range families {
		if family.GetName() == "pennyrealm_requests_total" {
			if got := family.GetMetric()[0].GetCounter().GetValue(); got != 1 {
				t.Fatalf("expected one request counted, got %f", got)
			}
			return
		}
	}
	t.Fatal("pennyrealm_requests_total not found in registry")
}
