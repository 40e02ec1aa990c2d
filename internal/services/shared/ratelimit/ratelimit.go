// Package ratelimit provides a sliding-window event limiter keyed by
// principal and bucket.
package ratelimit

import (
	"sync"
	"time"
)

const (
	// DefaultLimit is the number of events allowed per window.
	DefaultLimit = 10
	// DefaultWindow is the span of the sliding window.
	DefaultWindow = 10 * time.Second
)

type bucketKey struct {
	principal string
	bucket    string
}

type rule struct {
	limit  int
	window time.Duration
}

// Limiter tracks event timestamps per (principal, bucket) pair and refuses
// events once a window is saturated. Refusals record nothing, so a client
// hammering the limit does not extend its own penalty.
type Limiter struct {
	mu      sync.Mutex
	rules   map[string]rule
	events  map[bucketKey][]time.Time
	limit   int
	window  time.Duration
	sweepAt time.Time
}

// NewLimiter creates a limiter with the default 10 events / 10 s rule.
func NewLimiter() *Limiter {
	return &Limiter{
		rules:  make(map[string]rule),
		events: make(map[bucketKey][]time.Time),
		limit:  DefaultLimit,
		window: DefaultWindow,
	}
}

// SetRule overrides the limit for one bucket name.
func (l *Limiter) SetRule(bucket string, limit int, window time.Duration) {
	if l == nil || limit <= 0 || window <= 0 {
		return
	}
	l.mu.Lock()
	l.rules[bucket] = rule{limit: limit, window: window}
	l.mu.Unlock()
}

// Allow consults and records one event for the pair at the given instant.
// It returns false with no side effect when the window is already full.
func (l *Limiter) Allow(principal, bucket string, now time.Time) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	limit, window := l.limit, l.window
	if r, ok := l.rules[bucket]; ok {
		limit, window = r.limit, r.window
	}

	key := bucketKey{principal: principal, bucket: bucket}
	events := pruneBefore(l.events[key], now.Add(-window))

	if len(events) >= limit {
		if len(events) == 0 {
			delete(l.events, key)
		} else {
			l.events[key] = events
		}
		l.maybeSweep(now)
		return false
	}

	l.events[key] = append(events, now)
	l.maybeSweep(now)
	return true
}

// maybeSweep drops fully expired pairs so idle principals do not accumulate.
// Runs at most once per window span.
func (l *Limiter) maybeSweep(now time.Time) {
	if now.Before(l.sweepAt) {
		return
	}
	l.sweepAt = now.Add(l.window)
	for key, events := range l.events {
		window := l.window
		if r, ok := l.rules[key.bucket]; ok {
			window = r.window
		}
		if remaining := pruneBefore(events, now.Add(-window)); len(remaining) == 0 {
			delete(l.events, key)
		}
	}
}

func pruneBefore(events []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for idx < len(events) && !events[idx].After(cutoff) {
		idx++
	}
	return events[idx:]
}
