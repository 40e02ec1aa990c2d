// Package timeouts defines shared timeout constants used across the server.
// Centralizing these values prevents drift between boundaries and makes the
// durations discoverable.
package timeouts

import "time"

// ReadHeader limits how long the HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long the HTTP server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 5 * time.Second

// SnapshotDebounce is the quiet period after the last mutation before a
// subsystem snapshot is rewritten to disk.
const SnapshotDebounce = time.Second

// TradeInactivity is how long a trade may sit without progress before the
// reaper fails it.
const TradeInactivity = 30 * time.Minute

// TradeSweep is the cadence of the stale-trade reaper.
const TradeSweep = time.Minute

// MailSweep is the minimum interval between mail retention sweeps.
const MailSweep = time.Hour

// MailRetention is how long unarchived mail is kept.
const MailRetention = 30 * 24 * time.Hour

// MetricSample is the cadence of performance monitor samples.
const MetricSample = time.Minute
