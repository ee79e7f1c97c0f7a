// Package telemetry holds the traffic aggregator plus the logging, metrics,
// health, events, and tracing subpackages that back it.
package telemetry

import (
	"sync/atomic"
	"time"

	"github.com/ratelimit-lab/adaptive-limiter/engine/models"
)

// LatencySnapshotter reads the current p95 from a duration histogram
// without mutating it. Options.Latency is optional; when it is nil,
// snapshots report a zero LatencyP95.
type LatencySnapshotter interface {
	P95() time.Duration
}

// Aggregator accumulates per-interval traffic stats wait-free on the
// decision hot path and produces a TrafficSnapshot on drain (spec.md §4.T).
type Aggregator struct {
	total     atomic.Int64
	rejected  atomic.Int64
	errors5xx atomic.Int64
	lastDrain atomic.Int64 // unix nanos

	latency LatencySnapshotter
	now     func() time.Time
}

// Options configures an Aggregator.
type Options struct {
	Latency LatencySnapshotter
	Now     func() time.Time // defaults to time.Now
}

func New(opts Options) *Aggregator {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	a := &Aggregator{latency: opts.Latency, now: now}
	a.lastDrain.Store(now().UnixNano())
	return a
}

// RecordDecision updates the counters from the decision hot path: allowed
// increments total only, a denial increments total and rejected, and a
// 5xx status code increments the error counter regardless of the decision.
func (a *Aggregator) RecordDecision(allowed bool, statusCode int) {
	a.total.Add(1)
	if !allowed {
		a.rejected.Add(1)
	}
	if statusCode >= 500 {
		a.errors5xx.Add(1)
	}
}

// SnapshotAndReset drains the counters and computes the interval's rates,
// substituting fallbackInterval when elapsed wall-clock is non-positive
// (spec.md §4.T).
func (a *Aggregator) SnapshotAndReset(fallbackInterval time.Duration) models.TrafficSnapshot {
	total := a.total.Swap(0)
	rejected := a.rejected.Swap(0)
	errors5xx := a.errors5xx.Swap(0)

	now := a.now()
	lastDrainNanos := a.lastDrain.Swap(now.UnixNano())
	elapsed := now.Sub(time.Unix(0, lastDrainNanos))
	if elapsed <= 0 {
		if fallbackInterval < time.Second {
			fallbackInterval = time.Second
		}
		elapsed = fallbackInterval
	}

	var observedRPS float64
	if elapsed > 0 {
		observedRPS = float64(total) / elapsed.Seconds()
	}
	var rejectedRate float64
	if total != 0 {
		rejectedRate = float64(rejected) / float64(total)
	}

	var p95 time.Duration
	if a.latency != nil {
		p95 = a.latency.P95()
	}

	return models.TrafficSnapshot{
		ObservedRPS:  observedRPS,
		RejectedRate: rejectedRate,
		Errors5xx:    errors5xx,
		LatencyP95:   p95,
	}
}

// ResetSnapshotState discards the current accumulator and drain timestamp,
// used when the adaptive loop is re-enabled mid-run so a stale interval
// doesn't pollute the first post-enable snapshot (spec.md §4.T).
func (a *Aggregator) ResetSnapshotState() {
	a.total.Store(0)
	a.rejected.Store(0)
	a.errors5xx.Store(0)
	a.lastDrain.Store(a.now().UnixNano())
}
