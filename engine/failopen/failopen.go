// Package failopen implements the liveness latch of spec.md §4.F: a periodic
// store ping that flips an atomic availability flag, read lock-free on the
// decision hot path. Adapted from the teacher's telemetry/health.Evaluator,
// but edge-triggered on a ticker instead of lazily cached, since transitions
// must be logged exactly once.
package failopen

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ratelimit-lab/adaptive-limiter/engine/telemetry/events"
	"github.com/ratelimit-lab/adaptive-limiter/engine/telemetry/logging"
)

// Pinger is the single dependency the guard probes; store.Store satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Guard tracks store availability and is read lock-free by the limit engine.
type Guard struct {
	pinger   Pinger
	interval time.Duration
	logger   logging.Logger
	bus      events.Bus
	failOpen bool

	available atomic.Bool

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// Options configures a Guard.
type Options struct {
	Pinger   Pinger
	Interval time.Duration // default 5s
	Logger   logging.Logger
	Bus      events.Bus // optional; health transitions are skipped if nil
	FailOpen bool       // response when unavailable; not defaulted, the zero value denies
}

// New constructs a Guard and starts its probe loop. Call Stop to release it.
func New(opts Options) *Guard {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logging.New(nil)
	}
	g := &Guard{
		pinger:   opts.Pinger,
		interval: opts.Interval,
		logger:   opts.Logger,
		bus:      opts.Bus,
		failOpen: opts.FailOpen,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	g.available.Store(true)
	go g.loop()
	return g
}

// Available reports the latest probe result via a single atomic load; this
// must never be called from outside the probe loop except as a read.
func (g *Guard) Available() bool { return g.available.Load() }

// FailOpenDefault is the configured decision the limit engine should make
// for any request observed while the store is unavailable.
func (g *Guard) FailOpenDefault() bool { return g.failOpen }

// MarkUnavailable is called by the limit engine on a store error outside the
// probe's own cadence, so a single failed decision doesn't wait a full
// interval before the guard reflects it.
func (g *Guard) MarkUnavailable() {
	if g.available.CompareAndSwap(true, false) {
		g.logger.ErrorCtx(context.Background(), "store unavailable, failing open", "failOpen", g.failOpen)
		g.publish("unavailable", "error")
	}
}

// MarkAvailable reaffirms availability after a successful decision-path call,
// matching spec.md §4.L step 4 ("on success, reaffirm availability true").
func (g *Guard) MarkAvailable() {
	if g.available.CompareAndSwap(false, true) {
		g.logger.InfoCtx(context.Background(), "store available again")
		g.publish("available", "info")
	}
}

func (g *Guard) publish(typ, severity string) {
	if g.bus == nil {
		return
	}
	_ = g.bus.Publish(events.Event{
		Category: events.CategoryHealth,
		Type:     typ,
		Severity: severity,
		Labels:   map[string]string{"component": "store"},
	})
}

func (g *Guard) loop() {
	defer close(g.doneCh)
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-g.stopCh:
			return
		case <-ticker.C:
			g.probe()
		}
	}
}

func (g *Guard) probe() {
	ctx, cancel := context.WithTimeout(context.Background(), g.interval)
	defer cancel()
	err := g.pinger.Ping(ctx)
	if err != nil {
		g.MarkUnavailable()
		return
	}
	g.MarkAvailable()
}

// Stop halts the probe loop; idempotent.
func (g *Guard) Stop() {
	g.stopOnce.Do(func() { close(g.stopCh) })
	<-g.doneCh
}
