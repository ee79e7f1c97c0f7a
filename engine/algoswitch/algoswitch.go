// Package algoswitch resets per-algorithm state in the shared store when
// the active algorithm changes, per spec.md §4.R. Deletion is best-effort:
// a failure is logged but never blocks the config swap, since the next
// decision under the new algorithm simply starts from empty state.
package algoswitch

import (
	"context"

	"github.com/ratelimit-lab/adaptive-limiter/engine/telemetry/events"
	"github.com/ratelimit-lab/adaptive-limiter/engine/telemetry/logging"
)

const scanBatch = 500

var keyFamilies = []string{
	"ratelimiter:fixed:*",
	"ratelimiter:sliding:*",
	"ratelimiter:token",
}

// Store is the minimal dependency: a cursored scan-delete.
type Store interface {
	ScanDel(ctx context.Context, pattern string, batch int64) error
}

// Coordinator resets all three algorithm key families on transition.
type Coordinator struct {
	store  Store
	logger logging.Logger
	bus    events.Bus
}

func New(s Store, logger logging.Logger) *Coordinator {
	return NewWithBus(s, logger, nil)
}

// NewWithBus additionally publishes a reset-completion event on the bus.
func NewWithBus(s Store, logger logging.Logger, bus events.Bus) *Coordinator {
	if logger == nil {
		logger = logging.New(nil)
	}
	return &Coordinator{store: s, logger: logger, bus: bus}
}

// Reset deletes every key in the fixed, sliding, and token families. It
// continues past individual family failures so one unreachable family
// doesn't prevent the others from being cleared.
func (c *Coordinator) Reset(ctx context.Context) error {
	var firstErr error
	for _, pattern := range keyFamilies {
		if err := c.store.ScanDel(ctx, pattern, scanBatch); err != nil {
			c.logger.ErrorCtx(ctx, "algorithm state reset failed for key family", "pattern", pattern, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if c.bus != nil {
		severity := "info"
		typ := "reset_complete"
		if firstErr != nil {
			severity = "warn"
			typ = "reset_partial"
		}
		_ = c.bus.PublishCtx(ctx, events.Event{Category: events.CategoryAlgorithm, Type: typ, Severity: severity})
	}
	return firstErr
}
