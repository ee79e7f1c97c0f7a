// Package configstore holds the active LimitConfig, validates and persists
// changes, and periodically reconciles against the shared store, per
// spec.md §4.M. Adapted from the teacher's configx layering model: a
// versioned apply pipeline collapsed to the single flat value this system
// needs, since LimitConfig has no hierarchical sections to merge.
package configstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ratelimit-lab/adaptive-limiter/engine/models"
	"github.com/ratelimit-lab/adaptive-limiter/engine/telemetry/events"
	"github.com/ratelimit-lab/adaptive-limiter/engine/telemetry/logging"
)

const configKey = "ratelimiter:config"

// Resetter is invoked before an algorithm transition is swapped in, so the
// switch coordinator can clear the outgoing algorithm's state.
type Resetter interface {
	Reset(ctx context.Context) error
}

// Store is the minimal persistence dependency: get/set an opaque blob.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// ConfigStore holds the current LimitConfig behind an atomic pointer, read
// lock-free on the decision hot path.
type ConfigStore struct {
	current atomic.Pointer[models.LimitConfig]
	bounds  models.Bounds
	store   Store
	reset   Resetter
	logger  logging.Logger
	bus     events.Bus

	versionedConfig atomic.Pointer[VersionedConfig]
}

// VersionedConfig records who applied the current value and when, for
// observability; it is not used for concurrency control (the atomic
// pointer swap already gives linearizable reconfiguration).
type VersionedConfig struct {
	Config    models.LimitConfig
	Source    string
	AppliedAt time.Time
}

// Options configures a ConfigStore.
type Options struct {
	Initial  models.LimitConfig
	Bounds   models.Bounds
	Store    Store
	Resetter Resetter
	Logger   logging.Logger
	Bus      events.Bus // optional; config-change events are skipped if nil
}

func New(opts Options) *ConfigStore {
	if opts.Logger == nil {
		opts.Logger = logging.New(nil)
	}
	cs := &ConfigStore{
		bounds: opts.Bounds,
		store:  opts.Store,
		reset:  opts.Resetter,
		logger: opts.Logger,
		bus:    opts.Bus,
	}
	cfg := opts.Initial
	cs.current.Store(&cfg)
	cs.versionedConfig.Store(&VersionedConfig{Config: cfg, Source: "startup", AppliedAt: time.Now()})
	return cs
}

// Get returns the current config by value.
func (cs *ConfigStore) Get() models.LimitConfig {
	return *cs.current.Load()
}

// Apply merges patch onto the current config, validates, swaps atomically,
// triggers a reset on algorithm change, and persists best-effort
// (spec.md §4.M apply steps 1-5).
func (cs *ConfigStore) Apply(ctx context.Context, patch models.ConfigPatch, source string, requireAllFields bool) (models.LimitConfig, error) {
	before := cs.Get()
	next := merge(before, patch)

	if requireAllFields {
		if err := requireFields(next); err != nil {
			return before, err
		}
	}

	if err := cs.validateAndClamp(&next); err != nil {
		return before, err
	}

	if next.Algorithm != before.Algorithm && cs.reset != nil {
		if err := cs.reset.Reset(ctx); err != nil {
			cs.logger.ErrorCtx(ctx, "algorithm reset failed, proceeding with swap", "error", err, "from", before.Algorithm, "to", next.Algorithm)
		}
	}

	cs.current.Store(&next)
	cs.versionedConfig.Store(&VersionedConfig{Config: next, Source: source, AppliedAt: time.Now()})

	cs.persist(ctx, next)
	cs.publishApplied(ctx, before, next, source)
	return next, nil
}

func (cs *ConfigStore) publishApplied(ctx context.Context, before, next models.LimitConfig, source string) {
	if cs.bus == nil {
		return
	}
	category := events.CategoryConfig
	typ := "applied"
	if next.Algorithm != before.Algorithm {
		category = events.CategoryAlgorithm
		typ = "switched"
	}
	_ = cs.bus.PublishCtx(ctx, events.Event{
		Category: category,
		Type:     typ,
		Severity: "info",
		Labels:   map[string]string{"source": source, "algorithm": string(next.Algorithm)},
		Fields: map[string]interface{}{
			"from": before.Algorithm,
			"to":   next.Algorithm,
			"limit": next.Limit,
		},
	})
}

// ApplyAlgorithm is the convenience path the control API exposes for a bare
// algorithm switch (spec.md §4.M applyAlgorithm).
func (cs *ConfigStore) ApplyAlgorithm(ctx context.Context, algo models.Algorithm) (models.LimitConfig, error) {
	return cs.Apply(ctx, models.ConfigPatch{Algorithm: &algo}, "api", false)
}

func merge(current models.LimitConfig, patch models.ConfigPatch) models.LimitConfig {
	next := current
	if patch.Algorithm != nil {
		next.Algorithm = *patch.Algorithm
	}
	if patch.Limit != nil {
		next.Limit = *patch.Limit
	}
	if patch.WindowSeconds != nil {
		next.WindowSeconds = *patch.WindowSeconds
	}
	if patch.Capacity != nil {
		next.Capacity = *patch.Capacity
	}
	if patch.FillRate != nil {
		next.FillRate = *patch.FillRate
	}
	return next
}

func requireFields(cfg models.LimitConfig) error {
	switch cfg.Algorithm {
	case models.Fixed, models.Sliding:
		if cfg.Limit == 0 || cfg.WindowSeconds == 0 {
			return fmt.Errorf("%w: %s requires limit and window", models.ErrInvalidConfiguration, cfg.Algorithm)
		}
	case models.Token:
		if cfg.Capacity == 0 || cfg.FillRate == 0 {
			return fmt.Errorf("%w: token requires capacity and fillRate", models.ErrInvalidConfiguration)
		}
	default:
		return fmt.Errorf("%w: unknown algorithm %q", models.ErrInvalidConfiguration, cfg.Algorithm)
	}
	return nil
}

// validateAndClamp rejects below-minimum values and clamps above-maximum
// ones, logging each clamp at info level, per spec.md §4.M step 3. The
// fields the algorithm uses (limit and window for fixed/sliding, capacity
// and fillRate for token) are always checked; the others only when non-zero.
func (cs *ConfigStore) validateAndClamp(cfg *models.LimitConfig) error {
	b := cs.bounds
	windowed := cfg.Algorithm == models.Fixed || cfg.Algorithm == models.Sliding
	bucket := cfg.Algorithm == models.Token

	if cfg.Limit != 0 || windowed {
		if cfg.Limit < b.MinLimit {
			return fmt.Errorf("%w: limit %d below minimum %d", models.ErrInvalidConfiguration, cfg.Limit, b.MinLimit)
		}
		if b.MaxLimit > 0 && cfg.Limit > b.MaxLimit {
			cs.logger.InfoCtx(context.Background(), "clamping limit to maximum", "value", cfg.Limit, "max", b.MaxLimit)
			cfg.Limit = b.MaxLimit
		}
	}
	if cfg.WindowSeconds != 0 || windowed {
		if cfg.WindowSeconds < b.MinWindow {
			return fmt.Errorf("%w: window %d below minimum %d", models.ErrInvalidConfiguration, cfg.WindowSeconds, b.MinWindow)
		}
		if b.MaxWindow > 0 && cfg.WindowSeconds > b.MaxWindow {
			cs.logger.InfoCtx(context.Background(), "clamping window to maximum", "value", cfg.WindowSeconds, "max", b.MaxWindow)
			cfg.WindowSeconds = b.MaxWindow
		}
	}
	if cfg.Capacity != 0 || bucket {
		if cfg.Capacity < b.MinCapacity {
			return fmt.Errorf("%w: capacity %d below minimum %d", models.ErrInvalidConfiguration, cfg.Capacity, b.MinCapacity)
		}
		if b.MaxCapacity > 0 && cfg.Capacity > b.MaxCapacity {
			cs.logger.InfoCtx(context.Background(), "clamping capacity to maximum", "value", cfg.Capacity, "max", b.MaxCapacity)
			cfg.Capacity = b.MaxCapacity
		}
	}
	if cfg.FillRate != 0 || bucket {
		if cfg.FillRate < b.MinFillRate {
			return fmt.Errorf("%w: fillRate %f below minimum %f", models.ErrInvalidConfiguration, cfg.FillRate, b.MinFillRate)
		}
		if b.MaxFillRate > 0 && cfg.FillRate > b.MaxFillRate {
			cs.logger.InfoCtx(context.Background(), "clamping fillRate to maximum", "value", cfg.FillRate, "max", b.MaxFillRate)
			cfg.FillRate = b.MaxFillRate
		}
	}
	return nil
}

func (cs *ConfigStore) persist(ctx context.Context, cfg models.LimitConfig) {
	if cs.store == nil {
		return
	}
	blob, err := json.Marshal(cfg)
	if err != nil {
		cs.logger.ErrorCtx(ctx, "failed to marshal config for persistence", "error", err)
		return
	}
	if err := cs.store.Set(ctx, configKey, string(blob), 0); err != nil {
		cs.logger.ErrorCtx(ctx, "failed to persist config, continuing with in-memory value", "error", err)
	}
}

// Refresh reads the persisted config and, if it differs from current,
// applies it as an external source (spec.md §4.M refresh, default 30s).
func (cs *ConfigStore) Refresh(ctx context.Context) {
	if cs.store == nil {
		return
	}
	raw, err := cs.store.Get(ctx, configKey)
	if err != nil || raw == "" {
		return
	}
	var persisted models.LimitConfig
	if err := json.Unmarshal([]byte(raw), &persisted); err != nil {
		cs.logger.ErrorCtx(ctx, "failed to unmarshal persisted config, ignoring", "error", err)
		return
	}
	if persisted == cs.Get() {
		return
	}
	patch := models.ConfigPatch{
		Algorithm:     &persisted.Algorithm,
		Limit:         &persisted.Limit,
		WindowSeconds: &persisted.WindowSeconds,
		Capacity:      &persisted.Capacity,
		FillRate:      &persisted.FillRate,
	}
	if _, err := cs.Apply(ctx, patch, "store", false); err != nil {
		cs.logger.ErrorCtx(ctx, "refresh from store produced an invalid config, ignoring", "error", err)
	}
}

// RunRefreshLoop polls Refresh on interval until ctx is canceled.
func (cs *ConfigStore) RunRefreshLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cs.Refresh(ctx)
		}
	}
}
