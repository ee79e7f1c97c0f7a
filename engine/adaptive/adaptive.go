// Package adaptive implements the reconfiguration loop of spec.md §4.X: a
// ticker-driven cycle that snapshots telemetry, posts it to an external
// advisor, and applies the advisor's recommendation through the config
// store.
package adaptive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/ratelimit-lab/adaptive-limiter/engine/models"
	"github.com/ratelimit-lab/adaptive-limiter/engine/telemetry/logging"
)

// Aggregator is the telemetry dependency; satisfied by *telemetry.Aggregator.
type Aggregator interface {
	SnapshotAndReset(fallbackInterval time.Duration) models.TrafficSnapshot
	ResetSnapshotState()
}

// ConfigStore is the minimal config dependency.
type ConfigStore interface {
	Get() models.LimitConfig
	Apply(ctx context.Context, patch models.ConfigPatch, source string, requireAllFields bool) (models.LimitConfig, error)
}

// Guard reports shared-store availability.
type Guard interface {
	Available() bool
}

// Loop drives the seven-step adaptive cycle on a fixed schedule.
type Loop struct {
	aggregator  Aggregator
	configStore ConfigStore
	guard       Guard
	client      *http.Client
	logger      logging.Logger
	interval    time.Duration
	timeout     time.Duration

	advisorURL string

	enabled    atomic.Bool
	wasEnabled atomic.Bool
}

// Options configures a Loop.
type Options struct {
	Aggregator  Aggregator
	ConfigStore ConfigStore
	Guard       Guard
	AdvisorURL  string
	Interval    time.Duration // default 30s
	Timeout     time.Duration // default 5s
	Logger      logging.Logger
	Enabled     bool
}

func New(opts Options) *Loop {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logging.New(nil)
	}
	l := &Loop{
		aggregator:  opts.Aggregator,
		configStore: opts.ConfigStore,
		guard:       opts.Guard,
		client:      &http.Client{Timeout: opts.Timeout},
		logger:      opts.Logger,
		interval:    opts.Interval,
		timeout:     opts.Timeout,
		advisorURL:  opts.AdvisorURL,
	}
	l.enabled.Store(opts.Enabled)
	l.wasEnabled.Store(opts.Enabled)
	return l
}

// SetEnabled toggles the loop's enabled flag; read on the next tick.
func (l *Loop) SetEnabled(enabled bool) { l.enabled.Store(enabled) }

// Enabled reports the current flag value.
func (l *Loop) Enabled() bool { return l.enabled.Load() }

// Run blocks, ticking every interval until ctx is canceled.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Tick(ctx)
		}
	}
}

// Tick executes one cycle of the seven-step adaptive loop.
func (l *Loop) Tick(ctx context.Context) {
	enabled := l.enabled.Load()
	wasEnabled := l.wasEnabled.Swap(enabled)

	// Step 1: a false->true transition resets the accumulator and returns
	// without posting, so a stale interval never pollutes the first snapshot.
	if enabled && !wasEnabled {
		l.aggregator.ResetSnapshotState()
		return
	}

	// Step 2.
	if !enabled {
		return
	}

	// Step 3.
	if l.guard != nil && !l.guard.Available() {
		return
	}

	// Step 4.
	if l.advisorURL == "" {
		l.logger.ErrorCtx(ctx, "adaptive loop enabled but no advisor URL configured")
		return
	}

	// Step 5.
	cfg := l.configStore.Get()
	snap := l.aggregator.SnapshotAndReset(l.interval)
	req := models.AdvisorRequest{
		Timestamp:    time.Now(),
		ObservedRPS:  snap.ObservedRPS,
		RejectedRate: snap.RejectedRate,
		LatencyP95Ms: float64(snap.LatencyP95.Milliseconds()),
		Errors5xx:    snap.Errors5xx,
		Algorithm:    cfg.Algorithm,
		Limit:        cfg.Limit,
		WindowSecs:   cfg.WindowSeconds,
		Capacity:     cfg.Capacity,
		FillRate:     cfg.FillRate,
	}

	// Step 6.
	resp, err := l.postAdvisor(ctx, req)
	if err != nil {
		l.logger.ErrorCtx(ctx, "advisor request failed, keeping current config", "error", err)
		return
	}
	if resp == nil {
		return
	}

	// Step 7.
	patch := patchFromResponse(*resp)
	if _, err := l.configStore.Apply(ctx, patch, "adaptive", true); err != nil {
		l.logger.ErrorCtx(ctx, "advisor recommendation rejected", "error", err)
	}
}

func (l *Loop) postAdvisor(ctx context.Context, req models.AdvisorRequest) (*models.AdvisorResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal advisor request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, l.advisorURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build advisor request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := l.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("advisor returned status %d", resp.StatusCode)
	}

	var out models.AdvisorResponse
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(&out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil // empty response: step 6's "on empty response: return"
		}
		return nil, fmt.Errorf("decode advisor response: %w", err)
	}
	return &out, nil
}

func patchFromResponse(resp models.AdvisorResponse) models.ConfigPatch {
	patch := models.ConfigPatch{
		Limit:         resp.Limit,
		WindowSeconds: resp.Window,
		Capacity:      resp.Capacity,
		FillRate:      resp.FillRate,
	}
	if resp.Algorithm != nil {
		if algo, err := models.NormalizeAlgorithm(*resp.Algorithm); err == nil {
			patch.Algorithm = &algo
		}
	}
	return patch
}
