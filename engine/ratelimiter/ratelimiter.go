// Package ratelimiter implements the limit decision engine of spec.md §4.L:
// a single Allow(ctx, cfg) operation that runs one of three interchangeable
// algorithms as an atomic server-side script against the shared store, with
// fail-open semantics on store unavailability.
package ratelimiter

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/ratelimit-lab/adaptive-limiter/engine/failopen"
	"github.com/ratelimit-lab/adaptive-limiter/engine/models"
	"github.com/ratelimit-lab/adaptive-limiter/engine/store"
	"github.com/ratelimit-lab/adaptive-limiter/engine/telemetry/metrics"
)

// Engine is the decision engine. Construct one per process; it holds no
// per-request state beyond the shared store and guard references.
type Engine struct {
	store store.Store
	guard *failopen.Guard
	now   func() time.Time

	storeErrors metrics.Counter
	decisions   metrics.Counter
}

// Options configures an Engine.
type Options struct {
	Store    store.Store
	Guard    *failopen.Guard
	Now      func() time.Time // defaults to time.Now; overridable for tests
	Provider metrics.Provider
}

func New(opts Options) *Engine {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	provider := opts.Provider
	if provider == nil {
		provider = metrics.NewNoopProvider()
	}
	return &Engine{
		store: opts.Store,
		guard: opts.Guard,
		now:   now,
		storeErrors: provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "limiter", Subsystem: "store", Name: "errors_total", Help: "Store operation errors observed by the decision engine",
		}}),
		decisions: provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "limiter", Subsystem: "decisions", Name: "total", Help: "Decisions by algorithm and outcome", Labels: []string{"algorithm", "outcome"},
		}}),
	}
}

// Allow executes the algorithm-specific atomic decision for cfg and returns
// whether the request is admitted (spec.md §4.L steps 1-4).
func (e *Engine) Allow(ctx context.Context, cfg models.LimitConfig) (bool, error) {
	if e.guard != nil && !e.guard.Available() {
		allowed := e.guard.FailOpenDefault()
		e.recordDecision(cfg.Algorithm, allowed)
		return allowed, nil
	}

	allowed, err := e.runAlgorithm(ctx, cfg)
	if err != nil {
		e.storeErrors.Inc(1)
		if e.guard != nil {
			e.guard.MarkUnavailable()
			allowed = e.guard.FailOpenDefault()
		} else {
			allowed = true
		}
		e.recordDecision(cfg.Algorithm, allowed)
		return allowed, nil
	}

	if e.guard != nil {
		e.guard.MarkAvailable()
	}
	e.recordDecision(cfg.Algorithm, allowed)
	return allowed, nil
}

func (e *Engine) recordDecision(algo models.Algorithm, allowed bool) {
	outcome := "deny"
	if allowed {
		outcome = "allow"
	}
	e.decisions.Inc(1, string(algo), outcome)
}

func (e *Engine) runAlgorithm(ctx context.Context, cfg models.LimitConfig) (bool, error) {
	switch cfg.Algorithm {
	case models.Fixed:
		return e.allowFixed(ctx, cfg)
	case models.Sliding:
		return e.allowSliding(ctx, cfg)
	case models.Token:
		return e.allowToken(ctx, cfg)
	default:
		return false, fmt.Errorf("%w: unknown algorithm %q", models.ErrInvalidConfiguration, cfg.Algorithm)
	}
}

func (e *Engine) allowFixed(ctx context.Context, cfg models.LimitConfig) (bool, error) {
	nowSeconds := e.now().Unix()
	windowID := nowSeconds / cfg.WindowSeconds
	key := fmt.Sprintf("ratelimiter:fixed:%d", windowID)
	res, err := e.store.Eval(ctx, fixedScript, []string{key}, cfg.WindowSeconds, cfg.Limit)
	if err != nil {
		return false, err
	}
	return firstIntEquals1(res)
}

func (e *Engine) allowSliding(ctx context.Context, cfg models.LimitConfig) (bool, error) {
	windowMs := cfg.WindowSeconds * 1000
	nowMs := e.now().UnixMilli()
	currentStart := nowMs - (nowMs % windowMs)
	previousStart := currentStart - windowMs
	elapsedInWindow := nowMs - currentStart
	currentKey := fmt.Sprintf("ratelimiter:sliding:%d", currentStart)
	previousKey := fmt.Sprintf("ratelimiter:sliding:%d", previousStart)
	res, err := e.store.Eval(ctx, slidingScript, []string{currentKey, previousKey}, windowMs, elapsedInWindow, cfg.Limit)
	if err != nil {
		return false, err
	}
	return firstIntEquals1(res)
}

func (e *Engine) allowToken(ctx context.Context, cfg models.LimitConfig) (bool, error) {
	nowMs := e.now().UnixMilli()
	key := "ratelimiter:token"
	res, err := e.store.Eval(ctx, tokenScript, []string{key}, nowMs, cfg.Capacity, cfg.FillRate)
	if err != nil {
		return false, err
	}
	return firstIntEquals1(res)
}

// firstIntEquals1 interprets the {allowed, ...} tuple every script returns.
// go-redis decodes Lua tables as []interface{} with int64 elements.
func firstIntEquals1(res interface{}) (bool, error) {
	arr, ok := res.([]interface{})
	if !ok || len(arr) == 0 {
		return false, fmt.Errorf("unexpected script result: %#v", res)
	}
	switch v := arr[0].(type) {
	case int64:
		return v == 1, nil
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return false, err
		}
		return n == 1, nil
	default:
		return false, fmt.Errorf("unexpected script result element: %#v", v)
	}
}
