// Package controlapi exposes the operator-facing HTTP surfaces of
// spec.md §4.U: A's load-test start/stop/status and C's config/algorithm
// endpoints, plus health/readiness handlers adapted from the teacher's
// telemetryhttp package (cached snapshot, previous/changed-at tracking).
package controlapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/ratelimit-lab/adaptive-limiter/engine/models"
	"github.com/ratelimit-lab/adaptive-limiter/engine/telemetry/health"
	"github.com/ratelimit-lab/adaptive-limiter/engine/telemetry/metrics"
)

// LoadTestManager is the dependency LoadGenHandlers drives; engine/loadtest
// (wired from cmd/loadgen) implements it.
type LoadTestManager interface {
	Start(ctx context.Context, req StartRequest) (testID string, err error)
	Stop(ctx context.Context) (testID string, err error)
	Status(ctx context.Context) StatusResponse
}

// StartRequest mirrors the /test/start wire body (spec.md §6).
type StartRequest struct {
	TargetURL   string             `json:"targetUrl"`
	Duration    string             `json:"duration"`
	Profile     models.ProfileSpec `json:"profile"`
	Concurrency int                `json:"concurrency,omitempty"`
}

// StatusResponse mirrors the /test/status wire body.
type StatusResponse struct {
	Running      bool    `json:"running"`
	TestID       string  `json:"testId,omitempty"`
	Profile      string  `json:"profile,omitempty"`
	ElapsedMs    int64   `json:"elapsedMs,omitempty"`
	DurationMs   int64   `json:"durationMs,omitempty"`
	RequestsSent int64   `json:"requestsSent,omitempty"`
	Errors       int64   `json:"errors,omitempty"`
}

// LoadGenHandlers registers A's control surface onto mux.
func LoadGenHandlers(mux *http.ServeMux, mgr LoadTestManager) {
	mux.HandleFunc("POST /test/start", func(w http.ResponseWriter, r *http.Request) {
		var req StartRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		testID, err := mgr.Start(r.Context(), req)
		if err != nil {
			switch {
			case errors.Is(err, models.ErrTestAlreadyRunning):
				writeError(w, http.StatusConflict, err)
			case errors.Is(err, models.ErrInvalidConfiguration):
				writeError(w, http.StatusBadRequest, err)
			default:
				writeError(w, http.StatusBadRequest, err)
			}
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "started", "testId": testID})
	})

	mux.HandleFunc("POST /test/stop", func(w http.ResponseWriter, r *http.Request) {
		testID, err := mgr.Stop(r.Context())
		if err != nil {
			if errors.Is(err, models.ErrTestNotRunning) {
				writeError(w, http.StatusNotFound, err)
				return
			}
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "stopped", "testId": testID})
	})

	mux.HandleFunc("GET /test/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, mgr.Status(r.Context()))
	})
}

// LimiterConfig is the dependency LimiterHandlers drives; engine/configstore
// implements it.
type LimiterConfig interface {
	Get() models.LimitConfig
	Apply(ctx context.Context, patch models.ConfigPatch, source string, requireAllFields bool) (models.LimitConfig, error)
	ApplyAlgorithm(ctx context.Context, algo models.Algorithm) (models.LimitConfig, error)
}

type limitsPayload struct {
	Algorithm *string  `json:"algorithm,omitempty"`
	Limit     *int64   `json:"limit,omitempty"`
	Window    *int64   `json:"window,omitempty"`
	Capacity  *int64   `json:"capacity,omitempty"`
	Burst     *int64   `json:"burst,omitempty"` // alias of capacity
	FillRate  *float64 `json:"fillRate,omitempty"`
}

func (p limitsPayload) toPatch() (models.ConfigPatch, error) {
	var patch models.ConfigPatch
	if p.Algorithm != nil {
		algo, err := models.NormalizeAlgorithm(*p.Algorithm)
		if err != nil {
			return patch, err
		}
		patch.Algorithm = &algo
	}
	patch.Limit = p.Limit
	patch.WindowSeconds = p.Window
	patch.FillRate = p.FillRate
	if p.Capacity != nil {
		patch.Capacity = p.Capacity
	} else if p.Burst != nil {
		patch.Capacity = p.Burst
	}
	return patch, nil
}

// LimiterHandlers registers C's config/algorithm surface onto mux.
func LimiterHandlers(mux *http.ServeMux, cfg LimiterConfig) {
	mux.HandleFunc("GET /config/limits", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, cfg.Get())
	})

	mux.HandleFunc("POST /config/limits", func(w http.ResponseWriter, r *http.Request) {
		var payload limitsPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		patch, err := payload.toPatch()
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		resolved, err := cfg.Apply(r.Context(), patch, "api", true)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, resolved)
	})

	mux.HandleFunc("POST /config/algorithm", func(w http.ResponseWriter, r *http.Request) {
		raw := r.URL.Query().Get("algorithm")
		if raw == "" {
			var body struct {
				Algorithm string `json:"algorithm"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			raw = body.Algorithm
		}
		algo, err := models.NormalizeAlgorithm(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		resolved, err := cfg.ApplyAlgorithm(r.Context(), algo)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, resolved)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// HealthEvaluator is the dependency health/readiness handlers probe.
type HealthEvaluator interface {
	Evaluate(ctx context.Context) health.Snapshot
}

type healthResponse struct {
	Overall   health.Status        `json:"overall"`
	Probes    []health.ProbeResult `json:"probes,omitempty"`
	Generated time.Time            `json:"generated"`
	Ready     *bool                `json:"ready,omitempty"`
	Previous  string               `json:"previous,omitempty"`
	ChangedAt *time.Time           `json:"changedAt,omitempty"`
}

// readinessTracker records the previous overall status and when it last
// changed, so readiness responses can report a transition without the
// evaluator itself needing to track history.
type readinessTracker struct {
	lastStatus atomic.Value
	changedAt  atomic.Value
}

func (rt *readinessTracker) update(cur string, now time.Time) (prev string, changedAt *time.Time) {
	if raw := rt.lastStatus.Load(); raw != nil {
		prev = raw.(string)
	}
	if prev != cur {
		rt.lastStatus.Store(cur)
		nowCopy := now
		rt.changedAt.Store(nowCopy)
		return prev, &nowCopy
	}
	if raw := rt.changedAt.Load(); raw != nil {
		cc := raw.(time.Time)
		changedAt = &cc
	}
	return prev, changedAt
}

// NewHealthHandler reports the evaluator's full snapshot, including probes.
func NewHealthHandler(evaluator HealthEvaluator) http.Handler {
	var tracker readinessTracker
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		snap := evaluator.Evaluate(r.Context())
		prev, changedAt := tracker.update(string(snap.Overall), time.Now())
		resp := healthResponse{Overall: snap.Overall, Probes: snap.Probes, Generated: snap.At}
		if prev != "" && prev != string(snap.Overall) {
			resp.Previous = prev
		}
		resp.ChangedAt = changedAt
		writeJSON(w, http.StatusOK, resp)
	})
}

// NewReadinessHandler reports 200 when Healthy or Degraded, 503 otherwise.
func NewReadinessHandler(evaluator HealthEvaluator) http.Handler {
	var tracker readinessTracker
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		snap := evaluator.Evaluate(r.Context())
		prev, changedAt := tracker.update(string(snap.Overall), time.Now())
		ready := snap.Overall == health.StatusHealthy || snap.Overall == health.StatusDegraded
		resp := healthResponse{Overall: snap.Overall, Generated: snap.At, Ready: &ready}
		if prev != "" && prev != string(snap.Overall) {
			resp.Previous = prev
		}
		resp.ChangedAt = changedAt
		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, resp)
	})
}

// NewMetricsHandler exposes the provider's Prometheus exposition endpoint
// when available. A nil provider responds 404; a provider without a
// MetricsHandler responds 501.
func NewMetricsHandler(p metrics.Provider) http.Handler {
	if p == nil {
		return http.HandlerFunc(http.NotFound)
	}
	if withHandler, ok := p.(interface{ MetricsHandler() http.Handler }); ok {
		return withHandler.MetricsHandler()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "metrics handler unavailable", http.StatusNotImplemented)
	})
}
