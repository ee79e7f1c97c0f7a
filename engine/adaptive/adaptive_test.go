package adaptive

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ratelimit-lab/adaptive-limiter/engine/models"
	"github.com/stretchr/testify/require"
)

type fakeAggregator struct {
	snapshot    models.TrafficSnapshot
	resetCalled int
}

func (f *fakeAggregator) SnapshotAndReset(fallbackInterval time.Duration) models.TrafficSnapshot {
	return f.snapshot
}
func (f *fakeAggregator) ResetSnapshotState() { f.resetCalled++ }

type fakeConfigStore struct {
	current models.LimitConfig
	applied []models.ConfigPatch
}

func (f *fakeConfigStore) Get() models.LimitConfig { return f.current }
func (f *fakeConfigStore) Apply(ctx context.Context, patch models.ConfigPatch, source string, requireAllFields bool) (models.LimitConfig, error) {
	f.applied = append(f.applied, patch)
	if patch.Limit != nil {
		f.current.Limit = *patch.Limit
	}
	return f.current, nil
}

type fakeGuard struct{ available bool }

func (g fakeGuard) Available() bool { return g.available }

func TestTickResetsOnEnableTransitionWithoutPosting(t *testing.T) {
	agg := &fakeAggregator{}
	cs := &fakeConfigStore{current: models.LimitConfig{Algorithm: models.Fixed, Limit: 10, WindowSeconds: 10}}
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))
	defer srv.Close()

	l := New(Options{Aggregator: agg, ConfigStore: cs, Guard: fakeGuard{available: true}, AdvisorURL: srv.URL, Enabled: false})
	l.SetEnabled(true)
	l.Tick(context.Background())

	require.Equal(t, 1, agg.resetCalled)
	require.False(t, called, "the transition tick must not post to the advisor")
}

func TestTickSkipsWhenDisabled(t *testing.T) {
	agg := &fakeAggregator{}
	cs := &fakeConfigStore{}
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))
	defer srv.Close()

	l := New(Options{Aggregator: agg, ConfigStore: cs, AdvisorURL: srv.URL, Enabled: false})
	l.Tick(context.Background())
	require.False(t, called)
}

func TestTickSkipsWhenStoreUnavailable(t *testing.T) {
	agg := &fakeAggregator{}
	cs := &fakeConfigStore{}
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))
	defer srv.Close()

	l := New(Options{Aggregator: agg, ConfigStore: cs, Guard: fakeGuard{available: false}, AdvisorURL: srv.URL, Enabled: true})
	l.Tick(context.Background())
	require.False(t, called)
}

func TestTickWarnsWhenAdvisorURLEmpty(t *testing.T) {
	agg := &fakeAggregator{}
	cs := &fakeConfigStore{}
	l := New(Options{Aggregator: agg, ConfigStore: cs, Guard: fakeGuard{available: true}, Enabled: true})
	l.Tick(context.Background()) // must not panic with an empty URL
}

func TestTickAppliesAdvisorRecommendation(t *testing.T) {
	agg := &fakeAggregator{snapshot: models.TrafficSnapshot{ObservedRPS: 50, RejectedRate: 0.1}}
	cs := &fakeConfigStore{current: models.LimitConfig{Algorithm: models.Fixed, Limit: 10, WindowSeconds: 10}}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req models.AdvisorRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, 50.0, req.ObservedRPS)
		newLimit := int64(200)
		_ = json.NewEncoder(w).Encode(models.AdvisorResponse{Limit: &newLimit})
	}))
	defer srv.Close()

	l := New(Options{Aggregator: agg, ConfigStore: cs, Guard: fakeGuard{available: true}, AdvisorURL: srv.URL, Enabled: true})
	l.Tick(context.Background())

	require.Len(t, cs.applied, 1)
	require.Equal(t, int64(200), cs.current.Limit)
}

func TestTickKeepsConfigOnTransportError(t *testing.T) {
	agg := &fakeAggregator{}
	cs := &fakeConfigStore{current: models.LimitConfig{Limit: 10}}
	l := New(Options{Aggregator: agg, ConfigStore: cs, Guard: fakeGuard{available: true}, AdvisorURL: "http://127.0.0.1:1", Enabled: true})
	l.Tick(context.Background())
	require.Empty(t, cs.applied)
}

func TestTickReturnsOnEmptyResponse(t *testing.T) {
	agg := &fakeAggregator{}
	cs := &fakeConfigStore{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	l := New(Options{Aggregator: agg, ConfigStore: cs, Guard: fakeGuard{available: true}, AdvisorURL: srv.URL, Enabled: true})
	l.Tick(context.Background())
	require.Empty(t, cs.applied)
}
