package proxy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ratelimit-lab/adaptive-limiter/engine/models"
	"github.com/stretchr/testify/require"
)

type fixedDecider struct {
	allow bool
	err   error
}

func (f fixedDecider) Allow(ctx context.Context, cfg models.LimitConfig) (bool, error) {
	return f.allow, f.err
}

type fixedConfig struct{ cfg models.LimitConfig }

func (f fixedConfig) Get() models.LimitConfig { return f.cfg }

func TestProxyDeniesWithoutReachingUpstream(t *testing.T) {
	upstreamHit := false
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamHit = true
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	p, err := New(Options{Decider: fixedDecider{allow: false}, Config: fixedConfig{}, TargetURL: upstream.URL})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/anything", nil)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	require.Equal(t, deniedBody, string(body))
	require.False(t, upstreamHit, "denied requests must never reach upstream")
}

func TestProxyForwardsAllowedRequestsAndStripsHopByHop(t *testing.T) {
	var gotConnection, gotXFF string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotConnection = r.Header.Get("Connection")
		gotXFF = r.Header.Get("X-Forwarded-For")
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	p, err := New(Options{Decider: fixedDecider{allow: true}, Config: fixedConfig{}, TargetURL: upstream.URL})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/path", nil)
	req.Header.Set("Connection", "keep-alive")
	req.RemoteAddr = "203.0.113.5:54321"
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, gotConnection, "hop-by-hop headers must be stripped")
	require.Equal(t, "203.0.113.5", gotXFF)
}

func TestProxyReturns502OnUpstreamFailure(t *testing.T) {
	p, err := New(Options{Decider: fixedDecider{allow: true}, Config: fixedConfig{}, TargetURL: "http://127.0.0.1:1"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/path", nil)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestProxyTreatsDecisionErrorAsDeny(t *testing.T) {
	p, err := New(Options{Decider: fixedDecider{allow: true, err: context.DeadlineExceeded}, Config: fixedConfig{}, TargetURL: "http://example.invalid"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/path", nil)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
}
