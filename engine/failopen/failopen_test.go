package failopen

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type flakyPinger struct {
	fail atomic.Bool
}

func (p *flakyPinger) Ping(ctx context.Context) error {
	if p.fail.Load() {
		return context.DeadlineExceeded
	}
	return nil
}

func TestGuardStartsAvailable(t *testing.T) {
	p := &flakyPinger{}
	g := New(Options{Pinger: p, Interval: 50 * time.Millisecond})
	defer g.Stop()
	require.True(t, g.Available())
}

func TestGuardTransitionsOnProbeFailure(t *testing.T) {
	p := &flakyPinger{}
	g := New(Options{Pinger: p, Interval: 20 * time.Millisecond})
	defer g.Stop()
	p.fail.Store(true)
	require.Eventually(t, func() bool { return !g.Available() }, time.Second, 5*time.Millisecond)
	p.fail.Store(false)
	require.Eventually(t, func() bool { return g.Available() }, time.Second, 5*time.Millisecond)
}

func TestMarkUnavailableIsEdgeTriggered(t *testing.T) {
	p := &flakyPinger{}
	g := New(Options{Pinger: p, Interval: time.Hour})
	defer g.Stop()
	g.MarkUnavailable()
	require.False(t, g.Available())
	g.MarkUnavailable() // second call is a no-op, not re-logged
	require.False(t, g.Available())
	g.MarkAvailable()
	require.True(t, g.Available())
}

func TestStopIsIdempotent(t *testing.T) {
	p := &flakyPinger{}
	g := New(Options{Pinger: p, Interval: 10 * time.Millisecond})
	g.Stop()
	g.Stop()
}
