package scheduler

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/ratelimit-lab/adaptive-limiter/engine/internal/clock"
	"github.com/ratelimit-lab/adaptive-limiter/engine/profile"
	"github.com/stretchr/testify/require"
)

func TestIntervalDispatchesUntilDuration(t *testing.T) {
	mc := clock.NewMock()
	var count atomic.Int64
	p := profile.NewConstant(10)
	require.NotNil(t, p)

	s := NewInterval(Options{
		Profile:  p,
		Duration: 500 * time.Millisecond,
		Clock:    mc,
		Dispatch: func() { count.Add(1) },
	})
	s.Start()
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("scheduler did not finish")
	}
	require.NoError(t, s.Err())
	require.Greater(t, count.Load(), int64(0))
}

func TestIntervalStopIsIdempotentAndCooperative(t *testing.T) {
	mc := clock.NewMock()
	p := profile.NewConstant(1000)
	require.NotNil(t, p)

	s := NewInterval(Options{
		Profile:  p,
		Duration: time.Hour,
		Clock:    mc,
		Dispatch: func() {},
	})
	s.Start()
	s.Stop()
	s.Stop() // idempotent
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestIntervalIdlesOnZeroRPS(t *testing.T) {
	mc := clock.NewMock()
	var count atomic.Int64
	p := profile.NewConstant(0)
	require.NotNil(t, p)

	s := NewInterval(Options{
		Profile:   p,
		Duration:  50 * time.Millisecond,
		Clock:     mc,
		IdleDelay: 10 * time.Millisecond,
		Dispatch:  func() { count.Add(1) },
	})
	s.Start()
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("scheduler did not finish")
	}
	require.Equal(t, int64(0), count.Load(), "a zero-rate profile should never dispatch")
}

func TestTickCarriesFractionalRemainder(t *testing.T) {
	var count atomic.Int64
	p := profile.NewConstant(5) // 0.5 expected per 100ms tick
	require.NotNil(t, p)

	s := NewTick(Options{
		Profile:    p,
		Duration:   350 * time.Millisecond,
		TickPeriod: 100 * time.Millisecond,
		Clock:      clock.New(),
		Dispatch:   func() { count.Add(1) },
	})
	s.Start()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not finish")
	}
	// 3 ticks at 0.5 expected each carries to exactly 1-2 dispatches.
	require.GreaterOrEqual(t, count.Load(), int64(1))
}

func TestTickNeverDispatchesAfterStop(t *testing.T) {
	var count atomic.Int64
	p := profile.NewConstant(1000)
	require.NotNil(t, p)

	s := NewTick(Options{
		Profile:    p,
		Duration:   time.Hour,
		TickPeriod: 10 * time.Millisecond,
		Clock:      clock.New(),
		Dispatch:   func() { count.Add(1) },
	})
	s.Start()
	time.Sleep(30 * time.Millisecond)
	s.Stop()
	seenAtStop := count.Load()
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, seenAtStop, count.Load(), "no dispatch should occur after Stop")
}
