package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fixedLatency struct{ p95 time.Duration }

func (f fixedLatency) P95() time.Duration { return f.p95 }

func TestSnapshotAndResetComputesRates(t *testing.T) {
	start := time.Unix(1_000_000, 0)
	now := start
	a := New(Options{
		Latency: fixedLatency{p95: 42 * time.Millisecond},
		Now:     func() time.Time { return now },
	})

	for i := 0; i < 10; i++ {
		a.RecordDecision(i < 8, 200)
	}
	a.RecordDecision(false, 503)

	now = start.Add(2 * time.Second)
	snap := a.SnapshotAndReset(time.Second)

	require.InDelta(t, 5.5, snap.ObservedRPS, 0.001, "11 requests over 2s")
	require.InDelta(t, 3.0/11.0, snap.RejectedRate, 0.001)
	require.Equal(t, int64(1), snap.Errors5xx)
	require.Equal(t, 42*time.Millisecond, snap.LatencyP95)
}

func TestSnapshotAndResetUsesFallbackWhenElapsedNonPositive(t *testing.T) {
	now := time.Unix(2_000_000, 0)
	a := New(Options{Now: func() time.Time { return now }})
	a.RecordDecision(true, 200)

	// Same instant as construction: elapsed is exactly zero.
	snap := a.SnapshotAndReset(4 * time.Second)
	require.InDelta(t, 0.25, snap.ObservedRPS, 0.001, "1 request over the 4s fallback")
}

func TestRecordDecisionIsZeroAfterDrain(t *testing.T) {
	now := time.Now()
	a := New(Options{Now: func() time.Time { return now }})
	a.RecordDecision(true, 200)
	a.RecordDecision(false, 200)
	_ = a.SnapshotAndReset(time.Second)

	snap := a.SnapshotAndReset(time.Second)
	require.Equal(t, float64(0), snap.ObservedRPS)
	require.Equal(t, float64(0), snap.RejectedRate)
}

func TestResetSnapshotStateDiscardsAccumulator(t *testing.T) {
	now := time.Unix(3_000_000, 0)
	a := New(Options{Now: func() time.Time { return now }})
	a.RecordDecision(false, 500)
	a.RecordDecision(false, 500)

	now = now.Add(10 * time.Second)
	a.ResetSnapshotState()

	now = now.Add(1 * time.Second)
	snap := a.SnapshotAndReset(time.Second)
	require.Equal(t, int64(0), snap.Errors5xx, "reset must discard the pre-reset accumulator")
}
