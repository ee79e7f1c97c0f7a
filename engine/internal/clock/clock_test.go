package clock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRealNowAdvances(t *testing.T) {
	r := New()
	a := r.Now()
	time.Sleep(time.Millisecond)
	b := r.Now()
	require.True(t, b.After(a))
}

func TestMockAdvanceAndSet(t *testing.T) {
	m := NewMockAt(time.Unix(1000, 0))
	require.Equal(t, time.Unix(1000, 0), m.Now())

	m.Advance(5 * time.Second)
	require.Equal(t, time.Unix(1005, 0), m.Now())

	m.Set(time.Unix(2000, 0))
	require.Equal(t, time.Unix(2000, 0), m.Now())
}

func TestMockSleepAdvancesWithoutBlocking(t *testing.T) {
	m := NewMock()
	before := m.Now()
	m.Sleep(10 * time.Second)
	require.Equal(t, before.Add(10*time.Second), m.Now())
}

func TestSleepWithContextCompletesNormally(t *testing.T) {
	ok := SleepWithContext(context.Background(), time.Millisecond)
	require.True(t, ok)
}

func TestSleepWithContextReturnsFalseOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ok := SleepWithContext(ctx, time.Hour)
	require.False(t, ok)
}

func TestSleepWithContextZeroDurationIsNoOp(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ok := SleepWithContext(ctx, 0)
	require.True(t, ok, "a zero duration completes immediately regardless of cancellation")
}
