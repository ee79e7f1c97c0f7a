package profile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConstantCurrentRPS(t *testing.T) {
	p := NewConstant(25)
	require.Equal(t, 25.0, p.CurrentRPS(0))
	require.Equal(t, 25.0, p.CurrentRPS(10*time.Second))
	require.Equal(t, time.Second/25, p.NextDelay(0))
}

func TestBurstPhases(t *testing.T) {
	p := NewBurst(10, 100, 200*time.Millisecond, time.Second)
	require.Equal(t, 100.0, p.CurrentRPS(0))
	require.Equal(t, 100.0, p.CurrentRPS(199*time.Millisecond))
	require.Equal(t, 10.0, p.CurrentRPS(200*time.Millisecond))
	require.Equal(t, 10.0, p.CurrentRPS(999*time.Millisecond))
	require.Equal(t, 100.0, p.CurrentRPS(time.Second))
}

func TestSinusoidalRange(t *testing.T) {
	p := NewSinusoidal(10, 50, time.Second)
	for ms := 0; ms < 2000; ms += 37 {
		rps := p.CurrentRPS(time.Duration(ms) * time.Millisecond)
		require.GreaterOrEqual(t, rps, 10.0-1e-9)
		require.LessOrEqual(t, rps, 50.0+1e-9)
	}
}

func TestSinusoidalZeroPeriod(t *testing.T) {
	p := NewSinusoidal(10, 50, 0)
	require.Equal(t, 10.0, p.CurrentRPS(time.Second))
}

func TestPoissonNonNegativeDelay(t *testing.T) {
	seed := uint64(42)
	p := NewPoisson(10, &seed)
	for i := 0; i < 1000; i++ {
		d := p.NextDelay(0)
		require.GreaterOrEqual(t, d, time.Duration(0))
	}
	require.Equal(t, 10.0, p.CurrentRPS(time.Minute))
}

func TestDDoSExactBounds(t *testing.T) {
	seed := uint64(7)
	p := NewDDoS(20, 80, 2*time.Second, 0, time.Second, &seed)
	for ms := 0; ms < 10000; ms += 50 {
		rps := p.CurrentRPS(time.Duration(ms) * time.Millisecond)
		require.True(t, rps == 20 || rps == 80, "unexpected rps %v", rps)
	}
}

func TestDDoSDeterministicWithSeed(t *testing.T) {
	seed := uint64(99)
	a := NewDDoS(10, 90, time.Second, 0, time.Second, &seed)
	b := NewDDoS(10, 90, time.Second, 0, time.Second, &seed)
	for ms := 0; ms < 5000; ms += 100 {
		elapsed := time.Duration(ms) * time.Millisecond
		require.Equal(t, a.CurrentRPS(elapsed), b.CurrentRPS(elapsed))
	}
}
