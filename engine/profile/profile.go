// Package profile implements the load profile engine (spec.md §4.P): tagged
// variants mapping elapsed time to an instantaneous RPS and a next send delay.
package profile

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/ratelimit-lab/adaptive-limiter/engine/models"
)

// Profile is the small interface every variant satisfies; dispatch is on the
// concrete type, not an inheritance hierarchy.
type Profile interface {
	CurrentRPS(elapsed time.Duration) float64
	NextDelay(elapsed time.Duration) time.Duration
	Name() string
}

const defaultIdleTick = 100 * time.Millisecond

// defaultNextDelay is shared by every rate-periodic variant: 1s/rps when
// rps > 0, otherwise a conventional idle tick.
func defaultNextDelay(rps float64) time.Duration {
	if rps > 0 {
		return time.Duration(float64(time.Second) / rps)
	}
	return time.Second
}

// rng wraps math/rand/v2 for safe concurrent use; profiles share one
// process-level source unless constructed with an explicit seed for
// deterministic tests.
type rng struct {
	mu     sync.Mutex
	source *rand.Rand
}

// processRNG is the shared source for every profile built without a seed.
var processRNG = &rng{source: rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))}

func newRNG(seed *uint64) *rng {
	if seed == nil {
		return processRNG
	}
	return &rng{source: rand.New(rand.NewPCG(*seed, *seed^0x9e3779b97f4a7c15))}
}

func (r *rng) Float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.source.Float64()
}

// Build constructs the Profile named by spec.Type from its parameters, used
// by the control API to turn a wire ProfileSpec into a runtime Profile.
func Build(spec models.ProfileSpec, seed *uint64) (Profile, error) {
	switch spec.Type {
	case models.ProfileConstant:
		return NewConstant(spec.RPS), nil
	case models.ProfileBurst:
		return NewBurst(spec.BaseRPS, spec.SpikeRPS, spec.SpikeDuration, spec.SpikePeriod), nil
	case models.ProfileSinusoidal:
		return NewSinusoidal(spec.MinRPS, spec.MaxRPS, spec.Period), nil
	case models.ProfilePoisson:
		return NewPoisson(spec.AverageRPS, seed), nil
	case models.ProfileDDoS:
		return NewDDoS(spec.MinRPS, spec.MaxRPS, spec.MaxSpikeDuration, spec.MinIdleTime, spec.MaxIdleTime, seed), nil
	default:
		return nil, models.ErrInvalidConfiguration
	}
}

// Constant emits a fixed RPS for the whole test.
type Constant struct{ rps float64 }

func NewConstant(rps float64) *Constant { return &Constant{rps: rps} }

func (c *Constant) CurrentRPS(time.Duration) float64 { return c.rps }
func (c *Constant) NextDelay(time.Duration) time.Duration {
	return defaultNextDelay(c.rps)
}
func (c *Constant) Name() string { return string(models.ProfileConstant) }

// Burst alternates between a spike rate and a base rate within each period.
type Burst struct {
	baseRPS, spikeRPS           float64
	spikeDuration, spikePeriod time.Duration
}

func NewBurst(baseRPS, spikeRPS float64, spikeDuration, spikePeriod time.Duration) *Burst {
	return &Burst{baseRPS: baseRPS, spikeRPS: spikeRPS, spikeDuration: spikeDuration, spikePeriod: spikePeriod}
}

func (b *Burst) CurrentRPS(elapsed time.Duration) float64 {
	if b.spikePeriod <= 0 {
		return b.baseRPS
	}
	phase := elapsed % b.spikePeriod
	if phase < b.spikeDuration {
		return b.spikeRPS
	}
	return b.baseRPS
}
func (b *Burst) NextDelay(elapsed time.Duration) time.Duration {
	return defaultNextDelay(b.CurrentRPS(elapsed))
}
func (b *Burst) Name() string { return string(models.ProfileBurst) }

// Sinusoidal oscillates RPS between min and max over a fixed period.
type Sinusoidal struct {
	minRPS, maxRPS float64
	period         time.Duration
}

func NewSinusoidal(minRPS, maxRPS float64, period time.Duration) *Sinusoidal {
	return &Sinusoidal{minRPS: minRPS, maxRPS: maxRPS, period: period}
}

func (s *Sinusoidal) CurrentRPS(elapsed time.Duration) float64 {
	if s.period <= 0 {
		return s.minRPS
	}
	mid := (s.minRPS + s.maxRPS) / 2
	amp := (s.maxRPS - s.minRPS) / 2
	angle := 2 * math.Pi * float64(elapsed.Milliseconds()) / float64(s.period.Milliseconds())
	return mid + amp*math.Sin(angle)
}
func (s *Sinusoidal) NextDelay(elapsed time.Duration) time.Duration {
	if s.period <= 0 {
		return defaultIdleTick
	}
	return defaultNextDelay(s.CurrentRPS(elapsed))
}
func (s *Sinusoidal) Name() string { return string(models.ProfileSinusoidal) }

// Poisson holds a constant average rate but draws exponential inter-arrival
// delays, producing bursty-looking but statistically uniform traffic.
type Poisson struct {
	averageRPS float64
	rng        *rng
}

func NewPoisson(averageRPS float64, seed *uint64) *Poisson {
	return &Poisson{averageRPS: averageRPS, rng: newRNG(seed)}
}

func (p *Poisson) CurrentRPS(time.Duration) float64 { return p.averageRPS }
func (p *Poisson) NextDelay(time.Duration) time.Duration {
	if p.averageRPS <= 0 {
		return defaultIdleTick
	}
	u := p.rng.Float64()
	for u >= 1 {
		u = p.rng.Float64()
	}
	delaySeconds := -math.Log(1-u) / p.averageRPS
	if delaySeconds < 0 {
		delaySeconds = 0
	}
	return time.Duration(delaySeconds * float64(time.Second))
}
func (p *Poisson) Name() string { return string(models.ProfilePoisson) }

type ddosPhase int

const (
	phaseIdle ddosPhase = iota
	phaseSpike
)

// DDoS alternates SPIKE/IDLE segments of random length, simulating bursty
// attack-like traffic. Phase state is mutable and guarded by a mutex,
// mirroring the teacher's domainState pattern for evolving per-test state.
type DDoS struct {
	minRPS, maxRPS     float64
	maxSpikeDuration   time.Duration
	minIdle, maxIdle   time.Duration
	rng                *rng

	mu       sync.Mutex
	phase    ddosPhase
	deadline time.Duration
	started  bool
}

func NewDDoS(minRPS, maxRPS float64, maxSpikeDuration, minIdle, maxIdle time.Duration, seed *uint64) *DDoS {
	return &DDoS{minRPS: minRPS, maxRPS: maxRPS, maxSpikeDuration: maxSpikeDuration, minIdle: minIdle, maxIdle: maxIdle, rng: newRNG(seed)}
}

func (d *DDoS) uniformDuration(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	span := max - min
	return min + time.Duration(d.rng.Float64()*float64(span))
}

func (d *DDoS) advance(elapsed time.Duration) ddosPhase {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		d.started = true
		d.phase = phaseIdle
		d.deadline = elapsed + d.uniformDuration(d.minIdle, d.maxIdle)
	}
	for elapsed >= d.deadline {
		if d.phase == phaseIdle {
			d.phase = phaseSpike
			d.deadline += d.uniformDuration(time.Millisecond, max(d.maxSpikeDuration, time.Millisecond))
		} else {
			d.phase = phaseIdle
			d.deadline += d.uniformDuration(d.minIdle, d.maxIdle)
		}
	}
	return d.phase
}

func (d *DDoS) CurrentRPS(elapsed time.Duration) float64 {
	if d.advance(elapsed) == phaseSpike {
		return d.maxRPS
	}
	return d.minRPS
}
func (d *DDoS) NextDelay(elapsed time.Duration) time.Duration {
	return defaultNextDelay(d.CurrentRPS(elapsed))
}
func (d *DDoS) Name() string { return string(models.ProfileDDoS) }
