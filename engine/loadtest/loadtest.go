// Package loadtest implements A's LoadTestManager singleton: validates a
// start request, builds a profile and scheduler, and tracks exactly one
// running TestExecution at a time (spec.md §4.U Start/Stop/Status).
package loadtest

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/ratelimit-lab/adaptive-limiter/engine/controlapi"
	"github.com/ratelimit-lab/adaptive-limiter/engine/dispatcher"
	"github.com/ratelimit-lab/adaptive-limiter/engine/models"
	"github.com/ratelimit-lab/adaptive-limiter/engine/profile"
	"github.com/ratelimit-lab/adaptive-limiter/engine/scheduler"
)

// Manager owns at most one running TestExecution at a time.
type Manager struct {
	dispatcher *dispatcher.Dispatcher

	mu      sync.Mutex
	current *runningTest

	sent   atomic.Int64
	errors atomic.Int64
}

type runningTest struct {
	exec models.TestExecution
	sch  scheduler.Scheduler
	stop func()
}

func New(d *dispatcher.Dispatcher) *Manager {
	return &Manager{dispatcher: d}
}

// Start implements controlapi.LoadTestManager.
func (m *Manager) Start(ctx context.Context, req controlapi.StartRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		return "", models.ErrTestAlreadyRunning
	}

	if err := validateTargetURL(req.TargetURL); err != nil {
		return "", err
	}
	duration, err := models.ParseDuration(req.Duration)
	if err != nil {
		return "", err
	}
	if duration <= 0 {
		return "", fmt.Errorf("%w: duration must be > 0", models.ErrInvalidConfiguration)
	}
	if req.Concurrency < 0 {
		return "", fmt.Errorf("%w: concurrency must be > 0 or absent", models.ErrInvalidConfiguration)
	}

	prof, err := profile.Build(req.Profile, nil)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	exec := models.TestExecution{
		ID:           id,
		TargetURL:    req.TargetURL,
		Duration:     duration,
		Profile:      req.Profile,
		Concurrency:  req.Concurrency,
		StartInstant: time.Now(),
		Running:      true,
	}
	exec.Baseline(m.sent.Load(), m.errors.Load())

	sch := scheduler.NewInterval(scheduler.Options{
		Profile:  prof,
		Duration: duration,
		Dispatch: func() { go m.dispatchOne(req.TargetURL) },
	})

	rt := &runningTest{exec: exec, sch: sch}
	m.current = rt
	sch.Start()

	go m.awaitCompletion(rt)

	return id, nil
}

func (m *Manager) dispatchOne(targetURL string) {
	outcome := m.dispatcher.Send(context.Background(), targetURL)
	m.sent.Add(1)
	if outcome == dispatcher.Error {
		m.errors.Add(1)
	}
}

func (m *Manager) awaitCompletion(rt *runningTest) {
	<-rt.sch.Done()
	m.mu.Lock()
	if m.current == rt {
		m.current = nil
	}
	m.mu.Unlock()
}

// Stop implements controlapi.LoadTestManager.
func (m *Manager) Stop(ctx context.Context) (string, error) {
	m.mu.Lock()
	rt := m.current
	m.mu.Unlock()

	if rt == nil {
		return "", models.ErrTestNotRunning
	}
	rt.sch.Stop()
	return rt.exec.ID, nil
}

// Status implements controlapi.LoadTestManager.
func (m *Manager) Status(ctx context.Context) controlapi.StatusResponse {
	m.mu.Lock()
	rt := m.current
	m.mu.Unlock()

	if rt == nil {
		return controlapi.StatusResponse{Running: false}
	}
	elapsed := time.Since(rt.exec.StartInstant)
	return controlapi.StatusResponse{
		Running:      true,
		TestID:       rt.exec.ID,
		Profile:      string(rt.exec.Profile.Type),
		ElapsedMs:    elapsed.Milliseconds(),
		DurationMs:   rt.exec.Duration.Milliseconds(),
		RequestsSent: rt.exec.SentSince(m.sent.Load()),
		Errors:       rt.exec.ErrorsSince(m.errors.Load()),
	}
}

func validateTargetURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: invalid target URL: %v", models.ErrInvalidConfiguration, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: target URL scheme must be http or https", models.ErrInvalidConfiguration)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: target URL must include a host", models.ErrInvalidConfiguration)
	}
	return nil
}
