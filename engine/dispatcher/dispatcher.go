// Package dispatcher is the thin single-request send abstraction of
// spec.md §4.D: one shared HTTP client, an optional bounded concurrency
// semaphore adapted from the teacher's resources.Manager slot channel, and
// response classification into success/rate_limited/error.
package dispatcher

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/ratelimit-lab/adaptive-limiter/engine/telemetry/metrics"
)

// Outcome classifies a completed dispatch.
type Outcome string

const (
	Success     Outcome = "success"
	RateLimited Outcome = "rate_limited"
	Error       Outcome = "error"
)

// Dispatcher sends individual GET requests through one shared client; Send
// is synchronous, and the optional concurrency cap bounds in-flight sends.
type Dispatcher struct {
	client *http.Client
	slots  chan struct{}

	starts      metrics.Counter
	outcomes    metrics.Counter
	latency     metrics.Histogram
}

// Options configures a Dispatcher.
type Options struct {
	ConnectTimeout time.Duration // default 2s
	RequestTimeout time.Duration // default 5s
	Concurrency    int           // 0 means unbounded
	Provider       metrics.Provider
}

func New(opts Options) *Dispatcher {
	connectTimeout := opts.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	requestTimeout := opts.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = 5 * time.Second
	}
	provider := opts.Provider
	if provider == nil {
		provider = metrics.NewNoopProvider()
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: connectTimeout}).DialContext,
	}

	d := &Dispatcher{
		client: &http.Client{Transport: transport, Timeout: requestTimeout},
		starts: provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "loadgen", Subsystem: "dispatch", Name: "starts_total", Help: "Dispatches attempted",
		}}),
		outcomes: provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "loadgen", Subsystem: "dispatch", Name: "outcomes_total", Help: "Dispatches by outcome", Labels: []string{"outcome"},
		}}),
		latency: provider.NewHistogram(metrics.HistogramOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "loadgen", Subsystem: "dispatch", Name: "latency_seconds", Help: "Dispatch latency",
		}}),
	}
	if opts.Concurrency > 0 {
		d.slots = make(chan struct{}, opts.Concurrency)
	}
	return d
}

// acquire reserves an in-flight slot, blocking if the concurrency cap is
// reached; a zero Concurrency Dispatcher never blocks.
func (d *Dispatcher) acquire(ctx context.Context) error {
	if d.slots == nil {
		return nil
	}
	select {
	case d.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) release() {
	if d.slots == nil {
		return
	}
	<-d.slots
}

// Send performs one GET against targetURL, classifying the outcome. It
// blocks while waiting for a concurrency slot and until the response
// arrives or the request fails; callers that want to fire sends without
// waiting invoke Send from their own goroutine.
func (d *Dispatcher) Send(ctx context.Context, targetURL string) Outcome {
	if err := d.acquire(ctx); err != nil {
		return Error
	}
	defer d.release()

	d.starts.Inc(1)
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, nil)
	if err != nil {
		return d.classify(0, err, start)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return d.classify(0, err, start)
	}
	defer resp.Body.Close()
	return d.classify(resp.StatusCode, nil, start)
}

func (d *Dispatcher) classify(statusCode int, err error, start time.Time) Outcome {
	d.latency.Observe(time.Since(start).Seconds())

	outcome := Error
	switch {
	case err != nil:
		outcome = Error
	case statusCode >= 200 && statusCode < 300:
		outcome = Success
	case statusCode == http.StatusTooManyRequests:
		outcome = RateLimited
	default:
		outcome = Error
	}
	d.outcomes.Inc(1, string(outcome))
	return outcome
}
