package metrics

import "context"

// Provider abstracts a metrics backend so the limiter and control API never
// depend on Prometheus or OTEL types directly.
type Provider interface {
	NewCounter(opts CounterOpts) Counter
	NewGauge(opts GaugeOpts) Gauge
	NewHistogram(opts HistogramOpts) Histogram
	NewTimer(h HistogramOpts) func() Timer
	Health(ctx context.Context) error
}

// Counter is a monotonically increasing instrument.
type Counter interface {
	Inc(delta float64, labels ...string)
}

// Gauge can be set to an absolute value or adjusted by a delta.
type Gauge interface {
	Set(value float64, labels ...string)
	Add(delta float64, labels ...string)
}

// Histogram records samples into configured buckets.
type Histogram interface {
	Observe(value float64, labels ...string)
}

// Timer observes an elapsed duration (seconds) against a histogram.
type Timer interface {
	ObserveDuration(labels ...string)
}

// CommonOpts names and scopes a metric.
type CommonOpts struct {
	Namespace string
	Subsystem string
	Name      string
	Help      string
	Labels    []string
}

// CounterOpts configures a counter instrument.
type CounterOpts struct{ CommonOpts }

// GaugeOpts configures a gauge instrument.
type GaugeOpts struct{ CommonOpts }

// HistogramOpts configures a histogram instrument, with optional explicit buckets.
type HistogramOpts struct {
	CommonOpts
	Buckets []float64
}

// NewNoopProvider returns a Provider that discards every observation. Used in
// tests and whenever telemetry is disabled by configuration.
func NewNoopProvider() Provider { return noopProvider{} }

type noopProvider struct{}

func (noopProvider) NewCounter(CounterOpts) Counter     { return noopCounter{} }
func (noopProvider) NewGauge(GaugeOpts) Gauge           { return noopGauge{} }
func (noopProvider) NewHistogram(HistogramOpts) Histogram { return noopHistogram{} }
func (noopProvider) NewTimer(HistogramOpts) func() Timer {
	return func() Timer { return noopTimer{} }
}
func (noopProvider) Health(context.Context) error { return nil }

type noopCounter struct{}

func (noopCounter) Inc(float64, ...string) {}

type noopGauge struct{}

func (noopGauge) Set(float64, ...string) {}
func (noopGauge) Add(float64, ...string) {}

type noopHistogram struct{}

func (noopHistogram) Observe(float64, ...string) {}

type noopTimer struct{}

func (noopTimer) ObserveDuration(...string) {}
