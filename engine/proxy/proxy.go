// Package proxy is C's thin reverse-proxy collaborator (spec.md §6): the
// decision is made first, denied requests never reach upstream, and
// allowed requests are forwarded with hop-by-hop headers stripped.
// X-Forwarded-For is left to httputil.ReverseProxy's own ServeHTTP, which
// sets it from the single client address it actually sees.
package proxy

import (
	"context"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/ratelimit-lab/adaptive-limiter/engine/models"
	"github.com/ratelimit-lab/adaptive-limiter/engine/telemetry/logging"
)

// hopByHopHeaders are stripped before forwarding, per spec.md §6.
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade", "Host",
}

// Decider is the limit decision dependency; engine/ratelimiter.Engine
// satisfies it.
type Decider interface {
	Allow(ctx context.Context, cfg models.LimitConfig) (bool, error)
}

// ConfigSource supplies the active LimitConfig read on the hot path.
type ConfigSource interface {
	Get() models.LimitConfig
}

const deniedBody = "Rate limit exceeded"

// Proxy admits or denies each inbound request and forwards admitted ones
// to a single shared target.
type Proxy struct {
	decider Decider
	config  ConfigSource
	target  *url.URL
	logger  logging.Logger

	reverse *httputil.ReverseProxy
}

// Options configures a Proxy.
type Options struct {
	Decider   Decider
	Config    ConfigSource
	TargetURL string
	Logger    logging.Logger
}

func New(opts Options) (*Proxy, error) {
	target, err := url.Parse(opts.TargetURL)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.New(nil)
	}
	p := &Proxy{decider: opts.Decider, config: opts.Config, target: target, logger: logger}
	reverse := httputil.NewSingleHostReverseProxy(target)
	baseDirector := reverse.Director
	reverse.Director = func(r *http.Request) {
		baseDirector(r)
		stripHopByHop(r.Header)
	}
	reverse.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		p.logger.ErrorCtx(r.Context(), "upstream request failed", "error", err, "target", p.target.String())
		w.WriteHeader(http.StatusBadGateway)
	}
	p.reverse = reverse
	return p, nil
}

// ServeHTTP implements http.Handler: decide first, forward only on allow.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cfg := p.config.Get()
	allowed, err := p.decider.Allow(r.Context(), cfg)
	if err != nil {
		p.logger.ErrorCtx(r.Context(), "decision engine error, treating as deny", "error", err)
		allowed = false
	}
	if !allowed {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(deniedBody))
		return
	}
	p.reverse.ServeHTTP(w, r)
}

func stripHopByHop(h http.Header) {
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}
