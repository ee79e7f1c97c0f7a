// Command limiter runs rate limiter/proxy C: the decision engine, fail-open
// guard, config store, algorithm-switch coordinator, telemetry aggregator,
// adaptive loop, control API, and reverse proxy (spec.md §2 composition
// "C runs L+F+M+R+T+X+U plus a thin HTTP reverse-proxy collaborator").
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ratelimit-lab/adaptive-limiter/engine/adaptive"
	"github.com/ratelimit-lab/adaptive-limiter/engine/algoswitch"
	"github.com/ratelimit-lab/adaptive-limiter/engine/configstore"
	"github.com/ratelimit-lab/adaptive-limiter/engine/controlapi"
	"github.com/ratelimit-lab/adaptive-limiter/engine/failopen"
	"github.com/ratelimit-lab/adaptive-limiter/engine/models"
	"github.com/ratelimit-lab/adaptive-limiter/engine/proxy"
	"github.com/ratelimit-lab/adaptive-limiter/engine/ratelimiter"
	"github.com/ratelimit-lab/adaptive-limiter/engine/store"
	"github.com/ratelimit-lab/adaptive-limiter/engine/telemetry"
	"github.com/ratelimit-lab/adaptive-limiter/engine/telemetry/events"
	"github.com/ratelimit-lab/adaptive-limiter/engine/telemetry/health"
	"github.com/ratelimit-lab/adaptive-limiter/engine/telemetry/metrics"
)

func main() {
	var (
		listenAddr     string
		redisAddr      string
		targetURL      string
		metricsBackend string
		showVersion    bool
	)
	flag.StringVar(&listenAddr, "listen", envOr("LIMITER_LISTEN_ADDR", ":8081"), "Proxy and config API listen address")
	flag.StringVar(&redisAddr, "redis", envOr("REDIS_ADDR", "localhost:6379"), "Shared store address")
	flag.StringVar(&targetURL, "target", envOr("TARGET_URL", "http://localhost:9000"), "Upstream target URL")
	flag.StringVar(&metricsBackend, "metrics-backend", envOr("METRICS_BACKEND", "prom"), "Metrics backend: prom|otel|noop")
	flag.BoolVar(&showVersion, "version", false, "Show version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println("limiter – adaptive rate limiter and proxy")
		return
	}

	provider := buildProvider(metricsBackend)
	bus := events.NewBus(provider)
	logEvents(bus)

	redisClient := redis.NewClient(&redis.Options{Addr: redisAddr})
	sharedStore := store.New(redisClient)

	guard := failopen.New(failopen.Options{Pinger: sharedStore, FailOpen: true, Bus: bus})
	defer guard.Stop()

	limitEngine := ratelimiter.New(ratelimiter.Options{Store: sharedStore, Guard: guard, Provider: provider})

	switchCoordinator := algoswitch.NewWithBus(sharedStore, nil, bus)

	cfgStore := configstore.New(configstore.Options{
		Initial:  initialConfigFromEnv(),
		Bounds:   models.DefaultBounds(),
		Store:    sharedStore,
		Resetter: switchCoordinator,
		Bus:      bus,
	})

	aggregator := telemetry.New(telemetry.Options{})

	adaptiveEnabled := os.Getenv("ADAPTIVE_ENABLED") == "true"
	adaptiveInterval := envDuration("ADAPTIVE_INTERVAL", 30*time.Second)
	adaptiveTimeout := envDuration("ADAPTIVE_TIMEOUT", 5*time.Second)
	loop := adaptive.New(adaptive.Options{
		Aggregator:  aggregator,
		ConfigStore: cfgStore,
		Guard:       guard,
		AdvisorURL:  os.Getenv("ADAPTIVE_URL"),
		Interval:    adaptiveInterval,
		Timeout:     adaptiveTimeout,
		Enabled:     adaptiveEnabled,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Println("signal received; shutting down limiter")
		cancel()
	}()

	go loop.Run(ctx)
	go cfgStore.RunRefreshLoop(ctx, 30*time.Second)

	if configFile := os.Getenv("LIMIT_CONFIG_FILE"); configFile != "" {
		fw, err := configstore.NewFileWatcher(configFile, cfgStore, nil)
		if err != nil {
			log.Printf("config file watcher disabled: %v", err)
		} else {
			go fw.Watch(ctx)
		}
	}

	rp, err := proxy.New(proxy.Options{Decider: limitEngine, Config: cfgStore, TargetURL: targetURL})
	if err != nil {
		log.Fatalf("build proxy: %v", err)
	}

	evaluator := health.NewEvaluator(2*time.Second,
		health.ProbeFunc(func(ctx context.Context) health.ProbeResult {
			if err := sharedStore.Ping(ctx); err != nil {
				return health.Unhealthy("store", err.Error())
			}
			return health.Healthy("store")
		}),
		health.ProbeFunc(func(ctx context.Context) health.ProbeResult {
			if !guard.Available() {
				return health.Degraded("failopen_guard", "store unavailable, serving fail-open decisions")
			}
			return health.Healthy("failopen_guard")
		}),
	)

	mux := http.NewServeMux()
	controlapi.LimiterHandlers(mux, cfgStore)
	mux.Handle("/actuator/prometheus", controlapi.NewMetricsHandler(provider))
	mux.Handle("/healthz", controlapi.NewHealthHandler(evaluator))
	mux.Handle("/readyz", controlapi.NewReadinessHandler(evaluator))
	mux.Handle("/", rp)

	srv := &http.Server{Addr: listenAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		_ = srv.Shutdown(context.Background())
	}()

	log.Printf("limiter listening on %s, proxying to %s", listenAddr, targetURL)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("limiter server error: %v", err)
	}
}

// logEvents drains the shared event bus to the process log, standing in for
// a real downstream sink (webhook, log shipper) until one is configured.
func logEvents(bus events.Bus) {
	sub, err := bus.Subscribe(32)
	if err != nil {
		log.Printf("event bus subscribe failed: %v", err)
		return
	}
	go func() {
		for ev := range sub.C() {
			log.Printf("event category=%s type=%s severity=%s labels=%v", ev.Category, ev.Type, ev.Severity, ev.Labels)
		}
	}()
}

func initialConfigFromEnv() models.LimitConfig {
	algo, err := models.NormalizeAlgorithm(envOr("RATE_LIMIT_ALGORITHM", "fixed"))
	if err != nil {
		algo = models.Fixed
	}
	return models.LimitConfig{
		Algorithm:     algo,
		Limit:         envInt64("RATE_LIMIT_LIMIT", 100),
		WindowSeconds: envInt64("RATE_LIMIT_WINDOW_SECONDS", 60),
		Capacity:      envInt64("RATE_LIMIT_CAPACITY", 100),
		FillRate:      envFloat64("RATE_LIMIT_FILL_RATE", 10),
	}
}

func buildProvider(backend string) metrics.Provider {
	switch backend {
	case "prom":
		return metrics.NewPrometheusProvider(metrics.PrometheusProviderOptions{})
	case "otel":
		return metrics.NewOTelProvider(metrics.OTelProviderOptions{})
	default:
		return metrics.NewNoopProvider()
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat64(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := models.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
