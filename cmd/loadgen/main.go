// Command loadgen runs load generator A: the profile engine, scheduler,
// dispatcher, and control API (spec.md §2 composition "A runs S+P+D+U").
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/ratelimit-lab/adaptive-limiter/engine/controlapi"
	"github.com/ratelimit-lab/adaptive-limiter/engine/dispatcher"
	"github.com/ratelimit-lab/adaptive-limiter/engine/loadtest"
	"github.com/ratelimit-lab/adaptive-limiter/engine/telemetry/health"
	"github.com/ratelimit-lab/adaptive-limiter/engine/telemetry/metrics"
)

func main() {
	var (
		listenAddr     string
		concurrency    int
		metricsBackend string
		showVersion    bool
	)
	flag.StringVar(&listenAddr, "listen", envOr("LOADGEN_LISTEN_ADDR", ":8080"), "Control API listen address")
	flag.IntVar(&concurrency, "concurrency", 0, "Default dispatcher concurrency cap (0=unbounded)")
	flag.StringVar(&metricsBackend, "metrics-backend", envOr("METRICS_BACKEND", "prom"), "Metrics backend: prom|otel|noop")
	flag.BoolVar(&showVersion, "version", false, "Show version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println("loadgen – adaptive limiter load generator")
		return
	}

	provider := buildProvider(metricsBackend)
	d := dispatcher.New(dispatcher.Options{Concurrency: concurrency, Provider: provider})
	mgr := loadtest.New(d)

	evaluator := health.NewEvaluator(2*time.Second,
		health.ProbeFunc(func(ctx context.Context) health.ProbeResult {
			if err := provider.Health(ctx); err != nil {
				return health.Unhealthy("metrics_provider", err.Error())
			}
			return health.Healthy("metrics_provider")
		}),
	)

	mux := http.NewServeMux()
	controlapi.LoadGenHandlers(mux, mgr)
	mux.Handle("/actuator/prometheus", controlapi.NewMetricsHandler(provider))
	mux.Handle("/healthz", controlapi.NewHealthHandler(evaluator))
	mux.Handle("/readyz", controlapi.NewReadinessHandler(evaluator))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Println("signal received; shutting down loadgen")
		cancel()
	}()

	if configFile := os.Getenv("LOADGEN_CONFIG_FILE"); configFile != "" {
		autoStart(ctx, mgr, configFile)
	}

	srv := &http.Server{Addr: listenAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		_ = srv.Shutdown(context.Background())
	}()

	log.Printf("loadgen control API listening on %s", listenAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("loadgen server error: %v", err)
	}
}

// autoStart decodes a JSON start payload (the /test/start body) and begins
// it immediately; fields absent from the file keep their zero values.
func autoStart(ctx context.Context, mgr *loadtest.Manager, path string) {
	f, err := os.Open(path)
	if err != nil {
		log.Printf("LOADGEN_CONFIG_FILE open failed, skipping auto-start: %v", err)
		return
	}
	defer f.Close()

	var req controlapi.StartRequest
	if err := json.NewDecoder(f).Decode(&req); err != nil {
		log.Printf("LOADGEN_CONFIG_FILE decode failed, skipping auto-start: %v", err)
		return
	}
	if _, err := mgr.Start(ctx, req); err != nil {
		log.Printf("LOADGEN_CONFIG_FILE auto-start failed: %v", err)
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
