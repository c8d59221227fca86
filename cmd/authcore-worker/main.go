// Command authcore-worker delivers queued webhook attempts from Postgres.
//
// Deliveries are written by every process embedding the Engine; this worker
// sweeps the due ones on AUTHCORE_WEBHOOK_SWEEP_INTERVAL, retries with
// backoff, and exposes dispatcher counters on AUTHCORE_METRICS_ADDR.
//
// Run:
//
//	AUTHCORE_DATABASE_URL=postgres://localhost/authcore go run ./cmd/authcore-worker
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrEthical07/authcore"
	"github.com/MrEthical07/authcore/store/postgres"
	"github.com/MrEthical07/authcore/webhook"
)

func main() {
	logger := log.New(os.Stderr, "authcore-worker: ", log.LstdFlags)

	cfg, err := authcore.LoadConfigFromEnv()
	if err != nil {
		logger.Fatalf("config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		logger.Fatal("AUTHCORE_DATABASE_URL is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := postgres.Open(cfg.DatabaseURL)
	if err != nil {
		logger.Fatalf("open database: %v", err)
	}
	defer db.Close()

	if err := db.Ping(ctx); err != nil {
		logger.Fatalf("ping database: %v", err)
	}
	if err := db.Migrate(ctx); err != nil {
		logger.Fatalf("migrate: %v", err)
	}

	dcfg := webhook.DefaultConfig()
	dcfg.Workers = cfg.WebhookWorkers
	dcfg.SweepInterval = cfg.WebhookSweepInterval
	dcfg.Timeout = cfg.WebhookTimeout
	dcfg.MaxAttempts = cfg.WebhookMaxAttempts

	dispatcher := webhook.NewDispatcher(db, dcfg, webhook.WithLogger(logger))
	defer dispatcher.Close()

	srv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           routes(db, dispatcher),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("metrics server: %v", err)
			stop()
		}
	}()

	logger.Printf("sweeping every %s, metrics on %s", dcfg.SweepInterval, cfg.MetricsAddr)
	if err := dispatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Printf("dispatcher: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Printf("shutdown: %v", err)
	}
}

func routes(db *postgres.Store, dispatcher *webhook.Dispatcher) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(dispatcherCounters(dispatcher)...)

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.Ping(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

func dispatcherCounters(d *webhook.Dispatcher) []prometheus.Collector {
	counter := func(name, help string, read func(webhook.Stats) uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "authcore",
			Subsystem: "webhook",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(read(d.Stats())) })
	}
	return []prometheus.Collector{
		counter("published_total", "Events accepted by the dispatcher.", func(s webhook.Stats) uint64 { return s.Published }),
		counter("dropped_total", "Events dropped because the queue was full.", func(s webhook.Stats) uint64 { return s.Dropped }),
		counter("delivered_total", "Deliveries acknowledged with a 2xx.", func(s webhook.Stats) uint64 { return s.Delivered }),
		counter("retried_total", "Attempts scheduled for retry.", func(s webhook.Stats) uint64 { return s.Retried }),
		counter("failed_total", "Deliveries that exhausted their attempts.", func(s webhook.Stats) uint64 { return s.Failed }),
	}
}
