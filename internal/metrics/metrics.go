// Package metrics holds the Prometheus collectors shared by the cache,
// scheduler and pathfinder, and the optional /metrics endpoint.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ReconcileTotal counts cache reads by record kind and how they were served:
	// fresh, revalidated, fetched, forced, not_found, error.
	ReconcileTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "adocheck_reconcile_total",
		Help: "Cache reads by record kind and result",
	}, []string{"kind", "result"})

	// SchedulerFetches counts relationship expansions by result:
	// ok, failed, retried, joined.
	SchedulerFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "adocheck_scheduler_fetches_total",
		Help: "Relationship expansions by result",
	}, []string{"result"})

	// LevelDuration tracks how long one BFS level expansion takes.
	LevelDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "adocheck_level_expansion_duration_seconds",
		Help:    "Duration of one frontier level expansion",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
	})

	// PathsTotal counts pathfinder outcomes: mapped, unmapped, cancelled.
	PathsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "adocheck_paths_total",
		Help: "Pathfinder searches by outcome",
	}, []string{"outcome"})
)

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve runs a /metrics endpoint on addr until ctx is done.
func Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Metrics endpoint listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
