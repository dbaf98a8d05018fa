// Package scheduler expands one BFS frontier at a time. Every id in a level
// is fetched concurrently under a shared worker cap, concurrent requests for
// the same id collapse into one fetch, and the call returns only after the
// whole level has settled.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/hasko/adocheck/internal/adoit"
	adoerrors "github.com/hasko/adocheck/internal/errors"
	"github.com/hasko/adocheck/internal/graph"
	"github.com/hasko/adocheck/internal/metrics"
	"github.com/hasko/adocheck/internal/slogutil"
)

// DefaultWorkers caps concurrent relationship fetches.
const DefaultWorkers = 10

var tracer = otel.Tracer("adocheck.scheduler")

// Expander is the part of the graph builder the scheduler drives.
type Expander interface {
	Expand(ctx context.Context, id string) ([]graph.Edge, error)
	Expanded(id string) bool
	MarkDeadEnd(id string, cause error)
}

// Options configures a Scheduler.
type Options struct {
	Workers          int
	RateLimitRetries int
	Backoff          adoit.Backoff
	Logger           *slog.Logger

	// Sleep waits between rate-limit retries. Defaults to a timer honoring ctx.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Failure is an id whose expansion failed and was turned into a dead end.
type Failure struct {
	ID      string              `json:"id"`
	Code    adoerrors.ErrorCode `json:"code"`
	Message string              `json:"message"`
}

// LevelResult summarizes one ExpandLevel call.
type LevelResult struct {
	Requested int
	Fetched   int
	Joined    int
	Failures  []Failure
	Duration  time.Duration
}

// Scheduler is safe for concurrent use; pathfinders running in parallel
// share one instance so their frontiers dedupe against each other.
type Scheduler struct {
	graph  Expander
	sem    *semaphore.Weighted
	flight singleflight.Group
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	failures []Failure
}

// New returns a scheduler driving g.
func New(g Expander, opts Options) *Scheduler {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.RateLimitRetries < 0 {
		opts.RateLimitRetries = 0
	}
	if opts.Backoff.Base == 0 {
		opts.Backoff = adoit.DefaultBackoff()
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}
	logger := opts.Logger
	if logger == nil {
		logger = slogutil.NewDiscardLogger()
	}
	return &Scheduler{
		graph:  g,
		sem:    semaphore.NewWeighted(int64(opts.Workers)),
		opts:   opts,
		logger: logger,
	}
}

// ExpandLevel makes sure every id in ids is expanded. Non-fatal failures are
// logged, recorded and leave the id as a dead end; a fatal error cancels the
// rest of the level and is returned.
func (s *Scheduler) ExpandLevel(ctx context.Context, ids []string) (*LevelResult, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "scheduler.ExpandLevel")
	defer span.End()

	pending := s.pending(ids)
	res := &LevelResult{Requested: len(ids)}
	span.SetAttributes(
		attribute.Int("level.requested", len(ids)),
		attribute.Int("level.pending", len(pending)),
	)
	if len(pending) == 0 {
		span.SetStatus(codes.Ok, "")
		return res, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range pending {
		g.Go(func() error {
			executed := false
			_, err, _ := s.flight.Do(id, func() (interface{}, error) {
				executed = true
				return nil, s.expandOne(gctx, id)
			})

			mu.Lock()
			defer mu.Unlock()
			if executed {
				res.Fetched++
			} else {
				res.Joined++
				metrics.SchedulerFetches.WithLabelValues("joined").Inc()
			}
			if err == nil {
				return nil
			}
			var f failedExpansion
			if errors.As(err, &f) {
				res.Failures = append(res.Failures, f.Failure)
				return nil
			}
			return err
		})
	}

	err := g.Wait()
	res.Duration = time.Since(start)
	metrics.LevelDuration.Observe(res.Duration.Seconds())
	span.SetAttributes(
		attribute.Int("level.fetched", res.Fetched),
		attribute.Int("level.failures", len(res.Failures)),
	)

	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			err = adoerrors.Wrap(adoerrors.Cancelled, "level expansion cancelled", err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}
	span.SetStatus(codes.Ok, "")
	return res, nil
}

// Failures returns every failure recorded since the scheduler was created.
func (s *Scheduler) Failures() []Failure {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Failure(nil), s.failures...)
}

// pending drops duplicates and ids the graph already holds.
func (s *Scheduler) pending(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if s.graph.Expanded(id) {
			continue
		}
		out = append(out, id)
	}
	return out
}

// failedExpansion marks an isolated failure; the id has been recorded as a
// dead end and the level continues.
type failedExpansion struct{ Failure }

func (f failedExpansion) Error() string { return f.ID + ": " + f.Message }

func (s *Scheduler) expandOne(ctx context.Context, id string) error {
	if s.graph.Expanded(id) {
		return nil
	}
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.sem.Release(1)

	err := s.fetchWithRetry(ctx, id)
	if err == nil {
		metrics.SchedulerFetches.WithLabelValues("ok").Inc()
		return nil
	}
	if ctx.Err() != nil || adoerrors.IsFatal(err) {
		return err
	}

	metrics.SchedulerFetches.WithLabelValues("failed").Inc()
	f := Failure{ID: id, Code: adoerrors.CodeOf(err), Message: err.Error()}
	s.logger.Warn("relationship fetch failed, treating as dead end",
		"entity_id", id,
		"code", f.Code,
		"error", err,
	)
	s.graph.MarkDeadEnd(id, err)

	s.mu.Lock()
	s.failures = append(s.failures, f)
	s.mu.Unlock()
	return failedExpansion{f}
}

func (s *Scheduler) fetchWithRetry(ctx context.Context, id string) error {
	for attempt := 0; ; attempt++ {
		_, err := s.graph.Expand(ctx, id)
		if err == nil {
			return nil
		}
		if !adoerrors.Is(err, adoerrors.RateLimited) || attempt >= s.opts.RateLimitRetries {
			return err
		}

		wait := adoit.RetryAfter(err)
		if wait <= 0 {
			wait = s.opts.Backoff.Next(attempt)
		}
		metrics.SchedulerFetches.WithLabelValues("retried").Inc()
		s.logger.Debug("rate limited, backing off",
			"entity_id", id,
			"attempt", attempt+1,
			"wait", wait,
		)
		if err := s.opts.Sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
