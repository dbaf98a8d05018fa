// Package mapping maps a batch of source entities to a target set: it
// resolves what to map, runs the pathfinder for every source and assembles
// the grouped results, statistics and report.
package mapping

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	cache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/errgroup"

	adoerrors "github.com/hasko/adocheck/internal/errors"
	"github.com/hasko/adocheck/internal/pathfind"
	"github.com/hasko/adocheck/internal/scheduler"
	"github.com/hasko/adocheck/internal/slogutil"
	"github.com/hasko/adocheck/internal/storage"
)

// Defaults for Options.
const (
	DefaultLongPathThreshold = 10
	DefaultProgressEvery     = 50
)

// finalizeTimeout bounds path-detail lookups after the run context ended.
const finalizeTimeout = 30 * time.Second

const unknown = "Unknown"

// PathFinder runs one shortest-path search.
type PathFinder interface {
	Find(ctx context.Context, sourceID string, targets pathfind.TargetSet) (*pathfind.Outcome, error)
}

// FailureSource reports fetch failures that were turned into dead ends.
type FailureSource interface {
	Failures() []scheduler.Failure
}

// EntityReader loads entity details for path steps.
type EntityReader interface {
	GetEntity(ctx context.Context, id string) (*storage.EntityRecord, error)
}

// Options tunes a run.
type Options struct {
	// Parallelism is how many sources are searched at once. Searches share
	// the graph, so overlapping structure is fetched once either way.
	Parallelism       int
	LongPathThreshold int
	ProgressEvery     int
	Logger            *slog.Logger
	Now               func() time.Time
}

// StepRelationship describes how a path step was reached.
type StepRelationship struct {
	Type       string `json:"type" yaml:"type"`
	FromID     string `json:"from_id" yaml:"from_id"`
	RelationID string `json:"relation_id,omitempty" yaml:"relation_id,omitempty"`
	Reverse    bool   `json:"reverse,omitempty" yaml:"reverse,omitempty"`
}

// PathStep is one entity on a mapped path.
type PathStep struct {
	EntityID     string            `json:"entity_id" yaml:"entity_id"`
	EntityName   string            `json:"entity_name" yaml:"entity_name"`
	EntityType   string            `json:"entity_type" yaml:"entity_type"`
	FromPrevious *StepRelationship `json:"relationship_from_previous,omitempty" yaml:"relationship_from_previous,omitempty"`
}

// MappedSource is a source with its shortest path to a target.
type MappedSource struct {
	Entity     `yaml:",inline"`
	TargetID   string     `json:"target_id" yaml:"target_id"`
	PathLength int        `json:"path_length" yaml:"path_length"`
	Path       []PathStep `json:"path_details" yaml:"path_details"`
}

// UnmappedSource is a source with no path within the depth bound.
type UnmappedSource struct {
	Entity `yaml:",inline"`
	Reason string `json:"reason" yaml:"reason"`
}

// TargetGroup collects the sources that reached one target.
type TargetGroup struct {
	Target  Entity         `json:"target" yaml:"target"`
	Sources []MappedSource `json:"sources" yaml:"sources"`
}

// Statistics summarizes a run.
type Statistics struct {
	Total         int     `json:"total" yaml:"total"`
	Mapped        int     `json:"mapped" yaml:"mapped"`
	Unmapped      int     `json:"unmapped" yaml:"unmapped"`
	Coverage      float64 `json:"coverage_percentage" yaml:"coverage_percentage"`
	AvgPathLength float64 `json:"average_path_length" yaml:"average_path_length"`
	MinPathLength int     `json:"min_path_length" yaml:"min_path_length"`
	MaxPathLength int     `json:"max_path_length" yaml:"max_path_length"`
	LongPaths     int     `json:"long_paths" yaml:"long_paths"`
}

// Result is the outcome of a run. Groups follow target order; Unmapped
// follows source order.
type Result struct {
	RunID      string              `json:"run_id" yaml:"run_id"`
	StartedAt  time.Time           `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time           `json:"finished_at" yaml:"finished_at"`
	Targets    []Entity            `json:"targets" yaml:"targets"`
	Groups     []*TargetGroup      `json:"groups" yaml:"groups"`
	Unmapped   []UnmappedSource    `json:"unmapped" yaml:"unmapped"`
	Failures   []scheduler.Failure `json:"failures,omitempty" yaml:"failures,omitempty"`
	Stats      Statistics          `json:"statistics" yaml:"statistics"`
	// Partial is set when the run stopped before every source finished.
	Partial bool `json:"partial,omitempty" yaml:"partial,omitempty"`
}

// Group returns the group for targetID, or nil.
func (r *Result) Group(targetID string) *TargetGroup {
	for _, g := range r.Groups {
		if g.Target.ID == targetID {
			return g
		}
	}
	return nil
}

// Orchestrator drives the pathfinder over a batch.
type Orchestrator struct {
	finder   PathFinder
	entities EntityReader
	failures FailureSource
	opts     Options
	logger   *slog.Logger
	details  *cache.Cache
}

// NewOrchestrator wires a run. failures may be nil.
func NewOrchestrator(finder PathFinder, entities EntityReader, failures FailureSource, opts Options) *Orchestrator {
	if opts.Parallelism <= 0 {
		opts.Parallelism = 1
	}
	if opts.LongPathThreshold <= 0 {
		opts.LongPathThreshold = DefaultLongPathThreshold
	}
	if opts.ProgressEvery <= 0 {
		opts.ProgressEvery = DefaultProgressEvery
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slogutil.NewDiscardLogger()
	}
	return &Orchestrator{
		finder:   finder,
		entities: entities,
		failures: failures,
		opts:     opts,
		logger:   logger,
		details:  cache.New(cache.NoExpiration, 0),
	}
}

// Run maps every source to its nearest target. On cancellation it returns
// the result for the sources that finished, marked Partial, together with a
// CANCELLED error. Fatal errors abort the run.
func (o *Orchestrator) Run(ctx context.Context, sources, targets []Entity) (*Result, error) {
	res := &Result{
		RunID:     uuid.NewString(),
		StartedAt: o.opts.Now(),
		Targets:   targets,
	}
	logger := o.logger.With("run_id", res.RunID)
	logger.Info("mapping started",
		"sources", len(sources),
		"targets", len(targets),
		"parallelism", o.opts.Parallelism,
	)

	targetSet := make(pathfind.TargetSet, len(targets))
	for _, t := range targets {
		targetSet[t.ID] = struct{}{}
	}

	outcomes := make([]*pathfind.Outcome, len(sources))
	var done atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.Parallelism)
	for i, src := range sources {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			out, err := o.finder.Find(gctx, src.ID, targetSet)
			if err != nil {
				return err
			}
			outcomes[i] = out
			n := done.Add(1)
			if n%int64(o.opts.ProgressEvery) == 0 || n == int64(len(sources)) {
				logger.Info("progress",
					"done", n,
					"total", len(sources),
					"percent", math.Round(float64(n)*1000/float64(len(sources)))/10,
				)
			}
			return nil
		})
	}
	runErr := g.Wait()
	if runErr == nil {
		runErr = ctx.Err()
	}
	if runErr != nil {
		if adoerrors.IsFatal(runErr) || !isCancellation(runErr) {
			logger.Error("mapping aborted", "error", runErr)
			return nil, runErr
		}
		res.Partial = true
		runErr = adoerrors.Wrap(adoerrors.Cancelled, "mapping cancelled", runErr)
		logger.Warn("mapping cancelled, keeping finished sources", "done", done.Load())
	}

	detailsCtx := ctx
	if res.Partial {
		var cancel context.CancelFunc
		detailsCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
		defer cancel()
	}
	o.assemble(detailsCtx, res, sources, outcomes, logger)
	if o.failures != nil {
		res.Failures = o.failures.Failures()
	}
	res.FinishedAt = o.opts.Now()

	logger.Info("mapping finished",
		"total", res.Stats.Total,
		"mapped", res.Stats.Mapped,
		"unmapped", res.Stats.Unmapped,
		"coverage", res.Stats.Coverage,
		"avg_path_length", res.Stats.AvgPathLength,
		"failures", len(res.Failures),
		"partial", res.Partial,
	)
	return res, runErr
}

// assemble groups finished outcomes and computes statistics. Sources without
// an outcome (cancelled before they finished) are left out entirely.
func (o *Orchestrator) assemble(ctx context.Context, res *Result, sources []Entity, outcomes []*pathfind.Outcome, logger *slog.Logger) {
	groups := make(map[string]*TargetGroup, len(res.Targets))
	for _, t := range res.Targets {
		if _, dup := groups[t.ID]; dup {
			continue
		}
		g := &TargetGroup{Target: t}
		groups[t.ID] = g
		res.Groups = append(res.Groups, g)
	}

	var lengths []int
	for i, src := range sources {
		out := outcomes[i]
		if out == nil {
			continue
		}
		res.Stats.Total++
		if !out.Mapped() {
			res.Unmapped = append(res.Unmapped, UnmappedSource{Entity: src, Reason: describeReason(out.Reason)})
			res.Stats.Unmapped++
			continue
		}

		length := out.Path.Length()
		lengths = append(lengths, length)
		res.Stats.Mapped++
		if length > o.opts.LongPathThreshold {
			res.Stats.LongPaths++
			logger.Warn("long path", "source_id", src.ID, "name", src.Name, "length", length)
		}

		g := groups[out.Path.TargetID]
		g.Sources = append(g.Sources, MappedSource{
			Entity:     src,
			TargetID:   out.Path.TargetID,
			PathLength: length,
			Path:       o.pathDetails(ctx, out.Path),
		})
	}

	fillStats(&res.Stats, lengths)
	for _, g := range res.Groups {
		sort.SliceStable(g.Sources, func(i, j int) bool { return g.Sources[i].Name < g.Sources[j].Name })
	}
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		adoerrors.Is(err, adoerrors.Cancelled)
}

func fillStats(s *Statistics, lengths []int) {
	if s.Total > 0 {
		s.Coverage = float64(s.Mapped) * 100 / float64(s.Total)
	}
	if len(lengths) == 0 {
		return
	}
	sum := 0
	s.MinPathLength, s.MaxPathLength = lengths[0], lengths[0]
	for _, l := range lengths {
		sum += l
		s.MinPathLength = min(s.MinPathLength, l)
		s.MaxPathLength = max(s.MaxPathLength, l)
	}
	s.AvgPathLength = float64(sum) / float64(len(lengths))
}

func describeReason(r pathfind.Reason) string {
	switch r {
	case pathfind.ReasonMaxDepth:
		return "No path found within the maximum depth"
	default:
		return "No path found to any target"
	}
}

func (o *Orchestrator) pathDetails(ctx context.Context, p *pathfind.Path) []PathStep {
	steps := make([]PathStep, 0, p.Length()+1)
	steps = append(steps, o.step(ctx, p.SourceID))
	for _, s := range p.Steps {
		st := o.step(ctx, s.To)
		st.FromPrevious = &StepRelationship{
			Type:       s.Type,
			FromID:     s.From,
			RelationID: s.RelationID,
			Reverse:    s.Reverse,
		}
		steps = append(steps, st)
	}
	return steps
}

// step resolves an entity's name and type, memoized for the run. Lookup
// failures degrade to "Unknown".
func (o *Orchestrator) step(ctx context.Context, id string) PathStep {
	if v, ok := o.details.Get(id); ok {
		return v.(PathStep)
	}
	st := PathStep{EntityID: id, EntityName: unknown, EntityType: unknown}
	rec, err := o.entities.GetEntity(ctx, id)
	if err != nil {
		o.logger.Debug("entity details unavailable", "entity_id", id, "error", err)
		return st
	}
	st.EntityName, st.EntityType = rec.Name, rec.Type
	o.details.SetDefault(id, st)
	return st
}
