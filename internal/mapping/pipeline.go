package mapping

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hasko/adocheck/internal/adoit"
	"github.com/hasko/adocheck/internal/config"
	"github.com/hasko/adocheck/internal/graph"
	"github.com/hasko/adocheck/internal/pathfind"
	"github.com/hasko/adocheck/internal/scheduler"
	"github.com/hasko/adocheck/internal/slogutil"
	"github.com/hasko/adocheck/internal/storage"
)

// Reader is the reconciler surface a run needs.
type Reader interface {
	EntitySource
	GetRelationships(ctx context.Context, entityID string) ([]storage.RelationshipRecord, error)
}

// Filters records what a run was restricted to, for the report.
type Filters struct {
	SourceClass       string   `json:"source_class" yaml:"source_class"`
	SourceFilter      string   `json:"source_filter,omitempty" yaml:"source_filter,omitempty"`
	RelationshipTypes []string `json:"relationship_types,omitempty" yaml:"relationship_types,omitempty"`
	RelationPatterns  []string `json:"relationship_patterns,omitempty" yaml:"relationship_patterns,omitempty"`
	Direction         string   `json:"direction" yaml:"direction"`
	MaxDepth          int      `json:"max_depth" yaml:"max_depth"`
}

// Plan is the resolved input of a run.
type Plan struct {
	Targets   []Entity
	Sources   []Entity
	Whitelist *graph.Whitelist
	Direction graph.Direction
	Filters   Filters
}

// Discover resolves targets, relationship types and sources.
func Discover(ctx context.Context, entities EntitySource, meta adoit.MetamodelPort, cfg config.MappingConfig, logger *slog.Logger) (*Plan, error) {
	if logger == nil {
		logger = slogutil.NewDiscardLogger()
	}
	dir, err := graph.ParseDirection(cfg.Direction)
	if err != nil {
		return nil, err
	}
	d := NewDiscoverer(entities, meta, logger)

	targets, err := d.Targets(ctx, cfg)
	if err != nil {
		return nil, err
	}
	wl, err := d.RelationshipTypes(ctx, cfg.RelationshipTypes, cfg.RelationshipPatterns)
	if err != nil {
		return nil, err
	}
	sources, err := d.Sources(ctx, cfg)
	if err != nil {
		return nil, err
	}

	f := Filters{
		SourceClass:       cfg.SourceClass,
		RelationshipTypes: wl.Types(),
		RelationPatterns:  wl.Patterns(),
		Direction:         dir.String(),
		MaxDepth:          cfg.MaxDepth,
	}
	if len(cfg.SourceIDs) > 0 {
		f.SourceFilter = fmt.Sprintf("%d explicit ids", len(cfg.SourceIDs))
	} else if cfg.SourceAttribute != "" && cfg.SourceValue != "" {
		f.SourceFilter = fmt.Sprintf("%s = %q", cfg.SourceAttribute, cfg.SourceValue)
	}

	return &Plan{
		Targets:   targets,
		Sources:   sources,
		Whitelist: wl,
		Direction: dir,
		Filters:   f,
	}, nil
}

// Execute builds the graph, scheduler and pathfinder for plan and maps every
// source. Errors follow Orchestrator.Run.
func Execute(ctx context.Context, reader Reader, plan *Plan, cfg config.MappingConfig, logger *slog.Logger) (*Result, error) {
	if logger == nil {
		logger = slogutil.NewDiscardLogger()
	}
	g := graph.NewBuilder(reader, plan.Whitelist, plan.Direction, logger)
	sched := scheduler.New(g, scheduler.Options{
		Workers:          cfg.Workers,
		RateLimitRetries: cfg.RateLimitRetries,
		Logger:           logger,
	})
	finder := pathfind.NewFinder(sched, g, cfg.MaxDepth, logger)
	orch := NewOrchestrator(finder, reader, sched, Options{
		Parallelism:       cfg.Parallelism,
		LongPathThreshold: cfg.LongPathThreshold,
		Logger:            logger,
	})

	res, err := orch.Run(ctx, plan.Sources, plan.Targets)
	if res != nil {
		st := g.Stats()
		logger.Info("graph", "nodes", st.Nodes, "edges", st.Edges, "dead_ends", st.DeadEnds)
	}
	return res, err
}
