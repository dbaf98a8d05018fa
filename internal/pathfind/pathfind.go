// Package pathfind finds the shortest relationship path from a source entity
// to any member of a target set over the lazily expanded graph.
package pathfind

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/hasko/adocheck/internal/graph"
	"github.com/hasko/adocheck/internal/metrics"
	"github.com/hasko/adocheck/internal/scheduler"
	"github.com/hasko/adocheck/internal/slogutil"
)

// DefaultMaxDepth bounds the search when no depth is configured.
const DefaultMaxDepth = 15

var tracer = otel.Tracer("adocheck.pathfind")

// Reason explains why a source is unmapped.
type Reason string

const (
	ReasonNone     Reason = ""
	ReasonNoPath   Reason = "no_path"
	ReasonMaxDepth Reason = "max_depth_exceeded"
)

// Step is one traversed relationship.
type Step struct {
	From       string `json:"from"`
	To         string `json:"to"`
	Type       string `json:"type"`
	RelationID string `json:"relationId,omitempty"`
	Reverse    bool   `json:"reverse,omitempty"`
}

// Path is an ordered walk from a source to a target.
type Path struct {
	SourceID string `json:"sourceId"`
	TargetID string `json:"targetId"`
	Steps    []Step `json:"steps"`
}

// Length is the number of edges on the path.
func (p *Path) Length() int { return len(p.Steps) }

// Nodes returns the entity ids along the path, source first.
func (p *Path) Nodes() []string {
	nodes := make([]string, 0, len(p.Steps)+1)
	nodes = append(nodes, p.SourceID)
	for _, s := range p.Steps {
		nodes = append(nodes, s.To)
	}
	return nodes
}

// Outcome is the result of one search. Path is nil when the source is
// unmapped; Reason then says why.
type Outcome struct {
	SourceID string
	Path     *Path
	Reason   Reason
	Visited  int
	Depth    int
}

// Mapped reports whether a path was found.
func (o *Outcome) Mapped() bool { return o.Path != nil }

// LevelExpander expands a whole frontier and returns once it has settled.
type LevelExpander interface {
	ExpandLevel(ctx context.Context, ids []string) (*scheduler.LevelResult, error)
}

// EdgeReader reads edges of already expanded nodes.
type EdgeReader interface {
	Edges(id string) ([]graph.Edge, bool)
}

// TargetSet is the set of acceptable destinations.
type TargetSet map[string]struct{}

// NewTargetSet builds a set from ids.
func NewTargetSet(ids ...string) TargetSet {
	s := make(TargetSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Has reports membership.
func (s TargetSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Finder runs level-synchronous BFS searches. One Finder may serve many
// concurrent searches; expansions are shared through the graph.
type Finder struct {
	levels   LevelExpander
	edges    EdgeReader
	maxDepth int
	logger   *slog.Logger
}

// NewFinder returns a finder bounded at maxDepth edges.
func NewFinder(levels LevelExpander, edges EdgeReader, maxDepth int, logger *slog.Logger) *Finder {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	if logger == nil {
		logger = slogutil.NewDiscardLogger()
	}
	return &Finder{levels: levels, edges: edges, maxDepth: maxDepth, logger: logger}
}

// Find searches from sourceID. The first target discovered at the shallowest
// depth wins; within a depth, frontier order decides, and each node's edges
// are visited sorted by neighbor id then relationship type, so results are
// reproducible on unchanged data. An error is returned only for cancellation
// or fatal expansion failures.
func (f *Finder) Find(ctx context.Context, sourceID string, targets TargetSet) (*Outcome, error) {
	ctx, span := tracer.Start(ctx, "pathfind.Find")
	defer span.End()
	span.SetAttributes(
		attribute.String("source.id", sourceID),
		attribute.Int("targets", len(targets)),
		attribute.Int("max_depth", f.maxDepth),
	)

	out, err := f.search(ctx, sourceID, targets)
	if err != nil {
		metrics.PathsTotal.WithLabelValues("cancelled").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return out, err
	}

	span.SetAttributes(attribute.Int("visited", out.Visited), attribute.Int("depth", out.Depth))
	if out.Mapped() {
		metrics.PathsTotal.WithLabelValues("mapped").Inc()
		span.SetAttributes(attribute.Int("path.length", out.Path.Length()))
	} else {
		metrics.PathsTotal.WithLabelValues("unmapped").Inc()
		span.SetAttributes(attribute.String("reason", string(out.Reason)))
	}
	span.SetStatus(codes.Ok, "")
	return out, nil
}

func (f *Finder) search(ctx context.Context, sourceID string, targets TargetSet) (*Outcome, error) {
	out := &Outcome{SourceID: sourceID, Visited: 1}
	if targets.Has(sourceID) {
		out.Path = &Path{SourceID: sourceID, TargetID: sourceID, Steps: []Step{}}
		return out, nil
	}

	parent := map[string]Step{}
	visited := map[string]struct{}{sourceID: {}}
	frontier := []string{sourceID}

	for depth := 0; depth < f.maxDepth; depth++ {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		out.Depth = depth + 1

		levelCtx, span := tracer.Start(ctx, "pathfind.level")
		span.SetAttributes(attribute.Int("depth", depth), attribute.Int("frontier", len(frontier)))
		_, err := f.levels.ExpandLevel(levelCtx, frontier)
		span.End()
		if err != nil {
			return out, err
		}

		var next []string
		for _, node := range frontier {
			edges, _ := f.edges.Edges(node)
			for _, e := range edges {
				if _, seen := visited[e.Neighbor]; seen {
					continue
				}
				visited[e.Neighbor] = struct{}{}
				parent[e.Neighbor] = Step{
					From:       node,
					To:         e.Neighbor,
					Type:       e.Type,
					RelationID: e.RelationID,
					Reverse:    e.Reverse,
				}
				if targets.Has(e.Neighbor) {
					out.Visited = len(visited)
					out.Path = reconstruct(sourceID, e.Neighbor, parent)
					return out, nil
				}
				next = append(next, e.Neighbor)
			}
		}
		out.Visited = len(visited)

		if len(next) == 0 {
			out.Reason = ReasonNoPath
			return out, nil
		}
		frontier = next
	}

	f.logger.Debug("max depth reached",
		"source_id", sourceID,
		"max_depth", f.maxDepth,
		"frontier", len(frontier),
	)
	out.Reason = ReasonMaxDepth
	return out, nil
}

func reconstruct(sourceID, targetID string, parent map[string]Step) *Path {
	var steps []Step
	for at := targetID; at != sourceID; {
		s := parent[at]
		steps = append(steps, s)
		at = s.From
	}
	for i, j := 0, len(steps)-1; i < j; i, j = i+1, j-1 {
		steps[i], steps[j] = steps[j], steps[i]
	}
	return &Path{SourceID: sourceID, TargetID: targetID, Steps: steps}
}
