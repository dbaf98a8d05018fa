// Package graph is the lazily materialized adjacency view over cached
// relationships. A node absent from the graph has not been expanded yet; an
// expanded node with no edges is a dead end.
package graph

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/hasko/adocheck/internal/slogutil"
	"github.com/hasko/adocheck/internal/storage"
)

// Direction selects which relationship ends are navigable from a node.
type Direction int

const (
	// Forward follows relationships from their source to their target.
	Forward Direction = iota
	// Backward follows relationships from their target to their source.
	Backward
	// Both follows relationships either way.
	Both
)

func (d Direction) String() string {
	switch d {
	case Forward:
		return "forward"
	case Backward:
		return "backward"
	case Both:
		return "both"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

// ParseDirection parses forward, backward or both.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "forward":
		return Forward, nil
	case "backward":
		return Backward, nil
	case "both":
		return Both, nil
	default:
		return Forward, fmt.Errorf("unknown direction %q", s)
	}
}

// Edge is one navigable step away from a node.
type Edge struct {
	Neighbor   string `json:"neighbor"`
	Type       string `json:"type"`
	RelationID string `json:"relationId"`
	Reverse    bool   `json:"reverse,omitempty"` // traversed target -> source
}

// RelationSource supplies the relationships touching an entity.
type RelationSource interface {
	GetRelationships(ctx context.Context, entityID string) ([]storage.RelationshipRecord, error)
}

type node struct {
	edges   []Edge
	deadEnd bool
	failure string
}

// Builder memoizes expanded nodes. It tolerates concurrent expansion of
// different ids; deduplicating concurrent expansion of the same id is the
// caller's job.
type Builder struct {
	source    RelationSource
	whitelist *Whitelist
	direction Direction
	logger    *slog.Logger

	mu    sync.RWMutex
	nodes map[string]*node
}

// NewBuilder returns an empty graph over source.
func NewBuilder(source RelationSource, whitelist *Whitelist, direction Direction, logger *slog.Logger) *Builder {
	if whitelist == nil {
		whitelist = NewWhitelist(nil, nil)
	}
	if logger == nil {
		logger = slogutil.NewDiscardLogger()
	}
	return &Builder{
		source:    source,
		whitelist: whitelist,
		direction: direction,
		logger:    logger,
		nodes:     make(map[string]*node),
	}
}

// Direction returns the traversal direction the builder was created with.
func (b *Builder) Direction() Direction { return b.direction }

// Edges returns the edges of an expanded node. ok is false when id has not
// been expanded.
func (b *Builder) Edges(id string) (edges []Edge, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n, ok := b.nodes[id]
	if !ok {
		return nil, false
	}
	return n.edges, true
}

// Expanded reports whether id is in the graph.
func (b *Builder) Expanded(id string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.nodes[id]
	return ok
}

// Expand returns the whitelisted edges of id, fetching its relationships on
// first use. A fetch error is returned without recording the node, so the
// caller can retry or call MarkDeadEnd.
func (b *Builder) Expand(ctx context.Context, id string) ([]Edge, error) {
	if edges, ok := b.Edges(id); ok {
		return edges, nil
	}

	rels, err := b.source.GetRelationships(ctx, id)
	if err != nil {
		return nil, err
	}
	edges := b.edgesFor(id, rels)
	b.logger.Debug("expanded", "entity_id", id, "relationships", len(rels), "edges", len(edges))

	b.mu.Lock()
	defer b.mu.Unlock()
	if n, ok := b.nodes[id]; ok {
		return n.edges, nil
	}
	b.nodes[id] = &node{edges: edges}
	return edges, nil
}

// MarkDeadEnd records id as expanded with no edges for the rest of the run.
func (b *Builder) MarkDeadEnd(id string, cause error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.nodes[id]; ok {
		return
	}
	n := &node{deadEnd: true}
	if cause != nil {
		n.failure = cause.Error()
	}
	b.logger.Debug("dead end", "entity_id", id, "cause", n.failure)
	b.nodes[id] = n
}

// Forget drops id so the next Expand fetches it again. Used after the
// underlying cache record was invalidated.
func (b *Builder) Forget(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.nodes, id)
}

type edgeKey struct {
	neighbor, typ string
	reverse       bool
}

// edgesFor projects relationship records onto navigable edges of id, sorted
// by neighbor, type and then forward before reverse, with duplicates removed.
// With Both, a forward and a reverse connector of the same type to the same
// neighbor stay separate edges; the forward one is reached first.
func (b *Builder) edgesFor(id string, rels []storage.RelationshipRecord) []Edge {
	seen := make(map[edgeKey]struct{}, len(rels))
	edges := make([]Edge, 0, len(rels))

	add := func(e Edge) {
		key := edgeKey{e.Neighbor, e.Type, e.Reverse}
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		edges = append(edges, e)
	}

	for _, rel := range rels {
		if !b.whitelist.Allows(rel.Type) {
			continue
		}
		if rel.SourceID == rel.TargetID {
			continue
		}
		if rel.SourceID == id && b.direction != Backward {
			add(Edge{Neighbor: rel.TargetID, Type: rel.Type, RelationID: rel.ID})
		}
		if rel.TargetID == id && b.direction != Forward {
			add(Edge{Neighbor: rel.SourceID, Type: rel.Type, RelationID: rel.ID, Reverse: true})
		}
	}

	sort.Slice(edges, func(i, j int) bool {
		if edges[i].Neighbor != edges[j].Neighbor {
			return edges[i].Neighbor < edges[j].Neighbor
		}
		if edges[i].Type != edges[j].Type {
			return edges[i].Type < edges[j].Type
		}
		return !edges[i].Reverse && edges[j].Reverse
	})
	return edges
}

// Stats describes the materialized graph.
type Stats struct {
	Nodes    int `json:"nodes"`
	Edges    int `json:"edges"`
	DeadEnds int `json:"deadEnds"`
}

// Stats counts expanded nodes, their edges and dead ends.
func (b *Builder) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var s Stats
	for _, n := range b.nodes {
		s.Nodes++
		s.Edges += len(n.edges)
		if n.deadEnd {
			s.DeadEnds++
		}
	}
	return s
}
