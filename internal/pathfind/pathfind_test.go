package pathfind

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hasko/adocheck/internal/graph"
	"github.com/hasko/adocheck/internal/scheduler"
	"github.com/hasko/adocheck/internal/storage"
)

type links struct {
	mu    sync.Mutex
	rels  map[string][]storage.RelationshipRecord
	calls map[string]int
	n     int
}

func newLinks() *links {
	return &links{rels: make(map[string][]storage.RelationshipRecord), calls: make(map[string]int)}
}

func (l *links) add(from, to, typ string) {
	l.n++
	rec := storage.RelationshipRecord{ID: fmt.Sprintf("r%d", l.n), SourceID: from, TargetID: to, Type: typ}
	l.rels[from] = append(l.rels[from], rec)
	if from != to {
		l.rels[to] = append(l.rels[to], rec)
	}
}

func (l *links) chain(typ string, ids ...string) {
	for i := 0; i+1 < len(ids); i++ {
		l.add(ids[i], ids[i+1], typ)
	}
}

func (l *links) GetRelationships(_ context.Context, id string) ([]storage.RelationshipRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls[id]++
	return l.rels[id], nil
}

func finder(l *links, dir graph.Direction, maxDepth int) *Finder {
	g := graph.NewBuilder(l, nil, dir, nil)
	return NewFinder(scheduler.New(g, scheduler.Options{Workers: 4}), g, maxDepth, nil)
}

func TestFind_PrefersShorterPath(t *testing.T) {
	l := newLinks()
	l.chain("RC_SERVING", "S", "B", "C", "T2")
	l.chain("RC_REALIZATION", "S", "Z", "T1")

	out, err := finder(l, graph.Forward, 10).Find(context.Background(), "S", NewTargetSet("T1", "T2"))
	require.NoError(t, err)
	require.True(t, out.Mapped())
	assert.Equal(t, "T1", out.Path.TargetID)
	assert.Equal(t, 2, out.Path.Length())
	assert.Equal(t, []string{"S", "Z", "T1"}, out.Path.Nodes())
	assert.Equal(t, "RC_REALIZATION", out.Path.Steps[1].Type)
}

func TestFind_TieBrokenByFrontierOrder(t *testing.T) {
	l := newLinks()
	l.chain("T", "S", "Y", "T1")
	l.chain("T", "S", "X", "T2")

	for i := 0; i < 5; i++ {
		out, err := finder(l, graph.Forward, 10).Find(context.Background(), "S", NewTargetSet("T1", "T2"))
		require.NoError(t, err)
		assert.Equal(t, "T2", out.Path.TargetID, "X sorts before Y")
	}
}

func TestFind_CycleThroughSourceTerminates(t *testing.T) {
	l := newLinks()
	l.chain("T", "S", "A", "B", "S")
	l.add("A", "S", "T")

	out, err := finder(l, graph.Both, 10).Find(context.Background(), "S", NewTargetSet("nowhere"))
	require.NoError(t, err)
	assert.False(t, out.Mapped())
	assert.Equal(t, ReasonNoPath, out.Reason)
	assert.Equal(t, 3, out.Visited)
	for id, n := range l.calls {
		assert.Equal(t, 1, n, "%s expanded more than once", id)
	}
}

func TestFind_MaxDepth(t *testing.T) {
	l := newLinks()
	l.chain("T", "S", "n1", "n2", "n3", "T1")

	out, err := finder(l, graph.Forward, 3).Find(context.Background(), "S", NewTargetSet("T1"))
	require.NoError(t, err)
	assert.False(t, out.Mapped())
	assert.Equal(t, ReasonMaxDepth, out.Reason)

	out, err = finder(l, graph.Forward, 4).Find(context.Background(), "S", NewTargetSet("T1"))
	require.NoError(t, err)
	require.True(t, out.Mapped())
	assert.Equal(t, 4, out.Path.Length())
}

func TestFind_SourceIsTarget(t *testing.T) {
	l := newLinks()
	out, err := finder(l, graph.Forward, 5).Find(context.Background(), "T1", NewTargetSet("T1"))
	require.NoError(t, err)
	require.True(t, out.Mapped())
	assert.Equal(t, 0, out.Path.Length())
	assert.Empty(t, l.calls)
}

func TestFind_BackwardMarksReverseSteps(t *testing.T) {
	l := newLinks()
	l.chain("RC_SERVING", "T1", "A", "S")

	out, err := finder(l, graph.Backward, 5).Find(context.Background(), "S", NewTargetSet("T1"))
	require.NoError(t, err)
	require.True(t, out.Mapped())
	assert.Equal(t, []string{"S", "A", "T1"}, out.Path.Nodes())
	assert.True(t, out.Path.Steps[0].Reverse)

	out, err = finder(l, graph.Forward, 5).Find(context.Background(), "S", NewTargetSet("T1"))
	require.NoError(t, err)
	assert.False(t, out.Mapped())
}

func TestFind_SharedGraphAcrossSources(t *testing.T) {
	l := newLinks()
	l.chain("T", "S1", "hub", "T1")
	l.chain("T", "S2", "hub")
	g := graph.NewBuilder(l, nil, graph.Forward, nil)
	f := NewFinder(scheduler.New(g, scheduler.Options{}), g, 5, nil)

	for _, s := range []string{"S1", "S2"} {
		out, err := f.Find(context.Background(), s, NewTargetSet("T1"))
		require.NoError(t, err)
		assert.True(t, out.Mapped(), s)
	}
	assert.Equal(t, 1, l.calls["hub"])
}

func TestFind_Cancelled(t *testing.T) {
	l := newLinks()
	l.chain("T", "S", "A", "T1")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := finder(l, graph.Forward, 5).Find(ctx, "S", NewTargetSet("T1"))
	assert.Error(t, err)
}
