package reconcile

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hasko/adocheck/internal/adoit"
	adoerrors "github.com/hasko/adocheck/internal/errors"
	"github.com/hasko/adocheck/internal/slogutil"
	"github.com/hasko/adocheck/internal/storage"
	"github.com/hasko/adocheck/internal/testutil"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time          { return c.now }
func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func setup(t *testing.T, opts Options) (*Reconciler, *testutil.FakeRepo, *storage.CacheStore, *clock) {
	t.Helper()
	db, err := storage.Open(t.TempDir(), slogutil.NewDiscardLogger())
	require.NoError(t, err)
	store := storage.NewCacheStore(db)
	t.Cleanup(func() { _ = store.Close() })

	repo := testutil.NewFakeRepo()
	clk := &clock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	opts.Now = clk.Now
	return New(store, repo, opts), repo, store, clk
}

func TestGetEntity_FreshServesCacheWithoutNetwork(t *testing.T) {
	r, repo, _, clk := setup(t, Options{TTL: time.Hour})
	ctx := context.Background()
	repo.AddEntity("e1", "C_APPLICATION", "CRM", testutil.TimePtr(clk.now.Add(-24*time.Hour)))

	first, err := r.GetEntity(ctx, "e1")
	require.NoError(t, err)
	repo.ResetCalls()

	clk.Advance(59 * time.Minute)
	for i := 0; i < 5; i++ {
		got, err := r.GetEntity(ctx, "e1")
		require.NoError(t, err)
		assert.True(t, bytes.Equal(first.Payload, got.Payload), "payload must be byte-identical")
	}

	assert.Equal(t, 0, repo.TotalCalls(testutil.OpFetchEntity))
	assert.Equal(t, 0, repo.TotalCalls(testutil.OpProbe))
	assert.Equal(t, int64(5), r.Stats().FreshHits)
}

func TestGetEntity_StaleUnchangedProbesOnce(t *testing.T) {
	r, repo, store, clk := setup(t, Options{TTL: time.Hour})
	ctx := context.Background()
	repo.AddEntity("e1", "C_APPLICATION", "CRM", testutil.TimePtr(clk.now.Add(-24*time.Hour)))

	_, err := r.GetEntity(ctx, "e1")
	require.NoError(t, err)
	before, _ := store.GetEntity(ctx, "e1")
	repo.ResetCalls()

	clk.Advance(2 * time.Hour)
	got, err := r.GetEntity(ctx, "e1")
	require.NoError(t, err)

	assert.Equal(t, 1, repo.Calls(testutil.OpProbe, "e1"))
	assert.Equal(t, 0, repo.TotalCalls(testutil.OpFetchEntity))
	assert.True(t, got.RetrievedAt.Equal(clk.now))

	after, _ := store.GetEntity(ctx, "e1")
	assert.True(t, after.RetrievedAt.After(before.RetrievedAt), "retrievedAt must advance")
	assert.Equal(t, before.Payload, after.Payload)

	st := r.Stats()
	assert.Equal(t, int64(1), st.RevalidatedHits)
	assert.Equal(t, int64(1), st.FullFetches)
}

func TestGetEntity_StaleChangedRefetches(t *testing.T) {
	r, repo, store, clk := setup(t, Options{TTL: time.Hour})
	ctx := context.Background()
	repo.AddEntity("e1", "C_APPLICATION", "CRM", testutil.TimePtr(clk.now.Add(-24*time.Hour)))

	_, err := r.GetEntity(ctx, "e1")
	require.NoError(t, err)
	repo.ResetCalls()

	clk.Advance(2 * time.Hour)
	repo.SetModifiedAt("e1", clk.now.Add(-time.Minute))

	got, err := r.GetEntity(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, 1, repo.Calls(testutil.OpProbe, "e1"))
	assert.Equal(t, 1, repo.Calls(testutil.OpFetchEntity, "e1"))
	assert.True(t, got.ModifiedAt.Equal(clk.now.Add(-time.Minute)))

	stored, _ := store.GetEntity(ctx, "e1")
	assert.True(t, stored.ModifiedAt.Equal(*got.ModifiedAt))
}

func TestGetEntity_UpstreamMovedBackward(t *testing.T) {
	r, repo, store, clk := setup(t, Options{TTL: time.Hour})
	ctx := context.Background()
	repo.AddEntity("e1", "C_APPLICATION", "CRM", testutil.TimePtr(clk.now.Add(-time.Hour)))

	_, err := r.GetEntity(ctx, "e1")
	require.NoError(t, err)
	before, _ := store.GetEntity(ctx, "e1")

	clk.Advance(2 * time.Hour)
	repo.SetModifiedAt("e1", clk.now.Add(-48*time.Hour))

	_, err = r.GetEntity(ctx, "e1")
	require.Error(t, err)
	assert.True(t, adoerrors.Is(err, adoerrors.DataIntegrity))
	assert.True(t, adoerrors.IsFatal(err))

	after, _ := store.GetEntity(ctx, "e1")
	assert.Equal(t, before, after)
}

func TestGetEntity_ForceRefresh(t *testing.T) {
	r, repo, _, clk := setup(t, Options{TTL: time.Hour, ForceRefresh: true})
	ctx := context.Background()
	repo.AddEntity("e1", "C_APPLICATION", "CRM", testutil.TimePtr(clk.now.Add(-time.Hour)))

	for i := 0; i < 3; i++ {
		_, err := r.GetEntity(ctx, "e1")
		require.NoError(t, err)
	}
	assert.Equal(t, 3, repo.Calls(testutil.OpFetchEntity, "e1"))
	assert.Equal(t, 0, repo.TotalCalls(testutil.OpProbe))
	assert.Equal(t, int64(3), r.Stats().FullFetches)
}

func TestGetEntity_NoTimestampRefetches(t *testing.T) {
	r, repo, _, clk := setup(t, Options{TTL: time.Hour})
	ctx := context.Background()
	repo.AddEntity("e1", "C_APPLICATION", "CRM", nil)

	_, err := r.GetEntity(ctx, "e1")
	require.NoError(t, err)
	clk.Advance(2 * time.Hour)

	_, err = r.GetEntity(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, 0, repo.TotalCalls(testutil.OpProbe))
	assert.Equal(t, 2, repo.Calls(testutil.OpFetchEntity, "e1"))
}

func TestGetEntity_NotFoundDropsCachedRecord(t *testing.T) {
	r, repo, store, clk := setup(t, Options{TTL: time.Hour})
	ctx := context.Background()
	repo.AddEntity("e1", "C_APPLICATION", "CRM", testutil.TimePtr(clk.now.Add(-time.Hour)))

	_, err := r.GetEntity(ctx, "{e1}")
	require.NoError(t, err)

	repo.RemoveEntity("e1")
	clk.Advance(2 * time.Hour)

	_, err = r.GetEntity(ctx, "e1")
	assert.True(t, adoerrors.Is(err, adoerrors.NotFound))

	gone, _ := store.GetEntity(ctx, "e1")
	assert.Nil(t, gone)
}

func TestGetRelationships_TTLOnly(t *testing.T) {
	r, repo, _, clk := setup(t, Options{TTL: time.Hour, RelationshipTTL: 30 * time.Minute})
	ctx := context.Background()
	repo.Link("a", "b", "RC_SERVING")
	repo.Link("c", "a", "RC_REALIZATION")

	rels, err := r.GetRelationships(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, rels, 2)

	clk.Advance(10 * time.Minute)
	_, err = r.GetRelationships(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, repo.Calls(testutil.OpRelationships, "a"))

	clk.Advance(30 * time.Minute)
	_, err = r.GetRelationships(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 2, repo.Calls(testutil.OpRelationships, "a"))

	st := r.Stats()
	assert.Equal(t, int64(1), st.RelationFreshHits)
	assert.Equal(t, int64(2), st.RelationFullFetches)
}

func TestGetRelationships_EmptySetIsCached(t *testing.T) {
	r, repo, _, _ := setup(t, Options{TTL: time.Hour})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		rels, err := r.GetRelationships(ctx, "lonely")
		require.NoError(t, err)
		assert.Empty(t, rels)
	}
	assert.Equal(t, 1, repo.Calls(testutil.OpRelationships, "lonely"))
}

func TestGetRelationships_ErrorPropagates(t *testing.T) {
	r, repo, _, _ := setup(t, Options{TTL: time.Hour})
	repo.Fail(testutil.OpRelationships, "x", adoerrors.New(adoerrors.TransportError, "down"))

	_, err := r.GetRelationships(context.Background(), "x")
	assert.Equal(t, adoerrors.TransportError, adoerrors.CodeOf(err))
}

func TestSearch_Cached(t *testing.T) {
	r, repo, _, clk := setup(t, Options{TTL: time.Hour, PageSize: 2})
	ctx := context.Background()
	for _, id := range []string{"a1", "a2", "a3"} {
		repo.AddEntity(id, "C_APPLICATION", id, nil)
	}
	repo.AddEntity("x", "C_CAPABILITY", "x", nil)
	filters := []adoit.Filter{adoit.ClassFilter("C_APPLICATION")}

	items, err := r.Search(ctx, filters)
	require.NoError(t, err)
	assert.Len(t, items, 3)
	searches := repo.TotalCalls(testutil.OpSearch)
	assert.Equal(t, 2, searches, "two pages of two")

	items, err = r.Search(ctx, filters)
	require.NoError(t, err)
	assert.Len(t, items, 3)
	assert.Equal(t, searches, repo.TotalCalls(testutil.OpSearch))

	clk.Advance(2 * time.Hour)
	_, err = r.Search(ctx, filters)
	require.NoError(t, err)
	assert.Greater(t, repo.TotalCalls(testutil.OpSearch), searches)
}

func TestSearchKey_Stable(t *testing.T) {
	a := SearchKey([]byte(`[{"className":["C_APPLICATION"]}]`))
	b := SearchKey([]byte(`[{"className":["C_APPLICATION"]}]`))
	c := SearchKey([]byte(`[{"className":["C_CAPABILITY"]}]`))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}

// flakyPages fails the first request for any window after the first.
type flakyPages struct {
	*testutil.FakeRepo
	failed bool
}

func (f *flakyPages) Search(ctx context.Context, filters []adoit.Filter, start, end int) (*adoit.SearchPage, error) {
	if start > 0 && !f.failed {
		f.failed = true
		return nil, adoerrors.New(adoerrors.TransportError, "connection reset")
	}
	return f.FakeRepo.Search(ctx, filters, start, end)
}

func TestSearch_IncompleteResultNotCached(t *testing.T) {
	db, err := storage.Open(t.TempDir(), slogutil.NewDiscardLogger())
	require.NoError(t, err)
	store := storage.NewCacheStore(db)
	t.Cleanup(func() { _ = store.Close() })

	repo := testutil.NewFakeRepo()
	for _, id := range []string{"a1", "a2", "a3", "a4"} {
		repo.AddEntity(id, "C_APPLICATION", id, nil)
	}
	port := &flakyPages{FakeRepo: repo}
	clk := &clock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	r := New(store, port, Options{TTL: time.Hour, PageSize: 2, Now: clk.Now})
	ctx := context.Background()
	filters := []adoit.Filter{adoit.ClassFilter("C_APPLICATION")}

	first, err := r.Search(ctx, filters)
	require.NoError(t, err)
	assert.Len(t, first, 2, "second window failed")

	cached, err := store.GetSearch(ctx, searchKeyFor(t, filters))
	require.NoError(t, err)
	assert.Nil(t, cached, "a partial result must not be cached")

	clk.Advance(time.Minute)
	second, err := r.Search(ctx, filters)
	require.NoError(t, err)
	assert.Len(t, second, 4)

	cached, err = store.GetSearch(ctx, searchKeyFor(t, filters))
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, 4, cached.HitsTotal)
}

func searchKeyFor(t *testing.T, filters []adoit.Filter) string {
	t.Helper()
	canonical, err := json.Marshal(filters)
	require.NoError(t, err)
	return SearchKey(canonical)
}
