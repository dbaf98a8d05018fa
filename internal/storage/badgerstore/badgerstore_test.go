package badgerstore

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	adoerrors "github.com/hasko/adocheck/internal/errors"
	"github.com/hasko/adocheck/internal/slogutil"
	"github.com/hasko/adocheck/internal/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenInMemory(slogutil.NewDiscardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func at(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func ptr(t time.Time) *time.Time { return &t }

func TestStore_EntityPolicy(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	payload := []byte(`{"id": "e1",   "name": "CRM"}`)
	rec := storage.EntityRecord{
		ID:          "e1",
		Type:        "C_APPLICATION",
		Name:        "CRM",
		Payload:     payload,
		RetrievedAt: at("2024-06-02T00:00:00Z"),
		ModifiedAt:  ptr(at("2024-06-01T00:00:00Z")),
	}

	outcome, err := s.PutEntity(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, storage.PutInserted, outcome)

	got, err := s.GetEntity(ctx, "e1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, bytes.Equal(payload, got.Payload), "payload must round-trip byte for byte")

	t.Run("equal touches", func(t *testing.T) {
		again := rec
		again.Payload = []byte(`{}`)
		again.RetrievedAt = at("2024-07-01T00:00:00Z")
		outcome, err := s.PutEntity(ctx, again)
		require.NoError(t, err)
		assert.Equal(t, storage.PutTouched, outcome)

		got, _ := s.GetEntity(ctx, "e1")
		assert.Equal(t, payload, []byte(got.Payload))
		assert.True(t, got.RetrievedAt.Equal(again.RetrievedAt))
	})

	t.Run("older rejected", func(t *testing.T) {
		before, _ := s.GetEntity(ctx, "e1")
		stale := rec
		stale.ModifiedAt = ptr(at("2020-01-01T00:00:00Z"))
		_, err := s.PutEntity(ctx, stale)
		assert.True(t, adoerrors.Is(err, adoerrors.DataIntegrity))

		after, _ := s.GetEntity(ctx, "e1")
		assert.Equal(t, before, after)
	})

	t.Run("newer replaces", func(t *testing.T) {
		changed := rec
		changed.Name = "CRM v2"
		changed.ModifiedAt = ptr(at("2024-08-01T00:00:00Z"))
		changed.RetrievedAt = at("2024-08-02T00:00:00Z")
		outcome, err := s.PutEntity(ctx, changed)
		require.NoError(t, err)
		assert.Equal(t, storage.PutReplaced, outcome)

		got, _ := s.GetEntity(ctx, "e1")
		assert.Equal(t, "CRM v2", got.Name)
	})
}

func TestStore_RelationSet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	set, err := s.GetRelationSet(ctx, "a")
	require.NoError(t, err)
	assert.Nil(t, set)

	require.NoError(t, s.PutRelationSet(ctx, storage.RelationSet{
		EntityID:  "a",
		FetchedAt: at("2024-06-01T00:00:00Z"),
		Relationships: []storage.RelationshipRecord{
			{ID: "r2", SourceID: "c", TargetID: "a", Type: "RC_REALIZATION"},
			{ID: "r1", SourceID: "a", TargetID: "b", Type: "RC_SERVING"},
		},
	}))

	set, err = s.GetRelationSet(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, set)
	require.Len(t, set.Relationships, 2)
	assert.Equal(t, "r1", set.Relationships[0].ID)

	require.NoError(t, s.PutRelationSet(ctx, storage.RelationSet{
		EntityID:      "a",
		FetchedAt:     at("2024-06-02T00:00:00Z"),
		Relationships: []storage.RelationshipRecord{{ID: "r1", SourceID: "a", TargetID: "b", Type: "RC_SERVING"}},
	}))
	r2, err := s.GetRelationship(ctx, "r2")
	require.NoError(t, err)
	assert.Nil(t, r2)

	require.NoError(t, s.PutRelationSet(ctx, storage.RelationSet{EntityID: "empty"}))
	empty, err := s.GetRelationSet(ctx, "empty")
	require.NoError(t, err)
	require.NotNil(t, empty)
	assert.Empty(t, empty.Relationships)
}

func TestStore_InvalidateOlderThan(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	cutoff := at("2024-06-01T00:00:00Z")

	for id, retrieved := range map[string]time.Time{
		"old": cutoff.Add(-time.Second),
		"new": cutoff.Add(time.Second),
	} {
		_, err := s.PutEntity(ctx, storage.EntityRecord{ID: id, Type: "T", RetrievedAt: retrieved})
		require.NoError(t, err)
	}
	require.NoError(t, s.PutRelationship(ctx, storage.RelationshipRecord{
		ID: "r-old", SourceID: "old", TargetID: "new", Type: "T", RetrievedAt: cutoff.Add(-time.Hour),
	}))

	n, err := s.Invalidate(ctx, storage.InvalidateOptions{OlderThan: &cutoff})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	old, _ := s.GetEntity(ctx, "old")
	assert.Nil(t, old)
	fresh, _ := s.GetEntity(ctx, "new")
	assert.NotNil(t, fresh)
	rel, _ := s.GetRelationship(ctx, "r-old")
	assert.Nil(t, rel)
}

func TestStore_InvalidateAllAndStats(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.PutEntity(ctx, storage.EntityRecord{ID: "a", Type: "T", ModifiedAt: ptr(at("2024-01-01T00:00:00Z"))})
	require.NoError(t, err)
	_, err = s.PutEntity(ctx, storage.EntityRecord{ID: "b", Type: "T"})
	require.NoError(t, err)
	require.NoError(t, s.PutSearch(ctx, storage.SearchRecord{Key: "k", Filters: "[]", Items: []byte(`[]`)}))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Entities)
	assert.Equal(t, 1, stats.EntitiesWithModifiedAt)
	assert.Equal(t, 1, stats.SearchResults)

	_, err = s.Invalidate(ctx, storage.InvalidateOptions{ID: "a"})
	require.NoError(t, err)
	stats, _ = s.Stats(ctx)
	assert.Equal(t, 1, stats.Entities)
	assert.Equal(t, 1, stats.SearchResults)

	_, err = s.Invalidate(ctx, storage.InvalidateOptions{})
	require.NoError(t, err)
	stats, _ = s.Stats(ctx)
	assert.Equal(t, storage.CacheStats{}, *stats)
}

// openSmallStore uses a 1MB memtable, which caps one transaction at roughly
// 1600 entries.
func openSmallStore(t *testing.T) *Store {
	t.Helper()
	opts := badger.DefaultOptions("").
		WithInMemory(true).
		WithMemTableSize(1 << 20).
		WithValueThreshold(1 << 10).
		WithLogger(nil)
	s, err := open(opts, slogutil.NewDiscardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_InvalidateBeyondOneTransaction(t *testing.T) {
	const n = 3000
	ctx := context.Background()
	cutoff := at("2024-06-01T00:00:00Z")

	fill := func(t *testing.T, s *Store) {
		t.Helper()
		for i := 0; i < n; i++ {
			_, err := s.PutEntity(ctx, storage.EntityRecord{
				ID:          fmt.Sprintf("e%05d", i),
				Type:        "C_APPLICATION",
				RetrievedAt: cutoff.Add(-time.Hour),
			})
			require.NoError(t, err)
		}
		require.NoError(t, s.PutRelationship(ctx, storage.RelationshipRecord{
			ID: "r1", SourceID: "e00000", TargetID: "e00001", Type: "RC_SERVING", RetrievedAt: cutoff.Add(-time.Hour),
		}))
	}

	t.Run("older than", func(t *testing.T) {
		s := openSmallStore(t)
		fill(t, s)

		deleted, err := s.Invalidate(ctx, storage.InvalidateOptions{OlderThan: &cutoff})
		require.NoError(t, err)
		assert.Equal(t, int64(n+1), deleted)

		stats, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, stats.Entities)
		assert.Equal(t, 0, stats.Relationships)
		assert.Empty(t, relIDsForView(t, s, "e00000"))
	})

	t.Run("everything", func(t *testing.T) {
		s := openSmallStore(t)
		fill(t, s)

		deleted, err := s.Invalidate(ctx, storage.InvalidateOptions{})
		require.NoError(t, err)
		assert.Equal(t, int64(n+1), deleted)

		stats, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, storage.CacheStats{}, *stats)

		_, err = s.PutEntity(ctx, storage.EntityRecord{ID: "after", Type: "T"})
		require.NoError(t, err)
		got, err := s.GetEntity(ctx, "after")
		require.NoError(t, err)
		assert.NotNil(t, got)
	})
}

func relIDsForView(t *testing.T, s *Store, entityID string) []string {
	t.Helper()
	var ids []string
	require.NoError(t, s.db.View(func(txn *badger.Txn) error {
		ids = relIDsFor(txn, entityID)
		return nil
	}))
	return ids
}

func TestStore_Persistent(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(dir, slogutil.NewDiscardLogger())
	require.NoError(t, err)
	_, err = s.PutEntity(ctx, storage.EntityRecord{ID: "kept", Type: "T", Payload: []byte(`{"x":1}`)})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(dir, slogutil.NewDiscardLogger())
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	got, err := s.GetEntity(ctx, "kept")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, `{"x":1}`, string(got.Payload))
}
