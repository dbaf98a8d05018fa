package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// CacheStore is the SQLite-backed Store.
type CacheStore struct {
	db    *DB
	locks KeyedMutex
}

var _ Store = (*CacheStore)(nil)

// NewCacheStore wraps an open database.
func NewCacheStore(db *DB) *CacheStore {
	return &CacheStore{db: db}
}

// GetEntity returns the cached entity or nil.
func (s *CacheStore) GetEntity(ctx context.Context, id string) (*EntityRecord, error) {
	return getEntity(ctx, s.db.conn, id)
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func getEntity(ctx context.Context, q rowQuerier, id string) (*EntityRecord, error) {
	var (
		rec         EntityRecord
		payload     []byte
		retrievedAt int64
		modifiedAt  sql.NullInt64
	)
	err := q.QueryRowContext(ctx, `
		SELECT id, type, name, payload, retrieved_at, modified_at
		FROM entities WHERE id = ?
	`, id).Scan(&rec.ID, &rec.Type, &rec.Name, &payload, &retrievedAt, &modifiedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("entity lookup failed: %w", err)
	}

	rec.Payload = payload
	rec.RetrievedAt = fromNanos(retrievedAt)
	if modifiedAt.Valid {
		t := fromNanos(modifiedAt.Int64)
		rec.ModifiedAt = &t
	}
	return &rec, nil
}

// PutEntity writes rec under the ClassifyPut policy. Puts for one id are
// serialized; puts for different ids proceed independently.
func (s *CacheStore) PutEntity(ctx context.Context, rec EntityRecord) (PutOutcome, error) {
	NormalizeEntity(&rec)
	unlock := s.locks.Lock(rec.ID)
	defer unlock()

	var outcome PutOutcome
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		existing, err := getEntity(ctx, tx, rec.ID)
		if err != nil {
			return err
		}
		outcome, err = ClassifyPut(existing, rec)
		if err != nil {
			return err
		}

		switch outcome {
		case PutTouched:
			_, err = tx.ExecContext(ctx,
				`UPDATE entities SET retrieved_at = ? WHERE id = ?`,
				toNanos(rec.RetrievedAt), rec.ID)
		default:
			_, err = tx.ExecContext(ctx, `
				INSERT OR REPLACE INTO entities (id, type, name, payload, retrieved_at, modified_at)
				VALUES (?, ?, ?, ?, ?, ?)
			`, rec.ID, rec.Type, rec.Name, []byte(rec.Payload), toNanos(rec.RetrievedAt), nullableNanos(rec.ModifiedAt))
		}
		if err != nil {
			return fmt.Errorf("failed to write entity: %w", err)
		}
		return nil
	})
	return outcome, err
}

// TouchEntity advances retrievedAt without touching anything else.
func (s *CacheStore) TouchEntity(ctx context.Context, id string, at time.Time) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	_, err := s.db.ExecContext(ctx,
		`UPDATE entities SET retrieved_at = MAX(retrieved_at, ?) WHERE id = ?`,
		toNanos(at), id)
	if err != nil {
		return fmt.Errorf("failed to touch entity: %w", err)
	}
	return nil
}

// GetRelationship returns one cached relationship or nil.
func (s *CacheStore) GetRelationship(ctx context.Context, id string) (*RelationshipRecord, error) {
	var (
		rec         RelationshipRecord
		payload     []byte
		retrievedAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, source_id, target_id, type, payload, retrieved_at
		FROM relationships WHERE id = ?
	`, id).Scan(&rec.ID, &rec.SourceID, &rec.TargetID, &rec.Type, &payload, &retrievedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("relationship lookup failed: %w", err)
	}
	rec.Payload = payload
	rec.RetrievedAt = fromNanos(retrievedAt)
	return &rec, nil
}

// PutRelationship upserts one relationship.
func (s *CacheStore) PutRelationship(ctx context.Context, rec RelationshipRecord) error {
	if rec.RetrievedAt.IsZero() {
		rec.RetrievedAt = time.Now()
	}
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		return upsertRelationship(ctx, tx, rec)
	})
}

func upsertRelationship(ctx context.Context, tx *sql.Tx, rec RelationshipRecord) error {
	_, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO relationships (id, source_id, target_id, type, payload, retrieved_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.SourceID, rec.TargetID, rec.Type, []byte(rec.Payload), toNanos(rec.RetrievedAt))
	if err != nil {
		return fmt.Errorf("failed to write relationship %s: %w", rec.ID, err)
	}
	return nil
}

// GetRelationSet returns the cached relationships of entityID, or nil when
// they were never fetched.
func (s *CacheStore) GetRelationSet(ctx context.Context, entityID string) (*RelationSet, error) {
	var fetchedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT retrieved_at FROM relation_fetches WHERE entity_id = ?`, entityID).Scan(&fetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("relation marker lookup failed: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_id, target_id, type, payload, retrieved_at
		FROM relationships
		WHERE source_id = ? OR target_id = ?
		ORDER BY id
	`, entityID, entityID)
	if err != nil {
		return nil, fmt.Errorf("relationship lookup failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	set := &RelationSet{EntityID: entityID, FetchedAt: fromNanos(fetchedAt)}
	for rows.Next() {
		var (
			rec         RelationshipRecord
			payload     []byte
			retrievedAt int64
		)
		if err := rows.Scan(&rec.ID, &rec.SourceID, &rec.TargetID, &rec.Type, &payload, &retrievedAt); err != nil {
			return nil, fmt.Errorf("failed to scan relationship: %w", err)
		}
		rec.Payload = payload
		rec.RetrievedAt = fromNanos(retrievedAt)
		set.Relationships = append(set.Relationships, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("relationship iteration failed: %w", err)
	}
	return set, nil
}

// PutRelationSet replaces every cached relationship touching set.EntityID
// and records the fetch time.
func (s *CacheStore) PutRelationSet(ctx context.Context, set RelationSet) error {
	if set.FetchedAt.IsZero() {
		set.FetchedAt = time.Now()
	}
	unlock := s.locks.Lock("rel:" + set.EntityID)
	defer unlock()

	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM relationships WHERE source_id = ? OR target_id = ?`,
			set.EntityID, set.EntityID); err != nil {
			return fmt.Errorf("failed to clear relationships: %w", err)
		}
		for _, rec := range set.Relationships {
			rec.RetrievedAt = set.FetchedAt
			if err := upsertRelationship(ctx, tx, rec); err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO relation_fetches (entity_id, retrieved_at) VALUES (?, ?)`,
			set.EntityID, toNanos(set.FetchedAt))
		if err != nil {
			return fmt.Errorf("failed to write relation marker: %w", err)
		}
		return nil
	})
}

// GetSearch returns a cached search result or nil.
func (s *CacheStore) GetSearch(ctx context.Context, key string) (*SearchRecord, error) {
	var (
		rec         SearchRecord
		items       []byte
		retrievedAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT key, filters, items, hits_total, retrieved_at
		FROM search_cache WHERE key = ?
	`, key).Scan(&rec.Key, &rec.Filters, &items, &rec.HitsTotal, &retrievedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("search cache lookup failed: %w", err)
	}
	rec.Items = items
	rec.RetrievedAt = fromNanos(retrievedAt)
	return &rec, nil
}

// PutSearch upserts a search result.
func (s *CacheStore) PutSearch(ctx context.Context, rec SearchRecord) error {
	if rec.RetrievedAt.IsZero() {
		rec.RetrievedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO search_cache (key, filters, items, hits_total, retrieved_at)
		VALUES (?, ?, ?, ?, ?)
	`, rec.Key, rec.Filters, []byte(rec.Items), rec.HitsTotal, toNanos(rec.RetrievedAt))
	if err != nil {
		return fmt.Errorf("failed to write search cache: %w", err)
	}
	return nil
}

// Invalidate deletes matching records from every table and returns how many
// rows went. With an id, the entity, a relationship with that id, and the
// entity's relation marker are candidates.
func (s *CacheStore) Invalidate(ctx context.Context, opts InvalidateOptions) (int64, error) {
	type target struct {
		table, idColumn string
	}
	targets := []target{
		{"entities", "id"},
		{"relationships", "id"},
		{"relation_fetches", "entity_id"},
		{"search_cache", "key"},
	}

	var total int64
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		for _, t := range targets {
			if opts.ID != "" && t.table == "search_cache" {
				continue
			}
			var (
				clauses []string
				args    []interface{}
			)
			if opts.ID != "" {
				clauses = append(clauses, t.idColumn+" = ?")
				args = append(args, opts.ID)
			}
			if opts.OlderThan != nil {
				clauses = append(clauses, "retrieved_at < ?")
				args = append(args, toNanos(*opts.OlderThan))
			}
			query := "DELETE FROM " + t.table
			if len(clauses) > 0 {
				query += " WHERE " + strings.Join(clauses, " AND ")
			}

			res, err := tx.ExecContext(ctx, query, args...)
			if err != nil {
				return fmt.Errorf("failed to invalidate %s: %w", t.table, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			total += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.db.logger.Debug("Cache invalidated",
		"id", opts.ID,
		"olderThan", opts.OlderThan,
		"deleted", total,
	)
	return total, nil
}

// Stats summarizes the cache contents.
func (s *CacheStore) Stats(ctx context.Context) (*CacheStats, error) {
	var (
		st     CacheStats
		avgAge sql.NullFloat64
	)
	now := toNanos(time.Now())
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM entities),
			(SELECT COUNT(*) FROM entities WHERE modified_at IS NOT NULL),
			(SELECT COUNT(*) FROM relationships),
			(SELECT COUNT(*) FROM relation_fetches),
			(SELECT COUNT(*) FROM search_cache),
			(SELECT AVG(? - retrieved_at) FROM entities)
	`, now).Scan(&st.Entities, &st.EntitiesWithModifiedAt, &st.Relationships,
		&st.RelationSets, &st.SearchResults, &avgAge)
	if err != nil {
		return nil, fmt.Errorf("failed to compute cache stats: %w", err)
	}
	if avgAge.Valid {
		st.AvgEntityAgeSeconds = avgAge.Float64 / float64(time.Second)
	}
	return &st, nil
}

// Close closes the underlying database.
func (s *CacheStore) Close() error {
	return s.db.Close()
}

func toNanos(t time.Time) int64 {
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullableNanos(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}
