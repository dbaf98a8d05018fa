// Package badgerstore is a Store on BadgerDB for caches that outgrow a
// single SQLite file or live in memory for the length of a run.
package badgerstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/hasko/adocheck/internal/storage"
)

// Key layout:
//
//	e/<id>              entity
//	r/<id>              relationship
//	x/<entity>/<relID>  endpoint index, one per relationship end
//	m/<entity>          relation fetch marker
//	s/<key>             search result
const (
	prefixEntity   = "e/"
	prefixRel      = "r/"
	prefixIndex    = "x/"
	prefixMarker   = "m/"
	prefixSearch   = "s/"
	keySeparator   = "/"
	defaultDirMode = 0750
)

// Store implements storage.Store on BadgerDB.
type Store struct {
	db     *badger.DB
	logger *slog.Logger
	locks  storage.KeyedMutex
}

var _ storage.Store = (*Store)(nil)

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Open opens or creates a persistent store in dir.
func Open(dir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, defaultDirMode); err != nil {
		return nil, fmt.Errorf("create cache directory %s: %w", dir, err)
	}
	opts := badger.DefaultOptions(dir).
		WithNumVersionsToKeep(1).
		WithLogger(&badgerLogger{logger: logger})
	return open(opts, logger)
}

// OpenInMemory opens a store that lives only as long as the process.
func OpenInMemory(logger *slog.Logger) (*Store, error) {
	opts := badger.DefaultOptions("").
		WithInMemory(true).
		WithLogger(nil)
	return open(opts, logger)
}

func open(opts badger.Options, logger *slog.Logger) (*Store, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Records are stored as JSON with payloads as []byte so they round-trip
// byte for byte; json.RawMessage would be compacted on encode.
type entityValue struct {
	ID          string     `json:"id"`
	Type        string     `json:"type"`
	Name        string     `json:"name"`
	Payload     []byte     `json:"payload"`
	RetrievedAt time.Time  `json:"retrievedAt"`
	ModifiedAt  *time.Time `json:"modifiedAt,omitempty"`
}

type relValue struct {
	ID          string    `json:"id"`
	SourceID    string    `json:"sourceId"`
	TargetID    string    `json:"targetId"`
	Type        string    `json:"type"`
	Payload     []byte    `json:"payload"`
	RetrievedAt time.Time `json:"retrievedAt"`
}

type markerValue struct {
	RetrievedAt time.Time `json:"retrievedAt"`
}

type searchValue struct {
	Key         string    `json:"key"`
	Filters     string    `json:"filters"`
	Items       []byte    `json:"items"`
	HitsTotal   int       `json:"hitsTotal"`
	RetrievedAt time.Time `json:"retrievedAt"`
}

func (v entityValue) record() *storage.EntityRecord {
	return &storage.EntityRecord{
		ID:          v.ID,
		Type:        v.Type,
		Name:        v.Name,
		Payload:     v.Payload,
		RetrievedAt: v.RetrievedAt,
		ModifiedAt:  v.ModifiedAt,
	}
}

func (v relValue) record() storage.RelationshipRecord {
	return storage.RelationshipRecord{
		ID:          v.ID,
		SourceID:    v.SourceID,
		TargetID:    v.TargetID,
		Type:        v.Type,
		Payload:     v.Payload,
		RetrievedAt: v.RetrievedAt,
	}
}

func toRelValue(rec storage.RelationshipRecord) relValue {
	return relValue{
		ID:          rec.ID,
		SourceID:    rec.SourceID,
		TargetID:    rec.TargetID,
		Type:        rec.Type,
		Payload:     rec.Payload,
		RetrievedAt: rec.RetrievedAt,
	}
}

func indexKey(entityID, relID string) []byte {
	return []byte(prefixIndex + entityID + keySeparator + relID)
}

// getJSON decodes key into v; found is false when the key is absent.
func getJSON(txn *badger.Txn, key []byte, v interface{}) (found bool, err error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
	return err == nil, err
}

func setJSON(txn *badger.Txn, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

// GetEntity returns the cached entity or nil.
func (s *Store) GetEntity(_ context.Context, id string) (*storage.EntityRecord, error) {
	var (
		v     entityValue
		found bool
	)
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		found, err = getJSON(txn, []byte(prefixEntity+id), &v)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("entity lookup failed: %w", err)
	}
	if !found {
		return nil, nil
	}
	return v.record(), nil
}

// PutEntity writes rec under storage.ClassifyPut.
func (s *Store) PutEntity(_ context.Context, rec storage.EntityRecord) (storage.PutOutcome, error) {
	storage.NormalizeEntity(&rec)
	unlock := s.locks.Lock(rec.ID)
	defer unlock()

	var outcome storage.PutOutcome
	err := s.db.Update(func(txn *badger.Txn) error {
		key := []byte(prefixEntity + rec.ID)
		var existing entityValue
		found, err := getJSON(txn, key, &existing)
		if err != nil {
			return err
		}
		var prev *storage.EntityRecord
		if found {
			prev = existing.record()
		}
		outcome, err = storage.ClassifyPut(prev, rec)
		if err != nil {
			return err
		}

		if outcome == storage.PutTouched {
			existing.RetrievedAt = rec.RetrievedAt
			return setJSON(txn, key, existing)
		}
		return setJSON(txn, key, entityValue{
			ID:          rec.ID,
			Type:        rec.Type,
			Name:        rec.Name,
			Payload:     rec.Payload,
			RetrievedAt: rec.RetrievedAt,
			ModifiedAt:  rec.ModifiedAt,
		})
	})
	return outcome, err
}

// TouchEntity advances retrievedAt; it never moves it backward.
func (s *Store) TouchEntity(_ context.Context, id string, at time.Time) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	return s.db.Update(func(txn *badger.Txn) error {
		key := []byte(prefixEntity + id)
		var v entityValue
		found, err := getJSON(txn, key, &v)
		if err != nil || !found {
			return err
		}
		if !at.After(v.RetrievedAt) {
			return nil
		}
		v.RetrievedAt = at
		return setJSON(txn, key, v)
	})
}

// GetRelationship returns one cached relationship or nil.
func (s *Store) GetRelationship(_ context.Context, id string) (*storage.RelationshipRecord, error) {
	var (
		v     relValue
		found bool
	)
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		found, err = getJSON(txn, []byte(prefixRel+id), &v)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("relationship lookup failed: %w", err)
	}
	if !found {
		return nil, nil
	}
	rec := v.record()
	return &rec, nil
}

// PutRelationship upserts one relationship and its endpoint index.
func (s *Store) PutRelationship(_ context.Context, rec storage.RelationshipRecord) error {
	if rec.RetrievedAt.IsZero() {
		rec.RetrievedAt = time.Now()
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return putRel(txn, rec)
	})
}

func putRel(txn *badger.Txn, rec storage.RelationshipRecord) error {
	if err := deleteRel(txn, rec.ID); err != nil {
		return err
	}
	if err := setJSON(txn, []byte(prefixRel+rec.ID), toRelValue(rec)); err != nil {
		return err
	}
	if err := txn.Set(indexKey(rec.SourceID, rec.ID), nil); err != nil {
		return err
	}
	return txn.Set(indexKey(rec.TargetID, rec.ID), nil)
}

// deleteRel removes a relationship with its index entries. A missing id is
// not an error.
func deleteRel(txn *badger.Txn, id string) error {
	var v relValue
	found, err := getJSON(txn, []byte(prefixRel+id), &v)
	if err != nil || !found {
		return err
	}
	if err := txn.Delete(indexKey(v.SourceID, id)); err != nil {
		return err
	}
	if err := txn.Delete(indexKey(v.TargetID, id)); err != nil {
		return err
	}
	return txn.Delete([]byte(prefixRel + id))
}

// relIDsFor lists relationship ids touching entityID via the endpoint index.
func relIDsFor(txn *badger.Txn, entityID string) []string {
	prefix := []byte(prefixIndex + entityID + keySeparator)
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix

	it := txn.NewIterator(opts)
	defer it.Close()

	var ids []string
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		ids = append(ids, string(bytes.TrimPrefix(it.Item().KeyCopy(nil), prefix)))
	}
	return ids
}

// GetRelationSet returns the cached relationships of entityID, or nil when
// they were never fetched.
func (s *Store) GetRelationSet(_ context.Context, entityID string) (*storage.RelationSet, error) {
	var set *storage.RelationSet
	err := s.db.View(func(txn *badger.Txn) error {
		var m markerValue
		found, err := getJSON(txn, []byte(prefixMarker+entityID), &m)
		if err != nil || !found {
			return err
		}
		set = &storage.RelationSet{EntityID: entityID, FetchedAt: m.RetrievedAt}

		ids := relIDsFor(txn, entityID)
		sort.Strings(ids)
		for _, id := range ids {
			var v relValue
			ok, err := getJSON(txn, []byte(prefixRel+id), &v)
			if err != nil {
				return err
			}
			if ok {
				set.Relationships = append(set.Relationships, v.record())
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("relation set lookup failed: %w", err)
	}
	return set, nil
}

// PutRelationSet replaces every cached relationship touching set.EntityID.
func (s *Store) PutRelationSet(_ context.Context, set storage.RelationSet) error {
	if set.FetchedAt.IsZero() {
		set.FetchedAt = time.Now()
	}
	unlock := s.locks.Lock("rel:" + set.EntityID)
	defer unlock()

	return s.db.Update(func(txn *badger.Txn) error {
		for _, id := range relIDsFor(txn, set.EntityID) {
			if err := deleteRel(txn, id); err != nil {
				return err
			}
		}
		for _, rec := range set.Relationships {
			rec.RetrievedAt = set.FetchedAt
			if err := putRel(txn, rec); err != nil {
				return err
			}
		}
		return setJSON(txn, []byte(prefixMarker+set.EntityID), markerValue{RetrievedAt: set.FetchedAt})
	})
}

// GetSearch returns a cached search result or nil.
func (s *Store) GetSearch(_ context.Context, key string) (*storage.SearchRecord, error) {
	var (
		v     searchValue
		found bool
	)
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		found, err = getJSON(txn, []byte(prefixSearch+key), &v)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("search cache lookup failed: %w", err)
	}
	if !found {
		return nil, nil
	}
	return &storage.SearchRecord{
		Key:         v.Key,
		Filters:     v.Filters,
		Items:       v.Items,
		HitsTotal:   v.HitsTotal,
		RetrievedAt: v.RetrievedAt,
	}, nil
}

// PutSearch upserts a search result.
func (s *Store) PutSearch(_ context.Context, rec storage.SearchRecord) error {
	if rec.RetrievedAt.IsZero() {
		rec.RetrievedAt = time.Now()
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, []byte(prefixSearch+rec.Key), searchValue{
			Key:         rec.Key,
			Filters:     rec.Filters,
			Items:       rec.Items,
			HitsTotal:   rec.HitsTotal,
			RetrievedAt: rec.RetrievedAt,
		})
	})
}

// Invalidate deletes matching records. Relationships are removed together
// with their endpoint index entries. A clear without filters drops the key
// prefixes wholesale; filtered deletes go through a WriteBatch, which commits
// in as many transactions as the batch needs.
func (s *Store) Invalidate(ctx context.Context, opts storage.InvalidateOptions) (int64, error) {
	var (
		total int64
		err   error
	)
	if opts.ID == "" && opts.OlderThan == nil {
		total, err = s.dropAll(ctx)
	} else {
		total, err = s.deleteMatching(ctx, opts)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to invalidate cache: %w", err)
	}

	s.logger.Debug("Cache invalidated",
		"id", opts.ID,
		"olderThan", opts.OlderThan,
		"deleted", total,
	)
	return total, nil
}

// dropAll counts the stored records, then drops every key prefix.
func (s *Store) dropAll(ctx context.Context) (int64, error) {
	var total int64
	err := s.db.View(func(txn *badger.Txn) error {
		for _, prefix := range []string{prefixEntity, prefixRel, prefixMarker, prefixSearch} {
			if err := ctx.Err(); err != nil {
				return err
			}
			n, err := countKeys(txn, prefix)
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
	err = s.db.DropPrefix(
		[]byte(prefixEntity),
		[]byte(prefixRel),
		[]byte(prefixIndex),
		[]byte(prefixMarker),
		[]byte(prefixSearch),
	)
	if err != nil {
		return 0, err
	}
	return total, nil
}

// deleteMatching collects the keys opts selects in a read transaction and
// deletes them in a write batch. Search results have no entity id, so an id
// filter leaves them alone.
func (s *Store) deleteMatching(ctx context.Context, opts storage.InvalidateOptions) (int64, error) {
	var (
		keys  [][]byte
		total int64
	)
	err := s.db.View(func(txn *badger.Txn) error {
		for _, prefix := range []string{prefixEntity, prefixRel, prefixMarker, prefixSearch} {
			if opts.ID != "" && prefix == prefixSearch {
				continue
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			matched, n, err := matchingKeys(txn, prefix, opts)
			if err != nil {
				return err
			}
			keys = append(keys, matched...)
			total += n
		}
		return nil
	})
	if err != nil || len(keys) == 0 {
		return 0, err
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if err := wb.Delete(key); err != nil {
			return 0, err
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, err
	}
	return total, nil
}

// matchingKeys returns the keys under prefix that opts selects and the
// number of records they belong to. A relationship contributes its own key
// and its two index keys.
func matchingKeys(txn *badger.Txn, prefix string, opts storage.InvalidateOptions) ([][]byte, int64, error) {
	var (
		keys [][]byte
		n    int64
	)
	err := scan(txn, prefix, func(id string, val []byte) error {
		var stamp struct {
			SourceID    string    `json:"sourceId"`
			TargetID    string    `json:"targetId"`
			RetrievedAt time.Time `json:"retrievedAt"`
		}
		if err := json.Unmarshal(val, &stamp); err != nil {
			return err
		}
		if !opts.Matches(id, stamp.RetrievedAt) {
			return nil
		}
		n++
		keys = append(keys, []byte(prefix+id))
		if prefix == prefixRel {
			keys = append(keys, indexKey(stamp.SourceID, id), indexKey(stamp.TargetID, id))
		}
		return nil
	})
	return keys, n, err
}

// countKeys counts the keys under prefix without reading values.
func countKeys(txn *badger.Txn, prefix string) (int64, error) {
	p := []byte(prefix)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = p
	opts.PrefetchValues = false

	it := txn.NewIterator(opts)
	defer it.Close()

	var n int64
	for it.Seek(p); it.ValidForPrefix(p); it.Next() {
		n++
	}
	return n, nil
}

// scan visits every key under prefix with its value.
func scan(txn *badger.Txn, prefix string, fn func(id string, val []byte) error) error {
	p := []byte(prefix)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = p

	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(p); it.ValidForPrefix(p); it.Next() {
		item := it.Item()
		id := string(bytes.TrimPrefix(item.Key(), p))
		err := item.Value(func(val []byte) error {
			return fn(id, val)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Stats summarizes the cache contents.
func (s *Store) Stats(_ context.Context) (*storage.CacheStats, error) {
	var st storage.CacheStats
	now := time.Now()
	err := s.db.View(func(txn *badger.Txn) error {
		var ageSum float64
		err := scan(txn, prefixEntity, func(_ string, val []byte) error {
			var v entityValue
			if err := json.Unmarshal(val, &v); err != nil {
				return err
			}
			st.Entities++
			if v.ModifiedAt != nil {
				st.EntitiesWithModifiedAt++
			}
			ageSum += now.Sub(v.RetrievedAt).Seconds()
			return nil
		})
		if err != nil {
			return err
		}
		if st.Entities > 0 {
			st.AvgEntityAgeSeconds = ageSum / float64(st.Entities)
		}

		counts := map[string]*int{
			prefixRel:    &st.Relationships,
			prefixMarker: &st.RelationSets,
			prefixSearch: &st.SearchResults,
		}
		for prefix, dst := range counts {
			if err := scan(txn, prefix, func(string, []byte) error {
				*dst++
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to compute cache stats: %w", err)
	}
	return &st, nil
}
