package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	adoerrors "github.com/hasko/adocheck/internal/errors"
)

// EntityRecord is the cached copy of one repository object.
type EntityRecord struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Payload     json.RawMessage `json:"payload"`
	RetrievedAt time.Time       `json:"retrievedAt"`
	ModifiedAt  *time.Time      `json:"modifiedAt,omitempty"`
}

// RelationshipRecord is the cached copy of one connector. Freshness is
// judged on RetrievedAt alone.
type RelationshipRecord struct {
	ID          string          `json:"id"`
	SourceID    string          `json:"sourceId"`
	TargetID    string          `json:"targetId"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	RetrievedAt time.Time       `json:"retrievedAt"`
}

// SearchRecord is a cached, fully paginated search result.
type SearchRecord struct {
	Key         string          `json:"key"`
	Filters     string          `json:"filters"`
	Items       json.RawMessage `json:"items"`
	HitsTotal   int             `json:"hitsTotal"`
	RetrievedAt time.Time       `json:"retrievedAt"`
}

// RelationSet is everything cached for one entity's relationship fetch.
// FetchedAt is when the set was last written; an empty set with a non-zero
// FetchedAt is a valid cached answer.
type RelationSet struct {
	EntityID      string
	FetchedAt     time.Time
	Relationships []RelationshipRecord
}

// InvalidateOptions selects records to delete. The zero value clears the
// whole cache.
type InvalidateOptions struct {
	ID        string
	OlderThan *time.Time
}

// CacheStats summarizes the cache contents.
type CacheStats struct {
	Entities               int     `json:"entities"`
	EntitiesWithModifiedAt int     `json:"entitiesWithModifiedAt"`
	Relationships          int     `json:"relationships"`
	RelationSets           int     `json:"relationSets"`
	SearchResults          int     `json:"searchResults"`
	AvgEntityAgeSeconds    float64 `json:"avgEntityAgeSeconds"`
}

// PutOutcome tells the caller what an entity put changed.
type PutOutcome int

const (
	// PutInserted wrote a record for a previously unknown id.
	PutInserted PutOutcome = iota
	// PutTouched kept the stored record and only advanced retrievedAt.
	PutTouched
	// PutReplaced overwrote the stored record.
	PutReplaced
)

func (o PutOutcome) String() string {
	switch o {
	case PutInserted:
		return "inserted"
	case PutTouched:
		return "touched"
	case PutReplaced:
		return "replaced"
	default:
		return fmt.Sprintf("PutOutcome(%d)", int(o))
	}
}

// Store is the persistent cache. Get methods return (nil, nil) on a miss.
// Entity puts for the same id are serialized and follow ClassifyPut.
type Store interface {
	GetEntity(ctx context.Context, id string) (*EntityRecord, error)
	PutEntity(ctx context.Context, rec EntityRecord) (PutOutcome, error)
	TouchEntity(ctx context.Context, id string, at time.Time) error

	GetRelationship(ctx context.Context, id string) (*RelationshipRecord, error)
	PutRelationship(ctx context.Context, rec RelationshipRecord) error
	GetRelationSet(ctx context.Context, entityID string) (*RelationSet, error)
	PutRelationSet(ctx context.Context, set RelationSet) error

	GetSearch(ctx context.Context, key string) (*SearchRecord, error)
	PutSearch(ctx context.Context, rec SearchRecord) error

	Invalidate(ctx context.Context, opts InvalidateOptions) (int64, error)
	Stats(ctx context.Context) (*CacheStats, error)
	Close() error
}

// ClassifyPut applies the entity write policy against the stored record:
//
//   - no stored record: insert
//   - equal modifiedAt: touch retrievedAt only
//   - newer modifiedAt: replace
//   - older modifiedAt: DATA_INTEGRITY, nothing written
//
// A missing timestamp on either side counts as changed.
func ClassifyPut(existing *EntityRecord, rec EntityRecord) (PutOutcome, error) {
	if existing == nil {
		return PutInserted, nil
	}
	if existing.ModifiedAt == nil || rec.ModifiedAt == nil {
		return PutReplaced, nil
	}
	switch {
	case rec.ModifiedAt.Equal(*existing.ModifiedAt):
		return PutTouched, nil
	case rec.ModifiedAt.After(*existing.ModifiedAt):
		return PutReplaced, nil
	default:
		return 0, adoerrors.New(adoerrors.DataIntegrity,
			fmt.Sprintf("modifiedAt for %s moved backward", rec.ID)).
			WithDetails(map[string]string{
				"entity_id": rec.ID,
				"stored":    existing.ModifiedAt.UTC().Format(time.RFC3339Nano),
				"incoming":  rec.ModifiedAt.UTC().Format(time.RFC3339Nano),
			})
	}
}

// NormalizeEntity fills retrievedAt and keeps it at or after modifiedAt.
func NormalizeEntity(rec *EntityRecord) {
	if rec.RetrievedAt.IsZero() {
		rec.RetrievedAt = time.Now()
	}
	if rec.ModifiedAt != nil && rec.RetrievedAt.Before(*rec.ModifiedAt) {
		rec.RetrievedAt = *rec.ModifiedAt
	}
}

// Matches reports whether a record retrieved at retrievedAt with the given
// id falls under opts.
func (opts InvalidateOptions) Matches(id string, retrievedAt time.Time) bool {
	if opts.ID != "" && opts.ID != id {
		return false
	}
	if opts.OlderThan != nil && !retrievedAt.Before(*opts.OlderThan) {
		return false
	}
	return true
}
