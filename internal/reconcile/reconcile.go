// Package reconcile decides, per read, whether a cached record can be served
// as is, revalidated with a cheap probe, or must be fetched again. It owns
// every write into the cache store.
package reconcile

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/hasko/adocheck/internal/adoit"
	adoerrors "github.com/hasko/adocheck/internal/errors"
	"github.com/hasko/adocheck/internal/metrics"
	"github.com/hasko/adocheck/internal/slogutil"
	"github.com/hasko/adocheck/internal/storage"
)

// DefaultTTL is the freshness window when none is configured.
const DefaultTTL = 48 * time.Hour

// Options configures a Reconciler.
type Options struct {
	TTL             time.Duration
	RelationshipTTL time.Duration // falls back to TTL
	ForceRefresh    bool          // bypass the cache for every read
	PageSize        int
	Now             func() time.Time
	Logger          *slog.Logger
}

// Stats counts how reads were served.
type Stats struct {
	FreshHits       int64 `json:"freshHits"`
	RevalidatedHits int64 `json:"revalidatedHits"`
	FullFetches     int64 `json:"fullFetches"`
	Probes          int64 `json:"probes"`

	RelationFreshHits   int64 `json:"relationFreshHits"`
	RelationFullFetches int64 `json:"relationFullFetches"`

	SearchFreshHits   int64 `json:"searchFreshHits"`
	SearchFullFetches int64 `json:"searchFullFetches"`
}

// Reconciler serves entity, relationship and search reads through the cache.
// It is safe for concurrent use.
type Reconciler struct {
	store  storage.Store
	port   adoit.FetchPort
	ttl    time.Duration
	relTTL time.Duration
	force  bool
	page   int
	now    func() time.Time
	logger *slog.Logger

	freshHits, revalidated, fullFetches, probes atomic.Int64
	relFresh, relFetches                        atomic.Int64
	searchFresh, searchFetches                  atomic.Int64
}

// New returns a Reconciler over store and port.
func New(store storage.Store, port adoit.FetchPort, opts Options) *Reconciler {
	r := &Reconciler{
		store:  store,
		port:   port,
		ttl:    opts.TTL,
		relTTL: opts.RelationshipTTL,
		force:  opts.ForceRefresh,
		page:   opts.PageSize,
		now:    opts.Now,
		logger: opts.Logger,
	}
	if r.ttl <= 0 {
		r.ttl = DefaultTTL
	}
	if r.relTTL <= 0 {
		r.relTTL = r.ttl
	}
	if r.page <= 0 {
		r.page = adoit.DefaultPageSize
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.logger == nil {
		r.logger = slogutil.NewDiscardLogger()
	}
	return r
}

// Stats returns a snapshot of the read counters.
func (r *Reconciler) Stats() Stats {
	return Stats{
		FreshHits:           r.freshHits.Load(),
		RevalidatedHits:     r.revalidated.Load(),
		FullFetches:         r.fullFetches.Load(),
		Probes:              r.probes.Load(),
		RelationFreshHits:   r.relFresh.Load(),
		RelationFullFetches: r.relFetches.Load(),
		SearchFreshHits:     r.searchFresh.Load(),
		SearchFullFetches:   r.searchFetches.Load(),
	}
}

// GetEntity returns the entity record for id.
//
//   - fresh (age < TTL): cached record, no network
//   - stale: one modifiedAt probe; unchanged advances retrievedAt only,
//     changed triggers a full fetch and put
//   - absent or forced: full fetch and put
//
// A stored record without modifiedAt cannot be revalidated and is refetched.
// NOT_FOUND from upstream drops the cached record.
func (r *Reconciler) GetEntity(ctx context.Context, id string) (*storage.EntityRecord, error) {
	id = adoit.NormalizeID(id)

	if r.force {
		return r.fetchEntity(ctx, id, "forced")
	}

	cached, err := r.store.GetEntity(ctx, id)
	if err != nil {
		return nil, err
	}
	if cached == nil {
		return r.fetchEntity(ctx, id, "fetched")
	}

	now := r.now()
	if now.Sub(cached.RetrievedAt) < r.ttl {
		r.freshHits.Add(1)
		metrics.ReconcileTotal.WithLabelValues("entity", "fresh").Inc()
		return cached, nil
	}

	if cached.ModifiedAt == nil {
		return r.fetchEntity(ctx, id, "fetched")
	}

	r.probes.Add(1)
	upstream, err := r.port.FetchEntityModifiedAt(ctx, id)
	if err != nil {
		return nil, r.upstreamError(ctx, "entity", id, err)
	}
	if upstream != nil && upstream.Equal(*cached.ModifiedAt) {
		if err := r.store.TouchEntity(ctx, id, now); err != nil {
			return nil, err
		}
		r.revalidated.Add(1)
		metrics.ReconcileTotal.WithLabelValues("entity", "revalidated").Inc()
		cached.RetrievedAt = now
		return cached, nil
	}

	r.logger.Debug("Entity changed upstream",
		"entity", id,
		"cached", cached.ModifiedAt,
		"upstream", upstream,
	)
	return r.fetchEntity(ctx, id, "fetched")
}

func (r *Reconciler) fetchEntity(ctx context.Context, id, result string) (*storage.EntityRecord, error) {
	e, err := r.port.FetchEntity(ctx, id)
	if err != nil {
		return nil, r.upstreamError(ctx, "entity", id, err)
	}
	r.fullFetches.Add(1)

	rec := storage.EntityRecord{
		ID:          e.ID,
		Type:        e.Type,
		Name:        e.Name,
		Payload:     e.Payload,
		RetrievedAt: r.now(),
		ModifiedAt:  e.ModifiedAt,
	}
	if rec.ID == "" {
		rec.ID = id
	}
	storage.NormalizeEntity(&rec)

	outcome, err := r.store.PutEntity(ctx, rec)
	if err != nil {
		metrics.ReconcileTotal.WithLabelValues("entity", "error").Inc()
		return nil, err
	}
	metrics.ReconcileTotal.WithLabelValues("entity", result).Inc()
	r.logger.Debug("Entity fetched", "entity", id, "outcome", outcome.String())
	return &rec, nil
}

// GetRelationships returns every relationship touching entityID. Relationships
// have no probe, so a stale set is always refetched in full.
func (r *Reconciler) GetRelationships(ctx context.Context, entityID string) ([]storage.RelationshipRecord, error) {
	entityID = adoit.NormalizeID(entityID)

	if !r.force {
		set, err := r.store.GetRelationSet(ctx, entityID)
		if err != nil {
			return nil, err
		}
		if set != nil && r.now().Sub(set.FetchedAt) < r.relTTL {
			r.relFresh.Add(1)
			metrics.ReconcileTotal.WithLabelValues("relationships", "fresh").Inc()
			return set.Relationships, nil
		}
	}

	rels, err := r.port.FetchRelationships(ctx, entityID)
	if err != nil {
		return nil, r.upstreamError(ctx, "relationships", entityID, err)
	}
	r.relFetches.Add(1)

	set := storage.RelationSet{EntityID: entityID, FetchedAt: r.now()}
	for _, rel := range rels {
		set.Relationships = append(set.Relationships, storage.RelationshipRecord{
			ID:          rel.ID,
			SourceID:    rel.SourceID,
			TargetID:    rel.TargetID,
			Type:        rel.Type,
			Payload:     rel.Payload,
			RetrievedAt: set.FetchedAt,
		})
	}
	if err := r.store.PutRelationSet(ctx, set); err != nil {
		metrics.ReconcileTotal.WithLabelValues("relationships", "error").Inc()
		return nil, err
	}
	metrics.ReconcileTotal.WithLabelValues("relationships", "fetched").Inc()
	return set.Relationships, nil
}

// Search returns every hit for filters, served from the search cache while
// younger than the relationship TTL.
func (r *Reconciler) Search(ctx context.Context, filters []adoit.Filter) ([]adoit.Entity, error) {
	canonical, err := json.Marshal(filters)
	if err != nil {
		return nil, fmt.Errorf("failed to encode filters: %w", err)
	}
	key := SearchKey(canonical)

	if !r.force {
		cached, err := r.store.GetSearch(ctx, key)
		if err != nil {
			return nil, err
		}
		if cached != nil && r.now().Sub(cached.RetrievedAt) < r.relTTL {
			var items []adoit.Entity
			if err := json.Unmarshal(cached.Items, &items); err == nil {
				r.searchFresh.Add(1)
				metrics.ReconcileTotal.WithLabelValues("search", "fresh").Inc()
				return items, nil
			}
			r.logger.Warn("Discarding unreadable search cache entry", "key", key)
		}
	}

	res, err := adoit.SearchAll(ctx, r.port, filters, r.page, r.logger)
	if err != nil {
		metrics.ReconcileTotal.WithLabelValues("search", "error").Inc()
		return nil, err
	}
	r.searchFetches.Add(1)

	if !res.Complete() {
		r.logger.Warn("Search incomplete, not caching",
			"key", key,
			"retrieved", len(res.Items),
			"hitsTotal", res.HitsTotal,
			"skippedPages", res.SkippedPages,
		)
		metrics.ReconcileTotal.WithLabelValues("search", "partial").Inc()
		return res.Items, nil
	}

	encoded, err := json.Marshal(res.Items)
	if err != nil {
		return nil, fmt.Errorf("failed to encode search result: %w", err)
	}
	if err := r.store.PutSearch(ctx, storage.SearchRecord{
		Key:         key,
		Filters:     string(canonical),
		Items:       encoded,
		HitsTotal:   res.HitsTotal,
		RetrievedAt: r.now(),
	}); err != nil {
		return nil, err
	}
	metrics.ReconcileTotal.WithLabelValues("search", "fetched").Inc()
	return res.Items, nil
}

// SearchKey is the cache key for a canonical filter document.
func SearchKey(canonical []byte) string {
	sum := blake2b.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// upstreamError records the failure and, for NOT_FOUND, drops the cached
// copy so the next read does not serve a record that no longer exists.
func (r *Reconciler) upstreamError(ctx context.Context, kind, id string, err error) error {
	if !adoerrors.Is(err, adoerrors.NotFound) {
		metrics.ReconcileTotal.WithLabelValues(kind, "error").Inc()
		return err
	}
	metrics.ReconcileTotal.WithLabelValues(kind, "not_found").Inc()
	if kind == "entity" {
		if _, invErr := r.store.Invalidate(ctx, storage.InvalidateOptions{ID: id}); invErr != nil {
			r.logger.Warn("Failed to drop cached record", "entity", id, "error", invErr)
		}
	}
	return err
}
