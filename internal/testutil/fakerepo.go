// Package testutil provides an in-memory repository for tests. It implements
// the fetch and metamodel ports, counts every call, and can inject failures
// and latency per operation and id.
package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hasko/adocheck/internal/adoit"
	adoerrors "github.com/hasko/adocheck/internal/errors"
)

// Operation names used for call counting and failure injection.
const (
	OpFetchEntity   = "FetchEntity"
	OpProbe         = "FetchEntityModifiedAt"
	OpRelationships = "FetchRelationships"
	OpSearch        = "Search"
	OpRelClasses    = "RelationClasses"
	OpClasses       = "Classes"
	OpClassAttrs    = "ClassAttributes"
)

type fakeEntity struct {
	entity adoit.Entity
	attrs  map[string]string
}

type failure struct {
	err       error
	remaining int // <0 means always
}

// FakeRepo is an in-memory ADOit repository.
type FakeRepo struct {
	mu         sync.Mutex
	entities   map[string]*fakeEntity
	relations  map[string][]adoit.Relationship
	nextRel    int
	relClasses []adoit.MetaName
	classes    []adoit.MetaName
	classAttrs map[string][]adoit.MetaName
	failures   map[string]*failure
	calls      map[string]int

	delay       time.Duration
	inFlight    int
	maxInFlight int
}

var (
	_ adoit.FetchPort     = (*FakeRepo)(nil)
	_ adoit.MetamodelPort = (*FakeRepo)(nil)
)

// NewFakeRepo returns an empty repository.
func NewFakeRepo() *FakeRepo {
	return &FakeRepo{
		entities:   make(map[string]*fakeEntity),
		relations:  make(map[string][]adoit.Relationship),
		classAttrs: make(map[string][]adoit.MetaName),
		failures:   make(map[string]*failure),
		calls:      make(map[string]int),
	}
}

// AddEntity adds or replaces an entity. modifiedAt may be nil.
func (f *FakeRepo) AddEntity(id, typ, name string, modifiedAt *time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()

	fe := &fakeEntity{
		entity: adoit.Entity{ID: id, Type: typ, Name: name, ModifiedAt: modifiedAt},
		attrs:  map[string]string{"A_NAME": name},
	}
	fe.entity.Payload = payloadFor(fe.entity)
	f.entities[id] = fe
}

// SetModifiedAt changes an entity's timestamp and payload, as an upstream
// edit would.
func (f *FakeRepo) SetModifiedAt(id string, t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fe, ok := f.entities[id]
	if !ok {
		return
	}
	fe.entity.ModifiedAt = &t
	fe.entity.Payload = payloadFor(fe.entity)
}

// SetAttr sets an attribute used by Search filters.
func (f *FakeRepo) SetAttr(id, attr, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fe, ok := f.entities[id]; ok {
		fe.attrs[attr] = value
	}
}

// RemoveEntity deletes an entity; later fetches return NOT_FOUND.
func (f *FakeRepo) RemoveEntity(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entities, id)
}

// Link adds a relationship from -> to and returns its id. It is listed for
// both endpoints, as the relations endpoint does.
func (f *FakeRepo) Link(from, to, relType string) string {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextRel++
	rel := adoit.Relationship{
		ID:       fmt.Sprintf("rel-%d", f.nextRel),
		SourceID: from,
		TargetID: to,
		Type:     relType,
	}
	rel.Payload, _ = json.Marshal(map[string]string{
		"id": rel.ID, "fromId": from, "toId": to, "relationType": relType,
	})
	f.relations[from] = append(f.relations[from], rel)
	if to != from {
		f.relations[to] = append(f.relations[to], rel)
	}
	return rel.ID
}

// SetMetamodel sets the relation classes and object classes returned by the
// metamodel operations.
func (f *FakeRepo) SetMetamodel(relClasses, classes []adoit.MetaName) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.relClasses = relClasses
	f.classes = classes
}

// SetClassAttributes sets the attributes returned for classID.
func (f *FakeRepo) SetClassAttributes(classID string, attrs []adoit.MetaName) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.classAttrs[classID] = attrs
}

// Fail makes every call of op for id return err. An empty id matches all ids.
func (f *FakeRepo) Fail(op, id string, err error) {
	f.FailTimes(op, id, -1, err)
}

// FailTimes makes the next n calls of op for id return err.
func (f *FakeRepo) FailTimes(op, id string, n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op+":"+id] = &failure{err: err, remaining: n}
}

// SetDelay makes every call sleep for d (or until the context ends).
func (f *FakeRepo) SetDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = d
}

// Calls returns how often op was called for id.
func (f *FakeRepo) Calls(op, id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op+":"+id]
}

// TotalCalls returns how often op was called for any id.
func (f *FakeRepo) TotalCalls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for k, c := range f.calls {
		if strings.HasPrefix(k, op+":") {
			n += c
		}
	}
	return n
}

// MaxInFlight returns the highest number of concurrent calls observed.
func (f *FakeRepo) MaxInFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxInFlight
}

// ResetCalls clears the call counters.
func (f *FakeRepo) ResetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = make(map[string]int)
	f.maxInFlight = 0
}

// enter records a call and returns an injected error, if any.
func (f *FakeRepo) enter(ctx context.Context, op, id string) error {
	f.mu.Lock()
	f.calls[op+":"+id]++
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	delay := f.delay

	var injected error
	for _, key := range []string{op + ":" + id, op + ":"} {
		if fl, ok := f.failures[key]; ok && fl.remaining != 0 {
			injected = fl.err
			if fl.remaining > 0 {
				fl.remaining--
			}
			break
		}
	}
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return injected
}

func (f *FakeRepo) leave() {
	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()
}

func notFound(id string) error {
	return adoerrors.New(adoerrors.NotFound, id+" not found")
}

// FetchEntity implements adoit.FetchPort.
func (f *FakeRepo) FetchEntity(ctx context.Context, id string) (*adoit.Entity, error) {
	defer f.leave()
	if err := f.enter(ctx, OpFetchEntity, id); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	fe, ok := f.entities[id]
	if !ok {
		return nil, notFound(id)
	}
	e := fe.entity
	return &e, nil
}

// FetchEntityModifiedAt implements adoit.FetchPort.
func (f *FakeRepo) FetchEntityModifiedAt(ctx context.Context, id string) (*time.Time, error) {
	defer f.leave()
	if err := f.enter(ctx, OpProbe, id); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	fe, ok := f.entities[id]
	if !ok {
		return nil, notFound(id)
	}
	return fe.entity.ModifiedAt, nil
}

// FetchRelationships implements adoit.FetchPort.
func (f *FakeRepo) FetchRelationships(ctx context.Context, id string) ([]adoit.Relationship, error) {
	defer f.leave()
	if err := f.enter(ctx, OpRelationships, id); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]adoit.Relationship(nil), f.relations[id]...), nil
}

// Search implements adoit.FetchPort with class and attribute filters.
// OP_LIKE is a case-insensitive substring match with % wildcards ignored.
func (f *FakeRepo) Search(ctx context.Context, filters []adoit.Filter, rangeStart, rangeEnd int) (*adoit.SearchPage, error) {
	defer f.leave()
	if err := f.enter(ctx, OpSearch, ""); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	var hits []adoit.Entity
	for _, fe := range f.entities {
		if matches(fe, filters) {
			hits = append(hits, fe.entity)
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].ID < hits[j].ID })

	page := &adoit.SearchPage{HitsTotal: len(hits)}
	for i := rangeStart; i < rangeEnd && i < len(hits); i++ {
		page.Items = append(page.Items, hits[i])
	}
	return page, nil
}

func matches(fe *fakeEntity, filters []adoit.Filter) bool {
	for _, flt := range filters {
		if len(flt.ClassName) > 0 {
			ok := false
			for _, c := range flt.ClassName {
				if c == fe.entity.Type {
					ok = true
					break
				}
			}
			if !ok {
				return false
			}
		}
		if flt.AttrName == "" {
			continue
		}
		v := fe.attrs[flt.AttrName]
		switch flt.Op {
		case adoit.OpEquals:
			if v != flt.Value {
				return false
			}
		case adoit.OpLike:
			needle := strings.ToLower(strings.Trim(flt.Value, "%"))
			if !strings.Contains(strings.ToLower(v), needle) {
				return false
			}
		case adoit.OpNotEmpty:
			if v == "" {
				return false
			}
		}
	}
	return true
}

// RelationClasses implements adoit.MetamodelPort.
func (f *FakeRepo) RelationClasses(ctx context.Context) ([]adoit.MetaName, error) {
	defer f.leave()
	if err := f.enter(ctx, OpRelClasses, ""); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]adoit.MetaName(nil), f.relClasses...), nil
}

// Classes implements adoit.MetamodelPort.
func (f *FakeRepo) Classes(ctx context.Context) ([]adoit.MetaName, error) {
	defer f.leave()
	if err := f.enter(ctx, OpClasses, ""); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]adoit.MetaName(nil), f.classes...), nil
}

// ClassAttributes implements adoit.MetamodelPort.
func (f *FakeRepo) ClassAttributes(ctx context.Context, classID string) ([]adoit.MetaName, error) {
	defer f.leave()
	if err := f.enter(ctx, OpClassAttrs, classID); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]adoit.MetaName(nil), f.classAttrs[classID]...), nil
}

func payloadFor(e adoit.Entity) json.RawMessage {
	doc := map[string]interface{}{"id": e.ID, "type": e.Type, "name": e.Name}
	if e.ModifiedAt != nil {
		doc["attributes"] = []map[string]interface{}{
			{"metaName": "DATE_OF_LAST_CHANGE", "value": e.ModifiedAt.UnixMilli()},
		}
	}
	data, _ := json.Marshal(doc)
	return data
}

// TimePtr returns a pointer to a UTC copy of t.
func TimePtr(t time.Time) *time.Time {
	t = t.UTC()
	return &t
}
