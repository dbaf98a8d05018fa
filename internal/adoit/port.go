// Package adoit is the fetch port to an ADOit repository: the interfaces the
// cache and mapper consume, the wire types, and an HTTP adapter for the
// 2.0 REST API.
package adoit

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

// Entity is a repository object as returned by the entity endpoint.
type Entity struct {
	ID         string
	Type       string
	Name       string
	ModifiedAt *time.Time // nil when the object carries no DATE_OF_LAST_CHANGE
	Payload    json.RawMessage
}

// Relationship is a typed, directed connector between two entities.
type Relationship struct {
	ID       string
	SourceID string
	TargetID string
	Type     string
	Payload  json.RawMessage
}

// Filter is one clause of a repository search. Class clauses set ClassName;
// attribute clauses set AttrName, Op and Value.
type Filter struct {
	ClassName []string `json:"className,omitempty"`
	AttrName  string   `json:"attrName,omitempty"`
	Value     string   `json:"value,omitempty"`
	Op        string   `json:"op,omitempty"`
}

// Search operators.
const (
	OpEquals   = "OP_EQ"
	OpLike     = "OP_LIKE"
	OpNotEmpty = "OP_NEMPTY"
)

// ClassFilter matches objects of any of the given classes.
func ClassFilter(classes ...string) Filter {
	return Filter{ClassName: classes}
}

// AttrFilter matches objects whose attribute satisfies op against value.
func AttrFilter(attr, op, value string) Filter {
	return Filter{AttrName: attr, Op: op, Value: value}
}

// SearchPage is one window of search hits. HitsTotal counts all matches,
// not just the ones in Items.
type SearchPage struct {
	Items     []Entity
	HitsTotal int
}

// FetchPort is the authenticated, paginated access the core depends on.
// Errors carry codes from internal/errors: AUTH_FAILED, RATE_LIMITED,
// TRANSPORT_ERROR and NOT_FOUND.
type FetchPort interface {
	FetchEntity(ctx context.Context, id string) (*Entity, error)
	// FetchEntityModifiedAt is the freshness probe. A nil time means the
	// object has no modification timestamp.
	FetchEntityModifiedAt(ctx context.Context, id string) (*time.Time, error)
	FetchRelationships(ctx context.Context, id string) ([]Relationship, error)
	// Search returns hits in [rangeStart, rangeEnd).
	Search(ctx context.Context, filters []Filter, rangeStart, rangeEnd int) (*SearchPage, error)
}

// MetaName is a metamodel element with its localized display names.
type MetaName struct {
	ID           string   `json:"id,omitempty"`
	MetaName     string   `json:"metaName"`
	DisplayNames []string `json:"displayNames,omitempty"`
}

// Label returns the first display name, lowercased, or "".
func (m MetaName) Label() string {
	if len(m.DisplayNames) == 0 {
		return ""
	}
	return strings.ToLower(m.DisplayNames[0])
}

// MetamodelPort exposes the repository schema used for discovery.
type MetamodelPort interface {
	RelationClasses(ctx context.Context) ([]MetaName, error)
	Classes(ctx context.Context) ([]MetaName, error)
	ClassAttributes(ctx context.Context, classID string) ([]MetaName, error)
}

// NormalizeID strips the braces the API adds around ids but does not accept back.
func NormalizeID(id string) string {
	return strings.Trim(strings.TrimSpace(id), "{}")
}
