package adoit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// modifiedAtAttr is the system attribute holding the last change instant.
const modifiedAtAttr = "DATE_OF_LAST_CHANGE"

type wireAttribute struct {
	MetaName string          `json:"metaName"`
	Value    json.RawMessage `json:"value"`
}

type wireEntity struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	MetaName   string          `json:"metaName"`
	Name       string          `json:"name"`
	Attributes []wireAttribute `json:"attributes"`
}

type wireRelation struct {
	ID           string `json:"id"`
	FromID       string `json:"fromId"`
	ToID         string `json:"toId"`
	RelationType string `json:"relationType"`
	MetaName     string `json:"metaName"`
}

type wireSearch struct {
	Items     []json.RawMessage `json:"items"`
	HitsTotal int               `json:"hitsTotal"`
}

type wireDisplayName struct {
	Value string `json:"value"`
}

type wireMetaName struct {
	ID           string            `json:"id"`
	MetaName     string            `json:"metaName"`
	DisplayNames []wireDisplayName `json:"displayNames"`
}

func (w wireMetaName) toMetaName() MetaName {
	m := MetaName{ID: NormalizeID(w.ID), MetaName: w.MetaName}
	for _, dn := range w.DisplayNames {
		if v := strings.TrimSpace(dn.Value); v != "" {
			m.DisplayNames = append(m.DisplayNames, v)
		}
	}
	return m
}

// decodeEntity parses one entity object, keeping the raw bytes as payload.
func decodeEntity(raw []byte) (*Entity, error) {
	var w wireEntity
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("failed to decode entity: %w", err)
	}
	if w.ID == "" {
		return nil, fmt.Errorf("entity without id")
	}

	e := &Entity{
		ID:      NormalizeID(w.ID),
		Type:    w.Type,
		Name:    w.Name,
		Payload: json.RawMessage(bytes.Clone(raw)),
	}
	if e.Type == "" {
		e.Type = w.MetaName
	}
	if e.Type == "" {
		e.Type = "unknown"
	}

	for _, a := range w.Attributes {
		if a.MetaName != modifiedAtAttr {
			continue
		}
		ts, err := parseInstant(a.Value)
		if err != nil {
			return nil, fmt.Errorf("entity %s: %w", e.ID, err)
		}
		e.ModifiedAt = ts
		break
	}
	return e, nil
}

// parseInstant accepts epoch milliseconds (number or numeric string) or RFC3339.
func parseInstant(raw json.RawMessage) (*time.Time, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var num json.Number
	if err := json.Unmarshal(raw, &num); err == nil {
		return millisToTime(string(num))
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("unsupported %s value %s", modifiedAtAttr, string(raw))
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if t, err := millisToTime(s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, fmt.Errorf("unsupported %s value %q", modifiedAtAttr, s)
	}
	t = t.UTC()
	return &t, nil
}

func millisToTime(s string) (*time.Time, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, err
	}
	t := time.UnixMilli(int64(f)).UTC()
	return &t, nil
}

func decodeRelations(raw []byte) ([]Relationship, error) {
	var w struct {
		Relations []json.RawMessage `json:"relations"`
	}
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("failed to decode relations: %w", err)
	}

	out := make([]Relationship, 0, len(w.Relations))
	for _, item := range w.Relations {
		var r wireRelation
		if err := json.Unmarshal(item, &r); err != nil {
			return nil, fmt.Errorf("failed to decode relation: %w", err)
		}
		relType := r.RelationType
		if relType == "" {
			relType = r.MetaName
		}
		if relType == "" {
			relType = "unknown"
		}
		out = append(out, Relationship{
			ID:       NormalizeID(r.ID),
			SourceID: NormalizeID(r.FromID),
			TargetID: NormalizeID(r.ToID),
			Type:     relType,
			Payload:  json.RawMessage(bytes.Clone(item)),
		})
	}
	return out, nil
}

func decodeSearch(raw []byte) (*SearchPage, error) {
	var w wireSearch
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("failed to decode search result: %w", err)
	}
	page := &SearchPage{HitsTotal: w.HitsTotal, Items: make([]Entity, 0, len(w.Items))}
	for _, item := range w.Items {
		e, err := decodeEntity(item)
		if err != nil {
			return nil, err
		}
		page.Items = append(page.Items, *e)
	}
	return page, nil
}

func decodeMetaNames(raw []byte, field string) ([]MetaName, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode metamodel %s: %w", field, err)
	}
	var items []wireMetaName
	if list, ok := doc[field]; ok {
		if err := json.Unmarshal(list, &items); err != nil {
			return nil, fmt.Errorf("failed to decode metamodel %s: %w", field, err)
		}
	}
	out := make([]MetaName, 0, len(items))
	for _, m := range items {
		out = append(out, m.toMetaName())
	}
	return out, nil
}
