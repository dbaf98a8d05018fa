package graph

import (
	"sort"
	"strings"
)

// Whitelist decides which relationship types are traversed. Types match
// exactly, ignoring case; patterns match as case-insensitive substrings.
// An empty whitelist allows everything.
type Whitelist struct {
	types    map[string]struct{}
	patterns []string
}

// NewWhitelist builds a whitelist from explicit types and substring patterns.
func NewWhitelist(types, patterns []string) *Whitelist {
	w := &Whitelist{types: make(map[string]struct{}, len(types))}
	for _, t := range types {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			w.types[t] = struct{}{}
		}
	}
	for _, p := range patterns {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			w.patterns = append(w.patterns, p)
		}
	}
	return w
}

// Allows reports whether relType may be traversed.
func (w *Whitelist) Allows(relType string) bool {
	if len(w.types) == 0 && len(w.patterns) == 0 {
		return true
	}
	lt := strings.ToLower(relType)
	if _, ok := w.types[lt]; ok {
		return true
	}
	for _, p := range w.patterns {
		if strings.Contains(lt, p) {
			return true
		}
	}
	return false
}

// Types returns the explicit types, sorted.
func (w *Whitelist) Types() []string {
	out := make([]string, 0, len(w.types))
	for t := range w.types {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Patterns returns the substring patterns.
func (w *Whitelist) Patterns() []string {
	return append([]string(nil), w.patterns...)
}
