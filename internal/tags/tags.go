// Package tags treats a request's comma-separated tag string as an ordered
// set, persisting it back in the same textual form for backward
// compatibility with the rest of the system (spec §9 design note).
package tags

import "strings"

// Set is an ordered set of tags, backed by a comma-separated string.
type Set struct {
	values []string
}

// Parse splits a stored tag string into a Set, preserving order and
// dropping empty entries.
func Parse(s string) Set {
	if strings.TrimSpace(s) == "" {
		return Set{}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return Set{values: out}
}

// String renders the set back to its comma-separated textual form.
func (s Set) String() string {
	return strings.Join(s.values, ",")
}

// Has reports whether tag is present exactly.
func (s Set) Has(tag string) bool {
	for _, v := range s.values {
		if v == tag {
			return true
		}
	}
	return false
}

// HasSubstring reports whether any stored tag contains substr. This
// preserves the original's "conflict" in tags semantics, which matches both
// conflict-master/conflict-pickme AND no-conflicts (since "conflict" is a
// substring of "no-conflicts" too) — see spec §9 Open Questions.
func (s Set) HasSubstring(substr string) bool {
	for _, v := range s.values {
		if strings.Contains(v, substr) {
			return true
		}
	}
	return false
}

// Add appends tag if not already present, returning the updated set.
func (s Set) Add(tag string) Set {
	if s.Has(tag) {
		return s
	}
	out := make([]string, len(s.values), len(s.values)+1)
	copy(out, s.values)
	out = append(out, tag)
	return Set{values: out}
}

// Remove drops tag if present, returning the updated set.
func (s Set) Remove(tag string) Set {
	out := make([]string, 0, len(s.values))
	for _, v := range s.values {
		if v != tag {
			out = append(out, v)
		}
	}
	return Set{values: out}
}

// AddTag is a convenience for the common `Parse -> Add -> String` round trip.
func AddTag(stored string, tag string) string {
	return Parse(stored).Add(tag).String()
}

// RemoveTag is a convenience for the common `Parse -> Remove -> String`
// round trip.
func RemoveTag(stored string, tag string) string {
	return Parse(stored).Remove(tag).String()
}
