package models

import (
	"sort"
	"strings"
	"time"
)

// Account is a social account as mirrored in the record store
type Account struct {
	Handle      string `json:"handle"`
	RecordID    string `json:"record_id"`
	AccountID   string `json:"account_id,omitempty"`
	FollowerIDs Set    `json:"-"`
	FollowedIDs Set    `json:"-"`
}

// FollowEdge is a directed "follower follows followed" relationship
type FollowEdge struct {
	Follower        string    `json:"follower"`
	Followed        string    `json:"followed"`
	FirstObservedAt time.Time `json:"first_observed_at"`
}

// Normalize returns the canonical form of a handle
func Normalize(handle string) string {
	h := strings.TrimSpace(handle)
	h = strings.TrimPrefix(h, "@")
	return strings.ToLower(strings.TrimSpace(h))
}

// Set is an unordered collection of unique strings
type Set map[string]struct{}

// NewSet builds a set from the given items, skipping empty strings
func NewSet(items ...string) Set {
	s := make(Set, len(items))
	for _, it := range items {
		s.Add(it)
	}
	return s
}

func (s Set) Add(item string) bool {
	if item == "" {
		return false
	}
	if _, ok := s[item]; ok {
		return false
	}
	s[item] = struct{}{}
	return true
}

func (s Set) Has(item string) bool {
	_, ok := s[item]
	return ok
}

func (s Set) Len() int {
	return len(s)
}

// Clone returns an independent copy; a nil set clones to an empty set
func (s Set) Clone() Set {
	out := make(Set, len(s))
	for k := range s {
		out[k] = struct{}{}
	}
	return out
}

// Union returns s ∪ other without modifying either
func (s Set) Union(other Set) Set {
	out := s.Clone()
	for k := range other {
		out[k] = struct{}{}
	}
	return out
}

// Minus returns s − other without modifying either
func (s Set) Minus(other Set) Set {
	out := make(Set)
	for k := range s {
		if _, ok := other[k]; !ok {
			out[k] = struct{}{}
		}
	}
	return out
}

// Equal reports whether both sets hold the same items
func (s Set) Equal(other Set) bool {
	if len(s) != len(other) {
		return false
	}
	for k := range s {
		if _, ok := other[k]; !ok {
			return false
		}
	}
	return true
}

// Sorted returns the items in lexical order
func (s Set) Sorted() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
