package filter

import "github.com/maneesh/labdrop/internal/models"

// Set is an ordered sequence of predicates ANDed together. The zero Set is
// empty and matches every record.
type Set struct {
	preds []Predicate
}

// NewSet returns a Set of preds in order.
func NewSet(preds ...Predicate) Set {
	return Set{preds: append([]Predicate(nil), preds...)}
}

// Empty reports whether the set has no predicates.
func (s Set) Empty() bool {
	return len(s.preds) == 0
}

// Len returns the number of top-level predicates.
func (s Set) Len() int {
	return len(s.preds)
}

// With returns a new Set with p appended.
func (s Set) With(p Predicate) Set {
	preds := make([]Predicate, 0, len(s.preds)+1)
	preds = append(preds, s.preds...)
	return Set{preds: append(preds, p)}
}

// Predicates returns a copy of the top-level predicates.
func (s Set) Predicates() []Predicate {
	return append([]Predicate(nil), s.preds...)
}

// Conditions returns every leaf condition in the set, flattened in order.
func (s Set) Conditions() []Condition {
	var out []Condition
	for _, p := range s.preds {
		out = append(out, p.Conditions()...)
	}
	return out
}

// Matches reports whether r satisfies every predicate.
func (s Set) Matches(r models.FileRecord) bool {
	for _, p := range s.preds {
		if !p.Matches(r) {
			return false
		}
	}
	return true
}

// Apply returns the matching records in their original order.
func (s Set) Apply(records []models.FileRecord) []models.FileRecord {
	out := make([]models.FileRecord, 0, len(records))
	for _, r := range records {
		if s.Matches(r) {
			out = append(out, r)
		}
	}
	return out
}
