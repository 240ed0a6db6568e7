// Package reconcile computes which extracted follows are new.
package reconcile

import "followsync/pkg/models"

// Diff returns the handles in extracted that are not in known, and the
// union of both. Inputs are compared as-is and never modified; callers
// normalize handles before building the sets.
func Diff(known, extracted models.Set) (newHandles, allHandles models.Set) {
	return extracted.Minus(known), known.Union(extracted)
}
