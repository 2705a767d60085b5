package sandbox

import (
	"errors"
	"fmt"
)

// ErrCanonicalPath reports a codebase path that is itself a linked worktree.
// Sandboxes are created from the canonical checkout only; nesting them would
// let cleanup of one unit of work destroy another's base.
var ErrCanonicalPath = errors.New("codebase path is a linked worktree, not the canonical checkout")

// LimitError refuses a creation: the codebase is at its environment ceiling
// and automatic reclaim could not free a slot. Callers surface the counts so
// an operator knows what a manual cleanup would recover.
type LimitError struct {
	CodebaseID        string
	Limit             int
	Active            int
	ReclaimableMerged int
	ReclaimableStale  int
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("codebase %s at environment limit (%d/%d active, reclaimable: %d merged, %d stale)",
		e.CodebaseID, e.Active, e.Limit, e.ReclaimableMerged, e.ReclaimableStale)
}
