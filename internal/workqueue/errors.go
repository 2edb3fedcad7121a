package workqueue

import "errors"

// Sentinel errors surfaced by the store. Callers check with errors.Is.
var (
	// ErrNotFound means the referenced item id does not exist.
	ErrNotFound = errors.New("work item not found")

	// ErrInvalidState means the transition's precondition on the current
	// status did not hold. Callers must re-fetch before retrying.
	ErrInvalidState = errors.New("work item is not in the required status")

	// ErrConflict means two concurrent transitions raced and this one lost.
	// The caller retries after re-checking eligibility.
	ErrConflict = errors.New("work item transition conflicted")

	// ErrCapacityExceeded means a bulk operation exceeded its item bound.
	ErrCapacityExceeded = errors.New("batch exceeds the item limit")
)
