package workqueue

import (
	"context"
	"time"
)

// Store is the durable work-item record with atomic status transitions.
// Every transition is a single check-and-set guarded by the current status;
// implementations must never read-then-write in two visible steps.
type Store interface {
	// Submit enqueues an item, idempotent on (kind, key): if the key already
	// exists the stored item is returned unchanged and created is false.
	Submit(ctx context.Context, req SubmitRequest) (item WorkItem, created bool, err error)

	// Get fetches an item by id.
	Get(ctx context.Context, id string) (WorkItem, error)

	// Claim atomically selects the next pending item of the kind (priority
	// descending, created_at ascending) and moves it to in_progress. Returns
	// ok=false, not an error, when nothing is eligible. No item is ever
	// returned to more than one concurrent caller.
	Claim(ctx context.Context, kind Kind) (item WorkItem, ok bool, err error)

	// MarkInProgress moves a pending item to in_progress without selection,
	// for protocols that report start-of-work separately from claim.
	MarkInProgress(ctx context.Context, id string) (WorkItem, error)

	// Complete moves an in_progress item to its terminal success status,
	// storing the result and clearing claimed_at and last_error. Completing
	// a crawl item also creates its follow-on evaluation item (key = crawl
	// id, payload = crawl content) in the same atomic step, so the two
	// writes cannot be separated by a crash or a transient store error.
	Complete(ctx context.Context, id string, result Result) (WorkItem, error)

	// Fail increments attempts, records the error, clears claimed_at, and
	// moves the item back to pending, or to failed once attempts reaches
	// maxAttempts.
	Fail(ctx context.Context, id string, errText string, maxAttempts int) (WorkItem, error)

	// Skip moves a pending item to skipped (administrative policy decision).
	Skip(ctx context.Context, id string) (WorkItem, error)

	// ReclaimStale returns every in_progress item claimed before cutoff to
	// pending, incrementing attempts. Reports how many items were reclaimed.
	ReclaimStale(ctx context.Context, cutoff time.Time) (int, error)

	// RequeueFailed re-admits failed items of the kind with attempts below
	// maxAttempts back to pending, clearing last_error but not attempts.
	RequeueFailed(ctx context.Context, kind Kind, maxAttempts int) (int, error)

	// CountByStatus reports item counts per status for a kind.
	CountByStatus(ctx context.Context, kind Kind) (StatusCounts, error)

	// EvaluationStats reports status counts, score buckets, and language
	// counts across evaluation items.
	EvaluationStats(ctx context.Context) (EvaluationStats, error)

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases store resources.
	Close()
}

// Clock abstracts time.Now for deterministic lease and sweep tests.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces unique item identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// Publisher delivers item events to external consumers, such as the
// search-index synchronizer.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}
