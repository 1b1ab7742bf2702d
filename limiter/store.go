package limiter

import (
	"context"
	"time"
)

// WindowStore is the shared ordered-set store backing the sliding
// window. Members are unique per-request tokens scored by the request
// timestamp in milliseconds. Each method is a single store round trip;
// the reference check runs them as separate, non-atomic steps.
type WindowStore interface {
	// Prune removes every member scored at or below windowStart.
	Prune(ctx context.Context, key string, windowStart int64) error

	// Count returns the cardinality of the set after pruning.
	Count(ctx context.Context, key string) (int64, error)

	// Oldest returns the score of the oldest remaining member.
	// ok is false when the set is empty.
	Oldest(ctx context.Context, key string) (score int64, ok bool, err error)

	// Add inserts a member scored now and (re)sets the key's expiry so
	// abandoned keys self-clean.
	Add(ctx context.Context, key string, score int64, member string, ttl time.Duration) error

	// Clear drops the whole window for a key.
	Clear(ctx context.Context, key string) error
}

// AtomicWindowStore collapses prune, count, the limit comparison and
// the conditional insert into one server-side operation, closing the
// check-then-write race of the multi-step sequence.
type AtomicWindowStore interface {
	Take(ctx context.Context, key string, now, windowStart int64, limit int, member string, ttl time.Duration) (TakeResult, error)
}

// TakeResult is the outcome of one atomic window take.
type TakeResult struct {
	Allowed bool
	// Count is the cardinality observed before the insert.
	Count int64
	// Oldest is the oldest remaining score on denial, -1 when the set
	// was empty.
	Oldest int64
}
