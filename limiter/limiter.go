package limiter

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/google/uuid"
)

const keyPrefix = "rate_limit:"

// Policy is the immutable configuration of one sliding window.
type Policy struct {
	Window      time.Duration
	MaxRequests int
	Message     string
}

// Decision is the result of one check. Produced fresh per call.
type Decision struct {
	Allowed      bool
	Remaining    int
	ResetSeconds int
	Total        int

	// Degraded marks a decision taken while the window store was
	// unreachable. The caller may log it; the request still follows
	// the configured fail mode.
	Degraded bool
}

// Info is a read-only view of a key's current window.
type Info struct {
	Current   int64
	Remaining int
	Total     int
	Window    time.Duration
}

type Option func(*Limiter)

// WithFailClosed denies instead of allowing when the store errors.
func WithFailClosed(closed bool) Option {
	return func(l *Limiter) { l.failClosed = closed }
}

// WithAtomic switches to the single-script check when the store
// supports it. The reference behavior is the multi-step sequence,
// which can transiently admit more than MaxRequests under concurrent
// load on one key.
func WithAtomic(atomic bool) Option {
	return func(l *Limiter) { l.atomic = atomic }
}

// WithClock injects the time source. Tests use this.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

func WithLogger(logger *log.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// Limiter checks actions against a sliding window kept in a shared
// store. Check never returns an error: on store failure it resolves
// according to the fail mode and marks the decision degraded.
type Limiter struct {
	store      WindowStore
	failClosed bool
	atomic     bool
	now        func() time.Time
	logger     *log.Logger
}

func New(store WindowStore, opts ...Option) *Limiter {
	l := &Limiter{
		store:  store,
		now:    time.Now,
		logger: log.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Check records an action for key if it is allowed under the policy.
//
// Reference sequence: prune stale members, read the cardinality,
// compare against the limit, insert a unique member scored now, reset
// the key TTL. The steps are separate store round trips unless atomic
// mode is on.
func (l *Limiter) Check(ctx context.Context, key string, p Policy) Decision {
	now := l.now().UnixMilli()
	windowStart := now - p.Window.Milliseconds()
	member := fmt.Sprintf("%d-%s", now, uuid.NewString())

	if l.atomic {
		if as, ok := l.store.(AtomicWindowStore); ok {
			return l.checkAtomic(ctx, as, key, p, now, windowStart, member)
		}
	}

	storeKey := keyPrefix + key

	if err := l.store.Prune(ctx, storeKey, windowStart); err != nil {
		return l.degraded(key, p, err)
	}

	count, err := l.store.Count(ctx, storeKey)
	if err != nil {
		return l.degraded(key, p, err)
	}

	if count >= int64(p.MaxRequests) {
		oldest, ok, err := l.store.Oldest(ctx, storeKey)
		if err != nil {
			return l.degraded(key, p, err)
		}
		reset := windowSeconds(p.Window)
		if ok {
			reset = resetSeconds(oldest, p.Window, now)
		}
		return Decision{
			Allowed:      false,
			Remaining:    0,
			ResetSeconds: reset,
			Total:        p.MaxRequests,
		}
	}

	ttl := time.Duration(windowSeconds(p.Window)) * time.Second
	if err := l.store.Add(ctx, storeKey, now, member, ttl); err != nil {
		return l.degraded(key, p, err)
	}

	return Decision{
		Allowed:      true,
		Remaining:    remaining(p.MaxRequests, count),
		ResetSeconds: windowSeconds(p.Window),
		Total:        p.MaxRequests,
	}
}

func (l *Limiter) checkAtomic(ctx context.Context, store AtomicWindowStore, key string, p Policy, now, windowStart int64, member string) Decision {
	ttl := time.Duration(windowSeconds(p.Window)) * time.Second

	res, err := store.Take(ctx, keyPrefix+key, now, windowStart, p.MaxRequests, member, ttl)
	if err != nil {
		return l.degraded(key, p, err)
	}

	if !res.Allowed {
		reset := windowSeconds(p.Window)
		if res.Oldest >= 0 {
			reset = resetSeconds(res.Oldest, p.Window, now)
		}
		return Decision{
			Allowed:      false,
			Remaining:    0,
			ResetSeconds: reset,
			Total:        p.MaxRequests,
		}
	}

	return Decision{
		Allowed:      true,
		Remaining:    remaining(p.MaxRequests, res.Count),
		ResetSeconds: windowSeconds(p.Window),
		Total:        p.MaxRequests,
	}
}

// Reset clears the window for a key.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	return l.store.Clear(ctx, keyPrefix+key)
}

// GetInfo reports the current window occupancy without recording an
// action.
func (l *Limiter) GetInfo(ctx context.Context, key string, p Policy) (Info, error) {
	now := l.now().UnixMilli()
	windowStart := now - p.Window.Milliseconds()
	storeKey := keyPrefix + key

	if err := l.store.Prune(ctx, storeKey, windowStart); err != nil {
		return Info{}, err
	}
	count, err := l.store.Count(ctx, storeKey)
	if err != nil {
		return Info{}, err
	}

	rem := p.MaxRequests - int(count)
	if rem < 0 {
		rem = 0
	}
	return Info{
		Current:   count,
		Remaining: rem,
		Total:     p.MaxRequests,
		Window:    p.Window,
	}, nil
}

func (l *Limiter) degraded(key string, p Policy, err error) Decision {
	l.logger.Printf("rate limiter store error for key %s: %v", key, err)

	if l.failClosed {
		return Decision{
			Allowed:      false,
			Remaining:    0,
			ResetSeconds: windowSeconds(p.Window),
			Total:        p.MaxRequests,
			Degraded:     true,
		}
	}
	return Decision{
		Allowed:      true,
		Remaining:    p.MaxRequests,
		ResetSeconds: windowSeconds(p.Window),
		Total:        p.MaxRequests,
		Degraded:     true,
	}
}

func remaining(max int, observed int64) int {
	rem := max - int(observed) - 1
	if rem < 0 {
		rem = 0
	}
	return rem
}

func windowSeconds(window time.Duration) int {
	return int(math.Ceil(window.Seconds()))
}

func resetSeconds(oldest int64, window time.Duration, now int64) int {
	return int(math.Ceil(float64(oldest+window.Milliseconds()-now) / 1000.0))
}
