package limiter

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced time source shared between the
// limiter and the memory store.
type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestLimiter(t *testing.T, opts ...Option) (*Limiter, *fakeClock) {
	t.Helper()

	clock := newFakeClock()
	store := NewMemoryStore()
	store.Now = clock.Now

	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return New(store, opts...), clock
}

func TestCheckAllowsUpToLimit(t *testing.T) {
	t.Parallel()

	lim, _ := newTestLimiter(t)
	policy := Policy{Window: time.Minute, MaxRequests: 3}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		dec := lim.Check(ctx, "u1", policy)
		require.True(t, dec.Allowed, "check %d should be allowed", i+1)
		require.Equal(t, 3, dec.Total)
	}

	dec := lim.Check(ctx, "u1", policy)
	require.False(t, dec.Allowed)
	require.Equal(t, 0, dec.Remaining)
}

func TestWindowSlides(t *testing.T) {
	t.Parallel()

	lim, clock := newTestLimiter(t)
	policy := Policy{Window: time.Second, MaxRequests: 2}
	ctx := context.Background()

	dec := lim.Check(ctx, "u1", policy)
	require.True(t, dec.Allowed)
	require.Equal(t, 1, dec.Remaining)

	clock.Advance(100 * time.Millisecond)
	dec = lim.Check(ctx, "u1", policy)
	require.True(t, dec.Allowed)
	require.Equal(t, 0, dec.Remaining)

	clock.Advance(100 * time.Millisecond)
	dec = lim.Check(ctx, "u1", policy)
	require.False(t, dec.Allowed)
	require.Equal(t, 1, dec.ResetSeconds)

	clock.Advance(900 * time.Millisecond)
	dec = lim.Check(ctx, "u1", policy)
	require.True(t, dec.Allowed)
	require.Equal(t, 1, dec.Remaining)
}

func TestRemainingNeverIncreasesWithinWindow(t *testing.T) {
	t.Parallel()

	lim, clock := newTestLimiter(t)
	policy := Policy{Window: time.Minute, MaxRequests: 5}
	ctx := context.Background()

	prev := policy.MaxRequests
	for i := 0; i < 5; i++ {
		dec := lim.Check(ctx, "u1", policy)
		require.True(t, dec.Allowed)
		require.LessOrEqual(t, dec.Remaining, prev)
		prev = dec.Remaining
		clock.Advance(time.Second)
	}

	require.Equal(t, 0, prev)
	require.False(t, lim.Check(ctx, "u1", policy).Allowed)
}

func TestKeysAreIndependent(t *testing.T) {
	t.Parallel()

	lim, _ := newTestLimiter(t)
	policy := Policy{Window: time.Minute, MaxRequests: 1}
	ctx := context.Background()

	require.True(t, lim.Check(ctx, "u1", policy).Allowed)
	require.False(t, lim.Check(ctx, "u1", policy).Allowed)

	dec := lim.Check(ctx, "u2", policy)
	require.True(t, dec.Allowed, "u2 must not be affected by u1's history")
}

func TestZeroLimitDeniesEverything(t *testing.T) {
	t.Parallel()

	lim, _ := newTestLimiter(t)
	policy := Policy{Window: time.Minute, MaxRequests: 0}

	dec := lim.Check(context.Background(), "u1", policy)
	require.False(t, dec.Allowed)
	require.Equal(t, 0, dec.Remaining)
	require.Equal(t, 60, dec.ResetSeconds)
}

type failingStore struct {
	err error
}

func (fs *failingStore) Prune(ctx context.Context, key string, windowStart int64) error {
	return fs.err
}
func (fs *failingStore) Count(ctx context.Context, key string) (int64, error) { return 0, fs.err }
func (fs *failingStore) Oldest(ctx context.Context, key string) (int64, bool, error) {
	return 0, false, fs.err
}
func (fs *failingStore) Add(ctx context.Context, key string, score int64, member string, ttl time.Duration) error {
	return fs.err
}
func (fs *failingStore) Clear(ctx context.Context, key string) error { return fs.err }

func TestStoreOutageFailsOpen(t *testing.T) {
	t.Parallel()

	lim := New(&failingStore{err: errors.New("connection refused")})
	policy := Policy{Window: time.Minute, MaxRequests: 5}

	dec := lim.Check(context.Background(), "u1", policy)
	require.True(t, dec.Allowed)
	require.True(t, dec.Degraded)
	require.Equal(t, 5, dec.Remaining)
}

func TestStoreOutageFailClosed(t *testing.T) {
	t.Parallel()

	lim := New(&failingStore{err: errors.New("connection refused")}, WithFailClosed(true))
	policy := Policy{Window: time.Minute, MaxRequests: 5}

	dec := lim.Check(context.Background(), "u1", policy)
	require.False(t, dec.Allowed)
	require.True(t, dec.Degraded)
}

// oldestFailingStore works normally except the oldest-member read,
// which is the round trip taken only once the window is full.
type oldestFailingStore struct {
	*MemoryStore
}

func (s *oldestFailingStore) Oldest(ctx context.Context, key string) (int64, bool, error) {
	return 0, false, errors.New("read timeout")
}

func TestOldestReadErrorFollowsFailMode(t *testing.T) {
	t.Parallel()

	store := &oldestFailingStore{MemoryStore: NewMemoryStore()}
	policy := Policy{Window: time.Minute, MaxRequests: 2}
	ctx := context.Background()

	lim := New(store)
	require.True(t, lim.Check(ctx, "u1", policy).Allowed)
	require.True(t, lim.Check(ctx, "u1", policy).Allowed)

	dec := lim.Check(ctx, "u1", policy)
	require.True(t, dec.Allowed, "store error on a full window must fail open")
	require.True(t, dec.Degraded)

	closed := New(store, WithFailClosed(true))
	dec = closed.Check(ctx, "u2", policy)
	require.True(t, dec.Allowed)
	require.True(t, closed.Check(ctx, "u2", policy).Allowed)

	dec = closed.Check(ctx, "u2", policy)
	require.False(t, dec.Allowed)
	require.True(t, dec.Degraded)
}

func TestResetClearsWindow(t *testing.T) {
	t.Parallel()

	lim, _ := newTestLimiter(t)
	policy := Policy{Window: time.Minute, MaxRequests: 1}
	ctx := context.Background()

	require.True(t, lim.Check(ctx, "u1", policy).Allowed)
	require.False(t, lim.Check(ctx, "u1", policy).Allowed)

	require.NoError(t, lim.Reset(ctx, "u1"))
	require.True(t, lim.Check(ctx, "u1", policy).Allowed)
}

func TestGetInfoDoesNotRecord(t *testing.T) {
	t.Parallel()

	lim, _ := newTestLimiter(t)
	policy := Policy{Window: time.Minute, MaxRequests: 3}
	ctx := context.Background()

	lim.Check(ctx, "u1", policy)
	lim.Check(ctx, "u1", policy)

	info, err := lim.GetInfo(ctx, "u1", policy)
	require.NoError(t, err)
	require.Equal(t, int64(2), info.Current)
	require.Equal(t, 1, info.Remaining)

	again, err := lim.GetInfo(ctx, "u1", policy)
	require.NoError(t, err)
	require.Equal(t, int64(2), again.Current, "GetInfo must not consume the window")
}

func TestAtomicModeMatchesReferenceDecisions(t *testing.T) {
	t.Parallel()

	lim, clock := newTestLimiter(t, WithAtomic(true))
	policy := Policy{Window: time.Second, MaxRequests: 2}
	ctx := context.Background()

	dec := lim.Check(ctx, "u1", policy)
	require.True(t, dec.Allowed)
	require.Equal(t, 1, dec.Remaining)

	clock.Advance(100 * time.Millisecond)
	require.True(t, lim.Check(ctx, "u1", policy).Allowed)

	clock.Advance(100 * time.Millisecond)
	dec = lim.Check(ctx, "u1", policy)
	require.False(t, dec.Allowed)
	require.Equal(t, 1, dec.ResetSeconds)

	clock.Advance(900 * time.Millisecond)
	require.True(t, lim.Check(ctx, "u1", policy).Allowed)
}

func TestAtomicModeBoundsConcurrentAdmissions(t *testing.T) {
	t.Parallel()

	lim := New(NewMemoryStore(), WithAtomic(true))
	policy := Policy{Window: time.Minute, MaxRequests: 5}
	ctx := context.Background()

	var admitted int64
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if lim.Check(ctx, "u1", policy).Allowed {
				atomic.AddInt64(&admitted, 1)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int64(5), admitted,
		"the single-operation check must never admit past the limit under concurrency")
}

func TestIdleKeyExpires(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	store := NewMemoryStore()
	store.Now = clock.Now
	lim := New(store, WithClock(clock.Now))

	policy := Policy{Window: time.Second, MaxRequests: 1}
	ctx := context.Background()

	require.True(t, lim.Check(ctx, "u1", policy).Allowed)

	// Past the TTL the whole key is gone, not just the stale members.
	clock.Advance(2 * time.Second)
	count, err := store.Count(ctx, "rate_limit:u1")
	require.NoError(t, err)
	require.Equal(t, int64(0), count)
}
