package limiter

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a process-local WindowStore. It backs the test suite
// and the memory storage mode; it is not shared across instances.
type MemoryStore struct {
	mu   sync.Mutex
	sets map[string]*memberSet

	// Now is the time source used for key expiry. Tests override it.
	Now func() time.Time
}

type memberSet struct {
	entries  []memberEntry
	expireAt time.Time
}

type memberEntry struct {
	score  int64
	member string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sets: make(map[string]*memberSet),
		Now:  time.Now,
	}
}

func (ms *MemoryStore) Prune(ctx context.Context, key string, windowStart int64) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	set := ms.live(key)
	if set == nil {
		return nil
	}

	kept := set.entries[:0]
	for _, e := range set.entries {
		if e.score > windowStart {
			kept = append(kept, e)
		}
	}
	set.entries = kept
	if len(set.entries) == 0 {
		delete(ms.sets, key)
	}
	return nil
}

func (ms *MemoryStore) Count(ctx context.Context, key string) (int64, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	set := ms.live(key)
	if set == nil {
		return 0, nil
	}
	return int64(len(set.entries)), nil
}

func (ms *MemoryStore) Oldest(ctx context.Context, key string) (int64, bool, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	set := ms.live(key)
	if set == nil || len(set.entries) == 0 {
		return 0, false, nil
	}
	return set.entries[0].score, true, nil
}

func (ms *MemoryStore) Add(ctx context.Context, key string, score int64, member string, ttl time.Duration) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	set := ms.live(key)
	if set == nil {
		set = &memberSet{}
		ms.sets[key] = set
	}

	set.entries = append(set.entries, memberEntry{score: score, member: member})
	sort.SliceStable(set.entries, func(i, j int) bool {
		return set.entries[i].score < set.entries[j].score
	})
	set.expireAt = ms.Now().Add(ttl)
	return nil
}

func (ms *MemoryStore) Clear(ctx context.Context, key string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	delete(ms.sets, key)
	return nil
}

// Take implements AtomicWindowStore under a single lock.
func (ms *MemoryStore) Take(ctx context.Context, key string, now, windowStart int64, limit int, member string, ttl time.Duration) (TakeResult, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	set := ms.live(key)
	if set != nil {
		kept := set.entries[:0]
		for _, e := range set.entries {
			if e.score > windowStart {
				kept = append(kept, e)
			}
		}
		set.entries = kept
	}

	var count int64
	if set != nil {
		count = int64(len(set.entries))
	}

	if count >= int64(limit) {
		oldest := int64(-1)
		if set != nil && len(set.entries) > 0 {
			oldest = set.entries[0].score
		}
		return TakeResult{Allowed: false, Count: count, Oldest: oldest}, nil
	}

	if set == nil {
		set = &memberSet{}
		ms.sets[key] = set
	}
	set.entries = append(set.entries, memberEntry{score: now, member: member})
	sort.SliceStable(set.entries, func(i, j int) bool {
		return set.entries[i].score < set.entries[j].score
	})
	set.expireAt = ms.Now().Add(ttl)

	return TakeResult{Allowed: true, Count: count, Oldest: -1}, nil
}

// live returns the set for key, dropping it first if its TTL lapsed.
// Callers must hold mu.
func (ms *MemoryStore) live(key string) *memberSet {
	set, ok := ms.sets[key]
	if !ok {
		return nil
	}
	if !set.expireAt.IsZero() && ms.Now().After(set.expireAt) {
		delete(ms.sets, key)
		return nil
	}
	return set
}
