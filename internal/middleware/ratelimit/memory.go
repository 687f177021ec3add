package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const shardCount = 16

type memoryShard struct {
	mu      sync.Mutex
	windows map[string][]time.Time
}

// MemoryStore is a process-local Store. Keys are spread over shards so that a
// sweep only ever holds one shard lock at a time.
type MemoryStore struct {
	shards [shardCount]*memoryShard
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	for i := range s.shards {
		s.shards[i] = &memoryShard{windows: make(map[string][]time.Time)}
	}
	return s
}

func (s *MemoryStore) shard(key string) *memoryShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return s.shards[h.Sum32()%shardCount]
}

func (s *MemoryStore) Take(_ context.Context, key string, now time.Time, period time.Duration, limit int) (Window, error) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	times := sh.windows[key]
	// wall clock steps backwards must not break ordering
	if n := len(times); n > 0 && now.Before(times[n-1]) {
		now = times[n-1]
	}
	times = trim(times, now.Add(-period))

	if len(times) >= limit {
		sh.windows[key] = times
		return Window{Count: len(times), Oldest: oldest(times)}, nil
	}

	times = append(times, now)
	sh.windows[key] = times
	return Window{Count: len(times), Oldest: times[0], Admitted: true}, nil
}

func (s *MemoryStore) Sweep(_ context.Context, cutoff time.Time) (int, error) {
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for key, times := range sh.windows {
			if len(times) == 0 || !times[len(times)-1].After(cutoff) {
				delete(sh.windows, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed, nil
}

func (s *MemoryStore) Size(_ context.Context) (int, error) {
	total := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		total += len(sh.windows)
		sh.mu.Unlock()
	}
	return total, nil
}

// trim drops timestamps that are not after cutoff, reusing the backing array.
func trim(times []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(times) && !times[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return times
	}
	n := copy(times, times[i:])
	return times[:n]
}

func oldest(times []time.Time) time.Time {
	if len(times) == 0 {
		return time.Time{}
	}
	return times[0]
}
