package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Store is one atomic read-modify-write per request. Implementations must
// serialize concurrent takes for the same key and should let distinct keys
// proceed without contending. Constructed once at startup and passed by
// handle; there is no package-level instance.
type Store interface {
	Take(ctx context.Context, key string, p Preset, now time.Time) (Result, error)
}

// Peeker is implemented by stores that can report a key's state without
// charging it. Optional; the introspection endpoint degrades without it.
type Peeker interface {
	Peek(key string, p Preset, now time.Time) Result
}

const (
	storeShards = 32

	// sweepInterval paces the janitor. Entries are already expired lazily
	// on access; the sweep only exists to bound memory against keys that
	// are never touched again.
	sweepInterval = time.Minute

	fnvOffset32 = 2166136261
	fnvPrime32  = 16777619
)

// MemoryStore keeps window counters in a sharded map, one mutex per shard,
// so two clients only contend when their keys hash to the same shard. A
// janitor goroutine sweeps stale entries; without it, scrapers walking
// unique paths would grow the map forever.
type MemoryStore struct {
	shards [storeShards]shard
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*windowState
}

// NewMemoryStore builds the store and starts its janitor. The janitor
// stops when ctx is canceled, which main ties to process shutdown.
func NewMemoryStore(ctx context.Context) *MemoryStore {
	s := &MemoryStore{}
	for i := range s.shards {
		s.shards[i].entries = make(map[string]*windowState)
	}
	go s.janitor(ctx)
	return s
}

// fnv-1a, inlined to keep the hot path allocation-free
func (s *MemoryStore) shardFor(key string) *shard {
	h := uint32(fnvOffset32)
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= fnvPrime32
	}
	return &s.shards[h%storeShards]
}

// Take implements Store. The error return is always nil here; it exists
// for stores with a network between them and their data.
func (s *MemoryStore) Take(_ context.Context, key string, p Preset, now time.Time) (Result, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	ws, ok := sh.entries[key]
	if !ok {
		ws = &windowState{}
		sh.entries[key] = ws
	}
	res := ws.take(p, now.UnixMilli())
	sh.mu.Unlock()
	return res, nil
}

// Peek implements Peeker. Unknown keys report a full budget; no entry is
// created and nothing is charged.
func (s *MemoryStore) Peek(key string, p Preset, now time.Time) Result {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	ws, ok := sh.entries[key]
	if !ok {
		ws = &windowState{}
	}
	return ws.peek(p, now.UnixMilli())
}

// Len reports how many keys are currently tracked, for the store gauge.
func (s *MemoryStore) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}

func (s *MemoryStore) janitor(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.sweep(now.UnixMilli())
		}
	}
}

// sweep drops entries whose previous window has fully aged out of the
// blend. Locks one shard at a time so a sweep never stalls the whole map.
func (s *MemoryStore) sweep(nowMs int64) {
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for key, ws := range sh.entries {
			if ws.stale(nowMs) {
				delete(sh.entries, key)
			}
		}
		sh.mu.Unlock()
	}
}
