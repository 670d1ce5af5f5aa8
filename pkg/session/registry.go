package session

import (
	"hash/fnv"
	"runtime"
	"sync"
)

// shardedRegistry maps device identity -> *Session across a fixed number of
// independently-locked shards, so a lookup for one device never contends
// with a lookup for an unrelated one. Sharding is by FNV-1a hash of the
// identity, the cheap, allocation-free hash idiom for this purpose.
type shardedRegistry struct {
	shards []*registryShard
	mask   uint32
}

type registryShard struct {
	mu   sync.RWMutex
	byID map[string]*Session
}

// newShardedRegistry builds a registry with shardCount shards, rounded up
// to the next power of two. shardCount <= 0 derives a default of
// 4 * GOMAXPROCS.
func newShardedRegistry(shardCount int) *shardedRegistry {
	if shardCount <= 0 {
		shardCount = 4 * runtime.GOMAXPROCS(0)
	}
	shardCount = nextPowerOfTwo(shardCount)

	shards := make([]*registryShard, shardCount)
	for i := range shards {
		shards[i] = &registryShard{byID: make(map[string]*Session)}
	}
	return &shardedRegistry{shards: shards, mask: uint32(shardCount - 1)}
}

func nextPowerOfTwo(n int) int {
	if n < 1 {
		n = 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

func (r *shardedRegistry) shardFor(identity string) *registryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(identity))
	return r.shards[h.Sum32()&r.mask]
}

func (r *shardedRegistry) get(identity string) (*Session, bool) {
	shard := r.shardFor(identity)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	s, ok := shard.byID[identity]
	return s, ok
}

// swap installs sess for identity and returns whatever Session previously
// occupied that slot (nil if none), atomically with respect to other
// accept/remove calls for the same identity.
func (r *shardedRegistry) swap(identity string, sess *Session) *Session {
	shard := r.shardFor(identity)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	prev := shard.byID[identity]
	shard.byID[identity] = sess
	return prev
}

// removeIf deletes identity's entry only if it still points at expected,
// preventing a stale removal from clobbering a newer Session that
// superseded it.
func (r *shardedRegistry) removeIf(identity string, expected *Session) {
	shard := r.shardFor(identity)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	if shard.byID[identity] == expected {
		delete(shard.byID, identity)
	}
}

func (r *shardedRegistry) count() int {
	n := 0
	for _, shard := range r.shards {
		shard.mu.RLock()
		n += len(shard.byID)
		shard.mu.RUnlock()
	}
	return n
}

// all returns every currently registered Session, for Manager.Snapshot.
func (r *shardedRegistry) all() []*Session {
	out := make([]*Session, 0, r.count())
	for _, shard := range r.shards {
		shard.mu.RLock()
		for _, s := range shard.byID {
			out = append(out, s)
		}
		shard.mu.RUnlock()
	}
	return out
}
