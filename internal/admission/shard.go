package admission

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// DefaultShards is the shard count used when Config.Shards is zero.
const DefaultShards = 64

// shard is one lock domain. Per-identity read-check-update happens entirely
// under mu, so concurrent requests for the same identity serialize here.
type shard[V any] struct {
	mu sync.Mutex
	m  map[string]V
}

// shardSet spreads identities over a power-of-two number of shards.
type shardSet[V any] struct {
	shards []shard[V]
	mask   uint64
}

func newShardSet[V any](n int) *shardSet[V] {
	if n <= 0 {
		n = DefaultShards
	}
	size := 1
	for size < n {
		size <<= 1
	}
	s := &shardSet[V]{
		shards: make([]shard[V], size),
		mask:   uint64(size - 1),
	}
	for i := range s.shards {
		s.shards[i].m = make(map[string]V)
	}
	return s
}

// lock returns the locked shard that owns key. Caller must Unlock.
func (s *shardSet[V]) lock(key string) *shard[V] {
	sh := &s.shards[xxhash.Sum64String(key)&s.mask]
	sh.mu.Lock()
	return sh
}

// sweep visits every entry one shard at a time and deletes entries for which
// keep returns false. Returns the number of deleted entries.
func (s *shardSet[V]) sweep(keep func(key string, v V) bool) int {
	removed := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for k, v := range sh.m {
			if !keep(k, v) {
				delete(sh.m, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// len is a point-in-time count across shards, not a consistent snapshot.
func (s *shardSet[V]) len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		n += len(sh.m)
		sh.mu.Unlock()
	}
	return n
}
