package ratelimit

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const numShards = 64

// counterKey identifies one fixed window, scoped by route and client.
type counterKey struct {
	route  string
	client string
}

// shard is a single partition of the counter table.
type shard struct {
	mu    sync.Mutex
	items map[counterKey]*counter
}

// counterTable is split into fixed shards so unrelated keys rarely contend.
type counterTable struct {
	shards [numShards]shard
}

func newCounterTable() *counterTable {
	var t counterTable
	for i := range t.shards {
		t.shards[i].items = make(map[counterKey]*counter)
	}
	return &t
}

func (t *counterTable) shardFor(key counterKey) *shard {
	var d xxhash.Digest
	d.Reset()
	d.WriteString(key.route)
	d.Write([]byte{0})
	d.WriteString(key.client)
	return &t.shards[d.Sum64()%numShards]
}

// deleteFunc walks every shard and removes entries for which fn returns true.
// It returns the number of removed entries.
func (t *counterTable) deleteFunc(fn func(key counterKey, c *counter) bool) int {
	removed := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for k, c := range s.items {
			if fn(k, c) {
				delete(s.items, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

func (t *counterTable) len() int {
	n := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		n += len(s.items)
		s.mu.Unlock()
	}
	return n
}
