// Package contable implements the sharded connection table mapping a flow
// key to its exclusively-owned Observer, enforcing a capacity cap and a
// periodic GC sweep. A shard is touched only by the worker that owns it,
// except for the admission hash-dispatch every packet's FlowKey goes
// through on ingress.
package contable

import (
	"sync"
	"time"

	"github.com/OneOfOne/xxhash"
	cache "github.com/patrickmn/go-cache"

	"github.com/observeflow/netobserve-core/internal/printer"
	"github.com/observeflow/netobserve-core/observer"
	"github.com/observeflow/netobserve-core/packet"
)

// DefaultShardCount is a power of two so ShardIndex's modulo stays cheap.
const DefaultShardCount = 16

type entry struct {
	key *packet.FlowKey
	obs *observer.Observer
}

type shard struct {
	mu      sync.Mutex
	entries map[packet.FlowKey]*entry
}

// Table is the sharded connection table. Capacity is enforced per-shard:
// with N shards and a table-wide cap of maxConnections, each shard admits
// up to maxConnections/N before evicting, so an eviction scan is O(shard
// size), not O(table size).
type Table struct {
	shards        []*shard
	maxPerShard   int
	evictedRecent *cache.Cache
	onEvict       func(packet.FlowKey, *observer.Observer)
}

// New builds a Table with shardCount shards and a table-wide capacity of
// maxConnections. Once a shard is full, admission evicts the observer
// with the oldest last_data_time in that shard.
func New(shardCount, maxConnections int) *Table {
	if shardCount <= 0 {
		shardCount = DefaultShardCount
	}
	t := &Table{
		shards:        make([]*shard, shardCount),
		maxPerShard:   max(1, maxConnections/shardCount),
		evictedRecent: cache.New(30*time.Second, 5*time.Minute),
	}
	for i := range t.shards {
		t.shards[i] = &shard{entries: make(map[packet.FlowKey]*entry)}
	}
	return t
}

// OnEvict registers fn to be called for every observer destroyed by a
// capacity eviction (not by the GC sweep, whose removals SweepShard already
// reports through its return value). fn runs with the shard lock held;
// keep it cheap.
func (t *Table) OnEvict(fn func(packet.FlowKey, *observer.Observer)) {
	t.onEvict = fn
}

// ShardIndex returns which shard owns key, for flow-affinity worker
// dispatch on ingress.
func (t *Table) ShardIndex(key packet.FlowKey) int {
	ck := key.Canonical()
	h := xxhash.New32()
	h.WriteString(ck.String())
	return int(h.Sum32() % uint32(len(t.shards)))
}

// NumShards reports how many shards this table has.
func (t *Table) NumShards() int { return len(t.shards) }

// Get returns the Observer for key if present.
func (t *Table) Get(key packet.FlowKey) (*observer.Observer, bool) {
	s := t.shards[t.ShardIndex(key)]
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key.Canonical()]
	if !ok {
		return nil, false
	}
	return e.obs, true
}

// GetOrCreate returns the existing Observer for key, or inserts newObs and
// returns it. If the owning shard is at capacity, the observer with the
// oldest LastDataTime in that shard is evicted first (ties go to the
// smaller xxhash of the flow key's string form).
func (t *Table) GetOrCreate(key packet.FlowKey, newObs func() *observer.Observer) (obs *observer.Observer, inserted bool) {
	ck := key.Canonical()
	s := t.shards[t.ShardIndex(key)]
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[ck]; ok {
		return e.obs, false
	}

	if len(s.entries) >= t.maxPerShard {
		t.evictOldestLocked(s)
	}

	o := newObs()
	s.entries[ck] = &entry{key: &ck, obs: o}
	return o, true
}

// evictOldestLocked removes the entry with the smallest LastDataTime from
// an already-locked shard, breaking ties on the flow key hash. Caller must
// hold s.mu.
func (t *Table) evictOldestLocked(s *shard) {
	var oldestKey packet.FlowKey
	var oldestTime time.Time
	var oldestHash uint32
	first := true
	for k, e := range s.entries {
		lt := e.obs.LastDataTime()
		h := xxhash.New32()
		h.WriteString(k.String())
		kh := h.Sum32()
		if first || lt.Before(oldestTime) || (lt.Equal(oldestTime) && kh < oldestHash) {
			oldestKey = k
			oldestTime = lt
			oldestHash = kh
			first = false
		}
	}
	if first {
		return
	}
	victim := s.entries[oldestKey]
	delete(s.entries, oldestKey)
	if t.onEvict != nil {
		t.onEvict(oldestKey, victim.obs)
	}
	if _, seen := t.evictedRecent.Get(oldestKey.String()); !seen {
		printer.V(4).Infof("contable: evicted flow %s at capacity (last data %v)\n", oldestKey, oldestTime)
		t.evictedRecent.Set(oldestKey.String(), struct{}{}, cache.DefaultExpiration)
	}
}

// Remove deletes key's entry unconditionally (used by the GC sweep once an
// Observer's GarbageCollection returns true).
func (t *Table) Remove(key packet.FlowKey) {
	ck := key.Canonical()
	s := t.shards[t.ShardIndex(key)]
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, ck)
}

// SweepShard visits every entry in shard i at most once, removing those
// whose Observer's GarbageCollection returns true. The caller is expected
// to be the goroutine that owns shard i's observers (the engine's shard
// worker), sweeping one shard per tick so insertions on other shards are
// unaffected.
func (t *Table) SweepShard(i int, sizeLimitBytes int64, now time.Time, closedTimeout, idleTimeout time.Duration) (removed int) {
	s := t.shards[i]
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, e := range s.entries {
		if e.obs.GarbageCollection(sizeLimitBytes, now, closedTimeout, idleTimeout) {
			delete(s.entries, k)
			removed++
		}
	}
	return removed
}

// Len returns the total number of live entries across all shards.
func (t *Table) Len() int {
	total := 0
	for _, s := range t.shards {
		s.mu.Lock()
		total += len(s.entries)
		s.mu.Unlock()
	}
	return total
}

// Range calls fn for every (key, Observer) pair currently in the table.
// Used by shutdown drain to flush remaining state.
func (t *Table) Range(fn func(packet.FlowKey, *observer.Observer)) {
	for _, s := range t.shards {
		s.mu.Lock()
		for k, e := range s.entries {
			fn(k, e.obs)
		}
		s.mu.Unlock()
	}
}
