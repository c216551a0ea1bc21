// Package stats implements process-wide counters of parse outcomes,
// memory, and connection counts: one fixed-size array of atomics per
// counter kind, indexed by packet.L7Protocol, instead of a
// field-per-protocol struct.
package stats

import (
	"sync/atomic"

	"github.com/observeflow/netobserve-core/packet"
)

// Counter names the distinct counter kinds.
type Counter int

const (
	Count Counter = iota
	ParseFail
	Drop
	ConnectionNum
	ConnectionCachedSize

	numCounters
)

// Set is one counter table: either the production set or the debug set.
// All increments are relaxed atomics; no cross-counter invariant requires
// a stronger ordering.
type Set struct {
	values [numCounters][packet.NumL7Protocols]atomic.Int64
	// resetOnSnapshot marks this as the debug set: its counters are
	// window-based (reset on every Snapshot), vs. the production set which
	// is monotonic.
	resetOnSnapshot bool
}

// NewProdSet builds a monotonic, never-reset counter set.
func NewProdSet() *Set { return &Set{} }

// NewDebugSet builds a counter set whose Snapshot resets values to zero,
// giving a per-window view rather than a cumulative one.
func NewDebugSet() *Set { return &Set{resetOnSnapshot: true} }

// Inc increments counter c for protocol p by 1.
func (s *Set) Inc(c Counter, p packet.L7Protocol) {
	s.values[c][p].Add(1)
}

// Add increments counter c for protocol p by n.
func (s *Set) Add(c Counter, p packet.L7Protocol, n int64) {
	s.values[c][p].Add(n)
}

// SetConnectionCachedSize records the current cached-size gauge for p. This
// is a gauge, not a monotonic counter, even in the production set — it
// always reflects the latest observed value.
func (s *Set) SetConnectionCachedSize(p packet.L7Protocol, bytes int64) {
	s.values[ConnectionCachedSize][p].Store(bytes)
}

// Get reads the current value of counter c for protocol p.
func (s *Set) Get(c Counter, p packet.L7Protocol) int64 {
	return s.values[c][p].Load()
}

// Snapshot is a point-in-time copy of every counter, indexed
// [Counter][L7Protocol].
type Snapshot [numCounters][packet.NumL7Protocols]int64

// Snapshot reads every counter into a Snapshot. If this is the debug set,
// all counters are reset to zero afterward (window-based semantics); the
// production set is left untouched (monotonic semantics).
func (s *Set) Snapshot() Snapshot {
	var out Snapshot
	for c := 0; c < int(numCounters); c++ {
		for p := 0; p < packet.NumL7Protocols; p++ {
			if s.resetOnSnapshot {
				out[c][p] = s.values[c][p].Swap(0)
			} else {
				out[c][p] = s.values[c][p].Load()
			}
		}
	}
	return out
}

// Total sums counter c across every protocol tag.
func (snap Snapshot) Total(c Counter) int64 {
	var total int64
	for p := 0; p < packet.NumL7Protocols; p++ {
		total += snap[c][p]
	}
	return total
}
