package config

import "sync/atomic"

// Revision holds a read-mostly configuration snapshot behind a single
// atomic pointer swap:
// readers never block, and Reload publishes a whole new Snapshot rather
// than mutating fields concurrent readers might observe half-written.
type Revision struct {
	p atomic.Pointer[Snapshot]
}

// NewRevision builds a Revision initialized to snap.
func NewRevision(snap Snapshot) *Revision {
	r := &Revision{}
	r.p.Store(&snap)
	return r
}

// Current returns the currently active Snapshot.
func (r *Revision) Current() Snapshot {
	return *r.p.Load()
}

// Reload atomically swaps in a newly loaded Snapshot.
func (r *Revision) Reload(snap Snapshot) {
	r.p.Store(&snap)
}
