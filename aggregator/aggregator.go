// Package aggregator implements the per-protocol rollups of exchange
// counts/latencies keyed by attributes, plus the detail stream:
// stripe-locked counters per bucket key, and a bounded channel feeding
// the detail sink.
package aggregator

import (
	"sync"
	"time"

	"github.com/OneOfOne/xxhash"

	"github.com/observeflow/netobserve-core/internal/printer"
	"github.com/observeflow/netobserve-core/packet"
	"github.com/observeflow/netobserve-core/protocol"
)

// numStripes is the number of independent locks striping each protocol's
// bucket map, so cross-shard interleaving never blocks on a single mutex.
// A power of two keeps the xxhash%numStripes cheap.
const numStripes = 32

// Key identifies one aggregator bucket: (protocol, endpoint identity,
// operation).
type Key struct {
	Protocol packet.L7Protocol
	Endpoint string
	Operation string
}

// Counters is the mutable state of one aggregator bucket.
type Counters struct {
	Count      int64
	ErrorCount int64
	BytesIn    int64
	BytesOut   int64

	// latency summary: a fixed set of bucket boundaries is cheaper than a
	// full histogram library and sufficient for this rollup.
	latencyBucketsNano [len(latencyBoundariesNano) + 1]int64
	latencySumNano     int64
}

// latencyBoundariesNano are upper bounds (exclusive) of latency buckets, in
// nanoseconds: 1ms, 10ms, 100ms, 1s, 10s. Anything above the last boundary
// falls into the overflow bucket.
var latencyBoundariesNano = [...]int64{
	1_000_000,
	10_000_000,
	100_000_000,
	1_000_000_000,
	10_000_000_000,
}

func (c *Counters) observe(durationNano int64, isError bool, bytesIn, bytesOut int) {
	c.Count++
	if isError {
		c.ErrorCount++
	}
	c.BytesIn += int64(bytesIn)
	c.BytesOut += int64(bytesOut)
	c.latencySumNano += durationNano
	idx := len(latencyBoundariesNano)
	for i, b := range latencyBoundariesNano {
		if durationNano < b {
			idx = i
			break
		}
	}
	c.latencyBucketsNano[idx]++
}

// Snapshot is an immutable copy of a Counters value, safe to hand to a
// caller outside the stripe lock.
type Snapshot struct {
	Key      Key
	Counters Counters
}

type bucket struct {
	mu      sync.Mutex
	entries map[Key]*Counters
}

// Holder co-locates every per-protocol aggregator so an observer holds a
// single reference. It implements protocol.DetailSink.
type Holder struct {
	stripes [numStripes]*bucket

	details      chan protocol.Detail
	detailsDone  chan struct{}
	detailSink   func(protocol.Detail)
	droppedMu    sync.Mutex
	droppedCount int64
}

var _ protocol.DetailSink = (*Holder)(nil)

// New builds a Holder. detailQueueDepth bounds the channel feeding sink;
// once full, the oldest-pending detail is dropped and counted.
func New(detailQueueDepth int, sink func(protocol.Detail)) *Holder {
	h := &Holder{
		details:     make(chan protocol.Detail, detailQueueDepth),
		detailsDone: make(chan struct{}),
		detailSink:  sink,
	}
	for i := range h.stripes {
		h.stripes[i] = &bucket{entries: make(map[Key]*Counters)}
	}
	go h.drainDetails()
	return h
}

func (h *Holder) stripeFor(k Key) *bucket {
	hh := xxhash.New32()
	hh.WriteString(k.Protocol.String())
	hh.WriteString(k.Endpoint)
	hh.WriteString(k.Operation)
	return h.stripes[hh.Sum32()%numStripes]
}

// AddExchange updates aggregate counters for ex. It is called regardless
// of the sampler's verdict; sampling gates only the detail stream.
func (h *Holder) AddExchange(ex protocol.Exchange) {
	k := Key{Protocol: ex.Protocol, Endpoint: ex.Attributes["endpoint"], Operation: ex.Operation}
	b := h.stripeFor(k)

	b.mu.Lock()
	c, ok := b.entries[k]
	if !ok {
		c = &Counters{}
		b.entries[k] = c
	}
	c.observe(ex.DurationNano, isErrorStatus(ex.Status), ex.BytesIn, ex.BytesOut)
	b.mu.Unlock()
}

func isErrorStatus(status string) bool {
	// Heuristic shared across protocols: a non-empty status that isn't
	// "ok"/"0"/DNS "NOERROR"/a 2xx-looking code counts as an error for the
	// ErrorCount rollup (e.g. an HTTP "404" or "500", the "ERROR" the
	// MySQL, PgSQL, Redis and Dubbo parsers report, or a Redis "NIL").
	switch status {
	case "", "ok", "OK", "0", "NOERROR", "2xx":
		return false
	}
	return !(len(status) == 3 && status[0] == '2')
}

// AddDetail enqueues d for the detail stream, dropping the oldest queued
// detail (and counting it) if the channel is full.
func (h *Holder) AddDetail(d protocol.Detail) {
	select {
	case h.details <- d:
	default:
		// Drop-oldest: pull one out to make room, then push. If that race
		// loses to a concurrent drain, just count the drop and move on.
		select {
		case <-h.details:
			h.countDrop()
		default:
		}
		select {
		case h.details <- d:
		default:
			h.countDrop()
		}
	}
}

func (h *Holder) countDrop() {
	h.droppedMu.Lock()
	h.droppedCount++
	h.droppedMu.Unlock()
}

// DroppedDetails reports how many detail records were dropped due to
// backpressure since construction.
func (h *Holder) DroppedDetails() int64 {
	h.droppedMu.Lock()
	defer h.droppedMu.Unlock()
	return h.droppedCount
}

func (h *Holder) drainDetails() {
	for {
		select {
		case d := <-h.details:
			if h.detailSink != nil {
				h.detailSink(d)
			}
		case <-h.detailsDone:
			// Drain whatever remains without blocking further.
			for {
				select {
				case d := <-h.details:
					if h.detailSink != nil {
						h.detailSink(d)
					}
				default:
					return
				}
			}
		}
	}
}

// Flush emits a snapshot of every bucket created since construction and
// resets their counters. Buckets are never removed, so one not touched
// since the last Flush is emitted with zero counters.
func (h *Holder) Flush(window time.Time) []Snapshot {
	var out []Snapshot
	for _, b := range h.stripes {
		b.mu.Lock()
		for k, c := range b.entries {
			out = append(out, Snapshot{Key: k, Counters: *c})
			*c = Counters{}
		}
		b.mu.Unlock()
	}
	printer.V(6).Infof("aggregator flush at %v: %d buckets\n", window, len(out))
	return out
}

// Close stops the detail-draining goroutine after flushing pending details.
func (h *Holder) Close() {
	close(h.detailsDone)
}
