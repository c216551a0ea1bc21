// Package observer implements the per-flow observer: it owns the
// currently-bound protocol parser, dispatches packets to it, and decides
// when the flow's retained state can be reclaimed.
package observer

import (
	"time"

	"github.com/observeflow/netobserve-core/aggregator"
	"github.com/observeflow/netobserve-core/internal/printer"
	"github.com/observeflow/netobserve-core/packet"
	"github.com/observeflow/netobserve-core/protocol"
	"github.com/observeflow/netobserve-core/sampler"
	"github.com/observeflow/netobserve-core/stats"
)

// switchWarnEvery throttles the protocol-switch warning to every 10th
// switch so a port-reusing flow cannot flood the log.
const switchWarnEvery = 10

// Observer tracks one live flow. Its zero value is not usable; construct
// with New.
type Observer struct {
	creationHeader packet.Header
	aggregators    *aggregator.Holder
	registry       *protocol.Registry
	filter         sampler.DetailFilter
	sampleRate     float64

	currentParser   protocol.Parser
	currentProtocol packet.L7Protocol

	smp *sampler.Sampler

	lastDataTime  time.Time
	switchCount   int
	markedDeleted bool
	deletedAt     time.Time

	statsSet *stats.Set
}

// New constructs an Observer with no parser bound yet.
func New(h packet.Header, aggregators *aggregator.Holder, registry *protocol.Registry, filter sampler.DetailFilter, sampleRate float64, statsSet *stats.Set) *Observer {
	return &Observer{
		creationHeader: h,
		aggregators:    aggregators,
		registry:       registry,
		filter:         filter,
		sampleRate:     sampleRate,
		lastDataTime:   time.Unix(0, h.TimeNano),
		statsSet:       statsSet,
	}
}

// LastDataTime returns the timestamp of the most recent packet observed:
// the maximum header.TimeNano ever passed to OnData.
func (o *Observer) LastDataTime() time.Time { return o.lastDataTime }

// SwitchCount returns how many times the bound protocol has changed.
func (o *Observer) SwitchCount() int { return o.switchCount }

// MarkDeleted transitions the observer to MarkedDeleted (an explicit close,
// e.g. a FIN/RST observed by the ingress adapter).
func (o *Observer) MarkDeleted(now time.Time) {
	o.markedDeleted = true
	o.deletedAt = now
}

// CacheSize reports the bound parser's retained bytes, or 0 if unbound.
func (o *Observer) CacheSize() int64 {
	if o.currentParser == nil {
		return 0
	}
	return o.currentParser.CacheSize()
}

// BoundProtocol reports the currently bound protocol, or packet.None.
func (o *Observer) BoundProtocol() packet.L7Protocol {
	if o.currentParser == nil {
		return packet.None
	}
	return o.currentProtocol
}

// OnData routes one packet's payload into the flow's parser, creating or
// replacing the parser as the tagged protocol dictates.
func (o *Observer) OnData(h packet.Header, d packet.Data) {
	// Step 1: lazily construct the sampler using data.protocol, the
	// process-meta filter, and header.time.
	if o.smp == nil {
		o.smp = sampler.New(d.Protocol, o.filter, time.Unix(0, h.TimeNano), o.sampleRate)
	}

	// Step 2: update last_data_time (monotonic non-decreasing).
	t := time.Unix(0, h.TimeNano)
	if t.After(o.lastDataTime) {
		o.lastDataTime = t
	}

	o.statsSet.Inc(stats.Count, d.Protocol)
	if len(d.Buffer) == 0 && d.BufferLen == 0 {
		// Zero-byte data: accepted, no state change beyond the Count
		// increment above.
		return
	}

	// Step 3: tear down a mismatched parser.
	if o.currentParser != nil && o.currentProtocol != d.Protocol {
		o.currentParser.Delete()
		o.currentParser = nil
		o.switchCount++
		if o.switchCount%switchWarnEvery == 0 {
			printer.Warningf("observer: flow %s switched protocol %d times (last %s -> %s)\n",
				h.FlowKey, o.switchCount, o.currentProtocol, d.Protocol)
		}
		o.currentProtocol = packet.None
	}

	// Step 4: dispatch to the appropriate parser, creating it on first use.
	if o.currentParser == nil && d.Protocol != packet.None {
		p := o.registry.Create(d.Protocol, o.creationHeader)
		if p == nil {
			// Protocol disabled or unrecognized; nothing more to do.
			o.statsSet.Inc(stats.Drop, d.Protocol)
			return
		}
		o.currentParser = p
		o.currentProtocol = d.Protocol
	}

	if o.currentParser == nil {
		return
	}

	result, exchanges := o.currentParser.OnData(h, d)

	// Step 5: update statistics.
	switch result {
	case protocol.Fail:
		o.statsSet.Inc(stats.ParseFail, d.Protocol)
	case protocol.Drop:
		o.statsSet.Inc(stats.Drop, d.Protocol)
	}

	for _, ex := range exchanges {
		// Aggregate counters are always updated, independent of sampling;
		// the sampler gates only the detail stream.
		o.aggregators.AddExchange(ex)
		if o.smp.Decide(ex) {
			o.aggregators.AddDetail(protocol.Detail{
				FlowKey:      h.FlowKey,
				Proc:         o.creationHeader.Proc,
				Protocol:     ex.Protocol,
				Operation:    ex.Operation,
				StartNano:    ex.StartNano,
				DurationNano: ex.DurationNano,
				Status:       ex.Status,
				BytesIn:      ex.BytesIn,
				BytesOut:     ex.BytesOut,
				Attributes:   ex.Attributes,
			})
		}
	}
}

// GarbageCollection reports whether the observer may be destroyed. The
// truth conditions are checked in order and every branch returns
// explicitly, so no condition can fall through into another.
func (o *Observer) GarbageCollection(sizeLimitBytes int64, now time.Time, closedTimeout, idleTimeout time.Duration) bool {
	if o.markedDeleted && now.Sub(o.lastDataTime) > closedTimeout {
		return true
	}
	if now.Sub(o.lastDataTime) > idleTimeout {
		return true
	}
	if o.currentParser == nil {
		return false
	}
	if !o.currentParser.GarbageCollection(sizeLimitBytes, now) {
		o.statsSet.SetConnectionCachedSize(o.currentProtocol, o.currentParser.CacheSize())
		return false
	}
	o.currentParser.Delete()
	o.currentParser = nil
	o.currentProtocol = packet.None
	return true
}
