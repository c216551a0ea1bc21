// Package sampler decides which fully-parsed exchanges become detail
// records: a deterministic, hash-keyed rate gate with an always-include
// escape hatch for interesting exchanges such as errors.
package sampler

import (
	"strconv"
	"time"

	"github.com/OneOfOne/xxhash"

	"github.com/observeflow/netobserve-core/packet"
	"github.com/observeflow/netobserve-core/protocol"
)

// DetailFilter decides, given an exchange's protocol and status, whether
// it should always be sampled regardless of the rate limit, e.g. "always
// capture errors." Obtained from the process-meta record.
type DetailFilter func(protocol packet.L7Protocol, status string) (alwaysInclude bool)

// Sampler is created lazily on an observer's first packet and lives for
// the observer's lifetime. It is deterministic given its input sequence:
// two Samplers fed the same exchange sequence make the same inclusion
// decisions.
type Sampler struct {
	protocol  packet.L7Protocol
	filter    DetailFilter
	startTime time.Time

	// sampleRate is a float in [0, 1]; a coin flip keyed by a hash of the
	// exchange's identity must fall below threshold to be included.
	threshold uint32

	seq int
}

// New constructs a Sampler for protocol, parameterized by a detail-filter
// predicate and the flow's start time.
func New(protocol packet.L7Protocol, filter DetailFilter, startTime time.Time, sampleRate float64) *Sampler {
	if sampleRate < 0 {
		sampleRate = 0
	}
	if sampleRate > 1 {
		sampleRate = 1
	}
	return &Sampler{
		protocol:  protocol,
		filter:    filter,
		startTime: startTime,
		threshold: uint32(float64(^uint32(0)) * sampleRate),
	}
}

// Decide reports whether ex should be exported as a detail record. The
// aggregator's counters are updated regardless of this decision; sampling
// only gates the detail stream.
func (s *Sampler) Decide(ex protocol.Exchange) bool {
	s.seq++
	if s.filter != nil && s.filter(s.protocol, ex.Status) {
		return true
	}
	if s.threshold == ^uint32(0) {
		return true
	}
	if s.threshold == 0 {
		return false
	}
	h := xxhash.New32()
	h.WriteString(ex.Operation + "#" + strconv.Itoa(s.seq))
	return h.Sum32() < s.threshold
}
