// Package dnsproto implements the DNS protocol parser, pairing queries
// with answers by transaction ID rather than FIFO order; DNS can
// legitimately answer out of order. Message unmarshaling uses
// github.com/miekg/dns instead of hand-rolled wire-format parsing.
package dnsproto

import (
	"time"

	"github.com/miekg/dns"

	"github.com/observeflow/netobserve-core/packet"
	"github.com/observeflow/netobserve-core/protocol"
	"github.com/observeflow/netobserve-core/reassemble"
)

// defaultRequestTimeout bounds how long an unanswered query is held: a
// query whose answer never arrives within this window is garbage
// collected rather than held forever.
const defaultRequestTimeout = 10 * time.Second

// pendingEstimateBytes approximates the retained footprint of one pending
// query for CacheSize accounting.
const pendingEstimateBytes = 128

type pendingQuery struct {
	operation string
	startNano int64
	bytesIn   int
	seenAt    time.Time
}

type dnsParser struct {
	// buf reassembles DNS-over-TCP, where 2-byte length-prefixed messages
	// can split across segments. Datagram-style captures deliver one whole
	// message per packet and never accumulate here.
	buf *reassemble.Buffer

	pending map[uint16]pendingQuery

	requestTimeout time.Duration
	lastActivity   time.Time
}

// New builds a protocol.Constructor for DNS, capping its reassembly buffer
// at cacheLimitBytes (a slow or malicious peer could otherwise dribble
// bytes forever).
func New(cacheLimitBytes int64) protocol.Constructor {
	return func(h packet.Header) protocol.Parser {
		return &dnsParser{
			buf:            reassemble.NewBuffer(int(cacheLimitBytes)),
			pending:        make(map[uint16]pendingQuery),
			requestTimeout: defaultRequestTimeout,
		}
	}
}

func (p *dnsParser) Protocol() packet.L7Protocol { return packet.DNS }

func (p *dnsParser) OnData(h packet.Header, d packet.Data) (protocol.Result, []protocol.Exchange) {
	p.lastActivity = time.Unix(0, h.TimeNano)

	if p.buf.Append(d.Buffer) {
		p.buf.Reset()
		return protocol.Drop, nil
	}

	// A datagram-style capture delivers one complete, unprefixed message
	// per packet; try that first so the common case never pays the framing
	// scan below.
	if msg := new(dns.Msg); msg.Unpack(p.buf.Bytes()) == nil {
		wireLen := p.buf.Len()
		p.buf.Reset()
		return protocol.Ok, p.handle(h, msg, wireLen)
	}

	// DNS over TCP: each message carries a 2-byte big-endian length prefix
	// and may split across segments.
	var exchanges []protocol.Exchange
	for {
		b := p.buf.Bytes()
		if len(b) < 2 {
			break
		}
		length := int(b[0])<<8 | int(b[1])
		if len(b) < 2+length {
			// Incomplete message; wait for the rest.
			break
		}
		msg := new(dns.Msg)
		if err := msg.Unpack(b[2 : 2+length]); err != nil {
			p.buf.Reset()
			return protocol.Fail, exchanges
		}
		p.buf.Consume(2 + length)
		exchanges = append(exchanges, p.handle(h, msg, 2+length)...)
	}
	return protocol.Ok, exchanges
}

// handle records a query or pairs an answer, returning the completed
// exchange if any.
func (p *dnsParser) handle(h packet.Header, msg *dns.Msg, wireLen int) []protocol.Exchange {
	if !msg.Response {
		op := ""
		if len(msg.Question) > 0 {
			op = dns.TypeToString[msg.Question[0].Qtype] + " " + msg.Question[0].Name
		}
		p.pending[msg.Id] = pendingQuery{
			operation: op,
			startNano: h.TimeNano,
			bytesIn:   wireLen,
			seenAt:    p.lastActivity,
		}
		return nil
	}

	q, ok := p.pending[msg.Id]
	if !ok {
		// Answer to a query we never saw (e.g. mid-stream join); nothing to
		// pair it with.
		return nil
	}
	delete(p.pending, msg.Id)

	return []protocol.Exchange{{
		Protocol:     packet.DNS,
		Operation:    q.operation,
		StartNano:    q.startNano,
		DurationNano: h.TimeNano - q.startNano,
		Status:       dns.RcodeToString[msg.Rcode],
		BytesIn:      q.bytesIn,
		BytesOut:     wireLen,
	}}
}

func (p *dnsParser) GarbageCollection(sizeLimitBytes int64, now time.Time) bool {
	for id, q := range p.pending {
		if now.Sub(q.seenAt) > p.requestTimeout {
			delete(p.pending, id)
		}
	}
	if p.CacheSize() > sizeLimitBytes {
		return false
	}
	return len(p.pending) == 0 && p.buf.Len() == 0
}

func (p *dnsParser) CacheSize() int64 {
	return int64(p.buf.Len()) + int64(len(p.pending))*pendingEstimateBytes
}

func (p *dnsParser) Delete() {
	p.buf.Reset()
	p.pending = nil
}

var _ protocol.Parser = (*dnsParser)(nil)
