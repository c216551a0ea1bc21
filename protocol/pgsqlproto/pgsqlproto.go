// Package pgsqlproto implements the PostgreSQL wire protocol parser: both
// simple-query (`Q`) and extended-query (Parse/Bind/Execute/Sync) flows,
// where a `Sync` message demarcates the end of one exchange. Client
// drivers assume ownership of the connection rather than passive
// observation, so the wire decoding is done here directly.
package pgsqlproto

import (
	"bytes"
	"time"

	"github.com/observeflow/netobserve-core/packet"
	"github.com/observeflow/netobserve-core/protocol"
	"github.com/observeflow/netobserve-core/reassemble"
)

// Frontend message type bytes this parser recognizes.
const (
	msgQuery   byte = 'Q'
	msgParse   byte = 'P'
	msgBind    byte = 'B'
	msgExecute byte = 'E'
	msgSync    byte = 'S'
)

// Backend message type bytes.
const (
	msgCommandComplete byte = 'C'
	msgErrorResponse   byte = 'E'
	msgReadyForQuery   byte = 'Z'
)

type pgsqlParser struct {
	reqBuf  *reassemble.Buffer
	respBuf *reassemble.Buffer

	// current accumulates the operation label(s) seen since the last Sync
	// (extended query) or since the last Query message (simple query),
	// awaiting the backend's terminal reply.
	current      []string
	currentStart int64
	currentBytes int
	haveExchange bool
	lastActivity time.Time
}

// New builds a protocol.Constructor for PostgreSQL, capping per-direction
// reassembly at cacheLimitBytes.
func New(cacheLimitBytes int64) protocol.Constructor {
	return func(h packet.Header) protocol.Parser {
		limit := int(cacheLimitBytes)
		return &pgsqlParser{
			reqBuf:  reassemble.NewBuffer(limit),
			respBuf: reassemble.NewBuffer(limit),
		}
	}
}

func (p *pgsqlParser) Protocol() packet.L7Protocol { return packet.PgSQL }

// frame reads one length-prefixed Postgres message: a 1-byte type tag
// followed by a 4-byte big-endian length (inclusive of itself).
func frame(buf []byte) (tag byte, payload []byte, total int, ok bool) {
	if len(buf) < 5 {
		return 0, nil, 0, false
	}
	length := int(buf[1])<<24 | int(buf[2])<<16 | int(buf[3])<<8 | int(buf[4])
	total = 1 + length
	if len(buf) < total {
		return 0, nil, 0, false
	}
	return buf[0], buf[5:total], total, true
}

func (p *pgsqlParser) OnData(h packet.Header, d packet.Data) (protocol.Result, []protocol.Exchange) {
	p.lastActivity = time.Unix(0, h.TimeNano)

	if d.Direction == packet.ClientToServer {
		return p.onRequest(h, d)
	}
	return p.onResponse(h, d)
}

func (p *pgsqlParser) onRequest(h packet.Header, d packet.Data) (protocol.Result, []protocol.Exchange) {
	if p.reqBuf.Append(d.Buffer) {
		p.reqBuf.Reset()
		return protocol.Drop, nil
	}

	for {
		tag, payload, total, ok := frame(p.reqBuf.Bytes())
		if !ok {
			break
		}
		p.reqBuf.Consume(total)

		if !p.haveExchange {
			p.currentStart = h.TimeNano
			p.haveExchange = true
		}
		p.currentBytes += total

		switch tag {
		case msgQuery:
			p.current = append(p.current, "QUERY "+nullTerminated(payload))
		case msgParse:
			p.current = append(p.current, "PARSE "+nullTerminated(payload))
		case msgBind, msgExecute:
			// Bind/Execute carry no new SQL text worth surfacing as the
			// operation label; Parse already captured it.
		case msgSync:
			// Sync closes out the extended-query exchange; leave
			// haveExchange set so the backend's ReadyForQuery produces it.
		}
	}
	return protocol.Ok, nil
}

func nullTerminated(b []byte) string {
	if idx := bytes.IndexByte(b, 0); idx >= 0 {
		return string(b[:idx])
	}
	return string(b)
}

func (p *pgsqlParser) onResponse(h packet.Header, d packet.Data) (protocol.Result, []protocol.Exchange) {
	if p.respBuf.Append(d.Buffer) {
		p.respBuf.Reset()
		return protocol.Drop, nil
	}

	var exchanges []protocol.Exchange
	status := "OK"
	sawTerminal := false

	for {
		tag, _, total, ok := frame(p.respBuf.Bytes())
		if !ok {
			break
		}
		p.respBuf.Consume(total)

		switch tag {
		case msgErrorResponse:
			status = "ERROR"
		case msgReadyForQuery:
			sawTerminal = true
		}

		if sawTerminal {
			break
		}
	}

	if sawTerminal && p.haveExchange {
		op := "QUERY"
		if len(p.current) > 0 {
			op = p.current[0]
		}
		exchanges = append(exchanges, protocol.Exchange{
			Protocol:     packet.PgSQL,
			Operation:    op,
			StartNano:    p.currentStart,
			DurationNano: h.TimeNano - p.currentStart,
			Status:       status,
			BytesIn:      p.currentBytes,
		})
		p.current = nil
		p.currentBytes = 0
		p.haveExchange = false
	}
	return protocol.Ok, exchanges
}

func (p *pgsqlParser) GarbageCollection(sizeLimitBytes int64, now time.Time) bool {
	if p.CacheSize() > sizeLimitBytes {
		return false
	}
	return !p.haveExchange
}

func (p *pgsqlParser) CacheSize() int64 {
	return int64(p.reqBuf.Len() + p.respBuf.Len())
}

func (p *pgsqlParser) Delete() {
	p.reqBuf.Reset()
	p.respBuf.Reset()
	p.current = nil
}

var _ protocol.Parser = (*pgsqlParser)(nil)
