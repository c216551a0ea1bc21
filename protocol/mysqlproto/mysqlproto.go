// Package mysqlproto implements the MySQL client/server protocol parser:
// a command-phase decoder keyed on COM_QUERY statement text, with a
// prepared-statement id table for COM_STMT_PREPARE/EXECUTE pairs. Client
// drivers assume a request/response socket owned by the caller, not a
// passive byte stream observed mid-flow, so the wire decoding is done
// here directly.
package mysqlproto

import (
	"time"

	"github.com/observeflow/netobserve-core/packet"
	"github.com/observeflow/netobserve-core/protocol"
	"github.com/observeflow/netobserve-core/reassemble"
)

// MySQL command byte values this parser recognizes (protocol::COM_*).
const (
	comQuery       byte = 0x03
	comStmtPrepare byte = 0x16
	comStmtExecute byte = 0x17
	comStmtClose   byte = 0x19
)

type pendingCommand struct {
	operation string
	startNano int64
	bytesIn   int
}

type preparedStatement struct {
	text string
}

type mysqlParser struct {
	reqBuf  *reassemble.Buffer
	respBuf *reassemble.Buffer

	pending      []pendingCommand
	nextStmtID   uint32
	preparedByID map[uint32]preparedStatement
	lastActivity time.Time
}

// New builds a protocol.Constructor for MySQL, capping per-direction
// reassembly at cacheLimitBytes.
func New(cacheLimitBytes int64) protocol.Constructor {
	return func(h packet.Header) protocol.Parser {
		limit := int(cacheLimitBytes)
		return &mysqlParser{
			reqBuf:       reassemble.NewBuffer(limit),
			respBuf:      reassemble.NewBuffer(limit),
			preparedByID: make(map[uint32]preparedStatement),
		}
	}
}

func (p *mysqlParser) Protocol() packet.L7Protocol { return packet.MySQL }

// packetPayload strips MySQL's 4-byte packet header (3-byte length LE +
// 1-byte sequence id) from the front of a buffer, returning the payload and
// whether a full packet was present.
func packetPayload(buf []byte) (payload []byte, total int, ok bool) {
	if len(buf) < 4 {
		return nil, 0, false
	}
	length := int(buf[0]) | int(buf[1])<<8 | int(buf[2])<<16
	total = 4 + length
	if len(buf) < total {
		return nil, 0, false
	}
	return buf[4:total], total, true
}

func (p *mysqlParser) OnData(h packet.Header, d packet.Data) (protocol.Result, []protocol.Exchange) {
	p.lastActivity = time.Unix(0, h.TimeNano)

	if d.Direction == packet.ClientToServer {
		return p.onRequest(h, d)
	}
	return p.onResponse(h, d)
}

func (p *mysqlParser) onRequest(h packet.Header, d packet.Data) (protocol.Result, []protocol.Exchange) {
	if p.reqBuf.Append(d.Buffer) {
		p.reqBuf.Reset()
		return protocol.Drop, nil
	}

	for {
		payload, total, ok := packetPayload(p.reqBuf.Bytes())
		if !ok {
			break
		}
		p.reqBuf.Consume(total)

		if len(payload) == 0 {
			continue
		}
		op, trackable := p.classifyCommand(payload)
		if trackable {
			p.pending = append(p.pending, pendingCommand{
				operation: op,
				startNano: h.TimeNano,
				bytesIn:   total,
			})
		}
	}
	return protocol.Ok, nil
}

// classifyCommand identifies the operation label for a command payload and
// whether the engine should expect a matching response packet.
func (p *mysqlParser) classifyCommand(payload []byte) (operation string, trackable bool) {
	switch payload[0] {
	case comQuery:
		return "QUERY " + string(payload[1:]), true
	case comStmtPrepare:
		text := string(payload[1:])
		p.nextStmtID++
		p.preparedByID[p.nextStmtID] = preparedStatement{text: text}
		return "PREPARE " + text, true
	case comStmtExecute:
		if len(payload) >= 5 {
			id := uint32(payload[1]) | uint32(payload[2])<<8 | uint32(payload[3])<<16 | uint32(payload[4])<<24
			if stmt, ok := p.preparedByID[id]; ok {
				return "EXECUTE " + stmt.text, true
			}
		}
		return "EXECUTE <unknown statement>", true
	case comStmtClose:
		return "", false
	default:
		return "COMMAND", true
	}
}

func (p *mysqlParser) onResponse(h packet.Header, d packet.Data) (protocol.Result, []protocol.Exchange) {
	if p.respBuf.Append(d.Buffer) {
		p.respBuf.Reset()
		return protocol.Drop, nil
	}

	var exchanges []protocol.Exchange
	for {
		if len(p.pending) == 0 {
			break
		}
		payload, total, ok := packetPayload(p.respBuf.Bytes())
		if !ok {
			break
		}
		p.respBuf.Consume(total)

		status := "OK"
		if len(payload) > 0 && payload[0] == 0xFF {
			status = "ERROR"
		}

		cmd := p.pending[0]
		p.pending = p.pending[1:]
		exchanges = append(exchanges, protocol.Exchange{
			Protocol:     packet.MySQL,
			Operation:    cmd.operation,
			StartNano:    cmd.startNano,
			DurationNano: h.TimeNano - cmd.startNano,
			Status:       status,
			BytesIn:      cmd.bytesIn,
			BytesOut:     total,
		})
	}
	return protocol.Ok, exchanges
}

func (p *mysqlParser) GarbageCollection(sizeLimitBytes int64, now time.Time) bool {
	if p.CacheSize() > sizeLimitBytes {
		return false
	}
	return len(p.pending) == 0
}

func (p *mysqlParser) CacheSize() int64 {
	return int64(p.reqBuf.Len() + p.respBuf.Len())
}

func (p *mysqlParser) Delete() {
	p.reqBuf.Reset()
	p.respBuf.Reset()
	p.pending = nil
	p.preparedByID = nil
}

var _ protocol.Parser = (*mysqlParser)(nil)
