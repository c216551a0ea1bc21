// Package dubboproto implements the Apache Dubbo RPC protocol parser:
// fixed 16-byte frame header, request-id correlation across a connection
// that may carry many concurrent calls (Dubbo is a true multiplexing
// protocol, unlike MySQL/Redis's FIFO pipelining).
package dubboproto

import (
	"encoding/binary"
	"time"

	"github.com/observeflow/netobserve-core/packet"
	"github.com/observeflow/netobserve-core/protocol"
	"github.com/observeflow/netobserve-core/reassemble"
)

// Dubbo's magic number, the first two bytes of every frame.
const magicHigh, magicLow = 0xda, 0xbb

const frameHeaderLen = 16

type pendingCall struct {
	operation string
	startNano int64
	bytesIn   int
}

type dubboParser struct {
	reqBuf  *reassemble.Buffer
	respBuf *reassemble.Buffer

	pendingByID  map[uint64]pendingCall
	lastActivity time.Time
}

// New builds a protocol.Constructor for Dubbo, capping per-direction
// reassembly at cacheLimitBytes.
func New(cacheLimitBytes int64) protocol.Constructor {
	return func(h packet.Header) protocol.Parser {
		limit := int(cacheLimitBytes)
		return &dubboParser{
			reqBuf:      reassemble.NewBuffer(limit),
			respBuf:     reassemble.NewBuffer(limit),
			pendingByID: make(map[uint64]pendingCall),
		}
	}
}

func (p *dubboParser) Protocol() packet.L7Protocol { return packet.Dubbo }

// badMagic reports whether buf's head cannot be a Dubbo frame. Distinct
// from an incomplete frame, which just needs more bytes.
func badMagic(buf []byte) bool {
	if len(buf) >= 1 && buf[0] != magicHigh {
		return true
	}
	return len(buf) >= 2 && buf[1] != magicLow
}

// frame reads one Dubbo frame: a 16-byte header (magic[2], flag, status,
// request id[8], body length[4]) followed by the body. ok is false when
// more bytes are needed; callers must check badMagic first.
func frame(buf []byte) (isRequest bool, requestID uint64, bodyLen int, status byte, total int, ok bool) {
	if len(buf) < frameHeaderLen {
		return false, 0, 0, 0, 0, false
	}
	flag := buf[2]
	status = buf[3]
	requestID = binary.BigEndian.Uint64(buf[4:12])
	bodyLen = int(binary.BigEndian.Uint32(buf[12:16]))
	total = frameHeaderLen + bodyLen
	if len(buf) < total {
		return false, 0, 0, 0, 0, false
	}
	isRequest = flag&0x80 != 0
	return isRequest, requestID, bodyLen, status, total, true
}

func (p *dubboParser) OnData(h packet.Header, d packet.Data) (protocol.Result, []protocol.Exchange) {
	p.lastActivity = time.Unix(0, h.TimeNano)

	if d.Direction == packet.ClientToServer {
		return p.onRequest(h, d)
	}
	return p.onResponse(h, d)
}

func (p *dubboParser) onRequest(h packet.Header, d packet.Data) (protocol.Result, []protocol.Exchange) {
	if p.reqBuf.Append(d.Buffer) {
		p.reqBuf.Reset()
		return protocol.Drop, nil
	}

	for {
		if badMagic(p.reqBuf.Bytes()) {
			p.reqBuf.Reset()
			return protocol.Fail, nil
		}
		isRequest, id, bodyLen, _, total, ok := frame(p.reqBuf.Bytes())
		if !ok {
			break
		}
		body := p.reqBuf.Bytes()[frameHeaderLen : frameHeaderLen+bodyLen]
		op := requestOperation(body)
		p.reqBuf.Consume(total)
		if isRequest {
			p.pendingByID[id] = pendingCall{operation: op, startNano: h.TimeNano, bytesIn: total}
		}
	}
	return protocol.Ok, nil
}

func (p *dubboParser) onResponse(h packet.Header, d packet.Data) (protocol.Result, []protocol.Exchange) {
	if p.respBuf.Append(d.Buffer) {
		p.respBuf.Reset()
		return protocol.Drop, nil
	}

	var exchanges []protocol.Exchange
	for {
		if badMagic(p.respBuf.Bytes()) {
			p.respBuf.Reset()
			return protocol.Fail, exchanges
		}
		isRequest, id, _, status, total, ok := frame(p.respBuf.Bytes())
		if !ok {
			break
		}
		p.respBuf.Consume(total)
		if isRequest {
			continue
		}

		call, found := p.pendingByID[id]
		if !found {
			continue
		}
		delete(p.pendingByID, id)

		statusStr := "OK"
		if status != 20 { // Dubbo's OK status code
			statusStr = "ERROR"
		}
		exchanges = append(exchanges, protocol.Exchange{
			Protocol:     packet.Dubbo,
			Operation:    call.operation,
			StartNano:    call.startNano,
			DurationNano: h.TimeNano - call.startNano,
			Status:       statusStr,
			BytesIn:      call.bytesIn,
			BytesOut:     total,
		})
	}
	return protocol.Ok, exchanges
}

// requestOperation extracts "service.method" from a hessian2-encoded
// request body on a best-effort basis. The body of a standard Dubbo call
// opens with four short strings (dubbo version, service path, service
// version, method name); short strings are tagged by a length byte below
// 0x20. Anything else (an attachment-only heartbeat, a custom
// serialization) falls back to a generic label.
func requestOperation(body []byte) string {
	var fields []string
	pos := 0
	for len(fields) < 4 && pos < len(body) {
		tag := body[pos]
		if tag > 0x1f {
			break
		}
		l := int(tag)
		if pos+1+l > len(body) {
			break
		}
		fields = append(fields, string(body[pos+1:pos+1+l]))
		pos += 1 + l
	}
	if len(fields) >= 4 {
		return fields[1] + "." + fields[3]
	}
	return "invoke"
}

func (p *dubboParser) GarbageCollection(sizeLimitBytes int64, now time.Time) bool {
	if p.CacheSize() > sizeLimitBytes {
		return false
	}
	return len(p.pendingByID) == 0
}

func (p *dubboParser) CacheSize() int64 {
	return int64(p.reqBuf.Len()+p.respBuf.Len()) + int64(len(p.pendingByID))*32
}

func (p *dubboParser) Delete() {
	p.reqBuf.Reset()
	p.respBuf.Reset()
	p.pendingByID = nil
}

var _ protocol.Parser = (*dubboParser)(nil)
