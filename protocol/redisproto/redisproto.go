// Package redisproto implements the Redis protocol parser: RESP2 inline
// and multibulk command decoding, 1:1 FIFO request/response matching.
// Pipelined Redis requests carry no request-multiplexing identifier, so
// strict arrival order is the only correlation signal. Off-the-shelf RESP
// implementations are full Redis clients that assume they own the
// connection rather than observing one passively, so the decoding is done
// here directly.
package redisproto

import (
	"bytes"
	"strconv"
	"strings"
	"time"

	"github.com/observeflow/netobserve-core/packet"
	"github.com/observeflow/netobserve-core/protocol"
	"github.com/observeflow/netobserve-core/reassemble"
)

type pendingCommand struct {
	operation string
	startNano int64
	bytesIn   int
}

type redisParser struct {
	reqBuf  *reassemble.Buffer
	respBuf *reassemble.Buffer

	pending      []pendingCommand
	lastActivity time.Time
}

// New builds a protocol.Constructor for Redis, capping per-direction
// reassembly at cacheLimitBytes.
func New(cacheLimitBytes int64) protocol.Constructor {
	return func(h packet.Header) protocol.Parser {
		limit := int(cacheLimitBytes)
		return &redisParser{
			reqBuf:  reassemble.NewBuffer(limit),
			respBuf: reassemble.NewBuffer(limit),
		}
	}
}

func (p *redisParser) Protocol() packet.L7Protocol { return packet.Redis }

func (p *redisParser) OnData(h packet.Header, d packet.Data) (protocol.Result, []protocol.Exchange) {
	p.lastActivity = time.Unix(0, h.TimeNano)

	if d.Direction == packet.ClientToServer {
		return p.onRequest(h, d)
	}
	return p.onResponse(h, d)
}

func (p *redisParser) onRequest(h packet.Header, d packet.Data) (protocol.Result, []protocol.Exchange) {
	if p.reqBuf.Append(d.Buffer) {
		p.reqBuf.Reset()
		return protocol.Drop, nil
	}

	for {
		args, total, ok, failed := readCommand(p.reqBuf.Bytes())
		if failed {
			p.reqBuf.Reset()
			return protocol.Fail, nil
		}
		if !ok {
			break
		}
		p.reqBuf.Consume(total)

		op := "COMMAND"
		if len(args) > 0 {
			op = strings.ToUpper(args[0])
		}
		p.pending = append(p.pending, pendingCommand{
			operation: op,
			startNano: h.TimeNano,
			bytesIn:   total,
		})
	}
	return protocol.Ok, nil
}

func (p *redisParser) onResponse(h packet.Header, d packet.Data) (protocol.Result, []protocol.Exchange) {
	if p.respBuf.Append(d.Buffer) {
		p.respBuf.Reset()
		return protocol.Drop, nil
	}

	var exchanges []protocol.Exchange
	for {
		if len(p.pending) == 0 {
			break
		}
		status, total, ok, failed := readReply(p.respBuf.Bytes())
		if failed {
			p.respBuf.Reset()
			return protocol.Fail, exchanges
		}
		if !ok {
			break
		}
		p.respBuf.Consume(total)

		cmd := p.pending[0]
		p.pending = p.pending[1:]
		exchanges = append(exchanges, protocol.Exchange{
			Protocol:     packet.Redis,
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

// readCommand decodes one RESP multibulk array (the wire form every modern
// Redis client sends), returning its arguments.
func readCommand(buf []byte) (args []string, consumed int, ok bool, failed bool) {
	if len(buf) == 0 {
		return nil, 0, false, false
	}
	if buf[0] != '*' {
		// Inline commands (a bare line) are legal but rare; treat as a
		// single-line opaque command.
		idx := bytes.Index(buf, []byte("\r\n"))
		if idx < 0 {
			return nil, 0, false, false
		}
		return []string{string(buf[:idx])}, idx + 2, true, false
	}

	pos := 0
	count, n, ok := readInt(buf, pos)
	if !ok {
		return nil, 0, false, false
	}
	pos += n
	if count < 0 {
		return nil, pos, true, false
	}

	out := make([]string, 0, count)
	for i := 0; i < count; i++ {
		if pos >= len(buf) || buf[pos] != '$' {
			return nil, 0, false, true
		}
		length, n, ok := readInt(buf, pos)
		if !ok {
			return nil, 0, false, false
		}
		pos += n
		if pos+length+2 > len(buf) {
			return nil, 0, false, false
		}
		out = append(out, string(buf[pos:pos+length]))
		pos += length + 2
	}
	return out, pos, true, false
}

// readReply decodes one RESP reply, returning a short status label and
// the bytes consumed. Array elements are decoded recursively only to find
// where the array ends; an array's status label is always "OK", since the
// label is a summary, not the full payload.
func readReply(buf []byte) (status string, consumed int, ok bool, failed bool) {
	if len(buf) == 0 {
		return "", 0, false, false
	}
	switch buf[0] {
	case '+':
		idx := bytes.Index(buf, []byte("\r\n"))
		if idx < 0 {
			return "", 0, false, false
		}
		return "OK", idx + 2, true, false
	case '-':
		idx := bytes.Index(buf, []byte("\r\n"))
		if idx < 0 {
			return "", 0, false, false
		}
		return "ERROR", idx + 2, true, false
	case ':':
		idx := bytes.Index(buf, []byte("\r\n"))
		if idx < 0 {
			return "", 0, false, false
		}
		return "OK", idx + 2, true, false
	case '$':
		length, n, ok := readInt(buf, 0)
		if !ok {
			return "", 0, false, false
		}
		if length < 0 {
			return "NIL", n, true, false
		}
		if n+length+2 > len(buf) {
			return "", 0, false, false
		}
		return "OK", n + length + 2, true, false
	case '*':
		count, n, ok := readInt(buf, 0)
		if !ok {
			return "", 0, false, false
		}
		pos := n
		for i := 0; i < count; i++ {
			_, sub, ok, failed := readReply(buf[pos:])
			if failed {
				return "", 0, false, true
			}
			if !ok {
				return "", 0, false, false
			}
			pos += sub
		}
		return "OK", pos, true, false
	default:
		return "", 0, false, true
	}
}

// readInt parses a RESP length/count prefix (e.g. "$6\r\n" or "*2\r\n")
// starting at pos, returning the integer and the total bytes the prefix
// line occupies including the trailing CRLF.
func readInt(buf []byte, pos int) (value int, consumed int, ok bool) {
	idx := bytes.Index(buf[pos:], []byte("\r\n"))
	if idx < 0 {
		return 0, 0, false
	}
	n, err := strconv.Atoi(string(buf[pos+1 : pos+idx]))
	if err != nil {
		return 0, 0, false
	}
	return n, idx + 2, true
}

func (p *redisParser) GarbageCollection(sizeLimitBytes int64, now time.Time) bool {
	if p.CacheSize() > sizeLimitBytes {
		return false
	}
	return len(p.pending) == 0
}

func (p *redisParser) CacheSize() int64 {
	return int64(p.reqBuf.Len() + p.respBuf.Len())
}

func (p *redisParser) Delete() {
	p.reqBuf.Reset()
	p.respBuf.Reset()
	p.pending = nil
}

var _ protocol.Parser = (*redisParser)(nil)
