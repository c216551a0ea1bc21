// Package httpproto implements the HTTP/1.x protocol parser, pairing
// requests with responses FIFO-wise across pipelined connections. It leans
// on the standard library's net/http wire-format reader rather than
// hand-rolling header and chunked-body parsing.
package httpproto

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
	"time"

	"github.com/observeflow/netobserve-core/packet"
	"github.com/observeflow/netobserve-core/protocol"
	"github.com/observeflow/netobserve-core/reassemble"
)

// pendingRequest is one request awaiting its FIFO-matched response.
type pendingRequest struct {
	operation string
	startNano int64
	bytesIn   int
}

type httpParser struct {
	req  *reassemble.Buffer
	resp *reassemble.Buffer

	pending []pendingRequest

	lastActivity time.Time
}

// New builds a protocol.Constructor whose parsers cap each direction's
// reassembly buffer at cacheLimitBytes.
func New(cacheLimitBytes int64) protocol.Constructor {
	return func(h packet.Header) protocol.Parser {
		limit := int(cacheLimitBytes)
		return &httpParser{
			req:  reassemble.NewBuffer(limit),
			resp: reassemble.NewBuffer(limit),
		}
	}
}

func (p *httpParser) Protocol() packet.L7Protocol { return packet.HTTP }

func (p *httpParser) OnData(h packet.Header, d packet.Data) (protocol.Result, []protocol.Exchange) {
	p.lastActivity = time.Unix(0, h.TimeNano)

	if d.Direction == packet.ClientToServer {
		return p.onRequestBytes(h, d)
	}
	return p.onResponseBytes(h, d)
}

func (p *httpParser) onRequestBytes(h packet.Header, d packet.Data) (protocol.Result, []protocol.Exchange) {
	if p.req.Append(d.Buffer) {
		// Overflow: the pending request can never be completed now, so
		// resync by flushing rather than feeding a parser truncated,
		// misaligned bytes on the next call.
		p.req.Reset()
		return protocol.Drop, nil
	}

	var exchanges []protocol.Exchange
	for {
		consumed, req, ok, failed := tryReadRequest(p.req.Bytes())
		if failed {
			p.req.Reset()
			return protocol.Fail, exchanges
		}
		if !ok {
			break
		}
		p.req.Consume(consumed)
		p.pending = append(p.pending, pendingRequest{
			operation: req.Method + " " + req.URL.Path,
			startNano: h.TimeNano,
			bytesIn:   consumed,
		})
	}
	return protocol.Ok, exchanges
}

func (p *httpParser) onResponseBytes(h packet.Header, d packet.Data) (protocol.Result, []protocol.Exchange) {
	if p.resp.Append(d.Buffer) {
		p.resp.Reset()
		return protocol.Drop, nil
	}

	// A response with no request on the queue is unmatched (e.g. capture
	// joined the connection mid-exchange); discard it and reset only this
	// direction, leaving the request side intact.
	if len(p.pending) == 0 && p.resp.Len() > 0 {
		p.resp.Reset()
		return protocol.Drop, nil
	}

	var exchanges []protocol.Exchange
	for {
		if len(p.pending) == 0 {
			break
		}
		consumed, status, bytesOut, ok, failed := tryReadResponse(p.resp.Bytes())
		if failed {
			p.resp.Reset()
			return protocol.Fail, exchanges
		}
		if !ok {
			break
		}
		p.resp.Consume(consumed)

		reqd := p.pending[0]
		p.pending = p.pending[1:]

		exchanges = append(exchanges, protocol.Exchange{
			Protocol:     packet.HTTP,
			Operation:    reqd.operation,
			StartNano:    reqd.startNano,
			DurationNano: h.TimeNano - reqd.startNano,
			Status:       status,
			BytesIn:      reqd.bytesIn,
			BytesOut:     bytesOut,
		})
	}
	return protocol.Ok, exchanges
}

// tryReadRequest attempts to decode one HTTP request from buf, returning how
// many bytes were consumed. ok is false when more data is needed; failed is
// true when buf's head cannot possibly be a valid HTTP request.
func tryReadRequest(buf []byte) (consumed int, req *http.Request, ok bool, failed bool) {
	r := bytes.NewReader(buf)
	br := bufio.NewReader(r)

	req, err := http.ReadRequest(br)
	if err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return 0, nil, false, false
		}
		return 0, nil, false, true
	}

	body, err := io.ReadAll(req.Body)
	if err != nil {
		return 0, nil, false, false
	}
	_ = body

	consumed = len(buf) - r.Len() - br.Buffered()
	return consumed, req, true, false
}

// tryReadResponse mirrors tryReadRequest for the response side.
func tryReadResponse(buf []byte) (consumed int, status string, bytesOut int, ok bool, failed bool) {
	r := bytes.NewReader(buf)
	br := bufio.NewReader(r)

	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return 0, "", 0, false, false
		}
		return 0, "", 0, false, true
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, "", 0, false, false
	}

	consumed = len(buf) - r.Len() - br.Buffered()
	return consumed, resp.Status[:3], len(body), true, false
}

func (p *httpParser) GarbageCollection(sizeLimitBytes int64, now time.Time) bool {
	if int64(p.req.Len()+p.resp.Len()) > sizeLimitBytes {
		return false
	}
	return len(p.pending) == 0
}

func (p *httpParser) CacheSize() int64 {
	return int64(p.req.Len() + p.resp.Len())
}

func (p *httpParser) Delete() {
	p.req.Reset()
	p.resp.Reset()
	p.pending = nil
}

var _ protocol.Parser = (*httpParser)(nil)
