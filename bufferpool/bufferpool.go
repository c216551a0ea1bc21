// Package bufferpool provides a pooled byte-slice allocator for the ingress
// adapter, so that reassembled TCP payloads and replayed packet buffers
// don't force an allocation per packet. Only flat []byte chunks handed to
// packet.Data.Buffer are needed; protocol parsers reassemble
// application-layer framing themselves via reassemble.Buffer.
package bufferpool

import "sync"

// Pool hands out fixed-size byte slices drawn from a sync.Pool, bounding
// allocator churn under sustained packet capture.
type Pool struct {
	chunkSize int
	pool      sync.Pool
}

// New builds a Pool whose Get returns slices of length chunkSize.
func New(chunkSize int) *Pool {
	if chunkSize <= 0 {
		chunkSize = 4096
	}
	p := &Pool{chunkSize: chunkSize}
	p.pool.New = func() any {
		return make([]byte, p.chunkSize)
	}
	return p
}

// Get returns a zeroed slice of at least n bytes. Slices larger than the
// pool's chunk size are allocated directly and not pooled on Put.
func (p *Pool) Get(n int) []byte {
	if n > p.chunkSize {
		return make([]byte, n)
	}
	buf := p.pool.Get().([]byte)[:n]
	clear(buf)
	return buf
}

// Put returns buf to the pool for reuse, provided it was sized for pooling.
func (p *Pool) Put(buf []byte) {
	if cap(buf) < p.chunkSize {
		return
	}
	p.pool.Put(buf[:cap(buf)]) //nolint:staticcheck // reset to full capacity before reuse
}
