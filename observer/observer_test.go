package observer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/observeflow/netobserve-core/aggregator"
	"github.com/observeflow/netobserve-core/packet"
	"github.com/observeflow/netobserve-core/protocol"
	"github.com/observeflow/netobserve-core/protocol/httpproto"
	"github.com/observeflow/netobserve-core/protocol/redisproto"
	"github.com/observeflow/netobserve-core/stats"
)

func testRegistry() *protocol.Registry {
	r := protocol.NewRegistry()
	r.Register(packet.HTTP, httpproto.New(1<<20))
	r.Register(packet.Redis, redisproto.New(1<<20))
	return r
}

func newTestObserver(t *testing.T, rate float64) (*Observer, *aggregator.Holder, *stats.Set) {
	t.Helper()
	holder := aggregator.New(64, nil)
	t.Cleanup(holder.Close)
	set := stats.NewProdSet()
	h := packet.Header{TimeNano: 0, FlowKey: packet.FlowKey{SrcIP: "10.0.0.1", SrcPort: 1234, DstIP: "10.0.0.2", DstPort: 80, L4: packet.TCP}}
	return New(h, holder, testRegistry(), nil, rate, set), holder, set
}

func httpEvent(dir packet.Direction, buf []byte) packet.Data {
	return packet.Data{Protocol: packet.HTTP, Direction: dir, Buffer: buf, BufferLen: len(buf), RealLen: len(buf)}
}

func TestLastDataTimeIsMaxOfObserved(t *testing.T) {
	o, _, _ := newTestObserver(t, 1.0)

	times := []int64{100, 50, 300, 200}
	for _, tn := range times {
		o.OnData(packet.Header{TimeNano: tn}, httpEvent(packet.ClientToServer, nil))
	}
	assert.Equal(t, time.Unix(0, 300), o.LastDataTime())
}

func TestZeroByteDataCountsButBindsNoParser(t *testing.T) {
	o, _, set := newTestObserver(t, 1.0)

	o.OnData(packet.Header{TimeNano: 1}, packet.Data{Protocol: packet.HTTP})

	assert.Equal(t, int64(1), set.Get(stats.Count, packet.HTTP))
	assert.Equal(t, packet.None, o.BoundProtocol())
	assert.Equal(t, int64(0), o.CacheSize())
}

func TestProtocolSwitchTearsDownParser(t *testing.T) {
	o, _, _ := newTestObserver(t, 1.0)

	// A partial request stays buffered, so the parser has live cache to
	// tear down on switch.
	o.OnData(packet.Header{TimeNano: 1}, httpEvent(packet.ClientToServer, []byte("GET / HTTP/1.1\r\nHost: x\r\n")))
	require.Equal(t, packet.HTTP, o.BoundProtocol())
	require.NotZero(t, o.CacheSize())

	o.OnData(packet.Header{TimeNano: 2}, packet.Data{
		Protocol: packet.Redis, Direction: packet.ClientToServer,
		Buffer: []byte("*1\r\n$4\r\nPING\r\n"),
	})
	assert.Equal(t, packet.Redis, o.BoundProtocol())
	assert.Equal(t, 1, o.SwitchCount())
}

func TestDisabledProtocolCountsDrop(t *testing.T) {
	o, _, set := newTestObserver(t, 1.0)

	// DNS is not registered in testRegistry.
	o.OnData(packet.Header{TimeNano: 1}, packet.Data{Protocol: packet.DNS, Buffer: []byte{0x00}, BufferLen: 1})

	assert.Equal(t, packet.None, o.BoundProtocol())
	assert.Equal(t, int64(1), set.Get(stats.Drop, packet.DNS))
}

// TestAggregateCountsIndependentOfSampling: with a sample rate of zero the
// detail stream stays empty but the aggregate counters still see every
// exchange.
func TestAggregateCountsIndependentOfSampling(t *testing.T) {
	var details []protocol.Detail
	holder := aggregator.New(64, func(d protocol.Detail) { details = append(details, d) })
	defer holder.Close()
	set := stats.NewProdSet()
	h := packet.Header{TimeNano: 0}
	o := New(h, holder, testRegistry(), nil, 0.0, set)

	o.OnData(packet.Header{TimeNano: 1}, httpEvent(packet.ClientToServer, []byte("GET /x HTTP/1.1\r\nHost: x\r\n\r\n")))
	o.OnData(packet.Header{TimeNano: 2}, httpEvent(packet.ServerToClient, []byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n")))

	snaps := holder.Flush(time.Now())
	require.Len(t, snaps, 1)
	assert.Equal(t, int64(1), snaps[0].Counters.Count)
	assert.Empty(t, details)
}

func TestGarbageCollectionOrderIsExhaustiveAndExclusive(t *testing.T) {
	const closedTimeout = 5 * time.Second
	const idleTimeout = 30 * time.Second
	base := time.Unix(0, 0)

	t.Run("marked deleted past closed timeout", func(t *testing.T) {
		o, _, _ := newTestObserver(t, 1.0)
		o.MarkDeleted(base)
		assert.True(t, o.GarbageCollection(1<<20, base.Add(closedTimeout+time.Second), closedTimeout, idleTimeout))
	})

	t.Run("marked deleted inside closed timeout survives until idle", func(t *testing.T) {
		o, _, _ := newTestObserver(t, 1.0)
		o.MarkDeleted(base)
		assert.False(t, o.GarbageCollection(1<<20, base.Add(closedTimeout-time.Second), closedTimeout, idleTimeout))
	})

	t.Run("idle past timeout", func(t *testing.T) {
		o, _, _ := newTestObserver(t, 1.0)
		assert.True(t, o.GarbageCollection(1<<20, base.Add(idleTimeout+time.Second), closedTimeout, idleTimeout))
	})

	t.Run("no parser bound is not destructible", func(t *testing.T) {
		o, _, _ := newTestObserver(t, 1.0)
		assert.False(t, o.GarbageCollection(1<<20, base.Add(time.Second), closedTimeout, idleTimeout))
	})

	t.Run("delegates to bound parser", func(t *testing.T) {
		o, _, _ := newTestObserver(t, 1.0)
		// A completed exchange leaves the HTTP parser empty, so its GC
		// reports destructible and the observer follows suit.
		o.OnData(packet.Header{TimeNano: 1}, httpEvent(packet.ClientToServer, []byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n")))
		o.OnData(packet.Header{TimeNano: 2}, httpEvent(packet.ServerToClient, []byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n")))
		assert.True(t, o.GarbageCollection(1<<20, base.Add(time.Second), closedTimeout, idleTimeout))
		assert.Equal(t, packet.None, o.BoundProtocol())
	})

	t.Run("parser with pending work is retained", func(t *testing.T) {
		o, _, set := newTestObserver(t, 1.0)
		o.OnData(packet.Header{TimeNano: 1}, httpEvent(packet.ClientToServer, []byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n")))
		assert.False(t, o.GarbageCollection(1<<20, base.Add(time.Second), closedTimeout, idleTimeout))
		assert.Equal(t, o.CacheSize(), set.Get(stats.ConnectionCachedSize, packet.HTTP))
	})
}

func TestSwitchCounterMatchesParserDeletions(t *testing.T) {
	o, _, _ := newTestObserver(t, 1.0)

	for i := 0; i < 12; i++ {
		proto, buf := packet.HTTP, []byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n")
		if i%2 == 1 {
			proto, buf = packet.Redis, []byte("*1\r\n$4\r\nPING\r\n")
		}
		o.OnData(packet.Header{TimeNano: int64(i)}, packet.Data{
			Protocol: proto, Direction: packet.ClientToServer, Buffer: buf, BufferLen: len(buf),
		})
	}
	// First packet binds, each of the remaining 11 switches.
	assert.Equal(t, 11, o.SwitchCount())
}
