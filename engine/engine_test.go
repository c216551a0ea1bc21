package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"

	"github.com/observeflow/netobserve-core/config"
	"github.com/observeflow/netobserve-core/ingress/replayadapter"
	"github.com/observeflow/netobserve-core/packet"
	"github.com/observeflow/netobserve-core/protocol"
	"github.com/observeflow/netobserve-core/stats"
)

func dnsMsg(t *testing.T, id uint16, isAnswer bool) []byte {
	t.Helper()
	m := new(dns.Msg)
	if isAnswer {
		m.Response = true
		m.Rcode = dns.RcodeSuccess
		m.Question = []dns.Question{{Name: "example.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET}}
	} else {
		m.SetQuestion("example.com.", dns.TypeA)
	}
	// Set after SetQuestion, which assigns a random Id.
	m.Id = id
	b, err := m.Pack()
	if err != nil {
		t.Fatalf("pack dns message: %v", err)
	}
	return b
}

func testSnapshot() config.Snapshot {
	return config.Snapshot{
		ConnectionTimeout:       30 * time.Second,
		ConnectionClosedTimeout: 5 * time.Second,
		ProtocolCacheLimitBytes: 1 << 20,
		MaxConnections:          1024,
		GCInterval:              20 * time.Millisecond,
		ProtocolEnable: map[string]bool{
			"http": true, "dns": true, "mysql": true, "redis": true,
			"pgsql": true, "dubbo": true, "kafka": true,
		},
		DetailSampleRate:    1.0,
		ProtocolStatEnabled: true,
	}
}

type detailCollector struct {
	mu      sync.Mutex
	details []protocol.Detail
}

func (c *detailCollector) add(d protocol.Detail) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.details = append(c.details, d)
}

func (c *detailCollector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.details)
}

func flow(srcPort, dstPort uint16) packet.FlowKey {
	return packet.FlowKey{SrcIP: "10.0.0.1", SrcPort: srcPort, DstIP: "10.0.0.2", DstPort: dstPort, L4: packet.TCP}
}

func runEngine(t *testing.T, e *Engine, timeout time.Duration) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- e.Run(ctx) }()

	time.Sleep(timeout)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Run: %v", err)
	}
}

// TestHTTPPipelined: two GETs then two 200s on one flow yields two
// exchanges with order preserved.
func TestHTTPPipelined(t *testing.T) {
	fk := flow(40000, 80)
	req1 := []byte("GET /a HTTP/1.1\r\nHost: x\r\n\r\n")
	req2 := []byte("GET /b HTTP/1.1\r\nHost: x\r\n\r\n")
	resp1 := []byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n")
	resp2 := []byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n")

	events := []packet.Event{
		{Header: packet.Header{TimeNano: 1, FlowKey: fk}, Data: packet.Data{Protocol: packet.HTTP, Direction: packet.ClientToServer, Buffer: req1}},
		{Header: packet.Header{TimeNano: 2, FlowKey: fk}, Data: packet.Data{Protocol: packet.HTTP, Direction: packet.ClientToServer, Buffer: req2}},
		{Header: packet.Header{TimeNano: 3, FlowKey: fk}, Data: packet.Data{Protocol: packet.HTTP, Direction: packet.ServerToClient, Buffer: resp1}},
		{Header: packet.Header{TimeNano: 4, FlowKey: fk}, Data: packet.Data{Protocol: packet.HTTP, Direction: packet.ServerToClient, Buffer: resp2}},
	}

	collector := &detailCollector{}
	e := New(testSnapshot(), replayadapter.New(events), nil, collector.add)
	runEngine(t, e, 100*time.Millisecond)

	if got := collector.count(); got != 2 {
		t.Fatalf("got %d details, want 2", got)
	}
	if collector.details[0].Operation != "GET /a" || collector.details[1].Operation != "GET /b" {
		t.Fatalf("order not preserved: %+v", collector.details)
	}
}

// TestDNSOutOfOrder: responses arriving out of query order still pair.
func TestDNSOutOfOrder(t *testing.T) {
	fk := flow(50000, 53)
	// Two DNS messages, ids 0x1234 and 0x5678, answered out of order; the
	// messages are packed with miekg/dns by the dnsMsg helper above.
	q1 := dnsMsg(t, 0x1234, false)
	q2 := dnsMsg(t, 0x5678, false)
	a2 := dnsMsg(t, 0x5678, true)
	a1 := dnsMsg(t, 0x1234, true)

	events := []packet.Event{
		{Header: packet.Header{TimeNano: 1, FlowKey: fk}, Data: packet.Data{Protocol: packet.DNS, Direction: packet.ClientToServer, Buffer: q1}},
		{Header: packet.Header{TimeNano: 2, FlowKey: fk}, Data: packet.Data{Protocol: packet.DNS, Direction: packet.ClientToServer, Buffer: q2}},
		{Header: packet.Header{TimeNano: 3, FlowKey: fk}, Data: packet.Data{Protocol: packet.DNS, Direction: packet.ServerToClient, Buffer: a2}},
		{Header: packet.Header{TimeNano: 4, FlowKey: fk}, Data: packet.Data{Protocol: packet.DNS, Direction: packet.ServerToClient, Buffer: a1}},
	}

	collector := &detailCollector{}
	e := New(testSnapshot(), replayadapter.New(events), nil, collector.add)
	runEngine(t, e, 100*time.Millisecond)

	if got := collector.count(); got != 2 {
		t.Fatalf("got %d details, want 2", got)
	}
}

// TestProtocolSwitch: a flow speaks HTTP, then a reused port carries
// Redis RESP, with no stale HTTP state.
func TestProtocolSwitch(t *testing.T) {
	fk := flow(40001, 80)
	req := []byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	resp := []byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n")
	redisReq := []byte("*1\r\n$4\r\nPING\r\n")
	redisResp := []byte("+PONG\r\n")

	events := []packet.Event{
		{Header: packet.Header{TimeNano: 1, FlowKey: fk}, Data: packet.Data{Protocol: packet.HTTP, Direction: packet.ClientToServer, Buffer: req}},
		{Header: packet.Header{TimeNano: 2, FlowKey: fk}, Data: packet.Data{Protocol: packet.HTTP, Direction: packet.ServerToClient, Buffer: resp}},
		{Header: packet.Header{TimeNano: 3, FlowKey: fk}, Data: packet.Data{Protocol: packet.Redis, Direction: packet.ClientToServer, Buffer: redisReq}},
		{Header: packet.Header{TimeNano: 4, FlowKey: fk}, Data: packet.Data{Protocol: packet.Redis, Direction: packet.ServerToClient, Buffer: redisResp}},
	}

	collector := &detailCollector{}
	e := New(testSnapshot(), replayadapter.New(events), nil, collector.add)
	runEngine(t, e, 100*time.Millisecond)

	if got := collector.count(); got != 2 {
		t.Fatalf("got %d details, want 2", got)
	}
	foundHTTP, foundRedis := false, false
	for _, d := range collector.details {
		if d.Protocol == packet.HTTP {
			foundHTTP = true
		}
		if d.Protocol == packet.Redis {
			foundRedis = true
		}
	}
	if !foundHTTP || !foundRedis {
		t.Fatalf("expected one HTTP and one Redis exchange, got %+v", collector.details)
	}
}

// TestIdleEviction: a flow with one packet at t=0 is removed from the
// table by the GC sweep once now - last_data_time exceeds
// connection_timeout_s.
func TestIdleEviction(t *testing.T) {
	fk := flow(40002, 80)
	events := []packet.Event{
		{Header: packet.Header{TimeNano: 0, FlowKey: fk}, Data: packet.Data{Protocol: packet.HTTP, Direction: packet.ClientToServer, Buffer: []byte("GET / HTTP/1.1\r\n\r\n")}},
	}

	cfg := testSnapshot()
	cfg.ConnectionTimeout = 20 * time.Millisecond
	cfg.GCInterval = 5 * time.Millisecond

	e := New(cfg, replayadapter.New(events), nil, func(protocol.Detail) {})
	runEngine(t, e, 80*time.Millisecond)

	if got := e.table.Len(); got != 0 {
		t.Fatalf("table.Len() = %d, want 0 after idle eviction", got)
	}
}

// TestReassemblyCap: a request larger than the configured cache limit is
// dropped, counted, and the flow stays usable.
func TestReassemblyCap(t *testing.T) {
	fk := flow(40003, 80)
	oversized := make([]byte, 2<<20) // 2 MiB, no terminating CRLFCRLF
	copy(oversized, []byte("GET /big HTTP/1.1\r\nHost: x\r\n"))

	nextReq := []byte("GET /small HTTP/1.1\r\nHost: x\r\n\r\n")
	nextResp := []byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n")

	events := []packet.Event{
		{Header: packet.Header{TimeNano: 1, FlowKey: fk}, Data: packet.Data{Protocol: packet.HTTP, Direction: packet.ClientToServer, Buffer: oversized}},
		{Header: packet.Header{TimeNano: 2, FlowKey: fk}, Data: packet.Data{Protocol: packet.HTTP, Direction: packet.ClientToServer, Buffer: nextReq}},
		{Header: packet.Header{TimeNano: 3, FlowKey: fk}, Data: packet.Data{Protocol: packet.HTTP, Direction: packet.ServerToClient, Buffer: nextResp}},
	}

	cfg := testSnapshot()
	cfg.ProtocolCacheLimitBytes = 1 << 20 // 1 MiB cap

	collector := &detailCollector{}
	e := New(cfg, replayadapter.New(events), nil, collector.add)
	runEngine(t, e, 100*time.Millisecond)

	if got := e.prodStats.Get(stats.Drop, packet.HTTP); got == 0 {
		t.Fatalf("expected at least one Drop count for oversized request")
	}
	if got := collector.count(); got != 1 {
		t.Fatalf("got %d details after cap+recover, want 1 (the small request should still pair)", got)
	}
}

// TestShutdownDrain: 100 in-flight exchanges across 10 flows are all
// flushed to the aggregator by shutdown.
func TestShutdownDrain(t *testing.T) {
	var events []packet.Event
	var nano int64
	for flowIdx := 0; flowIdx < 10; flowIdx++ {
		fk := flow(uint16(41000+flowIdx), 80)
		for i := 0; i < 10; i++ {
			nano++
			req := []byte("GET /x HTTP/1.1\r\nHost: x\r\n\r\n")
			nano++
			resp := []byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n")
			events = append(events,
				packet.Event{Header: packet.Header{TimeNano: nano - 1, FlowKey: fk}, Data: packet.Data{Protocol: packet.HTTP, Direction: packet.ClientToServer, Buffer: req}},
				packet.Event{Header: packet.Header{TimeNano: nano, FlowKey: fk}, Data: packet.Data{Protocol: packet.HTTP, Direction: packet.ServerToClient, Buffer: resp}},
			)
		}
	}

	collector := &detailCollector{}
	e := New(testSnapshot(), replayadapter.New(events), nil, collector.add)
	runEngine(t, e, 150*time.Millisecond)

	if got := collector.count(); got != 100 {
		t.Fatalf("got %d drained details, want 100", got)
	}
}
