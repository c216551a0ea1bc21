package mysqlproto

import (
	"testing"

	"github.com/observeflow/netobserve-core/packet"
	"github.com/observeflow/netobserve-core/protocol"
)

func mysqlPacket(seq byte, payload []byte) []byte {
	n := len(payload)
	return append([]byte{byte(n), byte(n >> 8), byte(n >> 16), seq}, payload...)
}

func TestQueryRoundTrip(t *testing.T) {
	ctor := New(1 << 16)
	p := ctor(packet.Header{})

	query := mysqlPacket(0, append([]byte{comQuery}, []byte("SELECT 1")...))
	res, ex := p.OnData(packet.Header{TimeNano: 0}, packet.Data{Direction: packet.ClientToServer, Buffer: query})
	if res != protocol.Ok || len(ex) != 0 {
		t.Fatalf("query: res=%v ex=%v", res, ex)
	}

	ok := mysqlPacket(1, []byte{0x00})
	_, ex = p.OnData(packet.Header{TimeNano: int64(2e6)}, packet.Data{Direction: packet.ServerToClient, Buffer: ok})
	if len(ex) != 1 {
		t.Fatalf("got %d exchanges, want 1", len(ex))
	}
	if ex[0].Operation != "QUERY SELECT 1" {
		t.Errorf("operation = %q", ex[0].Operation)
	}
	if ex[0].Status != "OK" {
		t.Errorf("status = %q, want OK", ex[0].Status)
	}
}

func TestPrepareExecute(t *testing.T) {
	ctor := New(1 << 16)
	p := ctor(packet.Header{})

	prepare := mysqlPacket(0, append([]byte{comStmtPrepare}, []byte("SELECT ?")...))
	p.OnData(packet.Header{}, packet.Data{Direction: packet.ClientToServer, Buffer: prepare})
	p.OnData(packet.Header{}, packet.Data{Direction: packet.ServerToClient, Buffer: mysqlPacket(1, []byte{0x00})})

	execute := mysqlPacket(0, append([]byte{comStmtExecute, 1, 0, 0, 0}, make([]byte, 4)...))
	p.OnData(packet.Header{}, packet.Data{Direction: packet.ClientToServer, Buffer: execute})
	_, ex := p.OnData(packet.Header{}, packet.Data{Direction: packet.ServerToClient, Buffer: mysqlPacket(1, []byte{0x00})})

	if len(ex) != 1 {
		t.Fatalf("got %d exchanges, want 1", len(ex))
	}
	if ex[0].Operation != "EXECUTE SELECT ?" {
		t.Errorf("operation = %q, want EXECUTE SELECT ?", ex[0].Operation)
	}
}

func TestErrorResponse(t *testing.T) {
	ctor := New(1 << 16)
	p := ctor(packet.Header{})

	query := mysqlPacket(0, append([]byte{comQuery}, []byte("BAD SQL")...))
	p.OnData(packet.Header{}, packet.Data{Direction: packet.ClientToServer, Buffer: query})
	_, ex := p.OnData(packet.Header{}, packet.Data{Direction: packet.ServerToClient, Buffer: mysqlPacket(1, []byte{0xFF, 0x01, 0x02})})

	if len(ex) != 1 || ex[0].Status != "ERROR" {
		t.Fatalf("got ex=%v, want one ERROR exchange", ex)
	}
}
