package chanadapter

import (
	"context"
	"testing"
	"time"

	"github.com/observeflow/netobserve-core/packet"
)

func TestChanAdapterForwardsEvents(t *testing.T) {
	src := make(chan packet.Event, 2)
	src <- packet.Event{Header: packet.Header{TimeNano: 1}}
	src <- packet.Event{Header: packet.Header{TimeNano: 2}}
	close(src)

	a := New(src)
	out, err := a.Packets(context.Background())
	if err != nil {
		t.Fatalf("Packets: %v", err)
	}

	var got []int64
	for ev := range out {
		got = append(got, ev.Header.TimeNano)
	}
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("got %v, want [1 2]", got)
	}
}

func TestChanAdapterStopsOnCancel(t *testing.T) {
	src := make(chan packet.Event)
	defer close(src)

	ctx, cancel := context.WithCancel(context.Background())
	a := New(src)
	out, err := a.Packets(ctx)
	if err != nil {
		t.Fatalf("Packets: %v", err)
	}
	cancel()

	select {
	case _, ok := <-out:
		if ok {
			t.Fatal("expected channel to close, got an event")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel did not close after cancel")
	}
}
