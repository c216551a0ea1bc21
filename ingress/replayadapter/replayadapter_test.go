package replayadapter

import (
	"context"
	"testing"
	"time"

	"github.com/observeflow/netobserve-core/packet"
)

func mkEvent(n int64) packet.Event {
	return packet.Event{Header: packet.Header{TimeNano: n}}
}

func TestReplayDeliversInOrder(t *testing.T) {
	events := []packet.Event{mkEvent(1), mkEvent(2), mkEvent(3)}
	a := New(events)

	ch, err := a.Packets(context.Background())
	if err != nil {
		t.Fatalf("Packets: %v", err)
	}

	var got []int64
	for ev := range ch {
		got = append(got, ev.Header.TimeNano)
	}

	if len(got) != len(events) {
		t.Fatalf("got %d events, want %d", len(got), len(events))
	}
	for i, ts := range got {
		if ts != events[i].Header.TimeNano {
			t.Errorf("event %d: got %d, want %d", i, ts, events[i].Header.TimeNano)
		}
	}
}

func TestReplayStopsOnContextCancel(t *testing.T) {
	events := make([]packet.Event, 1000)
	for i := range events {
		events[i] = mkEvent(int64(i))
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := New(events)
	ch, err := a.Packets(ctx)
	if err != nil {
		t.Fatalf("Packets: %v", err)
	}

	<-ch
	cancel()

	// The channel must close promptly rather than draining all 1000 events.
	// The replay goroutine may still complete a send or two before it sees
	// the cancellation, so count what arrives until the close.
	received := 1
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				if received >= len(events) {
					t.Fatalf("channel delivered all %d events instead of stopping on cancel", received)
				}
				return
			}
			received++
		case <-deadline:
			t.Fatal("channel did not close after cancel")
		}
	}
}
