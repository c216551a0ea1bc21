// Package replayadapter is a deterministic, in-memory ingress.Adapter that
// replays a fixed slice of packet.Event values in order, used by
// round-trip tests that feed a captured exchange's packets back through
// the pipeline and check the resulting aggregates.
// Unlike chanadapter, it owns its data outright and needs no producer
// goroutine racing the consumer, which keeps tests free of timing flakiness.
package replayadapter

import (
	"context"

	"github.com/observeflow/netobserve-core/packet"
)

type adapter struct {
	events []packet.Event
}

// New builds a replay adapter over events. The slice is not copied; callers
// should not mutate it after passing it to New.
func New(events []packet.Event) *adapter {
	return &adapter{events: events}
}

// Packets delivers every event in order on an unbuffered channel, then
// closes it. Delivery stops early if ctx is canceled mid-replay.
func (a *adapter) Packets(ctx context.Context) (<-chan packet.Event, error) {
	out := make(chan packet.Event)
	go func() {
		defer close(out)
		for _, ev := range a.events {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
