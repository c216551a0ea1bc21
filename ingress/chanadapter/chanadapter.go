// Package chanadapter is a pass-through ingress.Adapter over a caller-owned
// channel, the contract any future non-pcap ingress (an eBPF ring buffer
// reader, a sidecar's stdout tailer) implements. It is also
// the simplest adapter to drive from tests that want to hand-construct
// packet.Event values directly.
package chanadapter

import (
	"context"

	"github.com/observeflow/netobserve-core/packet"
)

type adapter struct {
	events <-chan packet.Event
}

// New wraps events as an ingress.Adapter. The caller retains ownership of
// events and is responsible for closing it; Packets does not close it.
func New(events <-chan packet.Event) *adapter {
	return &adapter{events: events}
}

// Packets returns a new channel fed by a forwarding goroutine. The goroutine
// closes it when events closes or when ctx is canceled, whichever comes
// first, so cancellation does not leak it for the lifetime of events.
func (a *adapter) Packets(ctx context.Context) (<-chan packet.Event, error) {
	out := make(chan packet.Event)
	go func() {
		defer close(out)
		for {
			select {
			case ev, ok := <-a.events:
				if !ok {
					return
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
