// Package ingress defines the packet ingress adapter contract, with three
// concrete adapters in subdirectories (pcapadapter, chanadapter,
// replayadapter). All three produce the same per-flow-ordered packet.Event
// stream; what differs is where the bytes come from.
package ingress

import (
	"context"

	"github.com/observeflow/netobserve-core/packet"
)

// Adapter is the contract any packet source implements to feed the
// engine.
type Adapter interface {
	// Packets starts delivering events and returns a channel that is closed
	// when the adapter has nothing left to send, either because ctx was
	// canceled or because the underlying source reached EOF (e.g. a replay
	// adapter exhausting its fixture). Events for a single FlowKey arrive in
	// non-decreasing TimeNano order; the adapter is responsible for internal
	// reordering (the pcap adapter's TCP reassembly), not the engine.
	Packets(ctx context.Context) (<-chan packet.Event, error)
}
