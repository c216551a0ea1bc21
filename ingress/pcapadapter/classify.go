package pcapadapter

import "github.com/observeflow/netobserve-core/packet"

// wellKnownPorts maps a TCP port to the protocol a production
// deployment's capture layer (an eBPF probe tagging sockets by syscall
// interception) would normally attach as packet.Data.Protocol before this
// core ever sees the packet. pcapadapter has no such upstream tagger
// available, it is reading raw interface traffic, so it falls back to a
// port-table heuristic: good enough to exercise every protocol subpackage
// against an offline pcap file or a single test service, not a claim of
// production-grade protocol sniffing.
var wellKnownPorts = map[uint16]packet.L7Protocol{
	80:    packet.HTTP,
	8080:  packet.HTTP,
	53:    packet.DNS,
	3306:  packet.MySQL,
	6379:  packet.Redis,
	5432:  packet.PgSQL,
	20880: packet.Dubbo,
	9092:  packet.Kafka,
}

// classify returns the protocol tag for a flow given its two port numbers,
// preferring whichever of the two is in wellKnownPorts (the server side).
func classify(srcPort, dstPort uint16) packet.L7Protocol {
	if p, ok := wellKnownPorts[dstPort]; ok {
		return p
	}
	if p, ok := wellKnownPorts[srcPort]; ok {
		return p
	}
	return packet.None
}
