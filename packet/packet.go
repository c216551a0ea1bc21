// Package packet defines the immutable per-packet data model the ingress
// adapter hands to the connection table and observers.
package packet

import (
	"fmt"
	"net"
)

// L4Proto is the transport-layer protocol of a flow.
type L4Proto uint8

const (
	L4Unknown L4Proto = iota
	TCP
	UDP
)

func (p L4Proto) String() string {
	switch p {
	case TCP:
		return "tcp"
	case UDP:
		return "udp"
	default:
		return "unknown"
	}
}

// L7Protocol tags the application-layer protocol detected for a packet.
type L7Protocol uint8

const (
	None L7Protocol = iota
	HTTP
	DNS
	MySQL
	Redis
	PgSQL
	Dubbo
	Kafka

	numL7Protocols // sentinel, used to size per-protocol stat/parser tables
)

func (p L7Protocol) String() string {
	switch p {
	case HTTP:
		return "http"
	case DNS:
		return "dns"
	case MySQL:
		return "mysql"
	case Redis:
		return "redis"
	case PgSQL:
		return "pgsql"
	case Dubbo:
		return "dubbo"
	case Kafka:
		return "kafka"
	default:
		return "none"
	}
}

// NumL7Protocols is the number of recognized protocol tags, including
// None. Used to size table-indexed statistics and parser registries.
const NumL7Protocols = int(numL7Protocols)

// Direction is the direction a packet travelled relative to the connection's
// originator.
type Direction uint8

const (
	ClientToServer Direction = iota
	ServerToClient
)

func (d Direction) Reverse() Direction {
	if d == ClientToServer {
		return ServerToClient
	}
	return ClientToServer
}

func (d Direction) String() string {
	if d == ServerToClient {
		return "server->client"
	}
	return "client->server"
}

// MsgType is a hint about whether a packet carries a request or a response,
// when the capture layer was able to tell.
type MsgType uint8

const (
	MsgUnknown MsgType = iota
	MsgRequest
	MsgResponse
)

// FlowKey identifies a bidirectional transport-level conversation. Two
// packets with swapped src/dst and equal proto
// belong to the same flow once canonicalized by Canonical.
type FlowKey struct {
	SrcIP   string
	SrcPort uint16
	DstIP   string
	DstPort uint16
	L4      L4Proto
}

func NewFlowKey(src, dst net.IP, srcPort, dstPort uint16, l4 L4Proto) FlowKey {
	return FlowKey{SrcIP: src.String(), SrcPort: srcPort, DstIP: dst.String(), DstPort: dstPort, L4: l4}
}

func (k FlowKey) String() string {
	return fmt.Sprintf("%s:%d->%s:%d/%s", k.SrcIP, k.SrcPort, k.DstIP, k.DstPort, k.L4)
}

// Canonical returns a direction-independent form of the key, used to map
// both directions of a TCP/UDP conversation onto the same table entry.
func (k FlowKey) Canonical() FlowKey {
	if k.SrcIP < k.DstIP || (k.SrcIP == k.DstIP && k.SrcPort <= k.DstPort) {
		return k
	}
	return FlowKey{SrcIP: k.DstIP, SrcPort: k.DstPort, DstIP: k.SrcIP, DstPort: k.SrcPort, L4: k.L4}
}

// ProcMeta is the process/container identity the capture layer attaches
// to a packet header.
type ProcMeta struct {
	PID         int
	ContainerID string
	K8sLabels   map[string]string
}

// Header is the immutable per-packet metadata. Identity of a connection
// is the pair (FlowKey, CreationTime): the first Header seen for a flow.
type Header struct {
	TimeNano int64
	FlowKey  FlowKey
	Proc     ProcMeta
}

// Valid reports whether the header is usable: a capture layer that lost
// part of a packet can hand over a header with missing addressing, which
// must be dropped rather than admitted to the connection table.
func (h Header) Valid() bool {
	return h.TimeNano >= 0 && h.FlowKey.SrcIP != "" && h.FlowKey.DstIP != ""
}

// Data is the per-packet payload and classification.
type Data struct {
	Protocol  L7Protocol
	Direction Direction
	MsgType   MsgType
	Buffer    []byte
	BufferLen int
	RealLen   int
	Truncated bool
}

// Event pairs a Header with its Data, the unit the ingress adapter
// delivers in arrival order per flow.
type Event struct {
	Header Header
	Data   Data
}
