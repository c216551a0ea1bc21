package pcapadapter

import (
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/reassembly"

	"github.com/observeflow/netobserve-core/bufferpool"
	"github.com/observeflow/netobserve-core/packet"
)

// tcpFlow accumulates one direction of a TCP conversation's reassembled
// bytes and emits them as packet.Event values in arrival order. No
// protocol dispatch happens at the reassembly layer; that is the
// observer's job, so every reassembled chunk is simply forwarded as one
// Event.
type tcpFlow struct {
	key       packet.FlowKey
	direction packet.Direction
	protocol  packet.L7Protocol
	out       chan<- packet.Event
	pool      *bufferpool.Pool
}

func (f *tcpFlow) reassembled(sg reassembly.ScatterGather, ac reassembly.AssemblerContext) {
	length, _ := sg.Lengths()
	if length == 0 {
		return
	}
	data := sg.Fetch(length)

	buf := f.pool.Get(len(data))
	n := copy(buf, data)

	f.out <- packet.Event{
		Header: packet.Header{
			TimeNano: ac.GetCaptureInfo().Timestamp.UnixNano(),
			FlowKey:  f.key,
		},
		Data: packet.Data{
			Protocol:  f.protocol,
			Direction: f.direction,
			MsgType:   packet.MsgUnknown,
			Buffer:    buf[:n],
			BufferLen: n,
			RealLen:   n,
		},
	}
}

// tcpStream represents a pair of uni-directional tcpFlows and implements
// reassembly.Stream to receive reassembled data for both, directing each
// chunk to the matching tcpFlow by reassembly.TCPFlowDirection.
type tcpStream struct {
	netFlow gopacket.Flow
	flows   map[reassembly.TCPFlowDirection]*tcpFlow
	out     chan<- packet.Event
	pool    *bufferpool.Pool
}

func newTCPStream(netFlow gopacket.Flow, out chan<- packet.Event, pool *bufferpool.Pool) *tcpStream {
	return &tcpStream{netFlow: netFlow, out: out, pool: pool}
}

func (s *tcpStream) Accept(tcp *layers.TCP, _ gopacket.CaptureInfo, dir reassembly.TCPFlowDirection, _ reassembly.Sequence, start *bool, _ reassembly.AssemblerContext) bool {
	// Force acceptance even without a SYN: this may be a connection that
	// pre-dates when capture started, and we'd otherwise stall forever
	// waiting for a start we'll never see.
	*start = true

	if s.flows == nil {
		srcE, dstE := s.netFlow.Endpoints()
		srcIP := net.IP(srcE.Raw())
		dstIP := net.IP(dstE.Raw())

		fwdKey := packet.NewFlowKey(srcIP, dstIP, uint16(tcp.SrcPort), uint16(tcp.DstPort), packet.TCP)
		proto := classify(uint16(tcp.SrcPort), uint16(tcp.DstPort))

		fwdDir := packet.ClientToServer
		revDir := packet.ServerToClient
		if _, ok := wellKnownPorts[uint16(tcp.SrcPort)]; ok {
			fwdDir, revDir = packet.ServerToClient, packet.ClientToServer
		}

		fwd := &tcpFlow{key: fwdKey, direction: fwdDir, protocol: proto, out: s.out, pool: s.pool}
		rev := &tcpFlow{key: fwdKey, direction: revDir, protocol: proto, out: s.out, pool: s.pool}

		s.flows = map[reassembly.TCPFlowDirection]*tcpFlow{
			dir:           fwd,
			dir.Reverse(): rev,
		}
	}

	return true
}

func (s *tcpStream) ReassembledSG(sg reassembly.ScatterGather, ac reassembly.AssemblerContext) {
	if s.flows == nil {
		return
	}
	dir, _, _, _ := sg.Info()
	if f, ok := s.flows[dir]; ok {
		f.reassembled(sg, ac)
	}
}

func (s *tcpStream) ReassemblyComplete(_ reassembly.AssemblerContext) bool {
	return true
}

var _ reassembly.Stream = (*tcpStream)(nil)

// streamFactory implements reassembly.StreamFactory, handing the assembler a
// fresh tcpStream per new TCP conversation.
type streamFactory struct {
	out  chan<- packet.Event
	pool *bufferpool.Pool
}

func (sf *streamFactory) New(netFlow, _ gopacket.Flow, _ *layers.TCP, _ reassembly.AssemblerContext) reassembly.Stream {
	return newTCPStream(netFlow, sf.out, sf.pool)
}

var _ reassembly.StreamFactory = (*streamFactory)(nil)
