// Package pcapadapter implements the live-capture ingress.Adapter: it
// opens a network interface, reassembles TCP byte streams in order via
// gopacket's reassembly.Assembler, and emits packet.Event values tagged
// with a best-effort protocol classification (see classify.go). A
// production deployment's capture layer performs its own protocol tagging
// upstream, so no content-based protocol selection happens here.
package pcapadapter

import (
	"context"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"github.com/google/gopacket/reassembly"
	"github.com/pkg/errors"

	"github.com/observeflow/netobserve-core/bufferpool"
	"github.com/observeflow/netobserve-core/internal/obserr"
	"github.com/observeflow/netobserve-core/internal/printer"
	"github.com/observeflow/netobserve-core/packet"
)

const (
	defaultSnapLen = 262144

	// streamFlushTimeout is the
	// longest we'll let an assembler hold data for a stream with a gap
	// before forcing a flush.
	streamFlushTimeout = 10 * time.Second
	// streamCloseTimeout is how long an idle stream is kept open awaiting
	// more traffic.
	streamCloseTimeout = 90 * time.Second

	maxBufferedPagesTotal   = 100_000
	maxBufferedPagesPerConn = 4_000
)

// Adapter is a live-capture ingress.Adapter over one network interface.
type Adapter struct {
	iface     string
	bpfFilter string
	pool      *bufferpool.Pool
}

// New builds a pcapadapter.Adapter. pool sizes the byte-slice allocator used
// for every reassembled chunk (see bufferpool.New).
func New(iface, bpfFilter string, pool *bufferpool.Pool) *Adapter {
	if pool == nil {
		pool = bufferpool.New(4096)
	}
	return &Adapter{iface: iface, bpfFilter: bpfFilter, pool: pool}
}

// Packets opens the interface and starts reassembling traffic, returning a
// channel of packet.Event that closes when ctx is canceled or the capture
// handle errors out.
func (a *Adapter) Packets(ctx context.Context) (<-chan packet.Event, error) {
	handle, err := pcap.OpenLive(a.iface, defaultSnapLen, true, pcap.BlockForever)
	if err != nil {
		return nil, errors.Wrapf(err, "pcapadapter: failed to open interface %s", a.iface)
	}
	if a.bpfFilter != "" {
		if err := handle.SetBPFFilter(a.bpfFilter); err != nil {
			handle.Close()
			return nil, errors.Wrap(err, "pcapadapter: failed to set BPF filter")
		}
	}

	out := make(chan packet.Event, 100)
	sf := &streamFactory{out: out, pool: a.pool}
	assembler := reassembly.NewAssembler(reassembly.NewStreamPool(sf))
	assembler.AssemblerOptions.MaxBufferedPagesTotal = maxBufferedPagesTotal
	assembler.AssemblerOptions.MaxBufferedPagesPerConnection = maxBufferedPagesPerConn

	source := gopacket.NewPacketSource(handle, handle.LinkType())
	pktChan := source.Packets()

	go func() {
		defer close(out)
		defer handle.Close()

		// Capture faults are sampled rather than logged one-per-packet; a
		// broken interface can produce them at line rate.
		captureErrs := &obserr.Sampled{SampleCount: 5}
		defer func() {
			if err := captureErrs.ErrOrNil(); err != nil {
				printer.Stderr.Warningf("pcapadapter: %v\n", err)
			}
		}()

		ticker := time.NewTicker(streamFlushTimeout / 4)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				assembler.FlushAll()
				return
			case pkt, ok := <-pktChan:
				if !ok {
					assembler.FlushAll()
					return
				}
				captureErrs.Add(a.dispatch(assembler, pkt))
			case <-ticker.C:
				now := time.Now()
				flushed, closed := assembler.FlushWithOptions(reassembly.FlushOptions{
					T:  now.Add(-streamFlushTimeout),
					TC: now.Add(-streamCloseTimeout),
				})
				if flushed != 0 || closed != 0 {
					printer.V(4).Debugf("pcapadapter: flushed %d closed %d stale streams\n", flushed, closed)
				}
			}
		}
	}()

	return out, nil
}

func (a *Adapter) dispatch(assembler *reassembly.Assembler, pkt gopacket.Packet) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = obserr.New(obserr.BadCapture, "pcapadapter", errors.Errorf("panic while handling a packet: %v", r))
		}
	}()

	if pkt.NetworkLayer() == nil || pkt.TransportLayer() == nil {
		return obserr.New(obserr.BadCapture, "pcapadapter", errors.New("packet has no network or transport layer"))
	}

	tcp, ok := pkt.TransportLayer().(*layers.TCP)
	if !ok {
		// UDP and other transports aren't reassembled; this core's protocol
		// set is TCP-only, so non-TCP traffic is simply not forwarded.
		return nil
	}

	ci := pkt.Metadata().CaptureInfo
	assembler.AssembleWithContext(pkt.NetworkLayer().NetworkFlow(), tcp, &captureContext{ci: ci})
	return nil
}

// captureContext implements reassembly.AssemblerContext with just the
// capture timestamp, since this core has no use for TCP seq/ack beyond what
// the assembler itself tracks.
type captureContext struct {
	ci gopacket.CaptureInfo
}

func (c *captureContext) GetCaptureInfo() gopacket.CaptureInfo { return c.ci }

var _ reassembly.AssemblerContext = (*captureContext)(nil)
