// Command netobs-soak drives the observation engine with synthetic traffic
// for manual soak-testing during development. It is not part of the library
// surface a host agent consumes; the engine itself has no CLI.
package main

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/observeflow/netobserve-core/config"
	"github.com/observeflow/netobserve-core/engine"
	"github.com/observeflow/netobserve-core/ingress/replayadapter"
	"github.com/observeflow/netobserve-core/internal/printer"
	"github.com/observeflow/netobserve-core/packet"
	"github.com/observeflow/netobserve-core/protocol"
	"github.com/observeflow/netobserve-core/stats"
)

var (
	flowsFlag     int
	exchangesFlag int
	durationFlag  time.Duration
)

var rootCmd = &cobra.Command{
	Use:           "netobs-soak",
	Short:         "Replay synthetic protocol traffic through the observation engine.",
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSoak()
	},
}

func init() {
	rootCmd.PersistentFlags().IntVar(&flowsFlag, "flows", 100, "number of synthetic flows")
	rootCmd.PersistentFlags().IntVar(&exchangesFlag, "exchanges", 100, "HTTP exchanges per flow")
	rootCmd.PersistentFlags().DurationVar(&durationFlag, "duration", 5*time.Second, "how long to let the engine run")
	rootCmd.PersistentFlags().Int("verbose-level", 0, "diagnostic verbosity")
	_ = viper.BindPFlag("verbose-level", rootCmd.PersistentFlags().Lookup("verbose-level"))
	config.RegisterFlags(rootCmd.PersistentFlags())
	flag.CommandLine.AddFlagSet(rootCmd.PersistentFlags())
}

func syntheticEvents(flows, exchanges int) []packet.Event {
	var events []packet.Event
	var nano int64
	req := []byte("GET /soak HTTP/1.1\r\nHost: soak.test\r\n\r\n")
	resp := []byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")

	for f := 0; f < flows; f++ {
		fk := packet.FlowKey{
			SrcIP:   "10.0.0.1",
			SrcPort: uint16(10000 + f),
			DstIP:   "10.0.0.2",
			DstPort: 80,
			L4:      packet.TCP,
		}
		for i := 0; i < exchanges; i++ {
			nano += 2
			events = append(events,
				packet.Event{
					Header: packet.Header{TimeNano: nano - 1, FlowKey: fk},
					Data:   packet.Data{Protocol: packet.HTTP, Direction: packet.ClientToServer, Buffer: req, BufferLen: len(req), RealLen: len(req)},
				},
				packet.Event{
					Header: packet.Header{TimeNano: nano, FlowKey: fk},
					Data:   packet.Data{Protocol: packet.HTTP, Direction: packet.ServerToClient, Buffer: resp, BufferLen: len(resp), RealLen: len(resp)},
				},
			)
		}
	}
	return events
}

func runSoak() error {
	if err := stats.InitProcessUsage(); err != nil {
		printer.Warningf("process usage unavailable: %v\n", err)
	}

	events := syntheticEvents(flowsFlag, exchangesFlag)
	var detailCount atomic.Int64
	e := engine.New(config.Load(nil), replayadapter.New(events), nil, func(protocol.Detail) {
		detailCount.Add(1)
	})
	printer.Infof("engine %s: replaying %d events across %d flows\n", e.ID(), len(events), flowsFlag)

	ctx := context.Background()
	errCh := make(chan error, 1)
	go func() { errCh <- e.Run(ctx) }()

	time.Sleep(durationFlag)

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil {
		return err
	}

	snap := e.Stats().Snapshot()
	fmt.Printf("packets:      %d\n", snap.Total(stats.Count))
	fmt.Printf("parse fails:  %d\n", snap.Total(stats.ParseFail))
	fmt.Printf("drops:        %d\n", snap.Total(stats.Drop))
	fmt.Printf("details:      %d\n", detailCount.Load())

	if usage, err := stats.ReadProcessUsage(); err == nil {
		fmt.Printf("cpu (rel):    %.3f\n", usage.RelativeCPU)
		fmt.Printf("vm peak (kb): %d\n", usage.VMPeakKB)
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printer.Stderr.Errorf("%v\n", err)
		os.Exit(1)
	}
}
