// Package engine wires the pipeline together: ingress adapter ->
// flow-affinity shard dispatch -> connection table -> observer -> protocol
// parser -> sampler -> aggregator. Worker lifecycle is managed with an
// errgroup; a stop channel closed once triggers a graceful drain. Signal
// handling belongs to the caller, not this library.
package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/observeflow/netobserve-core/aggregator"
	"github.com/observeflow/netobserve-core/config"
	"github.com/observeflow/netobserve-core/contable"
	"github.com/observeflow/netobserve-core/ingress"
	"github.com/observeflow/netobserve-core/internal/obserr"
	"github.com/observeflow/netobserve-core/internal/printer"
	"github.com/observeflow/netobserve-core/observer"
	"github.com/observeflow/netobserve-core/packet"
	"github.com/observeflow/netobserve-core/protocol"
	"github.com/observeflow/netobserve-core/protocol/dnsproto"
	"github.com/observeflow/netobserve-core/protocol/dubboproto"
	"github.com/observeflow/netobserve-core/protocol/httpproto"
	"github.com/observeflow/netobserve-core/protocol/kafkaproto"
	"github.com/observeflow/netobserve-core/protocol/mysqlproto"
	"github.com/observeflow/netobserve-core/protocol/pgsqlproto"
	"github.com/observeflow/netobserve-core/protocol/redisproto"
	"github.com/observeflow/netobserve-core/sampler"
	"github.com/observeflow/netobserve-core/stats"
)

// shardQueueDepth bounds how many undispatched events a single shard's
// worker may have queued before the dispatch loop starts dropping, so one
// slow shard can't grow memory without bound.
const shardQueueDepth = 1024

// Engine is the top-level runnable entry point this core exposes to a
// host agent.
type Engine struct {
	id          uuid.UUID
	revision    *config.Revision
	adapter     ingress.Adapter
	registry    *protocol.Registry
	table       *contable.Table
	aggregators *aggregator.Holder
	prodStats   *stats.Set
	debugStats  *stats.Set
	filter      sampler.DetailFilter

	stop chan struct{}
	done chan struct{}
}

// New builds an Engine from an initial configuration snapshot and an
// ingress adapter. filter is passed through to every observer as the
// always-sample predicate; detailSink receives every Detail record the
// aggregator's drain goroutine pulls off its queue (the host agent's
// egress path).
func New(cfg config.Snapshot, adapter ingress.Adapter, filter sampler.DetailFilter, detailSink func(protocol.Detail)) *Engine {
	registry := protocol.NewRegistry()
	limit := cfg.ProtocolCacheLimitBytes

	if cfg.ProtocolEnable["http"] {
		registry.Register(packet.HTTP, httpproto.New(limit))
	}
	if cfg.ProtocolEnable["dns"] {
		registry.Register(packet.DNS, dnsproto.New(limit))
	}
	if cfg.ProtocolEnable["mysql"] {
		registry.Register(packet.MySQL, mysqlproto.New(limit))
	}
	if cfg.ProtocolEnable["redis"] {
		registry.Register(packet.Redis, redisproto.New(limit))
	}
	if cfg.ProtocolEnable["pgsql"] {
		registry.Register(packet.PgSQL, pgsqlproto.New(limit))
	}
	if cfg.ProtocolEnable["dubbo"] {
		registry.Register(packet.Dubbo, dubboproto.New(limit))
	}
	if cfg.ProtocolEnable["kafka"] {
		registry.Register(packet.Kafka, kafkaproto.New(limit))
	}

	prodStats := stats.NewProdSet()
	var debugStats *stats.Set
	if cfg.ProtocolStatEnabled {
		debugStats = stats.NewDebugSet()
	} else {
		debugStats = stats.NewProdSet()
	}

	table := contable.New(contable.DefaultShardCount, cfg.MaxConnections)
	table.OnEvict(func(packet.FlowKey, *observer.Observer) {
		// Capacity eviction destroys a live observer; keep the gauge honest.
		prodStats.Add(stats.ConnectionNum, packet.None, -1)
	})

	return &Engine{
		id:          uuid.New(),
		revision:    config.NewRevision(cfg),
		adapter:     adapter,
		registry:    registry,
		table:       table,
		aggregators: aggregator.New(4096, detailSink),
		prodStats:   prodStats,
		debugStats:  debugStats,
		filter:      filter,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Reload swaps in a newly loaded configuration snapshot for tunables that
// are safe to change at runtime: timeouts and sample rates. The enabled
// protocol set does NOT change post-construction; re-registering parsers
// mid-flight would orphan bound ones, so that half of cfg is fixed at New
// time.
func (e *Engine) Reload(cfg config.Snapshot) {
	e.revision.Reload(cfg)
}

// ID identifies this engine instance, so a host agent running several
// engines can correlate their log lines and stat snapshots.
func (e *Engine) ID() string { return e.id.String() }

// FlushAggregates snapshots and resets every aggregate bucket. The host
// agent calls this on its own reporting tick; details stream continuously
// and are unaffected.
func (e *Engine) FlushAggregates(window time.Time) []aggregator.Snapshot {
	return e.aggregators.Flush(window)
}

// Stats returns the production counter set.
func (e *Engine) Stats() *stats.Set { return e.prodStats }

// DebugStats returns the debug counter set, which resets on every Snapshot.
// With ProtocolStatEnabled off it is a production-style set instead, whose
// counters do not reset.
func (e *Engine) DebugStats() *stats.Set { return e.debugStats }

// Run starts the ingress adapter and the flow-affinity worker pool (each
// worker owns its shard's GC sweep), blocking until ctx is canceled or
// Shutdown is called.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.done)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	packets, err := e.adapter.Packets(runCtx)
	if err != nil {
		return err
	}
	printer.V(4).Infof("engine %s: starting %d shard workers\n", e.id, e.table.NumShards())

	numShards := e.table.NumShards()
	shardChans := make([]chan packet.Event, numShards)
	for i := range shardChans {
		shardChans[i] = make(chan packet.Event, shardQueueDepth)
	}

	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		return e.dispatch(gctx, packets, shardChans)
	})

	for i := 0; i < numShards; i++ {
		i := i
		g.Go(func() error {
			e.runShardWorker(gctx, i, shardChans[i])
			return nil
		})
	}

	go func() {
		select {
		case <-e.stop:
			cancel()
		case <-gctx.Done():
		}
	}()

	werr := g.Wait()
	e.aggregators.Close()
	return werr
}

// Shutdown requests Run to stop, draining in-flight work, and blocks until
// it has (or ctx expires first).
func (e *Engine) Shutdown(ctx context.Context) error {
	select {
	case <-e.stop:
		// Already shutting down.
	default:
		close(e.stop)
	}

	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// dispatch reads the ingress stream and routes each event to the shard
// channel owning its flow key; it is the only cross-shard hop in the
// pipeline. A full shard
// channel drops the event rather than blocking the whole pipeline on one
// slow shard, counted as a Drop for that event's tagged protocol.
func (e *Engine) dispatch(ctx context.Context, packets <-chan packet.Event, shardChans []chan packet.Event) error {
	for {
		select {
		case <-ctx.Done():
			for _, ch := range shardChans {
				close(ch)
			}
			return nil
		case ev, ok := <-packets:
			if !ok {
				for _, ch := range shardChans {
					close(ch)
				}
				return nil
			}
			if !ev.Header.Valid() {
				e.prodStats.Inc(stats.Drop, ev.Data.Protocol)
				printer.V(5).Debugf("engine: %v\n", obserr.New(obserr.BadCapture, "ingress", nil))
				continue
			}
			idx := e.table.ShardIndex(ev.Header.FlowKey)
			select {
			case shardChans[idx] <- ev:
			default:
				e.prodStats.Inc(stats.Drop, ev.Data.Protocol)
				printer.V(5).Debugf("engine: shard %d queue full, dropping event for flow %s\n", idx, ev.Header.FlowKey)
			}
		}
	}
}

// runShardWorker is the single goroutine ever allowed to touch shard i's
// observers, which is what lets Observer and Parser state go unlocked. The
// GC sweep for the shard runs here too, interleaved with packet handling on
// the same goroutine, so an observer can never be swept while one of its
// packets is mid-dispatch.
func (e *Engine) runShardWorker(ctx context.Context, shard int, events <-chan packet.Event) {
	ticker := time.NewTicker(e.revision.Current().GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Dispatch closes the shard channels on cancellation; drain
			// whatever it already queued before exiting.
			if events != nil {
				for ev := range events {
					e.handleEvent(ev)
				}
			}
			return
		case ev, ok := <-events:
			if !ok {
				// Source exhausted; keep sweeping this shard until shutdown.
				events = nil
				continue
			}
			e.handleEvent(ev)
		case <-ticker.C:
			e.sweepShard(shard)
		}
	}
}

func (e *Engine) handleEvent(ev packet.Event) {
	cfg := e.revision.Current()
	obs, _ := e.table.GetOrCreate(ev.Header.FlowKey, func() *observer.Observer {
		e.prodStats.Inc(stats.ConnectionNum, packet.None)
		return observer.New(ev.Header, e.aggregators, e.registry, e.filter, cfg.SampleRateFor(ev.Data.Protocol.String()), e.prodStats)
	})
	obs.OnData(ev.Header, ev.Data)
}

// sweepShard runs one GC pass over shard, keeping ConnectionNum an accurate
// live-connection count by subtracting what the sweep destroyed.
func (e *Engine) sweepShard(shard int) {
	cfg := e.revision.Current()
	removed := e.table.SweepShard(shard, cfg.ProtocolCacheLimitBytes, time.Now(), cfg.ConnectionClosedTimeout, cfg.ConnectionTimeout)
	if removed > 0 {
		e.prodStats.Add(stats.ConnectionNum, packet.None, -int64(removed))
		printer.V(6).Debugf("engine: shard %d GC removed %d connections\n", shard, removed)
	}
}
