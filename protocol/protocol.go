// Package protocol defines the contract every wire-format parser
// implements, and the Exchange/Detail types that parsers emit once a
// request has been matched with its response.
//
// Dispatch is a tagged variant: Parser is a plain interface and the engine
// holds exactly one live implementation per observer, never a type-erased
// pointer with a side-table of casts.
package protocol

import (
	"time"

	"github.com/observeflow/netobserve-core/packet"
)

// Result is the outcome of feeding bytes to a parser.
type Result int

const (
	// Ok: bytes were absorbed, producing zero or more exchanges.
	Ok Result = iota
	// Fail: the bytes could not be parsed as this protocol.
	Fail
	// Drop: bytes were intentionally discarded (sampler rejection or a
	// per-flow buffer cap).
	Drop
)

func (r Result) String() string {
	switch r {
	case Ok:
		return "ok"
	case Fail:
		return "fail"
	case Drop:
		return "drop"
	default:
		return "unknown"
	}
}

// Exchange is the output of matching a request with its response. It is
// owned briefly by the parser and observer, then handed to the
// aggregator.
type Exchange struct {
	Protocol     packet.L7Protocol
	Operation    string // e.g. "GET /users", "QUERY SELECT 1", "Produce"
	StartNano    int64
	DurationNano int64
	Status       string
	BytesIn      int
	BytesOut     int
	Attributes   map[string]string
	// NoResponse marks request-only protocols where the parser explicitly
	// has no response to pair.
	NoResponse bool
}

// Detail is the egress detail record: a sampled Exchange enriched with
// flow/process labels copied from the observer's creation header.
type Detail struct {
	FlowKey      packet.FlowKey
	Proc         packet.ProcMeta
	Protocol     packet.L7Protocol
	Operation    string
	StartNano    int64
	DurationNano int64
	Status       string
	BytesIn      int
	BytesOut     int
	Attributes   map[string]string
}

// Parser is the contract every protocol decoder implements. OnData is its
// only calling convention: every parser, including packet-framed ones such
// as Kafka whose length-prefixed frames arrive across TCP segments, takes
// reassembled bytes through OnData, and the observer only ever calls OnData.
type Parser interface {
	// Protocol returns the tag this parser was created for.
	Protocol() packet.L7Protocol

	// OnData feeds reassembled bytes for one direction of the flow and
	// returns the outcome plus any exchanges completed as a result.
	OnData(h packet.Header, d packet.Data) (Result, []Exchange)

	// GarbageCollection reports whether the parser's retained state is now
	// empty or within sizeLimitBytes with no stalled match older than the
	// protocol's own maximum age. Returning true makes the parser
	// (and, if the observer agrees, the observer itself) destructible.
	GarbageCollection(sizeLimitBytes int64, now time.Time) bool

	// CacheSize reports current retained bytes, for statistics.
	CacheSize() int64

	// Delete releases all buffers. Must be idempotent-safe to call once,
	// exactly like a destructor — the observer calls it exactly once per
	// parser, before binding a new one.
	Delete()
}

// Constructor builds a fresh Parser bound to one observer/header. Parsers
// return completed exchanges from OnData; they do not push them anywhere
// themselves, which is what keeps them free of aggregator plumbing.
type Constructor func(h packet.Header) Parser

// DetailSink is the push interface the observer delivers completed
// exchanges and sampled details through; aggregator.Holder implements it.
type DetailSink interface {
	AddExchange(ex Exchange)
	AddDetail(d Detail)
}

// Registry maps a protocol tag to its Constructor, built once at engine
// construction from the enabled-protocol set. A table lookup replaces a
// switch-on-type-tag dispatch.
type Registry struct {
	ctors [packet.NumL7Protocols]Constructor
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register installs the constructor for tag. Registering packet.None is a
// programmer error and panics, since None never binds a parser.
func (r *Registry) Register(tag packet.L7Protocol, ctor Constructor) {
	if tag == packet.None {
		panic("protocol: cannot register a constructor for packet.None")
	}
	r.ctors[tag] = ctor
}

// Create returns a new parser for tag, or nil if tag isn't registered
// (protocol disabled or unrecognized).
func (r *Registry) Create(tag packet.L7Protocol, h packet.Header) Parser {
	ctor := r.ctors[tag]
	if ctor == nil {
		return nil
	}
	return ctor(h)
}

// Enabled reports whether tag has a registered constructor.
func (r *Registry) Enabled(tag packet.L7Protocol) bool {
	return r.ctors[tag] != nil
}
