// Package obserr defines the typed error kinds the observation core
// returns. No panic propagates across component boundaries. Not every
// fallible call uses these kinds: the pcap adapter and the stats package
// also return plain pkg/errors-wrapped errors.
package obserr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies a failure.
type Kind int

const (
	// BadCapture: a truncated or invalid packet header arrived from the
	// ingress adapter. The packet is dropped; the observer is undisturbed.
	BadCapture Kind = iota
	// ProtocolParseFail: bytes could not be decoded as the bound protocol.
	ProtocolParseFail
	// ProtocolResync: a parser lost framing alignment and flushed its buffer.
	ProtocolResync
	// CapacityExceeded: a reassembly buffer or the connection table is full.
	CapacityExceeded
	// Shutdown: the engine is draining; no data should be surfaced as a
	// user-visible error because of it.
	Shutdown
)

func (k Kind) String() string {
	switch k {
	case BadCapture:
		return "bad_capture"
	case ProtocolParseFail:
		return "protocol_parse_fail"
	case ProtocolResync:
		return "protocol_resync"
	case CapacityExceeded:
		return "capacity_exceeded"
	case Shutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Error is the concrete typed error value fallible calls return.
type Error struct {
	Kind Kind
	Op   string
	err  error
}

func (e *Error) Error() string {
	if e.err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.err)
}

func (e *Error) Unwrap() error { return e.err }

// New builds a typed error for op, wrapping cause (which may be nil).
func New(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, err: cause}
}

// Wrap is New with a pkg/errors-style causal chain.
func Wrap(kind Kind, op string, cause error) *Error {
	if cause == nil {
		return New(kind, op, nil)
	}
	return New(kind, op, errors.Wrap(cause, op))
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Sampled accumulates up to SampleCount representative errors while still
// tracking the total number seen: the pcap adapter's capture loop can hit
// one decode failure per packet, and logging all of them would flood the
// log for no diagnostic benefit.
type Sampled struct {
	SampleCount int
	TotalCount  int
	samples     []error
}

// Add records err, keeping only the first SampleCount occurrences verbatim.
func (s *Sampled) Add(err error) {
	if err == nil {
		return
	}
	s.TotalCount++
	if s.SampleCount <= 0 || len(s.samples) < s.SampleCount {
		s.samples = append(s.samples, err)
	}
}

func (s *Sampled) Error() string {
	if s.TotalCount == 0 {
		return ""
	}
	msg := fmt.Sprintf("%d error(s)", s.TotalCount)
	for _, e := range s.samples {
		msg += "; " + e.Error()
	}
	return msg
}

// ErrOrNil returns s as an error if it recorded anything, else nil.
func (s *Sampled) ErrOrNil() error {
	if s.TotalCount == 0 {
		return nil
	}
	return s
}
