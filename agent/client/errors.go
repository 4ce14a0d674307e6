package client

import (
	"fmt"

	"github.com/simplexmq/simplexmq/smp/wire"
)

// Kind classifies an agent-layer failure into spec.md §7's taxonomy:
// every error an agent/session.Manager or agent/client.Client surfaces
// to its caller collapses into exactly one of these.
type Kind int

const (
	KindUnknown Kind = iota
	KindProhibited
	KindSyntax
	KindBroker
	KindSMP
	KindSize
	KindStore
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindProhibited:
		return "PROHIBITED"
	case KindSyntax:
		return "SYNTAX"
	case KindBroker:
		return "BROKER"
	case KindSMP:
		return "SMP"
	case KindSize:
		return "SIZE"
	case KindStore:
		return "STORE"
	case KindInternal:
		return "INTERNAL"
	default:
		return "UNKNOWN"
	}
}

// Error is the typed form of an ERR the agent reports up to its
// caller, e.g. `ERR BROKER tcp_connection` or `ERR SMP AUTH`. Reason
// carries the kind-specific detail; it is empty for the bare kinds
// (UNKNOWN, PROHIBITED, INTERNAL).
type Error struct {
	Kind   Kind
	Reason string
	cause  error
}

func (e *Error) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("agent: %s", e.Kind)
	}
	return fmt.Sprintf("agent: %s %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.cause }

// brokerError wraps cause (a transport-level timeout or shutdown) as
// the BROKER tcp_connection failure spec.md §5 and §7 describe: the
// caller is told the broker is unreachable, not why in transport
// terms, while errors.Is against cause still works for callers that
// care (e.g. tests asserting on ErrTimeout specifically).
func brokerError(cause error) *Error {
	return &Error{Kind: KindBroker, Reason: "tcp_connection", cause: cause}
}

// SMPError converts a server-returned ERR code into the agent-layer
// SMP(server_error) kind, per spec.md §7.
func SMPError(code wire.ErrorCode) *Error {
	return &Error{Kind: KindSMP, Reason: string(code)}
}
