package relay

import (
	"errors"
	"fmt"
)

// Kind classifies a remote store failure. The engine's recovery policy
// branches on it: network failures are retryable, permission failures roll
// back the optimistic entry, not-found failures are surfaced and dropped.
type Kind int

const (
	KindUnknown Kind = iota
	KindNetwork
	KindPermission
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindPermission:
		return "permission"
	case KindNotFound:
		return "not-found"
	default:
		return "unknown"
	}
}

// Error wraps a store failure with its kind.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("relay: %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("relay: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a typed store error.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the failure kind from an error chain. A plain error with
// no relay classification counts as a network failure — the retryable
// default, so a transient unknown never strands a message.
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindNetwork
}

// IsNetwork reports whether err is a transient, retryable failure.
func IsNetwork(err error) bool { return err != nil && KindOf(err) == KindNetwork }

// IsPermission reports whether err is a fatal permission failure.
func IsPermission(err error) bool { return err != nil && KindOf(err) == KindPermission }

// IsNotFound reports whether err means the target vanished remotely.
func IsNotFound(err error) bool { return err != nil && KindOf(err) == KindNotFound }
