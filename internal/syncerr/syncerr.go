// Package syncerr defines the failure taxonomy shared by the transport, the
// scheduler and the reconciler. Every failure crossing a component boundary
// resolves to exactly one Kind, and each Kind has a fixed handling rule:
//
//   - Transient:  retried with backoff (timeouts, resets, 5xx, 429)
//   - Systemic:   halts the current drain pass (auth rejected, unreachable)
//   - Validation: dead-lettered immediately (server rejected the payload)
//   - Conflict:   server view wins, local mutation discarded, notice raised
package syncerr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind int

const (
	Transient Kind = iota
	Systemic
	Validation
	Conflict
)

// String returns the lower-case name used in logs, metrics and dead letters.
func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Systemic:
		return "systemic"
	case Validation:
		return "validation"
	case Conflict:
		return "conflict"
	}
	return "unknown"
}

// Error is a classified failure.
type Error struct {
	Kind Kind
	// Op names the failing operation, e.g. "submit" or "connect".
	Op string
	// StatusCode is the HTTP status when the failure came from a response.
	StatusCode int
	// ServerEntity is the server's view of the entity, if the response
	// carried one (conflicts).
	ServerEntity json.RawMessage
	Err          error
}

func (e *Error) Error() string {
	msg := e.Kind.String() + " error"
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// NewTransient wraps err as a retryable failure.
func NewTransient(op string, err error) *Error { return New(Transient, op, err) }

// NewSystemic wraps err as a failure that should halt the drain.
func NewSystemic(op string, err error) *Error { return New(Systemic, op, err) }

// NewValidation wraps err as a permanent, item-specific rejection.
func NewValidation(op string, err error) *Error { return New(Validation, op, err) }

// NewConflict wraps err as a divergence with the server state. body is the
// server's current view of the entity and may be empty.
func NewConflict(op string, status int, body json.RawMessage, err error) *Error {
	return &Error{Kind: Conflict, Op: op, StatusCode: status, ServerEntity: body, Err: err}
}

// KindOf classifies err. Unclassified errors are Transient so that they are
// retried and eventually dead-lettered rather than dropped. A cancelled
// context is Systemic: nothing was decided about the item.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, context.Canceled) {
		return Systemic
	}
	return Transient
}

// Is reports whether err classifies as kind.
func Is(err error, kind Kind) bool { return err != nil && KindOf(err) == kind }

// As extracts the classified error from err's chain.
func As(err error) (*Error, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}
