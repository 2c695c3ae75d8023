package reconcile

import "errors"

var (
	// ErrUnknownEvent is returned for an inbound event type the reconciler
	// does not handle.
	ErrUnknownEvent = errors.New("unknown event type")

	// ErrMissingEventID is returned for a durable event without a server id.
	ErrMissingEventID = errors.New("event has no id")
)
