package queue

import "errors"

var (
	// ErrNotFound indicates that no queue item or dead letter has the given id.
	ErrNotFound = errors.New("queue item not found")

	// ErrEmpty is returned by PeekOldestUnlocked when nothing is waiting.
	ErrEmpty = errors.New("queue empty")

	// ErrInFlight is returned when an operation requires an item that is not
	// currently submitted to the transport.
	ErrInFlight = errors.New("queue item in flight")

	// ErrEntityDeleted is returned when a mutation targets an entity whose
	// Delete is already queued.
	ErrEntityDeleted = errors.New("entity already deleted")

	// ErrAlreadyCreated is returned when a Create targets an entity that
	// already has queued mutations.
	ErrAlreadyCreated = errors.New("entity already has pending mutations")

	// ErrInvalidOperation is returned for unknown operations.
	ErrInvalidOperation = errors.New("invalid operation")
)
