// This file centralizes the error values returned by Engine methods so
// callers (the ops API, the CLI, a UI layer) can test for them with errors.Is.

package engine

import (
	"errors"

	"github.com/tbourn/go-gate-sync/internal/queue"
	"github.com/tbourn/go-gate-sync/internal/store"
)

var (
	// ErrOffline is returned by ManualSync while the connection state is
	// Offline. Nothing is triggered.
	ErrOffline = errors.New("offline")

	// ErrEntityDeleted is returned when a mutation targets an entity that is
	// already deleted locally (tombstoned or with a queued Delete).
	ErrEntityDeleted = queue.ErrEntityDeleted

	// ErrNotFound is returned when the target entity does not exist locally.
	ErrNotFound = store.ErrNotFound

	// ErrInFlight is returned by CancelPending for an item already submitted.
	ErrInFlight = queue.ErrInFlight

	// ErrRealtimeDisabled is returned by realtime-only operations when the
	// engine was built without a realtime dialer.
	ErrRealtimeDisabled = errors.New("realtime channel disabled")

	// ErrEmptyMessage is returned by SendChatMessage for a text message
	// without content.
	ErrEmptyMessage = errors.New("message is empty")

	// ErrAlreadyRunning is returned by a second concurrent call to Run.
	ErrAlreadyRunning = errors.New("engine already running")
)
