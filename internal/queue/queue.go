// Package queue is the durable outbound queue: an ordered log of pending
// create/update/delete mutations, stored in the same database as the
// entities so an optimistic write and its queue entry commit together.
//
// Items are processed in queue_seq order by a single drainer. An item is
// locked while submitted (in flight) and leaves the queue exactly once, as
// completed, dead-lettered or discarded; the ledger counts each outcome, so
// at any time
//
//	completed + dead_lettered + discarded + pending == enqueued
//
// Mutations of one entity coalesce into its waiting item (see Enqueue), and
// an in-flight item is never rewritten. Reference fields name their target
// by Ref: callers may pass a local id, and ResolveReferences swaps in the
// server id once the target is confirmed. RemapReferences does the same for
// payloads already waiting when the confirmation arrives.
//
// Failures follow syncerr kinds. Transient failures back off and retry until
// the attempt ceiling, validation and conflict failures dead-letter at once,
// and systemic failures release the item without counting an attempt. A
// dead letter can be retried, under the same rules as a fresh Enqueue, or
// discarded.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tbourn/go-gate-sync/internal/backoff"
	"github.com/tbourn/go-gate-sync/internal/domain"
	"github.com/tbourn/go-gate-sync/internal/logging"
	"github.com/tbourn/go-gate-sync/internal/observability"
	"github.com/tbourn/go-gate-sync/internal/repo"
	"github.com/tbourn/go-gate-sync/internal/store"
	"github.com/tbourn/go-gate-sync/internal/syncerr"
)

// Resolution is how an item left the active queue without failing.
type Resolution int

const (
	// Completed means the server acknowledged the mutation.
	Completed Resolution = iota
	// Discarded means the mutation was dropped on purpose (cancel, conflict).
	Discarded
)

// Outcome is the result of Fail.
type Outcome int

const (
	// Retry means the item stays queued and becomes eligible at NextAttemptAt.
	Retry Outcome = iota
	// DeadLettered means the item was moved to the dead-letter record.
	DeadLettered
	// Released means the item was unlocked without counting an attempt.
	Released
)

func (o Outcome) String() string {
	switch o {
	case Retry:
		return "retry"
	case DeadLettered:
		return "dead_lettered"
	case Released:
		return "released"
	}
	return "unknown"
}

// EnqueueResult describes where a mutation landed.
type EnqueueResult struct {
	// Seq is the item now holding the mutation; 0 when Collapsed.
	Seq int64
	// Coalesced is set when the mutation was merged into a waiting item.
	Coalesced bool
	// Collapsed is set when a Delete cancelled a never-submitted Create; the
	// item and the local entity are gone.
	Collapsed bool
}

// Stats summarizes the queue.
type Stats struct {
	Pending     int64 `json:"pending"`
	DeadLetters int64 `json:"dead_letters"`
	Buffered    int64 `json:"buffered_events"`

	Enqueued     int64 `json:"enqueued_total"`
	Completed    int64 `json:"completed_total"`
	DeadLettered int64 `json:"dead_lettered_total"`
	Discarded    int64 `json:"discarded_total"`
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// Queue is the outbound mutation queue.
type Queue struct {
	store       *store.Store
	policy      backoff.Policy
	maxAttempts int
	now         func() time.Time
	log         zerolog.Logger
}

// New returns a queue over st. An item is dead-lettered once its attempts
// reach maxAttempts; retries wait policy.Delay(attempts).
func New(st *store.Store, policy backoff.Policy, maxAttempts int, opts ...Option) *Queue {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	q := &Queue{
		store:       st,
		policy:      policy,
		maxAttempts: maxAttempts,
		now:         time.Now,
		log:         logging.For("queue"),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// MaxAttempts returns the dead-letter ceiling.
func (q *Queue) MaxAttempts() int { return q.maxAttempts }

// Enqueue records a mutation of e inside tx. The caller has already written
// the optimistic local state of e in the same transaction.
//
// Coalescing rules against the entity's waiting (not in flight) item:
//
//	create + update -> create (merged payload, same seq)
//	update + update -> update (merged payload, same seq)
//	create + delete -> item removed, local entity purged
//	update + delete -> update removed, delete appended at a new seq
//
// If the entity's only item is in flight the mutation is appended. Any
// mutation after a queued delete fails with ErrEntityDeleted.
func (q *Queue) Enqueue(tx *store.Tx, e domain.Entity, op domain.Operation) (EnqueueResult, error) {
	if !op.Valid() {
		return EnqueueResult{}, ErrInvalidOperation
	}
	t, m := e.EntityType(), e.Meta()
	body, err := json.Marshal(e)
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("encode %s payload: %w", t, err)
	}
	return q.enqueue(tx, mutation{
		t:        t,
		localID:  m.LocalID,
		serverID: m.ServerID,
		op:       op,
		payload:  string(body),
	})
}

// mutation is one change on its way into the queue.
type mutation struct {
	t        domain.EntityType
	localID  string
	serverID *string
	op       domain.Operation
	payload  string
	// stale is set for a payload older than any waiting item of the entity,
	// such as a retried dead letter. Merges keep the waiting item's keys.
	stale bool
}

func (q *Queue) enqueue(tx *store.Tx, m mutation) (EnqueueResult, error) {
	ctx := tx.Context()
	items, err := repo.QueueItemsFor(ctx, tx.DB, m.t, m.localID)
	if err != nil {
		return EnqueueResult{}, err
	}
	var waiting *domain.QueueItem
	for i := range items {
		if items[i].Operation == domain.OpDelete {
			return EnqueueResult{}, ErrEntityDeleted
		}
		if waiting == nil && !items[i].InFlight {
			waiting = &items[i]
		}
	}
	if m.op == domain.OpCreate && len(items) > 0 {
		return EnqueueResult{}, ErrAlreadyCreated
	}

	if waiting == nil {
		seq, err := q.appendItem(tx, m.t, m.localID, m.serverID, m.op, m.payload)
		return EnqueueResult{Seq: seq}, err
	}

	switch m.op {
	case domain.OpUpdate:
		base, next := waiting.Payload, m.payload
		if m.stale {
			base, next = next, base
		}
		merged, err := mergePayload(base, next)
		if err != nil {
			return EnqueueResult{}, err
		}
		waiting.Payload = merged
		waiting.ServerID = m.serverID
		if err := repo.SaveQueueItem(ctx, tx.DB, waiting); err != nil {
			return EnqueueResult{}, err
		}
		observability.QueueCoalesced.Inc()
		return EnqueueResult{Seq: waiting.Seq, Coalesced: true}, nil

	case domain.OpDelete:
		if waiting.Operation == domain.OpCreate {
			// Never seen by the server: drop every trace of the entity.
			for _, it := range items {
				if err := repo.DeleteQueueItem(ctx, tx.DB, it.Seq); err != nil {
					return EnqueueResult{}, err
				}
			}
			if err := repo.BumpLedger(ctx, tx.DB, repo.LedgerDelta{Discarded: int64(len(items))}); err != nil {
				return EnqueueResult{}, err
			}
			if err := tx.Purge(m.t, m.localID); err != nil {
				return EnqueueResult{}, err
			}
			observability.QueueCoalesced.Inc()
			return EnqueueResult{Collapsed: true}, nil
		}
		if err := repo.DeleteQueueItem(ctx, tx.DB, waiting.Seq); err != nil {
			return EnqueueResult{}, err
		}
		if err := repo.BumpLedger(ctx, tx.DB, repo.LedgerDelta{Discarded: 1}); err != nil {
			return EnqueueResult{}, err
		}
		seq, err := q.appendItem(tx, m.t, m.localID, m.serverID, m.op, m.payload)
		return EnqueueResult{Seq: seq}, err
	}
	return EnqueueResult{}, ErrInvalidOperation
}

func (q *Queue) appendItem(tx *store.Tx, t domain.EntityType, localID string, serverID *string, op domain.Operation, payload string) (int64, error) {
	it := &domain.QueueItem{
		EntityType: t,
		LocalID:    localID,
		ServerID:   serverID,
		Operation:  op,
		Payload:    payload,
		EnqueuedAt: q.now().UTC(),
	}
	if err := repo.InsertQueueItem(tx.Context(), tx.DB, it); err != nil {
		return 0, err
	}
	if err := repo.BumpLedger(tx.Context(), tx.DB, repo.LedgerDelta{Enqueued: 1}); err != nil {
		return 0, err
	}
	observability.QueueEnqueued.WithLabelValues(string(t), string(op)).Inc()
	return it.Seq, nil
}

// PeekOldestUnlocked returns the waiting item with the lowest seq, or
// ErrEmpty.
func (q *Queue) PeekOldestUnlocked(ctx context.Context) (*domain.QueueItem, error) {
	it, err := repo.OldestQueueItem(ctx, q.store.DB())
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrEmpty
	}
	return it, err
}

// Get returns the item with seq.
func (q *Queue) Get(ctx context.Context, seq int64) (*domain.QueueItem, error) {
	it, err := repo.GetQueueItem(ctx, q.store.DB(), seq)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrNotFound
	}
	return it, err
}

// MarkInFlight locks seq for submission.
func (q *Queue) MarkInFlight(ctx context.Context, seq int64) error {
	return q.store.Update(ctx, func(tx *store.Tx) error {
		err := repo.MarkQueueItemInFlight(ctx, tx.DB, seq)
		if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		if _, gerr := repo.GetQueueItem(ctx, tx.DB, seq); gerr != nil {
			return ErrNotFound
		}
		return ErrInFlight
	})
}

// Complete removes seq from the active queue inside tx.
func (q *Queue) Complete(tx *store.Tx, seq int64, res Resolution) error {
	if err := repo.DeleteQueueItem(tx.Context(), tx.DB, seq); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	d := repo.LedgerDelta{Completed: 1}
	if res == Discarded {
		d = repo.LedgerDelta{Discarded: 1}
	}
	return repo.BumpLedger(tx.Context(), tx.DB, d)
}

// Fail records a failed submission of seq and unlocks it.
//
//   - Systemic: released, attempts unchanged (the server never judged it).
//   - Validation, Conflict: dead-lettered immediately.
//   - Transient: attempts+1, then dead-lettered at the ceiling or scheduled
//     for retry after the backoff delay.
func (q *Queue) Fail(ctx context.Context, seq int64, cause error) (Outcome, error) {
	var out Outcome
	err := q.store.Update(ctx, func(tx *store.Tx) error {
		it, err := repo.GetQueueItem(ctx, tx.DB, seq)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return ErrNotFound
			}
			return err
		}
		kind := syncerr.KindOf(cause)
		it.InFlight = false
		it.LastError = errString(cause)

		switch kind {
		case syncerr.Systemic:
			out = Released
			return repo.SaveQueueItem(ctx, tx.DB, it)
		case syncerr.Validation, syncerr.Conflict:
			it.Attempts++
			out = DeadLettered
			return q.deadLetter(tx, it, kind)
		}

		it.Attempts++
		if it.Attempts >= q.maxAttempts {
			out = DeadLettered
			return q.deadLetter(tx, it, kind)
		}
		next := q.now().Add(q.policy.Delay(it.Attempts)).UTC()
		it.NextAttemptAt = &next
		out = Retry
		return repo.SaveQueueItem(ctx, tx.DB, it)
	})
	return out, err
}

func (q *Queue) deadLetter(tx *store.Tx, it *domain.QueueItem, kind syncerr.Kind) error {
	ctx := tx.Context()
	dl := &domain.DeadLetter{
		ID:         uuid.NewString(),
		QueueSeq:   it.Seq,
		EntityType: it.EntityType,
		LocalID:    it.LocalID,
		Operation:  it.Operation,
		Payload:    it.Payload,
		Attempts:   it.Attempts,
		ErrorKind:  kind.String(),
		LastError:  it.LastError,
		EnqueuedAt: it.EnqueuedAt,
		DeadAt:     q.now().UTC(),
	}
	if err := repo.InsertDeadLetter(ctx, tx.DB, dl); err != nil {
		return err
	}
	if err := repo.DeleteQueueItem(ctx, tx.DB, it.Seq); err != nil {
		return err
	}
	if err := repo.BumpLedger(ctx, tx.DB, repo.LedgerDelta{DeadLettered: 1}); err != nil {
		return err
	}
	observability.DeadLetters.Inc()
	q.log.Warn().
		Int64("queue_seq", it.Seq).
		Str("entity_type", string(it.EntityType)).
		Str("local_id", it.LocalID).
		Str("operation", string(it.Operation)).
		Int("attempts", it.Attempts).
		Str("error_kind", kind.String()).
		Str("last_error", it.LastError).
		Str("dead_letter_id", dl.ID).
		Msg("queue item dead-lettered")
	return nil
}

// Cancel removes a waiting item inside tx. In-flight items cannot be
// cancelled. The removed item is returned so the caller can undo its
// optimistic local effect.
func (q *Queue) Cancel(tx *store.Tx, seq int64) (*domain.QueueItem, error) {
	ctx := tx.Context()
	it, err := repo.GetQueueItem(ctx, tx.DB, seq)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if it.InFlight {
		return nil, ErrInFlight
	}
	if err := q.Complete(tx, seq, Discarded); err != nil {
		return nil, err
	}
	return it, nil
}

// DropEntity discards every waiting item of an entity inside tx and returns
// how many were removed.
func (q *Queue) DropEntity(tx *store.Tx, t domain.EntityType, localID string) (int, error) {
	ctx := tx.Context()
	items, err := repo.QueueItemsFor(ctx, tx.DB, t, localID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, it := range items {
		if it.InFlight {
			continue
		}
		if err := repo.DeleteQueueItem(ctx, tx.DB, it.Seq); err != nil {
			return n, err
		}
		n++
	}
	if err := repo.BumpLedger(ctx, tx.DB, repo.LedgerDelta{Discarded: int64(n)}); err != nil {
		return n, err
	}
	return n, nil
}

// RecoverInFlight unlocks items left in flight by a previous process. Their
// outcome is unknown; the idempotency key makes resubmission safe.
func (q *Queue) RecoverInFlight(ctx context.Context) (int64, error) {
	var n int64
	err := q.store.Update(ctx, func(tx *store.Tx) error {
		var err error
		n, err = repo.ResetInFlight(ctx, tx.DB)
		return err
	})
	if n > 0 {
		q.log.Info().Int64("items", n).Msg("recovered in-flight queue items")
	}
	return n, err
}

// PendingCount returns the number of items in the active queue.
func (q *Queue) PendingCount(ctx context.Context) (int64, error) {
	n, err := repo.CountQueueItems(ctx, q.store.DB())
	if err == nil {
		observability.QueuePending.Set(float64(n))
	}
	return n, err
}

// List returns the active queue in seq order.
func (q *Queue) List(ctx context.Context, limit int) ([]domain.QueueItem, error) {
	return repo.ListQueueItems(ctx, q.store.DB(), limit)
}

// Stats returns current and cumulative counters.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	db := q.store.DB()
	pending, err := q.PendingCount(ctx)
	if err != nil {
		return Stats{}, err
	}
	dead, err := repo.CountDeadLetters(ctx, db)
	if err != nil {
		return Stats{}, err
	}
	buffered, err := repo.CountBuffered(ctx, db)
	if err != nil {
		return Stats{}, err
	}
	l, err := repo.GetLedger(ctx, db)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Pending:      pending,
		DeadLetters:  dead,
		Buffered:     buffered,
		Enqueued:     l.Enqueued,
		Completed:    l.Completed,
		DeadLettered: l.DeadLettered,
		Discarded:    l.Discarded,
	}, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
