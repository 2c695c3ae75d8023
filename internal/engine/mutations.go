package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/tbourn/go-gate-sync/internal/domain"
	"github.com/tbourn/go-gate-sync/internal/queue"
	"github.com/tbourn/go-gate-sync/internal/repo"
	"github.com/tbourn/go-gate-sync/internal/store"
)

// EnqueueMutation applies op to the local store and records it in the
// outbound queue, atomically. It returns the queue seq now holding the
// mutation, or 0 when a Delete cancelled a Create the server never saw.
//
// Create assigns a local id when e has none. Update and Delete target the
// entity with e's local id and fail with ErrNotFound when there is none,
// or ErrEntityDeleted once it has been deleted.
func (e *Engine) EnqueueMutation(ctx context.Context, ent domain.Entity, op domain.Operation) (int64, error) {
	if ent == nil || !ent.EntityType().Valid() {
		return 0, fmt.Errorf("enqueue: %w", domain.ErrUnknownEntity)
	}
	if !op.Valid() {
		return 0, queue.ErrInvalidOperation
	}

	var res queue.EnqueueResult
	err := e.store.Update(ctx, func(tx *store.Tx) error {
		var err error
		res, err = e.mutate(tx, ent, op)
		return err
	})
	if err != nil {
		return 0, err
	}
	e.kick()
	return res.Seq, nil
}

// mutate writes the optimistic local state of one mutation and enqueues it.
// Reference fields are stored as the target's Ref, so a local id given for a
// confirmed target reaches the row and the server as its server id.
func (e *Engine) mutate(tx *store.Tx, ent domain.Entity, op domain.Operation) (queue.EnqueueResult, error) {
	ctx := tx.Context()
	t, m := ent.EntityType(), ent.Meta()

	if op == domain.OpCreate {
		if m.LocalID == "" {
			m.LocalID = uuid.NewString()
		}
		m.ServerID = nil
		if m.CreatedAt.IsZero() {
			m.CreatedAt = e.opts.Now().UTC()
		}
		if err := e.queue.ResolveReferences(tx, ent); err != nil {
			return queue.EnqueueResult{}, err
		}
		if err := tx.Insert(ent); err != nil {
			return queue.EnqueueResult{}, err
		}
		return e.queue.Enqueue(tx, ent, op)
	}

	cur, err := repo.GetEntityUnscoped(ctx, tx.DB, t, m.LocalID)
	if errors.Is(err, repo.ErrNotFound) {
		return queue.EnqueueResult{}, ErrNotFound
	}
	if err != nil {
		return queue.EnqueueResult{}, err
	}
	if cur.Meta().Tombstoned() {
		return queue.EnqueueResult{}, ErrEntityDeleted
	}

	if op == domain.OpDelete {
		res, err := e.queue.Enqueue(tx, cur, op)
		if err != nil || res.Collapsed {
			return res, err
		}
		return res, tx.Tombstone(cur)
	}

	// Identity is owned by the store, not by the caller's copy.
	cm := cur.Meta()
	m.ServerID, m.CreatedAt, m.DeletedAt = cm.ServerID, cm.CreatedAt, cm.DeletedAt
	if err := e.queue.ResolveReferences(tx, ent); err != nil {
		return queue.EnqueueResult{}, err
	}
	if err := tx.Put(ent); err != nil {
		return queue.EnqueueResult{}, err
	}
	return e.queue.Enqueue(tx, ent, op)
}

// CancelPending removes the waiting queue item seq and undoes its local
// effect where that is possible: a cancelled Create removes the never
// confirmed entity, a cancelled Delete restores it. A cancelled Update keeps
// the local edit. Items already in flight fail with ErrInFlight.
func (e *Engine) CancelPending(ctx context.Context, seq int64) error {
	var it *domain.QueueItem
	err := e.store.Update(ctx, func(tx *store.Tx) error {
		var err error
		it, err = e.queue.Cancel(tx, seq)
		if err != nil {
			return err
		}
		switch it.Operation {
		case domain.OpCreate:
			if _, err := e.queue.DropEntity(tx, it.EntityType, it.LocalID); err != nil {
				return err
			}
			return tx.Purge(it.EntityType, it.LocalID)
		case domain.OpDelete:
			if err := repo.RestoreEntity(ctx, tx.DB, it.EntityType, it.LocalID); err != nil {
				return err
			}
			tx.Touch(it.EntityType, it.LocalID)
		}
		return nil
	})
	if err != nil {
		return err
	}
	e.log.Info().Int64("queue_seq", seq).Str("entity_type", string(it.EntityType)).
		Str("local_id", it.LocalID).Str("operation", string(it.Operation)).Msg("pending mutation cancelled")
	return nil
}

// RecordDoorAccess records a successful scan of the door carrying qr: a
// ScanEvent Create and a Door Update of last_accessed, queued together.
func (e *Engine) RecordDoorAccess(ctx context.Context, qr string) (*domain.ScanEvent, error) {
	door, err := e.store.DoorByQRCode(ctx, qr)
	if err != nil {
		return nil, err
	}
	now := e.opts.Now().UTC()
	scan := &domain.ScanEvent{
		SyncMeta:  domain.SyncMeta{LocalID: uuid.NewString(), CreatedAt: now},
		DoorID:    door.Ref(),
		UserID:    e.opts.UserID,
		ScannedAt: now,
		Status:    domain.ScanSuccess,
	}
	err = e.store.Update(ctx, func(tx *store.Tx) error {
		if _, err := e.mutate(tx, scan, domain.OpCreate); err != nil {
			return err
		}
		door.LastAccessed = &now
		_, err := e.mutate(tx, door, domain.OpUpdate)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.kick()
	return scan, nil
}
