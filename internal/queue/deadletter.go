package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/tbourn/go-gate-sync/internal/domain"
	"github.com/tbourn/go-gate-sync/internal/repo"
	"github.com/tbourn/go-gate-sync/internal/store"
)

// DeadLetters lists dead-lettered items, newest first.
func (q *Queue) DeadLetters(ctx context.Context, limit int) ([]domain.DeadLetter, error) {
	return repo.ListDeadLetters(ctx, q.store.DB(), limit)
}

// RetryDeadLetter puts a dead-lettered item back into the queue with a fresh
// attempt budget and returns the seq now holding it.
//
// The retry follows the rules of Enqueue: references are resolved to their
// targets' current Ref, an Update folds into a waiting item of the entity
// (the waiting item's newer keys win), and a Create of a confirmed entity or
// any mutation after a queued Delete is refused. A dead letter whose entity
// no longer exists locally yields ErrNotFound and is kept.
func (q *Queue) RetryDeadLetter(ctx context.Context, id string) (int64, error) {
	var res EnqueueResult
	err := q.store.Update(ctx, func(tx *store.Tx) error {
		dl, err := repo.GetDeadLetter(ctx, tx.DB, id)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return ErrNotFound
			}
			return err
		}
		cur, err := repo.GetEntityUnscoped(ctx, tx.DB, dl.EntityType, dl.LocalID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return fmt.Errorf("%s %s: %w", dl.EntityType, dl.LocalID, ErrNotFound)
			}
			return err
		}
		// The entity may have been confirmed or deleted while the item was parked.
		cm := cur.Meta()
		switch {
		case dl.Operation == domain.OpCreate && cm.Confirmed():
			return ErrAlreadyCreated
		case dl.Operation != domain.OpDelete && cm.Tombstoned():
			return ErrEntityDeleted
		}
		payload, err := q.resolvePayloadReferences(tx, dl.EntityType, dl.Payload)
		if err != nil {
			return err
		}
		res, err = q.enqueue(tx, mutation{
			t:        dl.EntityType,
			localID:  dl.LocalID,
			serverID: cm.ServerID,
			op:       dl.Operation,
			payload:  payload,
			stale:    true,
		})
		if err != nil {
			return err
		}
		return repo.DeleteDeadLetter(ctx, tx.DB, id)
	})
	if err == nil {
		q.log.Info().Str("dead_letter_id", id).Int64("queue_seq", res.Seq).
			Bool("coalesced", res.Coalesced).Msg("dead letter re-enqueued")
	}
	return res.Seq, err
}

// DiscardDeadLetter deletes a dead letter for good.
func (q *Queue) DiscardDeadLetter(ctx context.Context, id string) error {
	return q.store.Update(ctx, func(tx *store.Tx) error {
		err := repo.DeleteDeadLetter(ctx, tx.DB, id)
		if errors.Is(err, repo.ErrNotFound) {
			return ErrNotFound
		}
		return err
	})
}
