package queue

import (
	"errors"

	"github.com/tbourn/go-gate-sync/internal/domain"
	"github.com/tbourn/go-gate-sync/internal/repo"
	"github.com/tbourn/go-gate-sync/internal/store"
)

// AssignServerID records the confirmed server id on every queued item of
// the entity so later updates and deletes can address it.
func (q *Queue) AssignServerID(tx *store.Tx, t domain.EntityType, localID, serverID string) error {
	return repo.SetQueueServerID(tx.Context(), tx.DB, t, localID, serverID)
}

// RemapReferences rewrites reference fields in waiting payloads that point
// at target's local id so they carry serverID instead. It returns the number
// of items rewritten.
func (q *Queue) RemapReferences(tx *store.Tx, target domain.EntityType, localID, serverID string) (int, error) {
	ctx := tx.Context()
	owners := domain.ReferencesTo(target)
	types := make([]domain.EntityType, 0, len(owners))
	for t := range owners {
		types = append(types, t)
	}
	items, err := repo.WaitingItemsOfTypes(ctx, tx.DB, types)
	if err != nil {
		return 0, err
	}

	n := 0
	for i := range items {
		it := &items[i]
		changed := false
		for _, ref := range owners[it.EntityType] {
			p, ok, err := replaceRef(it.Payload, ref.Field, localID, serverID)
			if err != nil {
				return n, err
			}
			if ok {
				it.Payload = p
				changed = true
			}
		}
		if !changed {
			continue
		}
		if err := repo.SaveQueueItem(ctx, tx.DB, it); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// ResolveReferences points every reference field of e at its target's Ref.
// A caller holding only a local id of a target the server has already
// confirmed gets the server id written to the row and the payload. Targets
// unknown locally are left as given.
func (q *Queue) ResolveReferences(tx *store.Tx, e domain.Entity) error {
	for _, r := range domain.References(e.EntityType()) {
		f := domain.ReferenceField(e, r)
		if f == nil || *f == "" {
			continue
		}
		ref, err := q.resolveRef(tx, r.Target, *f)
		if err != nil {
			return err
		}
		*f = ref
	}
	return nil
}

// resolvePayloadReferences is ResolveReferences applied to a stored payload.
func (q *Queue) resolvePayloadReferences(tx *store.Tx, t domain.EntityType, payload string) (string, error) {
	for _, r := range domain.References(t) {
		cur, ok := payloadString(payload, r.Field)
		if !ok {
			continue
		}
		ref, err := q.resolveRef(tx, r.Target, cur)
		if err != nil {
			return payload, err
		}
		if ref == cur {
			continue
		}
		if payload, _, err = replaceRef(payload, r.Field, cur, ref); err != nil {
			return payload, err
		}
	}
	return payload, nil
}

func (q *Queue) resolveRef(tx *store.Tx, target domain.EntityType, ref string) (string, error) {
	e, err := repo.FindEntityUnscoped(tx.Context(), tx.DB, target, ref)
	if errors.Is(err, repo.ErrNotFound) {
		return ref, nil
	}
	if err != nil {
		return ref, err
	}
	return e.Meta().Ref(), nil
}
