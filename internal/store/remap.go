package store

import (
	"github.com/tbourn/go-gate-sync/internal/domain"
	"github.com/tbourn/go-gate-sync/internal/repo"
)

// RemapReferences points every local foreign key that holds target's local
// id at serverID instead, touching the rewritten rows.
func (tx *Tx) RemapReferences(target domain.EntityType, localID, serverID string) (int64, error) {
	for owner, refs := range domain.ReferencesTo(target) {
		model, err := domain.NewEntity(owner)
		if err != nil {
			return 0, err
		}
		for _, ref := range refs {
			var ids []string
			if err := tx.DB.WithContext(tx.ctx).Unscoped().Model(model).
				Where(ref.Column+" = ?", localID).
				Pluck("local_id", &ids).Error; err != nil {
				return 0, err
			}
			for _, id := range ids {
				tx.Touch(owner, id)
			}
		}
	}
	return repo.RemapReferences(tx.ctx, tx.DB, target, localID, serverID)
}
