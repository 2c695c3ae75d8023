package repo

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/tbourn/go-gate-sync/internal/domain"
)

// GetEntity loads a live (non-tombstoned) entity by local id.
func GetEntity(ctx context.Context, db *gorm.DB, t domain.EntityType, localID string) (domain.Entity, error) {
	return firstEntity(db.WithContext(ctx), t, "local_id = ?", localID)
}

// GetEntityUnscoped loads an entity by local id, including tombstoned rows.
func GetEntityUnscoped(ctx context.Context, db *gorm.DB, t domain.EntityType, localID string) (domain.Entity, error) {
	return firstEntity(db.WithContext(ctx).Unscoped(), t, "local_id = ?", localID)
}

// FindEntity resolves ref (a local id or a server id) to a live entity.
func FindEntity(ctx context.Context, db *gorm.DB, t domain.EntityType, ref string) (domain.Entity, error) {
	return firstEntity(db.WithContext(ctx), t, "local_id = ? OR server_id = ?", ref, ref)
}

// FindEntityUnscoped resolves ref like FindEntity, including tombstoned rows.
func FindEntityUnscoped(ctx context.Context, db *gorm.DB, t domain.EntityType, ref string) (domain.Entity, error) {
	return firstEntity(db.WithContext(ctx).Unscoped(), t, "local_id = ? OR server_id = ?", ref, ref)
}

func firstEntity(db *gorm.DB, t domain.EntityType, query string, args ...any) (domain.Entity, error) {
	e, err := domain.NewEntity(t)
	if err != nil {
		return nil, err
	}
	if err := db.Where(query, args...).First(e).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return e, nil
}

// CreateEntity inserts e. A row with the same local or server id yields ErrDuplicate.
func CreateEntity(ctx context.Context, db *gorm.DB, e domain.Entity) error {
	if err := db.WithContext(ctx).Create(e).Error; err != nil {
		if isDuplicate(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// SaveEntity writes every column of e, tombstone included.
func SaveEntity(ctx context.Context, db *gorm.DB, e domain.Entity) error {
	if err := db.WithContext(ctx).Unscoped().Save(e).Error; err != nil {
		if isDuplicate(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// TombstoneEntity soft-deletes e. The row stays until PurgeEntity.
func TombstoneEntity(ctx context.Context, db *gorm.DB, e domain.Entity) error {
	return db.WithContext(ctx).Delete(e).Error
}

// RestoreEntity clears the tombstone of the entity with localID.
func RestoreEntity(ctx context.Context, db *gorm.DB, t domain.EntityType, localID string) error {
	model, err := domain.NewEntity(t)
	if err != nil {
		return err
	}
	return db.WithContext(ctx).Unscoped().Model(model).
		Where("local_id = ?", localID).
		Update("deleted_at", nil).Error
}

// PurgeEntity physically removes the entity with localID.
func PurgeEntity(ctx context.Context, db *gorm.DB, t domain.EntityType, localID string) error {
	model, err := domain.NewEntity(t)
	if err != nil {
		return err
	}
	return db.WithContext(ctx).Unscoped().Where("local_id = ?", localID).Delete(model).Error
}

// SetServerID assigns serverID to the entity with localID if it has none yet.
// It reports whether the row was updated; a row that already carries a
// server id is left untouched because server ids are immutable.
func SetServerID(ctx context.Context, db *gorm.DB, t domain.EntityType, localID, serverID string) (bool, error) {
	model, err := domain.NewEntity(t)
	if err != nil {
		return false, err
	}
	res := db.WithContext(ctx).Unscoped().Model(model).
		Where("local_id = ? AND server_id IS NULL", localID).
		Update("server_id", serverID)
	if res.Error != nil {
		if isDuplicate(res.Error) {
			return false, ErrDuplicate
		}
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// RemapReferences rewrites every local foreign key pointing at the target
// entity's local id so it points at serverID instead. It returns the number
// of rows changed across all referencing tables.
func RemapReferences(ctx context.Context, db *gorm.DB, target domain.EntityType, localID, serverID string) (int64, error) {
	var total int64
	for owner, refs := range domain.ReferencesTo(target) {
		model, err := domain.NewEntity(owner)
		if err != nil {
			return total, err
		}
		for _, ref := range refs {
			res := db.WithContext(ctx).Unscoped().Model(model).
				Where(ref.Column+" = ?", localID).
				Update(ref.Column, serverID)
			if res.Error != nil {
				return total, res.Error
			}
			total += res.RowsAffected
		}
	}
	return total, nil
}
