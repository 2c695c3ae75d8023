package repo

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-gate-sync/internal/domain"
)

// MarkEventApplied records eventID as applied. It reports false when the
// event was already recorded.
func MarkEventApplied(ctx context.Context, db *gorm.DB, eventID, typ string, at time.Time) (bool, error) {
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&domain.AppliedEvent{EventID: eventID, Type: typ, AppliedAt: at})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// IsEventApplied reports whether eventID has been applied before.
func IsEventApplied(ctx context.Context, db *gorm.DB, eventID string) (bool, error) {
	var n int64
	err := db.WithContext(ctx).Model(&domain.AppliedEvent{}).
		Where("event_id = ?", eventID).
		Count(&n).Error
	return n > 0, err
}

// PruneAppliedEvents deletes applied-event records older than before.
func PruneAppliedEvents(ctx context.Context, db *gorm.DB, before time.Time) (int64, error) {
	res := db.WithContext(ctx).Where("applied_at < ?", before).Delete(&domain.AppliedEvent{})
	return res.RowsAffected, res.Error
}

// BufferEvent parks an event until its target entity appears. Buffering the
// same event twice is a no-op.
func BufferEvent(ctx context.Context, db *gorm.DB, ev *domain.BufferedEvent) error {
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "event_id"}},
			DoNothing: true,
		}).
		Create(ev).Error
}

// BufferedFor lists events awaiting an entity of type t known by any of refs,
// in arrival order.
func BufferedFor(ctx context.Context, db *gorm.DB, t domain.EntityType, refs ...string) ([]domain.BufferedEvent, error) {
	var out []domain.BufferedEvent
	if len(refs) == 0 {
		return out, nil
	}
	err := db.WithContext(ctx).
		Where("await_type = ? AND await_ref IN ?", t, refs).
		Order("id ASC").
		Find(&out).Error
	return out, err
}

// DeleteBuffered removes buffered events by id.
func DeleteBuffered(ctx context.Context, db *gorm.DB, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}
	return db.WithContext(ctx).Delete(&domain.BufferedEvent{}, "id IN ?", ids).Error
}

// CountBuffered returns the number of events waiting for a parent entity.
func CountBuffered(ctx context.Context, db *gorm.DB) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&domain.BufferedEvent{}).Count(&n).Error
	return n, err
}
