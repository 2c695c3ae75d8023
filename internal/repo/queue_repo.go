package repo

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-gate-sync/internal/domain"
)

const ledgerID = 1

// InsertQueueItem appends it to the queue; it.Seq is filled by the database.
func InsertQueueItem(ctx context.Context, db *gorm.DB, it *domain.QueueItem) error {
	return db.WithContext(ctx).Create(it).Error
}

// SaveQueueItem writes every column of it.
func SaveQueueItem(ctx context.Context, db *gorm.DB, it *domain.QueueItem) error {
	return db.WithContext(ctx).Save(it).Error
}

// GetQueueItem loads the item with seq.
func GetQueueItem(ctx context.Context, db *gorm.DB, seq int64) (*domain.QueueItem, error) {
	var it domain.QueueItem
	err := db.WithContext(ctx).First(&it, "seq = ?", seq).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &it, err
}

// OldestQueueItem returns the head of the queue among items not in flight,
// or ErrNotFound when none is waiting.
func OldestQueueItem(ctx context.Context, db *gorm.DB) (*domain.QueueItem, error) {
	var it domain.QueueItem
	err := db.WithContext(ctx).
		Where("in_flight = ?", false).
		Order("seq ASC").
		First(&it).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &it, err
}

// UnflightedItemFor returns the waiting (not in flight) item of an entity.
func UnflightedItemFor(ctx context.Context, db *gorm.DB, t domain.EntityType, localID string) (*domain.QueueItem, error) {
	var it domain.QueueItem
	err := db.WithContext(ctx).
		Where("entity_type = ? AND local_id = ? AND in_flight = ?", t, localID, false).
		Order("seq ASC").
		First(&it).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &it, err
}

// QueueItemsFor lists every item of an entity in seq order.
func QueueItemsFor(ctx context.Context, db *gorm.DB, t domain.EntityType, localID string) ([]domain.QueueItem, error) {
	var out []domain.QueueItem
	err := db.WithContext(ctx).
		Where("entity_type = ? AND local_id = ?", t, localID).
		Order("seq ASC").
		Find(&out).Error
	return out, err
}

// CountQueueItemsFor counts items of an entity, excluding excludeSeq.
func CountQueueItemsFor(ctx context.Context, db *gorm.DB, t domain.EntityType, localID string, excludeSeq int64) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&domain.QueueItem{}).
		Where("entity_type = ? AND local_id = ? AND seq <> ?", t, localID, excludeSeq).
		Count(&n).Error
	return n, err
}

// WaitingItemsOfTypes lists items not in flight whose entity type is in types.
func WaitingItemsOfTypes(ctx context.Context, db *gorm.DB, types []domain.EntityType) ([]domain.QueueItem, error) {
	var out []domain.QueueItem
	if len(types) == 0 {
		return out, nil
	}
	err := db.WithContext(ctx).
		Where("in_flight = ? AND entity_type IN ?", false, types).
		Order("seq ASC").
		Find(&out).Error
	return out, err
}

// ListQueueItems returns the active queue in seq order. limit <= 0 means all.
func ListQueueItems(ctx context.Context, db *gorm.DB, limit int) ([]domain.QueueItem, error) {
	q := db.WithContext(ctx).Order("seq ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []domain.QueueItem
	err := q.Find(&out).Error
	return out, err
}

// CountQueueItems returns the number of items in the active queue.
func CountQueueItems(ctx context.Context, db *gorm.DB) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&domain.QueueItem{}).Count(&n).Error
	return n, err
}

// MarkQueueItemInFlight flags seq as submitted. It fails with ErrNotFound if
// the item does not exist or is already in flight.
func MarkQueueItemInFlight(ctx context.Context, db *gorm.DB, seq int64) error {
	res := db.WithContext(ctx).Model(&domain.QueueItem{}).
		Where("seq = ? AND in_flight = ?", seq, false).
		Update("in_flight", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ResetInFlight clears every in-flight flag. Used at startup: an item left in
// flight by a crash has an unknown outcome and must be resubmitted.
func ResetInFlight(ctx context.Context, db *gorm.DB) (int64, error) {
	res := db.WithContext(ctx).Model(&domain.QueueItem{}).
		Where("in_flight = ?", true).
		Update("in_flight", false)
	return res.RowsAffected, res.Error
}

// DeleteQueueItem removes seq from the active queue.
func DeleteQueueItem(ctx context.Context, db *gorm.DB, seq int64) error {
	res := db.WithContext(ctx).Delete(&domain.QueueItem{}, "seq = ?", seq)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetQueueServerID records the confirmed server id on every item of an entity.
func SetQueueServerID(ctx context.Context, db *gorm.DB, t domain.EntityType, localID, serverID string) error {
	return db.WithContext(ctx).Model(&domain.QueueItem{}).
		Where("entity_type = ? AND local_id = ?", t, localID).
		Update("server_id", serverID).Error
}

// ---- dead letters ----

// InsertDeadLetter stores a dead-lettered item.
func InsertDeadLetter(ctx context.Context, db *gorm.DB, dl *domain.DeadLetter) error {
	return db.WithContext(ctx).Create(dl).Error
}

// GetDeadLetter loads a dead letter by id.
func GetDeadLetter(ctx context.Context, db *gorm.DB, id string) (*domain.DeadLetter, error) {
	var dl domain.DeadLetter
	err := db.WithContext(ctx).First(&dl, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &dl, err
}

// ListDeadLetters returns dead letters, newest first. limit <= 0 means all.
func ListDeadLetters(ctx context.Context, db *gorm.DB, limit int) ([]domain.DeadLetter, error) {
	q := db.WithContext(ctx).Order("dead_at DESC").Order("queue_seq DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []domain.DeadLetter
	err := q.Find(&out).Error
	return out, err
}

// CountDeadLetters returns the number of stored dead letters.
func CountDeadLetters(ctx context.Context, db *gorm.DB) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&domain.DeadLetter{}).Count(&n).Error
	return n, err
}

// DeleteDeadLetter removes a dead letter.
func DeleteDeadLetter(ctx context.Context, db *gorm.DB, id string) error {
	res := db.WithContext(ctx).Delete(&domain.DeadLetter{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- ledger ----

// LedgerDelta is an increment applied to the queue ledger.
type LedgerDelta struct {
	Enqueued, Completed, DeadLettered, Discarded int64
}

// BumpLedger applies d to the ledger row atomically.
func BumpLedger(ctx context.Context, db *gorm.DB, d LedgerDelta) error {
	if d == (LedgerDelta{}) {
		return nil
	}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"enqueued":      gorm.Expr("enqueued + ?", d.Enqueued),
				"completed":     gorm.Expr("completed + ?", d.Completed),
				"dead_lettered": gorm.Expr("dead_lettered + ?", d.DeadLettered),
				"discarded":     gorm.Expr("discarded + ?", d.Discarded),
			}),
		}).
		Create(&domain.QueueLedger{
			ID:           ledgerID,
			Enqueued:     d.Enqueued,
			Completed:    d.Completed,
			DeadLettered: d.DeadLettered,
			Discarded:    d.Discarded,
		}).Error
}

// GetLedger returns the cumulative queue counters.
func GetLedger(ctx context.Context, db *gorm.DB) (domain.QueueLedger, error) {
	var l domain.QueueLedger
	err := db.WithContext(ctx).Where("id = ?", ledgerID).Limit(1).Find(&l).Error
	l.ID = ledgerID
	return l, err
}
