package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-gate-sync/internal/domain"
)

// EntityStats returns aggregate metadata for one entity table: the number of
// live rows and the greatest UpdatedAt among them.
//
// When the table holds no live rows, count is 0 and maxUpdatedAt is nil.
func EntityStats(ctx context.Context, db *gorm.DB, t domain.EntityType) (count int64, maxUpdatedAt *time.Time, err error) {
	model, err := domain.NewEntity(t)
	if err != nil {
		return 0, nil, err
	}
	q := db.WithContext(ctx).Model(model)

	if err = q.Count(&count).Error; err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, nil, nil
	}

	// Get latest updated_at (avoid MAX() -> TEXT in SQLite)
	var row struct {
		UpdatedAt time.Time
	}
	if err = db.WithContext(ctx).Model(model).
		Select("updated_at").Order("updated_at DESC").Limit(1).
		Scan(&row).Error; err != nil {
		return 0, nil, err
	}
	return count, &row.UpdatedAt, nil
}

// TypeStats is the per-type summary returned by AllEntityStats.
type TypeStats struct {
	Type         domain.EntityType `json:"type"`
	Count        int64             `json:"count"`
	MaxUpdatedAt *time.Time        `json:"max_updated_at,omitempty"`
}

// AllEntityStats runs EntityStats for every entity type.
func AllEntityStats(ctx context.Context, db *gorm.DB) ([]TypeStats, error) {
	out := make([]TypeStats, 0, len(domain.EntityTypes))
	for _, t := range domain.EntityTypes {
		n, at, err := EntityStats(ctx, db, t)
		if err != nil {
			return nil, err
		}
		out = append(out, TypeStats{Type: t, Count: n, MaxUpdatedAt: at})
	}
	return out, nil
}
