package repo

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/tbourn/go-gate-sync/internal/domain"
)

// DoorByQRCode returns the live door carrying the scanned QR code.
func DoorByQRCode(ctx context.Context, db *gorm.DB, qr string) (*domain.Door, error) {
	var d domain.Door
	err := db.WithContext(ctx).Where("qr_code = ?", qr).Order("created_at ASC").First(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &d, err
}

// SavedDoors lists doors the user bookmarked, most recently accessed first.
func SavedDoors(ctx context.Context, db *gorm.DB) ([]domain.Door, error) {
	var out []domain.Door
	err := db.WithContext(ctx).
		Where("is_saved = ?", true).
		Order("last_accessed DESC").Order("name ASC").
		Find(&out).Error
	return out, err
}

// RequestsByStatus lists access requests, newest first. An empty status
// returns every request.
func RequestsByStatus(ctx context.Context, db *gorm.DB, status domain.RequestStatus) ([]domain.AccessRequest, error) {
	q := db.WithContext(ctx).Model(&domain.AccessRequest{})
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var out []domain.AccessRequest
	err := q.Order("created_at DESC").Find(&out).Error
	return out, err
}

// RoomMessages lists the messages of a room in creation order. refs are the
// room's known identifiers (local id and, once confirmed, server id).
func RoomMessages(ctx context.Context, db *gorm.DB, refs ...string) ([]domain.ChatMessage, error) {
	var out []domain.ChatMessage
	err := db.WithContext(ctx).
		Where("chat_room_id IN ?", refs).
		Order("created_at ASC").Order("local_id ASC").
		Find(&out).Error
	return out, err
}

// ScanHistory lists scans of a door, newest first. limit <= 0 means no limit.
func ScanHistory(ctx context.Context, db *gorm.DB, limit int, doorRefs ...string) ([]domain.ScanEvent, error) {
	q := db.WithContext(ctx).Where("door_id IN ?", doorRefs).Order("scanned_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []domain.ScanEvent
	err := q.Find(&out).Error
	return out, err
}
