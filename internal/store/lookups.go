package store

import (
	"context"
	"errors"

	"github.com/tbourn/go-gate-sync/internal/domain"
	"github.com/tbourn/go-gate-sync/internal/repo"
)

// DoorByQRCode returns the door carrying qr.
func (s *Store) DoorByQRCode(ctx context.Context, qr string) (*domain.Door, error) {
	d, err := repo.DoorByQRCode(ctx, s.db, qr)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrNotFound
	}
	return d, err
}

// SavedDoors lists bookmarked doors.
func (s *Store) SavedDoors(ctx context.Context) ([]domain.Door, error) {
	return repo.SavedDoors(ctx, s.db)
}

// Requests lists access requests with the given status, or all if empty.
func (s *Store) Requests(ctx context.Context, status domain.RequestStatus) ([]domain.AccessRequest, error) {
	return repo.RequestsByStatus(ctx, s.db, status)
}

// RoomMessages lists the messages of the room known by roomRef. Messages
// written before the room was confirmed may still carry its local id, so
// both identifiers are matched.
func (s *Store) RoomMessages(ctx context.Context, roomRef string) ([]domain.ChatMessage, error) {
	return repo.RoomMessages(ctx, s.db, s.refsOf(ctx, domain.EntityChatRoom, roomRef)...)
}

// ScanHistory lists the most recent scans of a door.
func (s *Store) ScanHistory(ctx context.Context, doorRef string, limit int) ([]domain.ScanEvent, error) {
	return repo.ScanHistory(ctx, s.db, limit, s.refsOf(ctx, domain.EntityDoor, doorRef)...)
}

// refsOf returns every identifier an entity is known by.
func (s *Store) refsOf(ctx context.Context, t domain.EntityType, ref string) []string {
	e, err := repo.FindEntityUnscoped(ctx, s.db, t, ref)
	if err != nil {
		return []string{ref}
	}
	m := e.Meta()
	if m.Confirmed() {
		return []string{m.LocalID, *m.ServerID}
	}
	return []string{m.LocalID}
}
