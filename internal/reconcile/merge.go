package reconcile

import (
	"encoding/json"
	"fmt"

	"github.com/tbourn/go-gate-sync/internal/domain"
)

// overlay decodes the server's view of an entity over e. Local identity
// (local id, server id and tombstone) is kept.
func overlay(e domain.Entity, raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	m := e.Meta()
	localID, serverID, deletedAt := m.LocalID, m.ServerID, m.DeletedAt
	if err := json.Unmarshal(raw, e); err != nil {
		return fmt.Errorf("decode server %s: %w", e.EntityType(), err)
	}
	m = e.Meta()
	m.LocalID, m.DeletedAt = localID, deletedAt
	if serverID != nil {
		m.ServerID = serverID
	}
	return nil
}

func strPtr(s string) *string { return &s }

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
