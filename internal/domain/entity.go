// Package domain defines the persistence models of the sync engine: the
// synchronized entities (access requests, doors, scan events, chat rooms and
// chat messages) and the bookkeeping tables used by the outbound queue and the
// reconciler. All types are mapped with GORM.
package domain

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// EntityType names a synchronized record kind. The value doubles as the
// entity_type column of queue items and dead letters.
type EntityType string

const (
	EntityAccessRequest EntityType = "access_request"
	EntityDoor          EntityType = "door"
	EntityScanEvent     EntityType = "scan_event"
	EntityChatRoom      EntityType = "chat_room"
	EntityChatMessage   EntityType = "chat_message"
)

// EntityTypes lists every synchronized entity kind.
var EntityTypes = []EntityType{
	EntityAccessRequest,
	EntityDoor,
	EntityScanEvent,
	EntityChatRoom,
	EntityChatMessage,
}

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	for _, k := range EntityTypes {
		if k == t {
			return true
		}
	}
	return false
}

// Operation is the kind of mutation carried by a queue item.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Valid reports whether op is one of create, update or delete.
func (op Operation) Valid() bool {
	switch op {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// SyncMeta carries the identity shared by every synchronized entity.
//
// Fields:
//   - LocalID: client-generated UUID, assigned at creation and never reused.
//   - ServerID: backend identifier, nil until a Create is acknowledged and
//     immutable afterwards.
//   - CreatedAt / UpdatedAt: timestamps managed by GORM.
//   - DeletedAt: tombstone. A locally deleted entity stays soft-deleted
//     until the server confirms the Delete, then the row is purged.
type SyncMeta struct {
	LocalID   string         `json:"local_id"            gorm:"type:char(36);primaryKey"`
	ServerID  *string        `json:"server_id,omitempty" gorm:"type:varchar(64);uniqueIndex"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-"                   gorm:"index"`
}

// Meta returns the embedded identity so every entity satisfies Entity.
func (m *SyncMeta) Meta() *SyncMeta { return m }

// Ref returns the identifier other records should use to point at this
// entity: the server id once known, otherwise the local id.
func (m *SyncMeta) Ref() string {
	if m.ServerID != nil && *m.ServerID != "" {
		return *m.ServerID
	}
	return m.LocalID
}

// Confirmed reports whether the server has acknowledged the entity's Create.
func (m *SyncMeta) Confirmed() bool { return m.ServerID != nil && *m.ServerID != "" }

// Tombstoned reports whether the entity is locally deleted but not yet purged.
func (m *SyncMeta) Tombstoned() bool { return m.DeletedAt.Valid }

// Entity is implemented by pointers to every synchronized model.
type Entity interface {
	EntityType() EntityType
	Meta() *SyncMeta
}

// ErrUnknownEntity is returned for an entity type outside EntityTypes.
var ErrUnknownEntity = errors.New("unknown entity type")

// NewEntity returns a pointer to a zero value of the model behind t.
func NewEntity(t EntityType) (Entity, error) {
	switch t {
	case EntityAccessRequest:
		return &AccessRequest{}, nil
	case EntityDoor:
		return &Door{}, nil
	case EntityScanEvent:
		return &ScanEvent{}, nil
	case EntityChatRoom:
		return &ChatRoom{}, nil
	case EntityChatMessage:
		return &ChatMessage{}, nil
	}
	return nil, fmt.Errorf("%w %q", ErrUnknownEntity, t)
}

// Reference describes a foreign-key style field that points at another
// entity by its Ref (local id before confirmation, server id after).
type Reference struct {
	// Field is the JSON key inside queue payloads.
	Field string
	// Column is the local table column.
	Column string
	// Target is the entity type being referenced.
	Target EntityType
}

var references = map[EntityType][]Reference{
	EntityAccessRequest: {{Field: "door_id", Column: "door_id", Target: EntityDoor}},
	EntityScanEvent:     {{Field: "door_id", Column: "door_id", Target: EntityDoor}},
	EntityChatRoom:      {{Field: "request_id", Column: "request_id", Target: EntityAccessRequest}},
	EntityChatMessage:   {{Field: "chat_room_id", Column: "chat_room_id", Target: EntityChatRoom}},
}

// References returns the outgoing references held by entities of type t.
func References(t EntityType) []Reference { return references[t] }

// ReferenceField returns the field of e that holds r, or nil when e is not
// the owner of r.
func ReferenceField(e Entity, r Reference) *string {
	switch v := e.(type) {
	case *AccessRequest:
		if r.Field == "door_id" {
			return &v.DoorID
		}
	case *ScanEvent:
		if r.Field == "door_id" {
			return &v.DoorID
		}
	case *ChatRoom:
		if r.Field == "request_id" {
			return &v.RequestID
		}
	case *ChatMessage:
		if r.Field == "chat_room_id" {
			return &v.ChatRoomID
		}
	}
	return nil
}

// ReferencesTo returns, per entity type, every reference pointing at target.
func ReferencesTo(target EntityType) map[EntityType][]Reference {
	out := make(map[EntityType][]Reference)
	for owner, refs := range references {
		for _, r := range refs {
			if r.Target == target {
				out[owner] = append(out[owner], r)
			}
		}
	}
	return out
}
