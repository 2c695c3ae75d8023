package domain

import "time"

// AppliedEvent records the server-assigned id of every inbound realtime event
// already merged into the store, so redeliveries are ignored.
type AppliedEvent struct {
	EventID   string    `gorm:"type:varchar(128);primaryKey"`
	Type      string    `gorm:"type:varchar(32);not null"`
	AppliedAt time.Time `gorm:"not null;index"`
}

// TableName returns the database table name for AppliedEvent.
func (AppliedEvent) TableName() string { return "applied_events" }

// BufferedEvent is an inbound event whose target entity does not exist
// locally yet. It is replayed once an entity of AwaitType with a matching
// local or server id appears.
type BufferedEvent struct {
	ID         int64      `gorm:"primaryKey;autoIncrement"`
	EventID    string     `gorm:"type:varchar(128);not null;uniqueIndex"`
	AwaitType  EntityType `gorm:"type:varchar(32);not null;index:idx_buffered_await,priority:1"`
	AwaitRef   string     `gorm:"type:varchar(64);not null;index:idx_buffered_await,priority:2"`
	Body       string     `gorm:"type:text;not null"`
	ReceivedAt time.Time  `gorm:"not null"`
}

// TableName returns the database table name for BufferedEvent.
func (BufferedEvent) TableName() string { return "buffered_events" }

// Models returns every model managed by AutoMigrate.
func Models() []any {
	return []any{
		&AccessRequest{},
		&Door{},
		&ScanEvent{},
		&ChatRoom{},
		&ChatMessage{},
		&QueueItem{},
		&DeadLetter{},
		&QueueLedger{},
		&AppliedEvent{},
		&BufferedEvent{},
	}
}
