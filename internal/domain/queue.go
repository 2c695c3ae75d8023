package domain

import (
	"strconv"
	"time"
)

// QueueItem is one pending mutation in the outbound queue.
//
// Seq is the global FIFO position across all entities; it is an AUTOINCREMENT
// key so values are never reused. At most one item per (EntityType, LocalID)
// is InFlight at any time. Payload is the JSON snapshot of the entity taken at
// enqueue time (merged on coalescing, remapped on Create acks).
type QueueItem struct {
	Seq           int64      `json:"queue_seq"                 gorm:"primaryKey;autoIncrement"`
	EntityType    EntityType `json:"entity_type"               gorm:"type:varchar(32);not null;index:idx_queue_entity,priority:1"`
	LocalID       string     `json:"local_id"                  gorm:"type:char(36);not null;index:idx_queue_entity,priority:2"`
	ServerID      *string    `json:"server_id,omitempty"       gorm:"type:varchar(64)"`
	Operation     Operation  `json:"operation"                 gorm:"type:varchar(8);not null"`
	Payload       string     `json:"payload"                   gorm:"type:text;not null"`
	Attempts      int        `json:"attempts"                  gorm:"not null;default:0"`
	InFlight      bool       `json:"in_flight"                 gorm:"not null;default:false;index"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"      gorm:"type:text"`
	EnqueuedAt    time.Time  `json:"enqueued_at"               gorm:"not null"`
}

// TableName returns the database table name for QueueItem.
func (QueueItem) TableName() string { return "outbound_queue" }

// IdempotencyKey identifies this submission to the server so that a replay
// after an unknown outcome (timeout, crash while in flight) is recognised.
func (q QueueItem) IdempotencyKey() string {
	return string(q.EntityType) + ":" + q.LocalID + ":" + strconv.FormatInt(q.Seq, 10)
}

// DeadLetter is a queue item removed from automatic retry. It keeps the full
// item so it can be inspected, retried or discarded by a human.
type DeadLetter struct {
	ID         string     `json:"id"          gorm:"type:char(36);primaryKey"`
	QueueSeq   int64      `json:"queue_seq"   gorm:"not null;index"`
	EntityType EntityType `json:"entity_type" gorm:"type:varchar(32);not null"`
	LocalID    string     `json:"local_id"    gorm:"type:char(36);not null;index"`
	Operation  Operation  `json:"operation"   gorm:"type:varchar(8);not null"`
	Payload    string     `json:"payload"     gorm:"type:text;not null"`
	Attempts   int        `json:"attempts"    gorm:"not null"`
	ErrorKind  string     `json:"error_kind"  gorm:"type:varchar(16);not null"`
	LastError  string     `json:"last_error"  gorm:"type:text"`
	EnqueuedAt time.Time  `json:"enqueued_at"`
	DeadAt     time.Time  `json:"dead_at"     gorm:"not null;index"`
}

// TableName returns the database table name for DeadLetter.
func (DeadLetter) TableName() string { return "dead_letters" }

// QueueLedger holds cumulative queue counters in a single row (ID 1).
//
// Every allocated queue_seq is counted once in Enqueued and, when it leaves
// the active queue, once in exactly one of Completed, DeadLettered or
// Discarded (cancellation, Create+Delete collapse, conflict). Hence
// Completed + DeadLettered + Discarded + pending == Enqueued.
type QueueLedger struct {
	ID           int   `gorm:"primaryKey"`
	Enqueued     int64 `gorm:"not null;default:0"`
	Completed    int64 `gorm:"not null;default:0"`
	DeadLettered int64 `gorm:"not null;default:0"`
	Discarded    int64 `gorm:"not null;default:0"`
}

// TableName returns the database table name for QueueLedger.
func (QueueLedger) TableName() string { return "queue_ledger" }
