package domain

import "time"

// RequestStatus is the lifecycle state of an AccessRequest.
type RequestStatus string

const (
	RequestPending    RequestStatus = "pending"
	RequestInProgress RequestStatus = "in_progress"
	RequestCompleted  RequestStatus = "completed"
	RequestCancelled  RequestStatus = "cancelled"
)

// Priority ranks an AccessRequest.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Category groups AccessRequests for routing on the server side.
type Category string

const (
	CategoryGeneral   Category = "general"
	CategoryTechnical Category = "technical"
	CategoryBilling   Category = "billing"
	CategoryOther     Category = "other"
)

// AccessRequest is a field user's request for access to a door.
//
// Fields:
//   - UserID: requesting user.
//   - DoorID: Ref of the door the request is about (may be empty).
//   - Name / Phone / Reason: contact data and free-text justification.
//   - Status / Priority / Category: workflow attributes, mostly set server-side.
//   - AdminNotes / AssignedTo: filled by site managers.
//   - CompletedAt: set when the request reaches a terminal state.
type AccessRequest struct {
	SyncMeta
	UserID      string        `json:"user_id"                gorm:"type:varchar(64);not null;index"`
	DoorID      string        `json:"door_id,omitempty"      gorm:"type:varchar(64);index"`
	Name        string        `json:"name"                   gorm:"type:varchar(255);not null"`
	Phone       string        `json:"phone"                  gorm:"type:varchar(64)"`
	Reason      string        `json:"reason"                 gorm:"type:text"`
	Status      RequestStatus `json:"status"                 gorm:"type:varchar(16);not null;default:'pending';index"`
	Priority    Priority      `json:"priority"               gorm:"type:varchar(16);not null;default:'medium'"`
	Category    Category      `json:"category"               gorm:"type:varchar(16);not null;default:'general'"`
	AdminNotes  string        `json:"admin_notes,omitempty"  gorm:"type:text"`
	AssignedTo  string        `json:"assigned_to,omitempty"  gorm:"type:varchar(64)"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}

// EntityType implements Entity.
func (AccessRequest) EntityType() EntityType { return EntityAccessRequest }

// TableName returns the database table name for AccessRequest.
func (AccessRequest) TableName() string { return "access_requests" }

// Door is a QR-coded door known to the device.
type Door struct {
	SyncMeta
	Name         string     `json:"name"                    gorm:"type:varchar(255);not null"`
	Location     string     `json:"location"                gorm:"type:varchar(255)"`
	QRCode       string     `json:"qr_code"                 gorm:"type:varchar(255);not null;index"`
	LastAccessed *time.Time `json:"last_accessed,omitempty"`
	IsSaved      bool       `json:"is_saved"                gorm:"not null;default:false"`
}

// EntityType implements Entity.
func (Door) EntityType() EntityType { return EntityDoor }

// TableName returns the database table name for Door.
func (Door) TableName() string { return "doors" }

// ScanStatus is the outcome of a QR scan.
type ScanStatus string

const (
	ScanSuccess ScanStatus = "success"
	ScanFailed  ScanStatus = "failed"
)

// ScanEvent records one QR scan of a door.
type ScanEvent struct {
	SyncMeta
	DoorID    string     `json:"door_id"    gorm:"type:varchar(64);not null;index"`
	UserID    string     `json:"user_id"    gorm:"type:varchar(64);not null"`
	ScannedAt time.Time  `json:"scanned_at" gorm:"not null;index"`
	Status    ScanStatus `json:"status"     gorm:"type:varchar(16);not null;default:'success'"`
}

// EntityType implements Entity.
func (ScanEvent) EntityType() EntityType { return EntityScanEvent }

// TableName returns the database table name for ScanEvent.
func (ScanEvent) TableName() string { return "scan_events" }

// ChatRoom is a conversation tied to an access request.
type ChatRoom struct {
	SyncMeta
	RequestID     string     `json:"request_id,omitempty"      gorm:"type:varchar(64);index"`
	Title         string     `json:"title,omitempty"           gorm:"type:varchar(255)"`
	Participants  []string   `json:"participants"              gorm:"serializer:json"`
	UnreadCount   int        `json:"unread_count"              gorm:"not null;default:0"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
}

// EntityType implements Entity.
func (ChatRoom) EntityType() EntityType { return EntityChatRoom }

// TableName returns the database table name for ChatRoom.
func (ChatRoom) TableName() string { return "chat_rooms" }

// MessageKind is the content kind of a chat message.
type MessageKind string

const (
	KindText  MessageKind = "text"
	KindImage MessageKind = "image"
	KindFile  MessageKind = "file"
)

// DeliveryState tracks a message from local creation to being read.
type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliverySent      DeliveryState = "sent"
	DeliveryDelivered DeliveryState = "delivered"
	DeliveryRead      DeliveryState = "read"
)

// rank orders delivery states so they only move forward.
func (s DeliveryState) rank() int {
	switch s {
	case DeliverySent:
		return 1
	case DeliveryDelivered:
		return 2
	case DeliveryRead:
		return 3
	}
	return 0
}

// Advance returns the later of s and next.
func (s DeliveryState) Advance(next DeliveryState) DeliveryState {
	if next.rank() > s.rank() {
		return next
	}
	return s
}

// Attachment describes the file or image attached to a non-text message.
type Attachment struct {
	FileName string `json:"file_name,omitempty"`
	FileSize int64  `json:"file_size,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

// ChatMessage is one message of a chat room.
//
// Fields:
//   - ChatRoomID: Ref of the room (local id until the room is confirmed).
//   - SenderID: authoring user.
//   - Content / Kind / Attachment: message body.
//   - DeliveryState: pending until acknowledged by either path.
type ChatMessage struct {
	SyncMeta
	ChatRoomID    string        `json:"chat_room_id"         gorm:"type:varchar(64);not null;index"`
	SenderID      string        `json:"sender_id"            gorm:"type:varchar(64);not null"`
	Content       string        `json:"content"              gorm:"type:text;not null"`
	Kind          MessageKind   `json:"kind"                 gorm:"type:varchar(16);not null;default:'text'"`
	Attachment    *Attachment   `json:"attachment,omitempty" gorm:"serializer:json"`
	DeliveryState DeliveryState `json:"delivery_state"       gorm:"type:varchar(16);not null;default:'pending'"`
}

// EntityType implements Entity.
func (ChatMessage) EntityType() EntityType { return EntityChatMessage }

// TableName returns the database table name for ChatMessage.
func (ChatMessage) TableName() string { return "chat_messages" }
