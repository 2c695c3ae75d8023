package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite (no CGO)
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newDomainDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:domain_%s?mode=memory&cache=shared", uuid.NewString())), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if err := db.AutoMigrate(Models()...); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func strptr(s string) *string { return &s }

func TestTableNames(t *testing.T) {
	cases := map[string]string{
		(AccessRequest{}).TableName(): "access_requests",
		(Door{}).TableName():          "doors",
		(ScanEvent{}).TableName():     "scan_events",
		(ChatRoom{}).TableName():      "chat_rooms",
		(ChatMessage{}).TableName():   "chat_messages",
		(QueueItem{}).TableName():     "outbound_queue",
		(DeadLetter{}).TableName():    "dead_letters",
	}
	for got, want := range cases {
		if got != want {
			t.Fatalf("TableName() = %q; want %q", got, want)
		}
	}
}

func TestNewEntity_AllTypes(t *testing.T) {
	for _, et := range EntityTypes {
		e, err := NewEntity(et)
		if err != nil {
			t.Fatalf("NewEntity(%s): %v", et, err)
		}
		if e.EntityType() != et {
			t.Fatalf("NewEntity(%s) returned %s", et, e.EntityType())
		}
		if e.Meta() == nil {
			t.Fatalf("NewEntity(%s) has nil meta", et)
		}
	}
	if _, err := NewEntity("bogus"); err == nil {
		t.Fatalf("expected error for unknown type")
	}
	if EntityType("bogus").Valid() {
		t.Fatalf("bogus type must be invalid")
	}
}

func TestSyncMeta_Ref(t *testing.T) {
	m := SyncMeta{LocalID: "l1"}
	if m.Ref() != "l1" || m.Confirmed() {
		t.Fatalf("unconfirmed ref = %q confirmed=%v", m.Ref(), m.Confirmed())
	}
	m.ServerID = strptr("S1")
	if m.Ref() != "S1" || !m.Confirmed() {
		t.Fatalf("confirmed ref = %q confirmed=%v", m.Ref(), m.Confirmed())
	}
}

func TestReferencesTo_ChatRoom(t *testing.T) {
	refs := ReferencesTo(EntityChatRoom)
	got, ok := refs[EntityChatMessage]
	if !ok || len(got) != 1 || got[0].Field != "chat_room_id" {
		t.Fatalf("unexpected refs to chat_room: %+v", refs)
	}
	if len(ReferencesTo(EntityScanEvent)) != 0 {
		t.Fatalf("nothing should reference scan events")
	}
}

func TestReferenceField_CoversEveryReference(t *testing.T) {
	for _, et := range EntityTypes {
		e, _ := NewEntity(et)
		for _, r := range References(et) {
			f := ReferenceField(e, r)
			if f == nil {
				t.Fatalf("%s has no field for %s", et, r.Field)
			}
			*f = "x"
		}
	}
	msg := &ChatMessage{ChatRoomID: "r1"}
	if f := ReferenceField(msg, References(EntityChatMessage)[0]); f == nil || *f != "r1" {
		t.Fatalf("chat_room_id field = %v", f)
	}
	if ReferenceField(&Door{}, References(EntityScanEvent)[0]) != nil {
		t.Fatalf("door holds no references")
	}
}

func TestDeliveryState_Advance(t *testing.T) {
	if got := DeliverySent.Advance(DeliveryPending); got != DeliverySent {
		t.Fatalf("state moved backwards: %s", got)
	}
	if got := DeliverySent.Advance(DeliveryRead); got != DeliveryRead {
		t.Fatalf("state did not advance: %s", got)
	}
}

func TestQueueItem_IdempotencyKey(t *testing.T) {
	q := QueueItem{Seq: 42, EntityType: EntityDoor, LocalID: "abc"}
	if got := q.IdempotencyKey(); got != "door:abc:42" {
		t.Fatalf("IdempotencyKey = %q", got)
	}
}

func TestMigrations_TombstoneAndServerIDUniqueness(t *testing.T) {
	db := newDomainDB(t)

	d := &Door{SyncMeta: SyncMeta{LocalID: "d1"}, Name: "Main", QRCode: "QR-1"}
	if err := db.Create(d).Error; err != nil {
		t.Fatalf("create door: %v", err)
	}
	if err := db.Delete(d).Error; err != nil {
		t.Fatalf("soft delete: %v", err)
	}
	var n int64
	db.Model(&Door{}).Where("local_id = ?", "d1").Count(&n)
	if n != 0 {
		t.Fatalf("tombstoned row should be hidden, got %d", n)
	}
	db.Unscoped().Model(&Door{}).Where("local_id = ?", "d1").Count(&n)
	if n != 1 {
		t.Fatalf("tombstoned row should still exist, got %d", n)
	}

	a := &Door{SyncMeta: SyncMeta{LocalID: "d2", ServerID: strptr("S9")}, Name: "A", QRCode: "QR-2"}
	b := &Door{SyncMeta: SyncMeta{LocalID: "d3", ServerID: strptr("S9")}, Name: "B", QRCode: "QR-3"}
	if err := db.Create(a).Error; err != nil {
		t.Fatalf("create a: %v", err)
	}
	if err := db.Create(b).Error; err == nil {
		t.Fatalf("expected unique violation on server_id")
	}

	// Unconfirmed rows (NULL server_id) never collide.
	for _, id := range []string{"d4", "d5"} {
		if err := db.Create(&Door{SyncMeta: SyncMeta{LocalID: id}, Name: id, QRCode: id}).Error; err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
}

func TestChatRoom_ParticipantsSerializer(t *testing.T) {
	db := newDomainDB(t)
	r := &ChatRoom{SyncMeta: SyncMeta{LocalID: "r-ser"}, Participants: []string{"u1", "u2"}}
	if err := db.Create(r).Error; err != nil {
		t.Fatalf("create: %v", err)
	}
	var got ChatRoom
	if err := db.First(&got, "local_id = ?", "r-ser").Error; err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got.Participants) != 2 || got.Participants[1] != "u2" {
		t.Fatalf("participants = %+v", got.Participants)
	}
}

func TestQueueItem_SeqIsMonotonic(t *testing.T) {
	db := newDomainDB(t)
	now := time.Now()
	first := &QueueItem{EntityType: EntityDoor, LocalID: "q1", Operation: OpCreate, Payload: "{}", EnqueuedAt: now}
	if err := db.Create(first).Error; err != nil {
		t.Fatalf("create first: %v", err)
	}
	if err := db.Delete(first).Error; err != nil {
		t.Fatalf("delete first: %v", err)
	}
	second := &QueueItem{EntityType: EntityDoor, LocalID: "q2", Operation: OpCreate, Payload: "{}", EnqueuedAt: now}
	if err := db.Create(second).Error; err != nil {
		t.Fatalf("create second: %v", err)
	}
	if second.Seq <= first.Seq {
		t.Fatalf("seq reused: first=%d second=%d", first.Seq, second.Seq)
	}
	var missing QueueItem
	if err := db.First(&missing, "seq = ?", first.Seq).Error; !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
