package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"golang.org/x/text/language"

	"github.com/tbourn/go-gate-sync/internal/backoff"
	"github.com/tbourn/go-gate-sync/internal/domain"
	"github.com/tbourn/go-gate-sync/internal/netmon"
	"github.com/tbourn/go-gate-sync/internal/queue"
	"github.com/tbourn/go-gate-sync/internal/realtime"
	"github.com/tbourn/go-gate-sync/internal/reconcile"
	"github.com/tbourn/go-gate-sync/internal/repo/repotest"
	"github.com/tbourn/go-gate-sync/internal/store"
	"github.com/tbourn/go-gate-sync/internal/transport"
)

// ----- Fake submitter -----

// fakeSubmitter acknowledges every item and assigns "S-<local_id>" to creates.
type fakeSubmitter struct {
	mu    sync.Mutex
	items []domain.QueueItem
}

func (f *fakeSubmitter) Submit(_ context.Context, it domain.QueueItem) (transport.Ack, error) {
	f.mu.Lock()
	f.items = append(f.items, it)
	f.mu.Unlock()
	switch it.Operation {
	case domain.OpCreate:
		return transport.Ack{StatusCode: 201, ServerID: "S-" + it.LocalID}, nil
	case domain.OpDelete:
		return transport.Ack{StatusCode: 204}, nil
	}
	return transport.Ack{StatusCode: 200}, nil
}

func (f *fakeSubmitter) submitted() []domain.QueueItem {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.QueueItem(nil), f.items...)
}

// ----- Fake realtime connection -----

type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type fakeConn struct {
	in      chan []byte
	closed  chan struct{}
	once    sync.Once
	onWrite func(c *fakeConn, f frame)

	mu     sync.Mutex
	frames []frame
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, io.EOF
	case b := <-c.in:
		return b, nil
	}
}

func (c *fakeConn) Write(_ context.Context, data []byte) error {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	c.mu.Lock()
	c.frames = append(c.frames, f)
	c.mu.Unlock()
	if c.onWrite != nil {
		c.onWrite(c, f)
	}
	return nil
}

func (c *fakeConn) Ping(context.Context) error { return nil }

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) push(t *testing.T, ev realtime.Event) {
	t.Helper()
	b, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	c.in <- b
}

func (c *fakeConn) typesWritten() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.frames))
	for _, f := range c.frames {
		out = append(out, f.Type)
	}
	return out
}

func (c *fakeConn) joined() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, f := range c.frames {
		if f.Type != realtime.CmdJoinRoom {
			continue
		}
		var p struct {
			RoomID string `json:"room_id"`
		}
		if json.Unmarshal(f.Payload, &p) == nil {
			out = append(out, p.RoomID)
		}
	}
	return out
}

type fakeDialer struct{ conn *fakeConn }

func (d fakeDialer) Dial(context.Context) (realtime.Conn, error) { return d.conn, nil }

// ----- Fake platform signal -----

type fakeSignal struct{ reachable bool }

func (s fakeSignal) Reachable() bool                           { return s.reachable }
func (s fakeSignal) Subscribe(func(bool)) (unsubscribe func()) { return func() {} }

// ----- Helpers -----

type recorder struct {
	mu    sync.Mutex
	notes []Notification
}

func (r *recorder) add(n Notification) {
	r.mu.Lock()
	r.notes = append(r.notes, n)
	r.mu.Unlock()
}

func (r *recorder) all() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.notes...)
}

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newEngine(t *testing.T, mod func(*Options)) (*Engine, *fakeSubmitter) {
	t.Helper()
	sub := &fakeSubmitter{}
	opts := Options{
		UserID:        "me",
		Submitter:     sub,
		Policy:        backoff.Policy{Base: 10 * time.Millisecond, Factor: 1, Max: 10 * time.Millisecond},
		SyncInterval:  time.Hour,
		SubmitTimeout: time.Second,
		Now:           func() time.Time { return t0 },
	}
	if mod != nil {
		mod(&opts)
	}
	return New(repotest.NewDB(t), opts), sub
}

// start runs e until the test ends.
func start(t *testing.T, e *Engine) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Errorf("Run did not return")
		}
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func seed(t *testing.T, e *Engine, ents ...domain.Entity) {
	t.Helper()
	err := e.Store().Update(context.Background(), func(tx *store.Tx) error {
		for _, ent := range ents {
			if err := tx.Insert(ent); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func pending(t *testing.T, e *Engine) int64 {
	t.Helper()
	n, err := e.PendingCount(context.Background())
	if err != nil {
		t.Fatalf("PendingCount: %v", err)
	}
	return n
}

func strp(s string) *string { return &s }

// ----- Tests -----

func TestEnqueueMutation_CoalescesAndCollapses(t *testing.T) {
	e, _ := newEngine(t, nil)
	ctx := context.Background()

	d := &domain.Door{Name: "Gate", QRCode: "Q1"}
	seq, err := e.EnqueueMutation(ctx, d, domain.OpCreate)
	if err != nil || seq == 0 || d.LocalID == "" {
		t.Fatalf("create: seq %d, local id %q, err %v", seq, d.LocalID, err)
	}

	d.Name = "Main gate"
	seq2, err := e.EnqueueMutation(ctx, d, domain.OpUpdate)
	if err != nil || seq2 != seq {
		t.Fatalf("update: seq %d (want %d), err %v", seq2, seq, err)
	}
	if got, _ := e.Get(ctx, domain.EntityDoor, d.LocalID); got.(*domain.Door).Name != "Main gate" {
		t.Fatalf("optimistic update not visible: %+v", got)
	}

	seq3, err := e.EnqueueMutation(ctx, d, domain.OpDelete)
	if err != nil || seq3 != 0 {
		t.Fatalf("delete: seq %d, err %v", seq3, err)
	}
	if _, err := e.Get(ctx, domain.EntityDoor, d.LocalID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("door still present: %v", err)
	}
	if n := pending(t, e); n != 0 {
		t.Fatalf("pending = %d", n)
	}
}

func TestEnqueueMutation_AfterDelete(t *testing.T) {
	e, _ := newEngine(t, nil)
	ctx := context.Background()

	d := &domain.Door{SyncMeta: domain.SyncMeta{LocalID: "d1", ServerID: strp("D1")}, Name: "Gate", QRCode: "Q1"}
	seed(t, e, d)
	if _, err := e.EnqueueMutation(ctx, d, domain.OpDelete); err != nil {
		t.Fatalf("delete: %v", err)
	}
	d.Name = "late edit"
	if _, err := e.EnqueueMutation(ctx, d, domain.OpUpdate); !errors.Is(err, ErrEntityDeleted) {
		t.Fatalf("update after delete err = %v", err)
	}
	if _, err := e.EnqueueMutation(ctx, &domain.Door{SyncMeta: domain.SyncMeta{LocalID: "nope"}}, domain.OpUpdate); !errors.Is(err, ErrNotFound) {
		t.Fatalf("update of unknown err = %v", err)
	}
	if _, err := e.EnqueueMutation(ctx, d, domain.Operation("upsert")); !errors.Is(err, queue.ErrInvalidOperation) {
		t.Fatalf("bad op err = %v", err)
	}
}

func TestEnqueueMutation_UpdateKeepsStoredIdentity(t *testing.T) {
	e, _ := newEngine(t, nil)
	ctx := context.Background()

	seed(t, e, &domain.AccessRequest{SyncMeta: domain.SyncMeta{LocalID: "a1", ServerID: strp("A1")}, UserID: "me", Name: "n"})
	edit := &domain.AccessRequest{SyncMeta: domain.SyncMeta{LocalID: "a1"}, UserID: "me", Name: "n", Reason: "late shift"}
	if _, err := e.EnqueueMutation(ctx, edit, domain.OpUpdate); err != nil {
		t.Fatalf("update: %v", err)
	}
	items, _ := e.Pending(ctx, 0)
	if len(items) != 1 || items[0].ServerID == nil || *items[0].ServerID != "A1" {
		t.Fatalf("items = %+v", items)
	}
}

func TestManualSync(t *testing.T) {
	offline, _ := newEngine(t, func(o *Options) { o.Signal = fakeSignal{} })
	if err := offline.ManualSync(); !errors.Is(err, ErrOffline) {
		t.Fatalf("offline ManualSync err = %v", err)
	}
	if offline.ConnectionState() != netmon.Offline {
		t.Fatalf("state = %s", offline.ConnectionState())
	}

	online, _ := newEngine(t, nil)
	if err := online.ManualSync(); err != nil {
		t.Fatalf("online ManualSync: %v", err)
	}
	if online.ConnectionState() != netmon.Online {
		t.Fatalf("state = %s", online.ConnectionState())
	}
}

func TestCancelPending(t *testing.T) {
	e, _ := newEngine(t, nil)
	ctx := context.Background()

	created := &domain.Door{Name: "New", QRCode: "Q9"}
	seq, _ := e.EnqueueMutation(ctx, created, domain.OpCreate)
	if err := e.CancelPending(ctx, seq); err != nil {
		t.Fatalf("cancel create: %v", err)
	}
	if _, err := e.Get(ctx, domain.EntityDoor, created.LocalID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cancelled create left the door: %v", err)
	}

	d := &domain.Door{SyncMeta: domain.SyncMeta{LocalID: "d1", ServerID: strp("D1")}, Name: "Gate", QRCode: "Q1"}
	seed(t, e, d)
	seq, _ = e.EnqueueMutation(ctx, d, domain.OpDelete)
	if err := e.CancelPending(ctx, seq); err != nil {
		t.Fatalf("cancel delete: %v", err)
	}
	if _, err := e.Get(ctx, domain.EntityDoor, "d1"); err != nil {
		t.Fatalf("cancelled delete did not restore: %v", err)
	}

	d.Name = "Renamed"
	seq, _ = e.EnqueueMutation(ctx, d, domain.OpUpdate)
	if err := e.Queue().MarkInFlight(ctx, seq); err != nil {
		t.Fatalf("MarkInFlight: %v", err)
	}
	if err := e.CancelPending(ctx, seq); !errors.Is(err, ErrInFlight) {
		t.Fatalf("cancel in flight err = %v", err)
	}

	st, _ := e.Status(ctx)
	if q := st.Queue; q.Discarded != 2 || q.Pending != 1 || q.Enqueued != 3 {
		t.Fatalf("queue stats = %+v", q)
	}
}

func TestRecordDoorAccess(t *testing.T) {
	e, _ := newEngine(t, nil)
	ctx := context.Background()

	seed(t, e, &domain.Door{SyncMeta: domain.SyncMeta{LocalID: "d1", ServerID: strp("D1")}, Name: "Gate", QRCode: "QR-1"})
	scan, err := e.RecordDoorAccess(ctx, "QR-1")
	if err != nil {
		t.Fatalf("RecordDoorAccess: %v", err)
	}
	if scan.DoorID != "D1" || scan.UserID != "me" || scan.Status != domain.ScanSuccess {
		t.Fatalf("scan = %+v", scan)
	}
	got, _ := e.Get(ctx, domain.EntityDoor, "d1")
	if at := got.(*domain.Door).LastAccessed; at == nil || !at.Equal(t0) {
		t.Fatalf("last_accessed = %v", at)
	}
	items, _ := e.Pending(ctx, 0)
	if len(items) != 2 || items[0].EntityType != domain.EntityScanEvent || items[1].EntityType != domain.EntityDoor || items[1].Operation != domain.OpUpdate {
		t.Fatalf("items = %+v", items)
	}

	if _, err := e.RecordDoorAccess(ctx, "unknown"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown QR err = %v", err)
	}
}

func TestRun_DrainsInOrderAndRemaps(t *testing.T) {
	e, sub := newEngine(t, nil)
	ctx := context.Background()

	room := &domain.ChatRoom{SyncMeta: domain.SyncMeta{LocalID: "r1"}, Title: "Site"}
	if _, err := e.EnqueueMutation(ctx, room, domain.OpCreate); err != nil {
		t.Fatalf("create room: %v", err)
	}
	msg, err := e.SendChatMessage(ctx, "r1", OutgoingMessage{Content: "hello"})
	if err != nil {
		t.Fatalf("SendChatMessage: %v", err)
	}

	start(t, e)
	waitFor(t, "queue to drain", func() bool { return pending(t, e) == 0 })

	items := sub.submitted()
	if len(items) != 2 || items[0].LocalID != "r1" || items[1].LocalID != msg.LocalID {
		t.Fatalf("submitted = %+v", items)
	}
	var body map[string]any
	if err := json.Unmarshal([]byte(items[1].Payload), &body); err != nil || body["chat_room_id"] != "S-r1" {
		t.Fatalf("message payload = %s", items[1].Payload)
	}
	got, _ := e.Get(ctx, domain.EntityChatMessage, msg.LocalID)
	if m := got.(*domain.ChatMessage); m.Ref() != "S-"+msg.LocalID || m.DeliveryState != domain.DeliverySent {
		t.Fatalf("message = %+v", m)
	}
}

func TestEnqueueMutation_LocalRefOfConfirmedParent(t *testing.T) {
	e, sub := newEngine(t, nil)
	ctx := context.Background()

	room := &domain.ChatRoom{SyncMeta: domain.SyncMeta{LocalID: "r1"}, Title: "Site"}
	if _, err := e.EnqueueMutation(ctx, room, domain.OpCreate); err != nil {
		t.Fatalf("create room: %v", err)
	}
	start(t, e)
	waitFor(t, "room confirmed", func() bool {
		got, err := e.Get(ctx, domain.EntityChatRoom, "r1")
		return err == nil && got.Meta().Confirmed()
	})

	msg := &domain.ChatMessage{ChatRoomID: "r1", SenderID: "me", Content: "late", Kind: domain.KindText, DeliveryState: domain.DeliveryPending}
	if _, err := e.EnqueueMutation(ctx, msg, domain.OpCreate); err != nil {
		t.Fatalf("create message: %v", err)
	}
	waitFor(t, "queue to drain", func() bool { return pending(t, e) == 0 && len(sub.submitted()) == 2 })

	var body map[string]any
	if err := json.Unmarshal([]byte(sub.submitted()[1].Payload), &body); err != nil || body["chat_room_id"] != "S-r1" {
		t.Fatalf("message payload = %s", sub.submitted()[1].Payload)
	}
	got, _ := e.Get(ctx, domain.EntityChatMessage, msg.LocalID)
	if m := got.(*domain.ChatMessage); m.ChatRoomID != "S-r1" {
		t.Fatalf("stored chat_room_id = %q", m.ChatRoomID)
	}
	msgs, err := e.RoomMessages(ctx, "r1")
	if err != nil || len(msgs) != 1 {
		t.Fatalf("room messages = %+v, err %v", msgs, err)
	}
}

func TestJoinRoom_BeforeConfirmationMovesToServerID(t *testing.T) {
	conn := newFakeConn()
	e, _ := newEngine(t, func(o *Options) { o.Dialer = fakeDialer{conn: conn} })
	ctx := context.Background()

	room := &domain.ChatRoom{SyncMeta: domain.SyncMeta{LocalID: "r1"}, Title: "Site"}
	if _, err := e.EnqueueMutation(ctx, room, domain.OpCreate); err != nil {
		t.Fatalf("create room: %v", err)
	}
	if err := e.JoinRoom(ctx, "r1"); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}

	start(t, e)
	waitFor(t, "membership moved to the server id", func() bool {
		rooms := e.channel.Rooms()
		return len(rooms) == 1 && rooms[0] == "S-r1"
	})
	waitFor(t, "join for the server id", func() bool {
		for _, r := range conn.joined() {
			if r == "S-r1" {
				return true
			}
		}
		return false
	})
}

func TestSendChatMessage_DualPathYieldsOneMessage(t *testing.T) {
	conn := newFakeConn()
	// The server echoes every sent message with the id the queue path also gets.
	conn.onWrite = func(c *fakeConn, f frame) {
		if f.Type != realtime.CmdSendMessage {
			return
		}
		var p realtime.MessagePayload
		_ = json.Unmarshal(f.Payload, &p)
		p.ID = "S-" + p.ClientID
		raw, _ := json.Marshal(p)
		b, _ := json.Marshal(realtime.Event{ID: "ev-" + p.ClientID, Type: realtime.EventMessageCreated, Payload: raw, At: t0})
		c.in <- b
	}
	rec := &recorder{}
	e, _ := newEngine(t, func(o *Options) {
		o.Dialer = fakeDialer{conn: conn}
		o.OnNotification = rec.add
	})
	ctx := context.Background()
	seed(t, e, &domain.ChatRoom{SyncMeta: domain.SyncMeta{LocalID: "r1", ServerID: strp("R1")}})

	start(t, e)
	waitFor(t, "online", func() bool { return e.ConnectionState() == netmon.Online })

	msg, err := e.SendChatMessage(ctx, "R1", OutgoingMessage{Content: "on my way"})
	if err != nil {
		t.Fatalf("SendChatMessage: %v", err)
	}
	waitFor(t, "message confirmed and queue drained", func() bool {
		got, err := e.Get(ctx, domain.EntityChatMessage, msg.LocalID)
		return err == nil && got.Meta().Confirmed() && pending(t, e) == 0
	})

	msgs, err := e.RoomMessages(ctx, "r1")
	if err != nil || len(msgs) != 1 || msgs[0].Ref() != "S-"+msg.LocalID {
		t.Fatalf("messages = %+v, err %v", msgs, err)
	}
	if n := rec.all(); len(n) != 0 {
		t.Fatalf("own echo notified: %+v", n)
	}
	types := conn.typesWritten()
	if len(types) < 2 || types[0] != realtime.CmdJoinRoom {
		t.Fatalf("frames = %v", types)
	}
}

func TestInboundEvents_Notify(t *testing.T) {
	conn := newFakeConn()
	rec := &recorder{}
	e, _ := newEngine(t, func(o *Options) {
		o.Dialer = fakeDialer{conn: conn}
		o.OnNotification = rec.add
	})
	ctx := context.Background()
	seed(t, e,
		&domain.ChatRoom{SyncMeta: domain.SyncMeta{LocalID: "r1", ServerID: strp("R1")}},
		&domain.AccessRequest{SyncMeta: domain.SyncMeta{LocalID: "a1", ServerID: strp("A1")}, UserID: "me", Name: "n"},
	)
	start(t, e)

	msg, _ := json.Marshal(realtime.MessagePayload{ID: "M1", ChatRoomID: "R1", SenderID: "bob", Content: "door is open"})
	conn.push(t, realtime.Event{ID: "e1", Type: realtime.EventMessageCreated, Payload: msg, At: t0})
	upd, _ := json.Marshal(realtime.EntityPayload{EntityType: domain.EntityAccessRequest, ID: "A1", Entity: json.RawMessage(`{"status":"in_progress"}`)})
	conn.push(t, realtime.Event{ID: "e2", Type: realtime.EventEntityUpdated, Payload: upd, At: t0})
	asg, _ := json.Marshal(realtime.EntityPayload{EntityType: domain.EntityAccessRequest, ID: "A1", Assigned: true, Entity: json.RawMessage(`{"assigned_to":"Dana"}`)})
	conn.push(t, realtime.Event{ID: "e3", Type: realtime.EventEntityUpdated, Payload: asg, At: t0})
	conn.push(t, realtime.Event{Type: realtime.EventTypingChanged, Payload: json.RawMessage(`{"chat_room_id":"R1","user_id":"bob","is_typing":true}`)})
	// Redelivery of e1.
	conn.push(t, realtime.Event{ID: "e1", Type: realtime.EventMessageCreated, Payload: msg, At: t0})

	waitFor(t, "typing", func() bool { return len(e.TypingUsers(ctx, "r1")) == 1 })
	waitFor(t, "notifications", func() bool { return len(rec.all()) >= 3 })

	notes := rec.all()
	want := []struct{ title, body string }{
		{"New Message", "door is open"},
		{"Request Updated", "Your request has been In Progress"},
		{"Request Assigned", "Your request has been assigned to Dana"},
	}
	if len(notes) != len(want) {
		t.Fatalf("notifications = %+v", notes)
	}
	for i, w := range want {
		if notes[i].Title != w.title || notes[i].Body != w.body {
			t.Fatalf("notification %d = %+v, want %q / %q", i, notes[i], w.title, w.body)
		}
	}
	if notes[1].EntityType != domain.EntityAccessRequest || notes[1].LocalID != "a1" || notes[1].ServerID != "A1" {
		t.Fatalf("target = %+v", notes[1])
	}
}

func TestRun_Twice(t *testing.T) {
	e, _ := newEngine(t, nil)
	start(t, e)
	waitFor(t, "running", func() bool { return e.running.Load() })
	if err := e.Run(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Run err = %v", err)
	}
}

func TestRealtimeDisabled(t *testing.T) {
	e, _ := newEngine(t, nil)
	ctx := context.Background()
	if err := e.JoinRoom(ctx, "R1"); !errors.Is(err, ErrRealtimeDisabled) {
		t.Fatalf("JoinRoom err = %v", err)
	}
	if err := e.SetTyping(ctx, "R1", true); !errors.Is(err, ErrRealtimeDisabled) {
		t.Fatalf("SetTyping err = %v", err)
	}
	st, err := e.Status(ctx)
	if err != nil || st.Realtime != "disabled" || st.Connection != "online" || st.Scheduler != "idle" {
		t.Fatalf("status = %+v, err %v", st, err)
	}
	if len(st.Entities) != len(domain.EntityTypes) {
		t.Fatalf("entities = %+v", st.Entities)
	}
}

func TestSendChatMessage_Validation(t *testing.T) {
	e, _ := newEngine(t, nil)
	ctx := context.Background()
	if _, err := e.SendChatMessage(ctx, "r1", OutgoingMessage{Content: "  "}); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("empty err = %v", err)
	}
	if _, err := e.SendChatMessage(ctx, "missing", OutgoingMessage{Content: "hi"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing room err = %v", err)
	}
}

func TestNotifier_Build(t *testing.T) {
	n := newNotifier(language.Und)

	if _, ok := n.build(reconcile.Applied{Type: realtime.EventMessageCreated, FromSelf: true}); ok {
		t.Fatal("own event produced a notification")
	}
	got, ok := n.build(reconcile.Applied{
		Type: realtime.EventEntityUpdated, EntityType: domain.EntityAccessRequest,
		Entity: &domain.AccessRequest{Status: domain.RequestCompleted},
	})
	if !ok || got.Title != "Request Updated" || got.Body != "Your request has been Completed" {
		t.Fatalf("request update = %+v", got)
	}
	got, _ = n.build(reconcile.Applied{Type: realtime.EventEntityUpdated, EntityType: domain.EntityChatRoom})
	if got.Title != "Chat Room Removed" {
		t.Fatalf("removal = %+v", got)
	}
	got, _ = n.build(reconcile.Applied{Type: realtime.EventEntityUpdated, EntityType: domain.EntityDoor, Entity: &domain.Door{}})
	if got.Title != "Door Updated" {
		t.Fatalf("door update = %+v", got)
	}
}
