package engine

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/tbourn/go-gate-sync/internal/domain"
	"github.com/tbourn/go-gate-sync/internal/realtime"
	"github.com/tbourn/go-gate-sync/internal/repo"
	"github.com/tbourn/go-gate-sync/internal/store"
)

// OutgoingMessage is the content of a chat message composed locally.
type OutgoingMessage struct {
	Content    string
	Kind       domain.MessageKind
	Attachment *domain.Attachment
}

// SendChatMessage stores a pending message in the room known by roomRef and
// sends it on both paths: the outbound queue for durability and the realtime
// channel for latency. Whichever acknowledgment arrives first confirms the
// message; the other finds it confirmed.
func (e *Engine) SendChatMessage(ctx context.Context, roomRef string, out OutgoingMessage) (*domain.ChatMessage, error) {
	out.Content = strings.TrimSpace(out.Content)
	if out.Kind == "" {
		out.Kind = domain.KindText
	}
	if out.Kind == domain.KindText && out.Content == "" {
		return nil, ErrEmptyMessage
	}

	now := e.opts.Now().UTC()
	var msg *domain.ChatMessage
	err := e.store.Update(ctx, func(tx *store.Tx) error {
		re, err := repo.FindEntity(ctx, tx.DB, domain.EntityChatRoom, roomRef)
		if errors.Is(err, repo.ErrNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		room := re.(*domain.ChatRoom)
		msg = &domain.ChatMessage{
			SyncMeta:      domain.SyncMeta{LocalID: uuid.NewString(), CreatedAt: now},
			ChatRoomID:    room.Ref(),
			SenderID:      e.opts.UserID,
			Content:       out.Content,
			Kind:          out.Kind,
			Attachment:    out.Attachment,
			DeliveryState: domain.DeliveryPending,
		}
		if _, err := e.mutate(tx, msg, domain.OpCreate); err != nil {
			return err
		}
		room.LastMessageAt = &now
		return tx.Put(room)
	})
	if err != nil {
		return nil, err
	}

	if e.channel != nil {
		err := e.channel.Send(ctx, realtime.MessagePayload{
			ClientID:   msg.LocalID,
			ChatRoomID: msg.ChatRoomID,
			SenderID:   msg.SenderID,
			Content:    msg.Content,
			Kind:       msg.Kind,
			Attachment: msg.Attachment,
			CreatedAt:  &now,
		})
		if err != nil && !errors.Is(err, realtime.ErrNotConnected) {
			e.log.Warn().Err(err).Str("local_id", msg.LocalID).Msg("realtime send failed, queue will deliver")
		}
	}
	e.kick()
	return msg, nil
}

// RoomMessages lists the messages of a room in creation order.
func (e *Engine) RoomMessages(ctx context.Context, roomRef string) ([]domain.ChatMessage, error) {
	return e.store.RoomMessages(ctx, roomRef)
}

// JoinRoom subscribes to the realtime events of a room. Membership is kept
// across reconnects.
func (e *Engine) JoinRoom(ctx context.Context, roomRef string) error {
	if e.channel == nil {
		return ErrRealtimeDisabled
	}
	return e.channel.JoinRoom(ctx, e.roomRef(ctx, roomRef))
}

// LeaveRoom stops following a room.
func (e *Engine) LeaveRoom(ctx context.Context, roomRef string) error {
	if e.channel == nil {
		return ErrRealtimeDisabled
	}
	return e.channel.LeaveRoom(ctx, e.roomRef(ctx, roomRef))
}

// MarkRead clears one unread message of the room locally and sends a read
// receipt once the message is known to the server.
func (e *Engine) MarkRead(ctx context.Context, roomRef, messageRef string) error {
	var msgID, roomID string
	err := e.store.Update(ctx, func(tx *store.Tx) error {
		me, err := repo.FindEntity(ctx, tx.DB, domain.EntityChatMessage, messageRef)
		if errors.Is(err, repo.ErrNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		msg := me.(*domain.ChatMessage)
		if msg.Meta().Confirmed() {
			msgID = *msg.ServerID
		}
		re, err := repo.FindEntity(ctx, tx.DB, domain.EntityChatRoom, roomRef)
		if errors.Is(err, repo.ErrNotFound) {
			roomID = msg.ChatRoomID
			return nil
		}
		if err != nil {
			return err
		}
		room := re.(*domain.ChatRoom)
		roomID = room.Ref()
		if room.UnreadCount == 0 || msg.SenderID == e.opts.UserID {
			return nil
		}
		room.UnreadCount--
		return tx.Put(room)
	})
	if err != nil || e.channel == nil || msgID == "" {
		return err
	}
	if err := e.channel.MarkRead(ctx, roomID, msgID); err != nil && !errors.Is(err, realtime.ErrNotConnected) {
		return err
	}
	return nil
}

// SetTyping announces the local user's typing state in a room. Typing is
// best effort: nothing is sent while disconnected.
func (e *Engine) SetTyping(ctx context.Context, roomRef string, typing bool) error {
	if e.channel == nil {
		return ErrRealtimeDisabled
	}
	err := e.channel.SetTyping(ctx, e.roomRef(ctx, roomRef), typing)
	if errors.Is(err, realtime.ErrNotConnected) {
		return nil
	}
	return err
}

// TypingUsers returns the users currently typing in a room.
func (e *Engine) TypingUsers(ctx context.Context, roomRef string) []string {
	return e.rec.Typing().Users(e.roomRef(ctx, roomRef))
}

// roomRef maps any identifier of a room to the one the server knows it by.
func (e *Engine) roomRef(ctx context.Context, ref string) string {
	re, err := e.store.Get(ctx, domain.EntityChatRoom, ref)
	if err != nil {
		return ref
	}
	return re.Meta().Ref()
}
