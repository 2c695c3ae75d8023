package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-gate-sync/internal/domain"
	"github.com/tbourn/go-gate-sync/internal/observability"
	"github.com/tbourn/go-gate-sync/internal/queue"
	"github.com/tbourn/go-gate-sync/internal/realtime"
	"github.com/tbourn/go-gate-sync/internal/repo"
	"github.com/tbourn/go-gate-sync/internal/store"
	"github.com/tbourn/go-gate-sync/internal/transport"
)

// outcome of applying one event inside a transaction.
type outcome struct {
	applied   *Applied
	duplicate bool

	// Set when the event must wait for an entity that does not exist yet.
	awaitType domain.EntityType
	awaitRef  string

	// Set when the event created an entity other events may be waiting for.
	created     domain.EntityType
	createdRefs []string

	confirmed *Confirmed
}

// ApplyInboundEvent merges one realtime event.
//
// Durable events are applied at most once per event id. An event whose
// target does not exist locally yet is buffered and replayed when that
// entity appears. Typing events only update the in-memory tracker.
func (r *Reconciler) ApplyInboundEvent(ctx context.Context, ev realtime.Event) error {
	return r.applyInbound(ctx, ev, 0)
}

// applyInbound applies ev. bufferedID is the buffered row ev is replayed
// from, or 0; the row is deleted by the transaction that applies ev so an
// event that fails to apply stays buffered.
func (r *Reconciler) applyInbound(ctx context.Context, ev realtime.Event, bufferedID int64) (err error) {
	if ev.Type == realtime.EventTypingChanged {
		return r.applyTyping(ev)
	}

	result := "applied"
	ctx, span := observability.Tracer("reconcile").Start(ctx, "ApplyInboundEvent",
		trace.WithAttributes(attribute.String("event.id", ev.ID), attribute.String("event.type", ev.Type)))
	defer func() {
		if err != nil {
			result = "error"
		}
		span.SetAttributes(attribute.String("event.result", result))
		observability.EndSpan(span, err)
		observability.InboundEvents.WithLabelValues(ev.Type, result).Inc()
	}()

	if ev.ID == "" {
		return ErrMissingEventID
	}
	if bufferedID == 0 && r.opts.Dedup.Seen(ev.ID) {
		result = "duplicate"
		return nil
	}

	var out outcome
	err = r.store.Update(ctx, func(tx *store.Tx) error {
		out = outcome{}
		if bufferedID != 0 {
			if err := repo.DeleteBuffered(ctx, tx.DB, bufferedID); err != nil {
				return err
			}
		}
		seen, err := repo.IsEventApplied(ctx, tx.DB, ev.ID)
		if err != nil {
			return err
		}
		if seen {
			out.duplicate = true
			return nil
		}

		switch ev.Type {
		case realtime.EventMessageCreated:
			out, err = r.messageCreated(tx, ev)
		case realtime.EventMessageRead:
			out, err = r.messageRead(tx, ev)
		case realtime.EventEntityUpdated:
			out, err = r.entityUpdated(tx, ev)
		default:
			return fmt.Errorf("%w: %q", ErrUnknownEvent, ev.Type)
		}
		if err != nil {
			return err
		}

		if out.awaitRef != "" {
			body, err := json.Marshal(ev)
			if err != nil {
				return err
			}
			return repo.BufferEvent(ctx, tx.DB, &domain.BufferedEvent{
				EventID:    ev.ID,
				AwaitType:  out.awaitType,
				AwaitRef:   out.awaitRef,
				Body:       string(body),
				ReceivedAt: r.opts.Now().UTC(),
			})
		}
		_, err = repo.MarkEventApplied(ctx, tx.DB, ev.ID, ev.Type, r.opts.Now().UTC())
		return err
	})
	if err != nil {
		return err
	}

	switch {
	case out.duplicate:
		result = "duplicate"
		r.opts.Dedup.Add(ev.ID)
		return nil
	case out.awaitRef != "":
		result = "buffered"
		r.log.Debug().Str("event_id", ev.ID).Str("await_type", string(out.awaitType)).Str("await_ref", out.awaitRef).Msg("event buffered")
		return nil
	}

	r.opts.Dedup.Add(ev.ID)
	r.notifyConfirmed(out.confirmed)
	if out.applied != nil && r.opts.OnApplied != nil {
		r.opts.OnApplied(*out.applied)
	}
	if out.created != "" {
		r.replay(ctx, out.created, out.createdRefs...)
	}
	return nil
}

func (r *Reconciler) applyTyping(ev realtime.Event) error {
	var p realtime.TypingPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		observability.InboundEvents.WithLabelValues(ev.Type, "error").Inc()
		return fmt.Errorf("decode typing event: %w", err)
	}
	room := p.ChatRoomID
	if room == "" {
		room = ev.RoomID
	}
	if p.UserID == "" || p.UserID == r.opts.UserID {
		observability.InboundEvents.WithLabelValues(ev.Type, "ignored").Inc()
		return nil
	}
	r.opts.Typing.Set(room, p.UserID, p.IsTyping)
	observability.InboundEvents.WithLabelValues(ev.Type, "applied").Inc()
	return nil
}

func (r *Reconciler) messageCreated(tx *store.Tx, ev realtime.Event) (outcome, error) {
	ctx := tx.Context()
	var p realtime.MessagePayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return outcome{}, fmt.Errorf("decode message event: %w", err)
	}
	if p.ID == "" {
		return outcome{}, fmt.Errorf("message event %s has no message id", ev.ID)
	}
	fromSelf := r.opts.UserID != "" && p.SenderID == r.opts.UserID

	// Echo of a message sent from this device: whichever ack lands first
	// confirms it, the other finds it confirmed.
	if p.ClientID != "" {
		e, err := repo.GetEntityUnscoped(ctx, tx.DB, domain.EntityChatMessage, p.ClientID)
		switch {
		case err == nil:
			msg := e.(*domain.ChatMessage)
			_, confirmed, err := r.confirm(tx, msg, p.ID)
			if err != nil {
				return outcome{}, err
			}
			msg.DeliveryState = msg.DeliveryState.Advance(domain.DeliverySent)
			if err := tx.Put(msg); err != nil {
				return outcome{}, err
			}
			if err := r.suppressQueuedCreate(tx, msg.LocalID); err != nil {
				return outcome{}, err
			}
			return outcome{
				applied:     r.applied(ev, msg, true),
				created:     domain.EntityChatMessage,
				createdRefs: []string{msg.LocalID, p.ID},
				confirmed:   confirmed,
			}, nil
		case !errors.Is(err, repo.ErrNotFound):
			return outcome{}, err
		}
	}

	if _, err := repo.FindEntityUnscoped(ctx, tx.DB, domain.EntityChatMessage, p.ID); err == nil {
		// Already stored, e.g. confirmed through the queue first.
		return outcome{}, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return outcome{}, err
	}

	roomRef := p.ChatRoomID
	if roomRef == "" {
		roomRef = ev.RoomID
	}
	re, err := repo.FindEntity(ctx, tx.DB, domain.EntityChatRoom, roomRef)
	if errors.Is(err, repo.ErrNotFound) {
		return outcome{awaitType: domain.EntityChatRoom, awaitRef: roomRef}, nil
	}
	if err != nil {
		return outcome{}, err
	}
	room := re.(*domain.ChatRoom)

	created := ev.At
	if p.CreatedAt != nil {
		created = *p.CreatedAt
	}
	if created.IsZero() {
		created = r.opts.Now()
	}
	kind := p.Kind
	if kind == "" {
		kind = domain.KindText
	}
	msg := &domain.ChatMessage{
		SyncMeta:      domain.SyncMeta{LocalID: uuid.NewString(), ServerID: strPtr(p.ID), CreatedAt: created},
		ChatRoomID:    room.Ref(),
		SenderID:      p.SenderID,
		Content:       p.Content,
		Kind:          kind,
		Attachment:    p.Attachment,
		DeliveryState: domain.DeliveryDelivered,
	}
	if err := tx.Insert(msg); err != nil {
		return outcome{}, err
	}

	if !fromSelf {
		room.UnreadCount++
	}
	if room.LastMessageAt == nil || created.After(*room.LastMessageAt) {
		at := created
		room.LastMessageAt = &at
	}
	if err := tx.Put(room); err != nil {
		return outcome{}, err
	}
	return outcome{
		applied:     r.applied(ev, msg, fromSelf),
		created:     domain.EntityChatMessage,
		createdRefs: []string{msg.LocalID, p.ID},
	}, nil
}

// suppressQueuedCreate resolves a not yet submitted Create of a message the
// realtime path already delivered.
func (r *Reconciler) suppressQueuedCreate(tx *store.Tx, localID string) error {
	it, err := repo.UnflightedItemFor(tx.Context(), tx.DB, domain.EntityChatMessage, localID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil || it.Operation != domain.OpCreate {
		return err
	}
	return r.queue.Complete(tx, it.Seq, queue.Completed)
}

func (r *Reconciler) messageRead(tx *store.Tx, ev realtime.Event) (outcome, error) {
	ctx := tx.Context()
	var p realtime.ReadPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return outcome{}, fmt.Errorf("decode read event: %w", err)
	}
	e, err := repo.FindEntity(ctx, tx.DB, domain.EntityChatMessage, p.MessageID)
	if errors.Is(err, repo.ErrNotFound) {
		return outcome{awaitType: domain.EntityChatMessage, awaitRef: p.MessageID}, nil
	}
	if err != nil {
		return outcome{}, err
	}
	msg := e.(*domain.ChatMessage)
	fromSelf := r.opts.UserID != "" && p.UserID == r.opts.UserID

	if !fromSelf {
		msg.DeliveryState = msg.DeliveryState.Advance(domain.DeliveryRead)
		if err := tx.Put(msg); err != nil {
			return outcome{}, err
		}
	} else if re, err := repo.FindEntity(ctx, tx.DB, domain.EntityChatRoom, msg.ChatRoomID); err == nil {
		// Read on another of the user's devices.
		room := re.(*domain.ChatRoom)
		if room.UnreadCount > 0 {
			room.UnreadCount--
			if err := tx.Put(room); err != nil {
				return outcome{}, err
			}
		}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return outcome{}, err
	}
	return outcome{applied: r.applied(ev, msg, fromSelf)}, nil
}

func (r *Reconciler) entityUpdated(tx *store.Tx, ev realtime.Event) (outcome, error) {
	ctx := tx.Context()
	var p realtime.EntityPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return outcome{}, fmt.Errorf("decode entity event: %w", err)
	}
	if !p.EntityType.Valid() {
		return outcome{}, fmt.Errorf("entity event %s: unknown entity type %q", ev.ID, p.EntityType)
	}
	if p.ID == "" {
		p.ID = transport.EntityID(p.Entity)
	}
	if p.ID == "" {
		return outcome{}, fmt.Errorf("entity event %s has no entity id", ev.ID)
	}

	e, err := repo.FindEntityUnscoped(ctx, tx.DB, p.EntityType, p.ID)
	found := err == nil
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return outcome{}, err
	}

	if p.Deleted {
		if !found {
			return outcome{}, nil
		}
		m := e.Meta()
		if _, err := r.queue.DropEntity(tx, p.EntityType, m.LocalID); err != nil {
			return outcome{}, err
		}
		if err := tx.Purge(p.EntityType, m.LocalID); err != nil {
			return outcome{}, err
		}
		a := r.applied(ev, e, false)
		a.Entity = nil
		return outcome{applied: a}, nil
	}

	if !found {
		if len(p.Entity) == 0 {
			return outcome{}, nil
		}
		e, err = domain.NewEntity(p.EntityType)
		if err != nil {
			return outcome{}, err
		}
		if err := overlay(e, p.Entity); err != nil {
			return outcome{}, err
		}
		m := e.Meta()
		m.LocalID, m.ServerID = uuid.NewString(), strPtr(p.ID)
		if err := tx.Insert(e); err != nil {
			return outcome{}, err
		}
		a := r.applied(ev, e, false)
		a.Assigned = p.Assigned
		return outcome{applied: a, created: p.EntityType, createdRefs: []string{m.LocalID, p.ID}}, nil
	}

	// Local mutations still waiting for their ack win until it arrives; the
	// ack carries the server's final view.
	pending, err := repo.CountQueueItemsFor(ctx, tx.DB, p.EntityType, e.Meta().LocalID, 0)
	if err != nil {
		return outcome{}, err
	}
	if pending == 0 && len(p.Entity) > 0 {
		if err := overlay(e, p.Entity); err != nil {
			return outcome{}, err
		}
		if err := tx.Put(e); err != nil {
			return outcome{}, err
		}
	}
	a := r.applied(ev, e, false)
	a.Assigned = p.Assigned
	return outcome{applied: a}, nil
}

func (r *Reconciler) applied(ev realtime.Event, e domain.Entity, fromSelf bool) *Applied {
	m := e.Meta()
	return &Applied{
		EventID:    ev.ID,
		Type:       ev.Type,
		EntityType: e.EntityType(),
		LocalID:    m.LocalID,
		ServerID:   deref(m.ServerID),
		Entity:     e,
		FromSelf:   fromSelf,
	}
}

// replay re-applies buffered events waiting for an entity of type t known by
// any of refs, in arrival order. An event that fails to apply stays
// buffered and is retried by the next replay for the same entity.
func (r *Reconciler) replay(ctx context.Context, t domain.EntityType, refs ...string) {
	evs, err := repo.BufferedFor(ctx, r.store.DB(), t, refs...)
	if err != nil {
		r.log.Error().Err(err).Str("entity_type", string(t)).Msg("load buffered events")
		return
	}
	for _, b := range evs {
		if ctx.Err() != nil {
			return
		}
		var ev realtime.Event
		if err := json.Unmarshal([]byte(b.Body), &ev); err != nil {
			r.log.Error().Err(err).Str("event_id", b.EventID).Msg("decode buffered event, kept buffered")
			continue
		}
		if err := r.applyInbound(ctx, ev, b.ID); err != nil {
			r.log.Error().Err(err).Str("event_id", b.EventID).Msg("replay buffered event, kept buffered")
		}
	}
}
