// Package reconcile merges server outcomes into the local store: acks and
// conflicts of queue submissions, and inbound realtime events.
//
// Every write that originates from the server goes through a Reconciler and
// commits in a single store transaction, so observers never see half of an
// outcome. The main flows are:
//
//   - ApplyServerAck removes an acknowledged item from the queue. A Create
//     ack assigns the server id and remaps every reference to the local id,
//     in waiting payloads and in local foreign keys, then reports the
//     confirmation through Options.OnConfirmed.
//   - ApplyConflict applies the server's view of an entity whose mutation
//     was rejected, and discards the mutation. A 404 or 410 drops the local
//     copy together with its waiting mutations.
//   - ApplyInboundEvent merges one realtime event at most once per event
//     id. An event whose target is not stored yet is buffered in the
//     database and replayed, in arrival order, when the target appears; a
//     buffered row is only removed by the transaction that applies it.
//
// A chat message may be confirmed by either its queue ack or its realtime
// echo: whichever lands first assigns the server id, the other finds the
// message confirmed and changes nothing.
package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-gate-sync/internal/domain"
	"github.com/tbourn/go-gate-sync/internal/logging"
	"github.com/tbourn/go-gate-sync/internal/observability"
	"github.com/tbourn/go-gate-sync/internal/queue"
	"github.com/tbourn/go-gate-sync/internal/realtime"
	"github.com/tbourn/go-gate-sync/internal/repo"
	"github.com/tbourn/go-gate-sync/internal/store"
	"github.com/tbourn/go-gate-sync/internal/syncerr"
	"github.com/tbourn/go-gate-sync/internal/transport"
)

// Applied describes one inbound event merged into the store.
type Applied struct {
	EventID    string
	Type       string
	EntityType domain.EntityType
	LocalID    string
	ServerID   string
	// Entity is the committed value; nil when the event removed it.
	Entity domain.Entity
	// FromSelf is set when the event echoes the local user's own action.
	FromSelf bool
	// Assigned is set by entity.updated pushes that assign a request.
	Assigned bool
}

// Conflict describes a submission the server rejected because its state
// diverged. The server's view has been applied and the mutation discarded.
type Conflict struct {
	Seq        int64
	EntityType domain.EntityType
	LocalID    string
	Operation  domain.Operation
	StatusCode int
	// Removed is set when the server no longer has the entity and the local
	// copy was purged.
	Removed bool
	Err     error
}

// Confirmed reports an entity that has just been assigned its server id.
type Confirmed struct {
	EntityType domain.EntityType
	LocalID    string
	ServerID   string
}

// Options configures a Reconciler.
type Options struct {
	UserID     string
	Typing     *realtime.TypingTracker
	Dedup      *Deduper
	OnApplied  func(Applied)
	OnConflict func(Conflict)
	// OnConfirmed is called after the commit that assigned a server id, once
	// per entity.
	OnConfirmed func(Confirmed)
	Now         func() time.Time
}

// Reconciler owns every write that originates from the server.
type Reconciler struct {
	store *store.Store
	queue *queue.Queue
	opts  Options
	log   zerolog.Logger
}

// New returns a Reconciler over st and q.
func New(st *store.Store, q *queue.Queue, opts Options) *Reconciler {
	if opts.Typing == nil {
		opts.Typing = realtime.NewTypingTracker(0)
	}
	if opts.Dedup == nil {
		opts.Dedup = NewDeduper(0)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Reconciler{store: st, queue: q, opts: opts, log: logging.For("reconcile")}
}

// Typing returns the tracker fed by typing.changed events.
func (r *Reconciler) Typing() *realtime.TypingTracker { return r.opts.Typing }

// ApplyServerAck merges a successful submission of seq and removes it from
// the queue.
//
// A Create ack assigns the server id and rewrites every reference to the
// local id, in waiting payloads and in local foreign keys. Server fields
// overwrite the local row only when no later mutation of the entity is
// still pending. A Delete ack purges the tombstoned row.
func (r *Reconciler) ApplyServerAck(ctx context.Context, seq int64, ack transport.Ack) (err error) {
	ctx, span := observability.Tracer("reconcile").Start(ctx, "ApplyServerAck",
		trace.WithAttributes(attribute.Int64("queue.seq", seq)))
	defer func() { observability.EndSpan(span, err) }()

	var (
		replayType domain.EntityType
		replayRefs []string
		confirmed  *Confirmed
	)
	err = r.store.Update(ctx, func(tx *store.Tx) error {
		it, err := repo.GetQueueItem(ctx, tx.DB, seq)
		if errors.Is(err, repo.ErrNotFound) {
			r.log.Warn().Int64("queue_seq", seq).Msg("ack for unknown queue item")
			return nil
		}
		if err != nil {
			return err
		}

		if it.Operation == domain.OpDelete {
			if err := tx.Purge(it.EntityType, it.LocalID); err != nil {
				return err
			}
			return r.queue.Complete(tx, seq, queue.Completed)
		}

		e, err := repo.GetEntityUnscoped(ctx, tx.DB, it.EntityType, it.LocalID)
		if errors.Is(err, repo.ErrNotFound) {
			return r.queue.Complete(tx, seq, queue.Completed)
		}
		if err != nil {
			return err
		}

		if it.Operation == domain.OpCreate {
			sid, c, err := r.confirm(tx, e, ack.ServerID)
			if err != nil {
				return err
			}
			confirmed = c
			if sid != "" {
				replayType, replayRefs = it.EntityType, []string{it.LocalID, sid}
			}
		}

		later, err := repo.CountQueueItemsFor(ctx, tx.DB, it.EntityType, it.LocalID, seq)
		if err != nil {
			return err
		}
		if later == 0 {
			if err := overlay(e, ack.Entity); err != nil {
				return err
			}
		}
		if msg, ok := e.(*domain.ChatMessage); ok {
			msg.DeliveryState = msg.DeliveryState.Advance(domain.DeliverySent)
		}
		if err := tx.Put(e); err != nil {
			return err
		}
		return r.queue.Complete(tx, seq, queue.Completed)
	})
	if err != nil {
		return err
	}
	r.notifyConfirmed(confirmed)
	if replayType != "" {
		r.replay(ctx, replayType, replayRefs...)
	}
	return nil
}

// confirm records serverID on e and remaps references to it. An entity
// already confirmed (for example by an earlier realtime echo) keeps its id.
// It returns the effective server id, and a Confirmed when this call
// assigned it.
func (r *Reconciler) confirm(tx *store.Tx, e domain.Entity, serverID string) (string, *Confirmed, error) {
	m := e.Meta()
	if m.Confirmed() {
		if serverID != "" && serverID != *m.ServerID {
			r.log.Warn().Str("entity_type", string(e.EntityType())).Str("local_id", m.LocalID).
				Str("server_id", *m.ServerID).Str("ack_server_id", serverID).Msg("ack carries a different server id, keeping the first")
		}
		return *m.ServerID, nil, nil
	}
	if serverID == "" {
		r.log.Warn().Str("entity_type", string(e.EntityType())).Str("local_id", m.LocalID).Msg("create ack without server id")
		return "", nil, nil
	}

	t := e.EntityType()
	if _, err := repo.SetServerID(tx.Context(), tx.DB, t, m.LocalID, serverID); err != nil {
		return "", nil, err
	}
	m.ServerID = strPtr(serverID)
	if err := r.queue.AssignServerID(tx, t, m.LocalID, serverID); err != nil {
		return "", nil, err
	}
	n, err := r.queue.RemapReferences(tx, t, m.LocalID, serverID)
	if err != nil {
		return "", nil, err
	}
	rows, err := tx.RemapReferences(t, m.LocalID, serverID)
	if err != nil {
		return "", nil, err
	}
	r.log.Debug().Str("entity_type", string(t)).Str("local_id", m.LocalID).Str("server_id", serverID).
		Int("queue_items", n).Int64("rows", rows).Msg("remapped references")
	return serverID, &Confirmed{EntityType: t, LocalID: m.LocalID, ServerID: serverID}, nil
}

func (r *Reconciler) notifyConfirmed(c *Confirmed) {
	if c != nil && r.opts.OnConfirmed != nil {
		r.opts.OnConfirmed(*c)
	}
}

// ApplyConflict applies the server's view carried by cerr and discards the
// local mutation seq. When the server no longer has the entity (404/410)
// the local copy and its remaining waiting mutations are dropped.
func (r *Reconciler) ApplyConflict(ctx context.Context, seq int64, cerr *syncerr.Error) (err error) {
	ctx, span := observability.Tracer("reconcile").Start(ctx, "ApplyConflict",
		trace.WithAttributes(attribute.Int64("queue.seq", seq)))
	defer func() { observability.EndSpan(span, err) }()

	var (
		c         Conflict
		confirmed *Confirmed
	)
	err = r.store.Update(ctx, func(tx *store.Tx) error {
		it, err := repo.GetQueueItem(ctx, tx.DB, seq)
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		c = Conflict{Seq: seq, EntityType: it.EntityType, LocalID: it.LocalID, Operation: it.Operation}
		if cerr != nil {
			c.StatusCode, c.Err = cerr.StatusCode, cerr
		}

		if c.StatusCode == 404 || c.StatusCode == 410 {
			if _, err := r.queue.DropEntity(tx, it.EntityType, it.LocalID); err != nil {
				return err
			}
			if err := tx.Purge(it.EntityType, it.LocalID); err != nil {
				return err
			}
			c.Removed = true
			return r.queue.Complete(tx, seq, queue.Discarded)
		}

		e, err := repo.GetEntityUnscoped(ctx, tx.DB, it.EntityType, it.LocalID)
		if errors.Is(err, repo.ErrNotFound) {
			return r.queue.Complete(tx, seq, queue.Discarded)
		}
		if err != nil {
			return err
		}
		var serverView []byte
		if cerr != nil {
			serverView = cerr.ServerEntity
		}
		if it.Operation == domain.OpCreate && len(serverView) > 0 {
			_, cf, err := r.confirm(tx, e, transport.EntityID(serverView))
			if err != nil {
				return err
			}
			confirmed = cf
		}
		if err := overlay(e, serverView); err != nil {
			return err
		}
		if it.Operation == domain.OpDelete {
			// The server still has the entity.
			e.Meta().DeletedAt = gorm.DeletedAt{}
		}
		if err := tx.Put(e); err != nil {
			return err
		}
		return r.queue.Complete(tx, seq, queue.Discarded)
	})
	if err != nil || c.Seq == 0 {
		return err
	}
	r.notifyConfirmed(confirmed)
	r.log.Warn().Int64("queue_seq", seq).Str("entity_type", string(c.EntityType)).Str("local_id", c.LocalID).
		Int("statusCode", c.StatusCode).Bool("removed", c.Removed).Msg("conflict: server view applied, local mutation discarded")
	if r.opts.OnConflict != nil {
		r.opts.OnConflict(c)
	}
	return nil
}

// PruneApplied forgets applied-event ids older than before.
func (r *Reconciler) PruneApplied(ctx context.Context, before time.Time) (int64, error) {
	var n int64
	err := r.store.Update(ctx, func(tx *store.Tx) error {
		var err error
		n, err = repo.PruneAppliedEvents(ctx, tx.DB, before)
		return err
	})
	return n, err
}
