// Package engine is the application-facing API of the offline-first sync
// engine. An Engine wires together the local store, the durable outbound
// queue, the drain scheduler, the realtime channel and the reconciler, and
// is the only type a UI layer, the ops API or the CLI needs to hold.
//
// Reads are served from the local store and never wait for the network.
// Writes go through EnqueueMutation (and the chat and door helpers built on
// it): the optimistic local state and its queue entry commit in one
// transaction, and the scheduler delivers the queue in order whenever the
// connection state allows. Consumers address entities by local id only;
// once the server confirms an entity, every reference to it moves to the
// server id, realtime room membership included.
//
// Run starts the background work and blocks until its context ends:
//
//	eng := engine.New(db, engine.Options{Submitter: client, Dialer: dialer})
//	go eng.Run(ctx)
//	seq, err := eng.EnqueueMutation(ctx, door, domain.OpUpdate)
//
// Notifications, conflicts and dead letters are reported through the
// callbacks in Options. Errors returned by Engine methods are listed in
// errors.go and compare with errors.Is.
package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/language"
	"gorm.io/gorm"

	"github.com/tbourn/go-gate-sync/internal/backoff"
	"github.com/tbourn/go-gate-sync/internal/domain"
	"github.com/tbourn/go-gate-sync/internal/logging"
	"github.com/tbourn/go-gate-sync/internal/netmon"
	"github.com/tbourn/go-gate-sync/internal/queue"
	"github.com/tbourn/go-gate-sync/internal/realtime"
	"github.com/tbourn/go-gate-sync/internal/reconcile"
	"github.com/tbourn/go-gate-sync/internal/repo"
	"github.com/tbourn/go-gate-sync/internal/scheduler"
	"github.com/tbourn/go-gate-sync/internal/store"
)

// roomRenameTimeout bounds the join sent for a room confirmed by the server.
const roomRenameTimeout = 10 * time.Second

// Options configures an Engine. Submitter is required; every other field
// has a usable zero value.
type Options struct {
	// UserID is the local user. It stamps outgoing messages and scans and
	// tells own echoes apart from other users' events.
	UserID string

	// Submitter delivers queue items to the server (transport.HTTPClient).
	Submitter scheduler.Submitter
	// Dialer opens the realtime connection. Nil runs without realtime; the
	// link is then considered up whenever the network is reachable.
	Dialer realtime.Dialer

	// Signal is the platform reachability source. Without it the engine
	// starts reachable unless a probe is configured.
	Signal netmon.Signal
	// Health and ProbeInterval enable the HTTP reachability probe.
	Health        netmon.HealthChecker
	ProbeInterval time.Duration

	Policy        backoff.Policy
	MaxAttempts   int
	SyncInterval  time.Duration
	SubmitTimeout time.Duration

	ConnectTimeout    time.Duration
	HeartbeatInterval time.Duration
	StableAfter       time.Duration
	TypingTTL         time.Duration
	TypingRPS         float64

	DedupTTL time.Duration
	// AppliedRetention bounds how long applied event ids are remembered in
	// the database.
	AppliedRetention time.Duration

	// TitleLocale is used to title-case notification text.
	TitleLocale language.Tag

	OnNotification func(Notification)
	OnConflict     func(reconcile.Conflict)
	OnDeadLetter   func(it domain.QueueItem, cause error)

	Now func() time.Time
}

// Engine wires the store, queue, scheduler, realtime channel and reconciler
// together and exposes the operations used by the UI.
type Engine struct {
	opts    Options
	store   *store.Store
	queue   *queue.Queue
	monitor *netmon.Monitor
	sched   *scheduler.Scheduler
	channel *realtime.Channel
	rec     *reconcile.Reconciler
	notify  notifier
	log     zerolog.Logger
	running atomic.Bool
}

// New builds an engine over a migrated database.
func New(db *gorm.DB, opts Options) *Engine {
	if opts.Policy == (backoff.Policy{}) {
		opts.Policy = backoff.Default()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.AppliedRetention <= 0 {
		opts.AppliedRetention = 7 * 24 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	e := &Engine{
		opts:   opts,
		store:  store.New(db),
		notify: newNotifier(opts.TitleLocale),
		log:    logging.For("engine"),
	}
	probing := opts.Health != nil && opts.ProbeInterval > 0
	e.monitor = netmon.New(opts.Signal == nil && !probing)
	if opts.Dialer == nil {
		e.monitor.SetLinkUp(true)
	}

	e.queue = queue.New(e.store, opts.Policy, opts.MaxAttempts, queue.WithClock(opts.Now))
	e.rec = reconcile.New(e.store, e.queue, reconcile.Options{
		UserID:      opts.UserID,
		Typing:      realtime.NewTypingTracker(opts.TypingTTL),
		Dedup:       reconcile.NewDeduper(opts.DedupTTL),
		OnApplied:   e.onApplied,
		OnConflict:  opts.OnConflict,
		OnConfirmed: e.onConfirmed,
		Now:         opts.Now,
	})
	e.sched = scheduler.New(e.queue, opts.Submitter, e.rec, e.monitor, opts.SyncInterval, opts.SubmitTimeout)
	e.sched.OnDeadLetter = opts.OnDeadLetter

	if opts.Dialer != nil {
		e.channel = realtime.New(realtime.Options{
			Dialer:            opts.Dialer,
			UserID:            opts.UserID,
			Policy:            opts.Policy,
			Monitor:           e.monitor,
			ConnectTimeout:    opts.ConnectTimeout,
			HeartbeatInterval: opts.HeartbeatInterval,
			StableAfter:       opts.StableAfter,
			TypingTTL:         opts.TypingTTL,
			TypingRPS:         opts.TypingRPS,
		})
	}
	return e
}

// Store returns the local store. Reads through it never block on writers.
func (e *Engine) Store() *store.Store { return e.store }

// Queue returns the outbound queue.
func (e *Engine) Queue() *queue.Queue { return e.queue }

// Monitor returns the connection state owner. Platform glue that cannot
// implement netmon.Signal may call SetReachable on it directly.
func (e *Engine) Monitor() *netmon.Monitor { return e.monitor }

// Run starts the workers and blocks until ctx is done or one of them fails:
// the sync scheduler, the realtime connection loop, the inbound dispatch
// loop, the optional reachability probe and a housekeeping ticker.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer e.running.Store(false)

	g, gctx := errgroup.WithContext(ctx)
	if e.opts.Signal != nil {
		g.Go(func() error {
			e.monitor.Follow(gctx, e.opts.Signal)
			return nil
		})
	}
	if e.opts.Health != nil && e.opts.ProbeInterval > 0 {
		p := &netmon.Prober{Checker: e.opts.Health, Monitor: e.monitor, Interval: e.opts.ProbeInterval}
		g.Go(func() error { return p.Run(gctx) })
	}
	g.Go(func() error { return e.sched.Run(gctx) })
	if e.channel != nil {
		g.Go(func() error { return e.channel.Run(gctx) })
		g.Go(func() error { return e.dispatch(gctx) })
	}
	g.Go(func() error { return e.housekeeping(gctx) })

	e.log.Info().Str("user_id", e.opts.UserID).Bool("realtime", e.channel != nil).
		Str("state", e.monitor.State().String()).Msg("engine started")
	err := g.Wait()
	e.store.Close()
	e.log.Info().Msg("engine stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// dispatch applies inbound events in delivery order until the channel
// closes its event stream.
func (e *Engine) dispatch(ctx context.Context) error {
	for ev := range e.channel.Events() {
		if err := e.rec.ApplyInboundEvent(ctx, ev); err != nil {
			if ctx.Err() != nil {
				continue
			}
			e.log.Warn().Err(err).Str("event_id", ev.ID).Str("event_type", ev.Type).Msg("inbound event not applied")
		}
	}
	return nil
}

func (e *Engine) housekeeping(ctx context.Context) error {
	t := time.NewTicker(time.Hour)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		n, err := e.rec.PruneApplied(ctx, e.opts.Now().Add(-e.opts.AppliedRetention))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			e.log.Error().Err(err).Msg("prune applied events")
			continue
		}
		if n > 0 {
			e.log.Debug().Int64("pruned", n).Msg("pruned applied events")
		}
	}
}

func (e *Engine) onApplied(a reconcile.Applied) {
	if e.opts.OnNotification == nil {
		return
	}
	if n, ok := e.notify.build(a); ok {
		e.opts.OnNotification(n)
	}
}

// onConfirmed moves a room joined by its local id over to the server id, so
// reconnects rejoin a room the server knows.
func (e *Engine) onConfirmed(c reconcile.Confirmed) {
	if e.channel == nil || c.EntityType != domain.EntityChatRoom {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), roomRenameTimeout)
	defer cancel()
	if err := e.channel.RenameRoom(ctx, c.LocalID, c.ServerID); err != nil {
		e.log.Warn().Err(err).Str("local_id", c.LocalID).Str("server_id", c.ServerID).Msg("join confirmed room")
	}
}

// ConnectionState returns the current connection state.
func (e *Engine) ConnectionState() netmon.State { return e.monitor.State() }

// SubscribeConnection delivers every connection state transition until the
// returned cancel function is called.
func (e *Engine) SubscribeConnection() (<-chan netmon.Transition, func()) {
	return e.monitor.Subscribe()
}

// ManualSync requests a drain pass. It fails with ErrOffline, and does
// nothing, while the connection state is Offline.
func (e *Engine) ManualSync() error {
	if e.monitor.State() == netmon.Offline {
		return ErrOffline
	}
	e.sched.Trigger()
	return nil
}

// PendingCount returns the number of mutations not yet acknowledged.
func (e *Engine) PendingCount(ctx context.Context) (int64, error) {
	return e.queue.PendingCount(ctx)
}

// Pending lists the active queue in submission order.
func (e *Engine) Pending(ctx context.Context, limit int) ([]domain.QueueItem, error) {
	return e.queue.List(ctx, limit)
}

// Observe subscribes to the committed value of one entity, known by its
// local or server id.
func (e *Engine) Observe(ctx context.Context, t domain.EntityType, ref string) (*store.Subscription, error) {
	return e.store.Observe(ctx, t, ref)
}

// Get returns the live entity known by ref.
func (e *Engine) Get(ctx context.Context, t domain.EntityType, ref string) (domain.Entity, error) {
	return e.store.Get(ctx, t, ref)
}

// DeadLetters lists dead-lettered items, newest first.
func (e *Engine) DeadLetters(ctx context.Context, limit int) ([]domain.DeadLetter, error) {
	return e.queue.DeadLetters(ctx, limit)
}

// RetryDeadLetter puts a dead letter back at the tail of the queue with a
// fresh attempt budget and requests a drain.
func (e *Engine) RetryDeadLetter(ctx context.Context, id string) (int64, error) {
	seq, err := e.queue.RetryDeadLetter(ctx, id)
	if err != nil {
		return 0, err
	}
	e.kick()
	return seq, nil
}

// DiscardDeadLetter drops a dead letter for good.
func (e *Engine) DiscardDeadLetter(ctx context.Context, id string) error {
	return e.queue.DiscardDeadLetter(ctx, id)
}

// Status is a point-in-time summary of the engine.
type Status struct {
	Connection string      `json:"connection"`
	Scheduler  string      `json:"scheduler"`
	Realtime   string      `json:"realtime"`
	Rooms      []string    `json:"rooms,omitempty"`
	Queue      queue.Stats `json:"queue"`
	// Entities counts the live local rows per entity type.
	Entities []repo.TypeStats `json:"entities"`
}

// Status reports connection, scheduler, queue and local store state.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	qs, err := e.queue.Stats(ctx)
	if err != nil {
		return Status{}, err
	}
	ents, err := repo.AllEntityStats(ctx, e.store.DB())
	if err != nil {
		return Status{}, err
	}
	st := Status{
		Connection: e.monitor.State().String(),
		Scheduler:  e.sched.State().String(),
		Realtime:   "disabled",
		Queue:      qs,
		Entities:   ents,
	}
	if e.channel != nil {
		st.Realtime = e.channel.State().String()
		st.Rooms = e.channel.Rooms()
	}
	return st, nil
}

// kick requests a drain unless the device is offline; the transition out
// of Offline triggers one anyway.
func (e *Engine) kick() {
	if e.monitor.State() != netmon.Offline {
		e.sched.Trigger()
	}
}
