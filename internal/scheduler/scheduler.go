// Package scheduler drains the outbound queue.
//
// A drain pass submits items strictly in queue_seq order and stops at the
// first systemic failure without skipping ahead. Passes are started by the
// periodic timer, by connectivity regained and by manual requests; only one
// runs at a time, and triggers arriving during a pass collapse into a single
// follow-up pass.
package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/tbourn/go-gate-sync/internal/domain"
	"github.com/tbourn/go-gate-sync/internal/logging"
	"github.com/tbourn/go-gate-sync/internal/netmon"
	"github.com/tbourn/go-gate-sync/internal/observability"
	"github.com/tbourn/go-gate-sync/internal/queue"
	"github.com/tbourn/go-gate-sync/internal/syncerr"
	"github.com/tbourn/go-gate-sync/internal/transport"
)

// ErrDrainInProgress is returned by Drain when another pass is running.
var ErrDrainInProgress = errors.New("drain already in progress")

// State is the scheduler state.
type State int32

const (
	Idle State = iota
	Draining
)

func (s State) String() string {
	if s == Draining {
		return "draining"
	}
	return "idle"
}

// Submitter sends one item to the server.
type Submitter interface {
	Submit(ctx context.Context, it domain.QueueItem) (transport.Ack, error)
}

// Reconciler merges submission outcomes into the local store and removes
// satisfied items.
type Reconciler interface {
	ApplyServerAck(ctx context.Context, seq int64, ack transport.Ack) error
	ApplyConflict(ctx context.Context, seq int64, cerr *syncerr.Error) error
}

// Result summarizes one drain pass.
type Result struct {
	Submitted    int
	Completed    int
	Retried      int
	DeadLettered int
	Conflicts    int
	// Halted is set when the pass stopped on a systemic failure or because
	// connectivity was lost.
	Halted bool
	// Reason is empty, drained, halted or canceled.
	Reason string
}

// Scheduler runs drain passes. Construct it with New.
type Scheduler struct {
	Queue      *queue.Queue
	Submitter  Submitter
	Reconciler Reconciler
	// Monitor is optional; without it the scheduler assumes connectivity.
	Monitor *netmon.Monitor

	Interval      time.Duration
	SubmitTimeout time.Duration

	// OnDeadLetter is called after an item is dead-lettered.
	OnDeadLetter func(it domain.QueueItem, cause error)

	trigger chan struct{}
	state   atomic.Int32
	passes  atomic.Int64
	now     func() time.Time
	log     zerolog.Logger
}

// New returns a scheduler with the given collaborators.
func New(q *queue.Queue, sub Submitter, rec Reconciler, mon *netmon.Monitor, interval, submitTimeout time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if submitTimeout <= 0 {
		submitTimeout = 30 * time.Second
	}
	return &Scheduler{
		Queue:         q,
		Submitter:     sub,
		Reconciler:    rec,
		Monitor:       mon,
		Interval:      interval,
		SubmitTimeout: submitTimeout,
		trigger:       make(chan struct{}, 1),
		now:           time.Now,
		log:           logging.For("scheduler"),
	}
}

// State reports whether a pass is running.
func (s *Scheduler) State() State { return State(s.state.Load()) }

// Passes returns the number of drain passes started so far.
func (s *Scheduler) Passes() int64 { return s.passes.Load() }

// Trigger requests a drain pass. It never blocks; at most one request is
// kept pending.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run recovers items left in flight by a previous process, then serves
// triggers until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	if _, err := s.Queue.RecoverInFlight(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.watch(ctx)
	}()
	defer func() { <-done }()

	s.Trigger()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.trigger:
			if _, err := s.Drain(ctx); err != nil && !errors.Is(err, ErrDrainInProgress) && ctx.Err() == nil {
				s.log.Error().Err(err).Msg("drain failed")
			}
		}
	}
}

// watch turns timer ticks and regained connectivity into triggers. It runs
// apart from the drain loop so triggers raised during a pass collapse.
func (s *Scheduler) watch(ctx context.Context) {
	tick := time.NewTicker(s.Interval)
	defer tick.Stop()

	var transitions <-chan netmon.Transition
	if s.Monitor != nil {
		ch, unsubscribe := s.Monitor.Subscribe()
		defer unsubscribe()
		transitions = ch
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			s.Trigger()
		case tr, ok := <-transitions:
			if !ok {
				transitions = nil
				continue
			}
			if tr.From == netmon.Offline && tr.To != netmon.Offline {
				s.log.Info().Str("state", tr.To.String()).Msg("connectivity regained")
				s.Trigger()
			}
		}
	}
}

func (s *Scheduler) offline() bool {
	return s.Monitor != nil && s.Monitor.State() == netmon.Offline
}

func (s *Scheduler) changed() <-chan struct{} {
	if s.Monitor == nil {
		return nil
	}
	return s.Monitor.Changed()
}

// Drain runs one pass. It returns ErrDrainInProgress if a pass is running.
func (s *Scheduler) Drain(ctx context.Context) (res Result, err error) {
	if !s.state.CompareAndSwap(int32(Idle), int32(Draining)) {
		return Result{}, ErrDrainInProgress
	}
	defer s.state.Store(int32(Idle))
	s.passes.Add(1)

	started := time.Now()
	ctx, span := observability.Tracer("scheduler").Start(ctx, "Drain")
	defer func() {
		span.SetAttributes(
			attribute.Int("drain.submitted", res.Submitted),
			attribute.Int("drain.completed", res.Completed),
			attribute.String("drain.reason", res.Reason),
		)
		observability.EndSpan(span, err)
		observability.ObserveDrain(res.Reason, started)
		if _, perr := s.Queue.PendingCount(context.WithoutCancel(ctx)); perr != nil {
			s.log.Warn().Err(perr).Msg("pending count")
		}
	}()

	res.Reason = "empty"
	for {
		if ctx.Err() != nil {
			res.Reason = "canceled"
			return res, nil
		}
		if s.offline() {
			res.Halted, res.Reason = true, "halted"
			return res, nil
		}

		head, err := s.Queue.PeekOldestUnlocked(ctx)
		if errors.Is(err, queue.ErrEmpty) {
			if res.Submitted > 0 {
				res.Reason = "drained"
			}
			return res, nil
		}
		if err != nil {
			res.Reason = "halted"
			return res, err
		}

		if head.NextAttemptAt != nil {
			if wait := head.NextAttemptAt.Sub(s.now()); wait > 0 {
				if !s.wait(ctx, wait) {
					continue // re-check context and connectivity
				}
			}
		}

		halt, err := s.process(ctx, head, &res)
		if err != nil {
			res.Halted, res.Reason = true, "halted"
			return res, err
		}
		if halt {
			res.Halted, res.Reason = true, "halted"
			return res, nil
		}
	}
}

// wait sleeps for d. It returns false if interrupted by ctx or by a
// connectivity transition.
func (s *Scheduler) wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	case <-s.changed():
		return false
	}
}

// process submits head and applies the outcome. It reports whether the pass
// must stop.
func (s *Scheduler) process(ctx context.Context, head *domain.QueueItem, res *Result) (bool, error) {
	lg := s.log.With().Int64("queue_seq", head.Seq).Str("entity_type", string(head.EntityType)).Str("operation", string(head.Operation)).Logger()

	if err := s.Queue.MarkInFlight(ctx, head.Seq); err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			// Resolved since the peek, e.g. by a realtime echo.
			lg.Debug().Msg("queue item gone before submission")
			return false, nil
		}
		return false, err
	}
	res.Submitted++

	sctx, cancel := context.WithTimeout(ctx, s.SubmitTimeout)
	ack, err := s.Submitter.Submit(sctx, *head)
	timedOut := errors.Is(sctx.Err(), context.DeadlineExceeded)
	cancel()

	// Bookkeeping must land even if ctx was cancelled mid-submission.
	bctx := context.WithoutCancel(ctx)

	if err == nil {
		observability.Submissions.WithLabelValues("ok").Inc()
		if aerr := s.Reconciler.ApplyServerAck(bctx, head.Seq, ack); aerr != nil {
			// The server has the mutation; resubmitting under the same
			// idempotency key is safe.
			if _, ferr := s.Queue.Fail(bctx, head.Seq, syncerr.NewSystemic("apply ack", aerr)); ferr != nil {
				lg.Error().Err(ferr).Msg("release after failed ack")
			}
			return true, aerr
		}
		res.Completed++
		return false, nil
	}

	if timedOut && ctx.Err() == nil {
		err = syncerr.NewTransient("submit", err)
	}
	kind := syncerr.KindOf(err)
	observability.Submissions.WithLabelValues(kind.String()).Inc()

	if kind == syncerr.Conflict {
		se, _ := syncerr.As(err)
		if cerr := s.Reconciler.ApplyConflict(bctx, head.Seq, se); cerr != nil {
			if _, ferr := s.Queue.Fail(bctx, head.Seq, syncerr.NewSystemic("apply conflict", cerr)); ferr != nil {
				lg.Error().Err(ferr).Msg("release after failed conflict")
			}
			return true, cerr
		}
		res.Conflicts++
		return false, nil
	}

	out, ferr := s.Queue.Fail(bctx, head.Seq, err)
	if ferr != nil {
		return true, ferr
	}
	switch out {
	case queue.Released:
		lg.Warn().Err(err).Msg("systemic failure, halting drain")
		return true, nil
	case queue.DeadLettered:
		res.DeadLettered++
		if s.OnDeadLetter != nil {
			s.OnDeadLetter(*head, err)
		}
	case queue.Retry:
		res.Retried++
		lg.Info().Err(err).Msg("submission failed, will retry")
	}
	return false, nil
}
