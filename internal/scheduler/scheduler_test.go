package scheduler_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tbourn/go-gate-sync/internal/backoff"
	"github.com/tbourn/go-gate-sync/internal/domain"
	"github.com/tbourn/go-gate-sync/internal/netmon"
	"github.com/tbourn/go-gate-sync/internal/queue"
	"github.com/tbourn/go-gate-sync/internal/repo/repotest"
	"github.com/tbourn/go-gate-sync/internal/scheduler"
	"github.com/tbourn/go-gate-sync/internal/store"
	"github.com/tbourn/go-gate-sync/internal/syncerr"
	"github.com/tbourn/go-gate-sync/internal/transport"
)

// fakeSubmitter answers submissions with a scripted function and records
// the order of submitted seqs.
type fakeSubmitter struct {
	mu     sync.Mutex
	seqs   []int64
	answer func(it domain.QueueItem, call int) (transport.Ack, error)
	// delay holds every submission until it passes or ctx ends.
	delay  time.Duration

	active    atomic.Int32
	maxActive atomic.Int32
}

func (f *fakeSubmitter) Submit(ctx context.Context, it domain.QueueItem) (transport.Ack, error) {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		m := f.maxActive.Load()
		if n <= m || f.maxActive.CompareAndSwap(m, n) {
			break
		}
	}

	f.mu.Lock()
	f.seqs = append(f.seqs, it.Seq)
	call := len(f.seqs)
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return transport.Ack{}, ctx.Err()
		case <-time.After(f.delay):
		}
	}
	if f.answer == nil {
		return transport.Ack{StatusCode: 201}, nil
	}
	return f.answer(it, call)
}

func (f *fakeSubmitter) submitted() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.seqs...)
}

// queueReconciler resolves items directly on the queue.
type queueReconciler struct {
	st        *store.Store
	q         *queue.Queue
	conflicts atomic.Int32
}

func (r *queueReconciler) ApplyServerAck(ctx context.Context, seq int64, _ transport.Ack) error {
	return r.st.Update(ctx, func(tx *store.Tx) error { return r.q.Complete(tx, seq, queue.Completed) })
}

func (r *queueReconciler) ApplyConflict(ctx context.Context, seq int64, _ *syncerr.Error) error {
	r.conflicts.Add(1)
	return r.st.Update(ctx, func(tx *store.Tx) error { return r.q.Complete(tx, seq, queue.Discarded) })
}

type fixture struct {
	st  *store.Store
	q   *queue.Queue
	sub *fakeSubmitter
	rec *queueReconciler
	mon *netmon.Monitor
	s   *scheduler.Scheduler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.New(repotest.NewDB(t))
	p := backoff.Policy{Base: 10 * time.Millisecond, Factor: 1, Max: 10 * time.Millisecond}
	q := queue.New(st, p, 3)
	mon := netmon.New(true)
	mon.SetLinkUp(true)
	f := &fixture{st: st, q: q, sub: &fakeSubmitter{}, mon: mon}
	f.rec = &queueReconciler{st: st, q: q}
	f.s = scheduler.New(q, f.sub, f.rec, mon, time.Hour, time.Second)
	return f
}

func (f *fixture) create(t *testing.T, n int) []int64 {
	t.Helper()
	var seqs []int64
	for i := 0; i < n; i++ {
		d := &domain.Door{SyncMeta: domain.SyncMeta{LocalID: uuid.NewString()}, Name: "Door", QRCode: uuid.NewString()}
		err := f.st.Update(context.Background(), func(tx *store.Tx) error {
			if err := tx.Insert(d); err != nil {
				return err
			}
			res, err := f.q.Enqueue(tx, d, domain.OpCreate)
			seqs = append(seqs, res.Seq)
			return err
		})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	return seqs
}

func (f *fixture) pending(t *testing.T) int64 {
	t.Helper()
	n, err := f.q.PendingCount(context.Background())
	if err != nil {
		t.Fatalf("PendingCount: %v", err)
	}
	return n
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func equalSeqs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestDrain_SubmitsInQueueOrder(t *testing.T) {
	f := newFixture(t)
	seqs := f.create(t, 3)

	res, err := f.s.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if res.Submitted != 3 || res.Completed != 3 || res.Halted || res.Reason != "drained" {
		t.Fatalf("result = %+v", res)
	}
	if got := f.sub.submitted(); !equalSeqs(got, seqs) {
		t.Fatalf("submitted %v, want %v", got, seqs)
	}
	if f.pending(t) != 0 {
		t.Fatal("queue not empty")
	}
	if f.s.Passes() != 1 || f.s.State() != scheduler.Idle {
		t.Fatalf("passes=%d state=%s", f.s.Passes(), f.s.State())
	}
}

func TestDrain_EmptyQueue(t *testing.T) {
	f := newFixture(t)
	res, err := f.s.Drain(context.Background())
	if err != nil || res.Submitted != 0 || res.Reason != "empty" {
		t.Fatalf("res=%+v err=%v", res, err)
	}
}

func TestDrain_SystemicHaltsWithoutSkipping(t *testing.T) {
	f := newFixture(t)
	seqs := f.create(t, 2)
	f.sub.answer = func(domain.QueueItem, int) (transport.Ack, error) {
		return transport.Ack{}, syncerr.NewSystemic("submit", errors.New("connection refused"))
	}

	res, err := f.s.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if !res.Halted || res.Submitted != 1 {
		t.Fatalf("result = %+v", res)
	}
	if got := f.sub.submitted(); !equalSeqs(got, seqs[:1]) {
		t.Fatalf("submitted %v, want only the head", got)
	}
	head, err := f.q.Get(context.Background(), seqs[0])
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if head.Attempts != 0 || head.InFlight {
		t.Fatalf("head = %+v, want released with attempts unchanged", head)
	}
	if f.pending(t) != 2 {
		t.Fatal("items lost")
	}
}

func TestDrain_TransientRetriesAfterBackoff(t *testing.T) {
	f := newFixture(t)
	seqs := f.create(t, 1)
	f.sub.answer = func(_ domain.QueueItem, call int) (transport.Ack, error) {
		if call < 3 {
			return transport.Ack{}, syncerr.NewTransient("submit", errors.New("503"))
		}
		return transport.Ack{StatusCode: 201}, nil
	}

	res, err := f.s.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if res.Submitted != 3 || res.Retried != 2 || res.Completed != 1 {
		t.Fatalf("result = %+v", res)
	}
	if got := f.sub.submitted(); !equalSeqs(got, []int64{seqs[0], seqs[0], seqs[0]}) {
		t.Fatalf("submitted %v", got)
	}
}

func TestDrain_SubmitTimeoutIsRetryable(t *testing.T) {
	f := newFixture(t)
	seqs := f.create(t, 1)
	f.s.SubmitTimeout = 30 * time.Millisecond
	f.sub.delay = 60 * time.Millisecond

	res, err := f.s.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if res.Submitted != 3 || res.Retried != 2 || res.DeadLettered != 1 || res.Halted {
		t.Fatalf("result = %+v", res)
	}
	dls, err := f.q.DeadLetters(context.Background(), 0)
	if err != nil || len(dls) != 1 || dls[0].QueueSeq != seqs[0] || dls[0].ErrorKind != syncerr.Transient.String() {
		t.Fatalf("dead letters = %+v, err=%v", dls, err)
	}
}

func TestDrain_DeadLetterContinues(t *testing.T) {
	f := newFixture(t)
	seqs := f.create(t, 2)
	f.sub.answer = func(it domain.QueueItem, _ int) (transport.Ack, error) {
		if it.Seq == seqs[0] {
			return transport.Ack{}, syncerr.NewValidation("submit", errors.New("422"))
		}
		return transport.Ack{StatusCode: 201}, nil
	}
	var dead []int64
	f.s.OnDeadLetter = func(it domain.QueueItem, _ error) { dead = append(dead, it.Seq) }

	res, err := f.s.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if res.DeadLettered != 1 || res.Completed != 1 {
		t.Fatalf("result = %+v", res)
	}
	if !equalSeqs(dead, seqs[:1]) {
		t.Fatalf("dead-letter hook got %v", dead)
	}
	dls, err := f.q.DeadLetters(context.Background(), 0)
	if err != nil || len(dls) != 1 || dls[0].QueueSeq != seqs[0] {
		t.Fatalf("dead letters = %+v, err=%v", dls, err)
	}
}

func TestDrain_ConflictGoesToReconciler(t *testing.T) {
	f := newFixture(t)
	f.create(t, 1)
	f.sub.answer = func(domain.QueueItem, int) (transport.Ack, error) {
		return transport.Ack{}, syncerr.NewConflict("submit", 409, []byte(`{"id":"S1"}`), errors.New("409"))
	}

	res, err := f.s.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if res.Conflicts != 1 || f.rec.conflicts.Load() != 1 || f.pending(t) != 0 {
		t.Fatalf("result = %+v conflicts=%d", res, f.rec.conflicts.Load())
	}
}

func TestDrain_HaltsWhenOffline(t *testing.T) {
	f := newFixture(t)
	f.create(t, 1)
	f.mon.SetReachable(false)

	res, err := f.s.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if !res.Halted || res.Submitted != 0 {
		t.Fatalf("result = %+v", res)
	}
}

func TestDrain_RejectsConcurrentPass(t *testing.T) {
	f := newFixture(t)
	f.create(t, 1)
	started, release := make(chan struct{}), make(chan struct{})
	f.sub.answer = func(domain.QueueItem, int) (transport.Ack, error) {
		close(started)
		<-release
		return transport.Ack{StatusCode: 201}, nil
	}

	errc := make(chan error, 1)
	go func() {
		_, err := f.s.Drain(context.Background())
		errc <- err
	}()
	<-started
	if f.s.State() != scheduler.Draining {
		t.Fatalf("state = %s", f.s.State())
	}
	if _, err := f.s.Drain(context.Background()); !errors.Is(err, scheduler.ErrDrainInProgress) {
		t.Fatalf("second Drain err = %v", err)
	}
	close(release)
	if err := <-errc; err != nil {
		t.Fatalf("first Drain: %v", err)
	}
}

func TestRun_TriggersCollapseIntoOneFollowUp(t *testing.T) {
	f := newFixture(t)
	f.create(t, 1)
	started, release := make(chan struct{}), make(chan struct{})
	f.sub.answer = func(domain.QueueItem, int) (transport.Ack, error) {
		close(started)
		<-release
		return transport.Ack{StatusCode: 201}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- f.s.Run(ctx) }()

	<-started
	for i := 0; i < 10; i++ {
		f.s.Trigger()
	}
	close(release)

	waitFor(t, "follow-up pass", func() bool {
		return f.s.Passes() == 2 && f.s.State() == scheduler.Idle
	})
	time.Sleep(50 * time.Millisecond)
	if n := f.s.Passes(); n != 2 {
		t.Fatalf("passes = %d, want 2", n)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestRun_RapidConnectivityFlipsNeverOverlap(t *testing.T) {
	f := newFixture(t)
	f.create(t, 5)
	f.sub.answer = func(domain.QueueItem, int) (transport.Ack, error) {
		time.Sleep(2 * time.Millisecond)
		return transport.Ack{StatusCode: 201}, nil
	}
	f.mon.SetReachable(false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- f.s.Run(ctx) }()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			f.mon.SetReachable(i%2 == 0)
			time.Sleep(time.Millisecond)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			_, err := f.s.Drain(ctx)
			if err != nil && !errors.Is(err, scheduler.ErrDrainInProgress) {
				t.Errorf("Drain: %v", err)
			}
		}
	}()
	wg.Wait()
	f.mon.SetReachable(true)
	f.s.Trigger()

	waitFor(t, "queue drained", func() bool { return f.pending(t) == 0 })
	if m := f.sub.maxActive.Load(); m != 1 {
		t.Fatalf("max concurrent submissions = %d, want 1", m)
	}
	cancel()
	<-done
}

func TestRun_RecoversInFlightItems(t *testing.T) {
	f := newFixture(t)
	seqs := f.create(t, 1)
	if err := f.q.MarkInFlight(context.Background(), seqs[0]); err != nil {
		t.Fatalf("MarkInFlight: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- f.s.Run(ctx) }()

	waitFor(t, "recovered item submitted", func() bool { return f.pending(t) == 0 })
	cancel()
	<-done
}
