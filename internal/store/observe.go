package store

import (
	"context"
	"errors"
	"sync"

	"github.com/tbourn/go-gate-sync/internal/domain"
	"github.com/tbourn/go-gate-sync/internal/repo"
)

// Subscription delivers the latest committed Snapshot of one entity.
//
// C has capacity one and keeps only the newest value: a slow reader skips
// intermediate states but always ends on the latest. C is closed by Close.
type Subscription struct {
	C <-chan Snapshot

	c     chan Snapshot
	store *Store
	key   Key
	once  sync.Once
	done  bool
}

// Observe subscribes to the entity known by ref (local or server id). The
// current value is delivered immediately; if the entity does not exist yet
// the first Snapshot reports Deleted and later commits are still delivered.
func (s *Store) Observe(ctx context.Context, t domain.EntityType, ref string) (*Subscription, error) {
	if _, err := domain.NewEntity(t); err != nil {
		return nil, err
	}
	localID := ref
	if e, err := repo.FindEntityUnscoped(ctx, s.db, t, ref); err == nil {
		localID = e.Meta().LocalID
	} else if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}

	k := Key{Type: t, LocalID: localID}
	ch := make(chan Snapshot, 1)
	sub := &Subscription{C: ch, c: ch, store: s, key: k}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if s.subs[k] == nil {
		s.subs[k] = make(map[*Subscription]struct{})
	}
	s.subs[k][sub] = struct{}{}
	s.mu.Unlock()

	snap, err := s.snapshot(ctx, k)
	if err != nil {
		sub.Close()
		return nil, err
	}
	s.mu.Lock()
	sub.offer(snap)
	s.mu.Unlock()
	return sub, nil
}

// offer replaces any unread value with snap. Caller holds store.mu.
func (sub *Subscription) offer(snap Snapshot) {
	if sub.done {
		return
	}
	select {
	case <-sub.c:
	default:
	}
	sub.c <- snap
}

// closeLocked closes the channel. Caller holds store.mu.
func (sub *Subscription) closeLocked() {
	sub.once.Do(func() {
		sub.done = true
		close(sub.c)
	})
}

// Close unsubscribes and closes C. It is safe to call more than once.
func (sub *Subscription) Close() {
	s := sub.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if set := s.subs[sub.key]; set != nil {
		delete(set, sub)
		if len(set) == 0 {
			delete(s.subs, sub.key)
		}
	}
	sub.closeLocked()
}
