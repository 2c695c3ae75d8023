// Package store is the local store facade: the single source of truth UI
// reads come from and the only write path into the database.
//
// Writes go through Update, which runs one GORM transaction at a time under
// a process-wide write lock. Entities touched inside the transaction are
// re-read after commit and pushed to observers, so an observer only ever
// sees committed state. Reads use the root handle and never take the lock.
package store

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/tbourn/go-gate-sync/internal/domain"
	"github.com/tbourn/go-gate-sync/internal/logging"
	"github.com/tbourn/go-gate-sync/internal/repo"
)

// Key identifies one entity.
type Key struct {
	Type    domain.EntityType
	LocalID string
}

// Snapshot is the committed value of an entity. Entity is nil once the row
// has been purged; a tombstoned entity is reported with Deleted set.
type Snapshot struct {
	Key
	Entity  domain.Entity
	Deleted bool
}

// Tx is an open write transaction. DB is the transaction handle; callers use
// it with the repo functions and report every entity they modify via Touch.
type Tx struct {
	DB      *gorm.DB
	ctx     context.Context
	touched []Key
	seen    map[Key]struct{}
}

// Context returns the context the transaction was opened with.
func (tx *Tx) Context() context.Context { return tx.ctx }

// Touch marks an entity as changed so observers are notified after commit.
func (tx *Tx) Touch(t domain.EntityType, localID string) {
	k := Key{Type: t, LocalID: localID}
	if _, ok := tx.seen[k]; ok {
		return
	}
	tx.seen[k] = struct{}{}
	tx.touched = append(tx.touched, k)
}

// Insert creates e and touches it.
func (tx *Tx) Insert(e domain.Entity) error {
	if err := repo.CreateEntity(tx.ctx, tx.DB, e); err != nil {
		return err
	}
	tx.Touch(e.EntityType(), e.Meta().LocalID)
	return nil
}

// Put writes every column of e and touches it.
func (tx *Tx) Put(e domain.Entity) error {
	if err := repo.SaveEntity(tx.ctx, tx.DB, e); err != nil {
		return err
	}
	tx.Touch(e.EntityType(), e.Meta().LocalID)
	return nil
}

// Tombstone soft-deletes e and touches it.
func (tx *Tx) Tombstone(e domain.Entity) error {
	if err := repo.TombstoneEntity(tx.ctx, tx.DB, e); err != nil {
		return err
	}
	tx.Touch(e.EntityType(), e.Meta().LocalID)
	return nil
}

// Purge physically removes an entity and touches it.
func (tx *Tx) Purge(t domain.EntityType, localID string) error {
	if err := repo.PurgeEntity(tx.ctx, tx.DB, t, localID); err != nil {
		return err
	}
	tx.Touch(t, localID)
	return nil
}

// Store owns the database handle and the observer registry.
type Store struct {
	db  *gorm.DB
	log zerolog.Logger

	writeMu sync.Mutex

	mu     sync.Mutex
	subs   map[Key]map[*Subscription]struct{}
	closed bool
}

// New wraps a migrated database.
func New(db *gorm.DB) *Store {
	return &Store{
		db:   db,
		log:  logging.For("store"),
		subs: make(map[Key]map[*Subscription]struct{}),
	}
}

// DB returns the root handle for read-only queries.
func (s *Store) DB() *gorm.DB { return s.db }

// Update runs fn in a write transaction. If fn returns an error the
// transaction is rolled back and nothing is published.
func (s *Store) Update(ctx context.Context, fn func(tx *Tx) error) error {
	s.writeMu.Lock()
	var touched []Key
	err := s.db.WithContext(ctx).Transaction(func(gtx *gorm.DB) error {
		tx := &Tx{DB: gtx, ctx: ctx, seen: make(map[Key]struct{})}
		if err := fn(tx); err != nil {
			return err
		}
		touched = tx.touched
		return nil
	})
	s.writeMu.Unlock()
	if err != nil {
		return err
	}
	s.publish(ctx, touched)
	return nil
}

// Get resolves ref (local or server id) to a live entity.
func (s *Store) Get(ctx context.Context, t domain.EntityType, ref string) (domain.Entity, error) {
	e, err := repo.FindEntity(ctx, s.db, t, ref)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrNotFound
	}
	return e, err
}

func (s *Store) snapshot(ctx context.Context, k Key) (Snapshot, error) {
	e, err := repo.GetEntityUnscoped(ctx, s.db, k.Type, k.LocalID)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return Snapshot{Key: k, Deleted: true}, nil
	case err != nil:
		return Snapshot{Key: k}, err
	}
	return Snapshot{Key: k, Entity: e, Deleted: e.Meta().Tombstoned()}, nil
}

func (s *Store) publish(ctx context.Context, keys []Key) {
	for _, k := range keys {
		s.mu.Lock()
		n := len(s.subs[k])
		s.mu.Unlock()
		if n == 0 {
			continue
		}
		snap, err := s.snapshot(context.WithoutCancel(ctx), k)
		if err != nil {
			s.log.Error().Err(err).Str("entity_type", string(k.Type)).Str("local_id", k.LocalID).Msg("snapshot after commit")
			continue
		}
		s.mu.Lock()
		for sub := range s.subs[k] {
			sub.offer(snap)
		}
		s.mu.Unlock()
	}
}

// Close ends every subscription.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for k, set := range s.subs {
		for sub := range set {
			sub.closeLocked()
		}
		delete(s.subs, k)
	}
}
