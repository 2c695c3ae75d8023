package reconcile

import (
	"time"

	"github.com/patrickmn/go-cache"
)

// Deduper is an in-memory front for the applied_events table. It only
// answers "seen recently"; the table stays authoritative.
type Deduper struct {
	c *cache.Cache
}

// NewDeduper remembers event ids for ttl.
func NewDeduper(ttl time.Duration) *Deduper {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Deduper{c: cache.New(ttl, ttl)}
}

// Seen reports whether id was recorded within the TTL.
func (d *Deduper) Seen(id string) bool {
	_, ok := d.c.Get(id)
	return ok
}

// Add records id.
func (d *Deduper) Add(id string) { d.c.SetDefault(id, struct{}{}) }
