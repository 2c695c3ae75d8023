package realtime

import (
	"sort"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
)

// TypingTracker remembers who is typing in which room. Entries expire after
// ttl unless refreshed; nothing is persisted.
type TypingTracker struct {
	c *cache.Cache
}

// NewTypingTracker returns a tracker whose entries live for ttl.
func NewTypingTracker(ttl time.Duration) *TypingTracker {
	if ttl <= 0 {
		ttl = 3 * time.Second
	}
	return &TypingTracker{c: cache.New(ttl, 2*ttl)}
}

func typingKey(room, user string) string { return room + "\x00" + user }

// Set records (or clears) user's typing state in room.
func (t *TypingTracker) Set(room, user string, typing bool) {
	if typing {
		t.c.SetDefault(typingKey(room, user), struct{}{})
		return
	}
	t.c.Delete(typingKey(room, user))
}

// Users returns the users currently typing in room, sorted.
func (t *TypingTracker) Users(room string) []string {
	prefix := room + "\x00"
	var out []string
	for k := range t.c.Items() {
		if strings.HasPrefix(k, prefix) {
			out = append(out, strings.TrimPrefix(k, prefix))
		}
	}
	sort.Strings(out)
	return out
}
