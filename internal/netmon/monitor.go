// Package netmon owns the process-wide ConnectionState. The platform's
// reachability signal and the realtime link status are its two inputs;
// every reader observes a snapshot and every write goes through Monitor.
package netmon

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tbourn/go-gate-sync/internal/logging"
)

// State is the connection state exposed to the UI.
type State int

const (
	Offline State = iota
	Connecting
	Online
)

func (s State) String() string {
	switch s {
	case Offline:
		return "offline"
	case Connecting:
		return "connecting"
	case Online:
		return "online"
	}
	return "unknown"
}

// Transition is one state change.
type Transition struct {
	From, To State
}

// Signal is the platform connectivity source: a current value plus change
// notifications. The returned function unsubscribes.
type Signal interface {
	Reachable() bool
	Subscribe(fn func(reachable bool)) (unsubscribe func())
}

const subscriberBuffer = 16

// Monitor derives State from reachability and link status:
//
//	unreachable            -> Offline
//	reachable, link down   -> Connecting
//	reachable, link up     -> Online
type Monitor struct {
	mu        sync.Mutex
	reachable bool
	linkUp    bool
	state     State
	changed   chan struct{}
	subs      map[chan Transition]struct{}
	log       zerolog.Logger
}

// New returns a monitor with the given initial reachability.
func New(reachable bool) *Monitor {
	m := &Monitor{
		reachable: reachable,
		changed:   make(chan struct{}),
		subs:      make(map[chan Transition]struct{}),
		log:       logging.For("netmon"),
	}
	m.state = m.derive()
	return m
}

func (m *Monitor) derive() State {
	switch {
	case !m.reachable:
		return Offline
	case !m.linkUp:
		return Connecting
	}
	return Online
}

// State returns the current connection state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Reachable reports the last platform reachability value.
func (m *Monitor) Reachable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reachable
}

// Changed returns a channel that is closed at the next state transition.
func (m *Monitor) Changed() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.changed
}

// SetReachable records the platform reachability signal.
func (m *Monitor) SetReachable(v bool) {
	m.mu.Lock()
	m.reachable = v
	m.updateLocked()
	m.mu.Unlock()
}

// SetLinkUp records whether the realtime link is connected.
func (m *Monitor) SetLinkUp(v bool) {
	m.mu.Lock()
	m.linkUp = v
	m.updateLocked()
	m.mu.Unlock()
}

func (m *Monitor) updateLocked() {
	next := m.derive()
	if next == m.state {
		return
	}
	tr := Transition{From: m.state, To: next}
	m.state = next
	close(m.changed)
	m.changed = make(chan struct{})
	m.log.Info().Str("from", tr.From.String()).Str("to", tr.To.String()).Msg("connection state changed")

	for ch := range m.subs {
		select {
		case ch <- tr:
		default:
			// Full: drop the oldest so the newest transition is kept.
			select {
			case <-ch:
			default:
			}
			ch <- tr
		}
	}
}

// Subscribe returns a channel receiving every transition and a cancel
// function that closes it. A reader that falls behind loses the oldest
// transitions first.
func (m *Monitor) Subscribe() (<-chan Transition, func()) {
	ch := make(chan Transition, subscriberBuffer)
	m.mu.Lock()
	m.subs[ch] = struct{}{}
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, ch)
			m.mu.Unlock()
			close(ch)
		})
	}
}

// Follow feeds sig into the monitor until ctx is done.
func (m *Monitor) Follow(ctx context.Context, sig Signal) {
	unsubscribe := sig.Subscribe(m.SetReachable)
	m.SetReachable(sig.Reachable())
	<-ctx.Done()
	unsubscribe()
}
