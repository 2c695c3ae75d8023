// Package realtime maintains the persistent event stream with the server.
//
// A Channel keeps one connection alive, reconnecting with the queue's backoff
// policy, re-joins every room it was asked to join and delivers inbound
// events in arrival order on Events. Outbound commands fail fast with
// ErrNotConnected while the link is down; durability is the queue's job.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/tbourn/go-gate-sync/internal/backoff"
	"github.com/tbourn/go-gate-sync/internal/logging"
	"github.com/tbourn/go-gate-sync/internal/netmon"
	"github.com/tbourn/go-gate-sync/internal/observability"
	"github.com/tbourn/go-gate-sync/internal/syncerr"
)

// ErrNotConnected is returned by outbound commands while the link is down.
var ErrNotConnected = errors.New("realtime channel not connected")

// State is the connection state of a Channel.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return "disconnected"
}

// Options configures a Channel.
type Options struct {
	Dialer  Dialer
	UserID  string
	Policy  backoff.Policy
	Monitor *netmon.Monitor // receives link up/down; gates dialing on reachability

	ConnectTimeout    time.Duration
	HeartbeatInterval time.Duration
	StableAfter       time.Duration
	TypingTTL         time.Duration
	TypingRPS         float64
}

// Channel is a reconnecting realtime connection.
type Channel struct {
	opts   Options
	log    zerolog.Logger
	events chan Event

	mu    sync.Mutex
	conn  Conn
	state State
	rooms map[string]struct{}

	typingMu     sync.Mutex
	typingLimit  map[string]*rate.Limiter
	typingTimers map[string]*time.Timer
}

// New returns a Channel. Call Run to connect.
func New(opts Options) *Channel {
	if opts.Policy == (backoff.Policy{}) {
		opts.Policy = backoff.Default()
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 30 * time.Second
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 25 * time.Second
	}
	if opts.StableAfter <= 0 {
		opts.StableAfter = time.Minute
	}
	if opts.TypingTTL <= 0 {
		opts.TypingTTL = 3 * time.Second
	}
	if opts.TypingRPS <= 0 {
		opts.TypingRPS = 1
	}
	return &Channel{
		opts:         opts,
		log:          logging.For("realtime"),
		events:       make(chan Event, 256),
		rooms:        make(map[string]struct{}),
		typingLimit:  make(map[string]*rate.Limiter),
		typingTimers: make(map[string]*time.Timer),
	}
}

// Events delivers inbound events in the order the server sent them.
func (c *Channel) Events() <-chan Event { return c.events }

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Rooms returns the rooms the channel keeps joined, sorted.
func (c *Channel) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

func (c *Channel) setState(s State, conn Conn) {
	c.mu.Lock()
	c.state = s
	c.conn = conn
	c.mu.Unlock()
	observability.RealtimeState.Set(float64(s))
	if c.opts.Monitor != nil {
		c.opts.Monitor.SetLinkUp(s == Connected)
	}
}

// Run connects and keeps the connection alive until ctx is done. It closes
// Events on return.
func (c *Channel) Run(ctx context.Context) error {
	defer close(c.events)
	defer c.stopTyping()

	b := c.opts.Policy.New()
	for {
		if ctx.Err() != nil {
			return nil
		}
		if m := c.opts.Monitor; m != nil && !m.Reachable() {
			select {
			case <-ctx.Done():
				return nil
			case <-m.Changed():
			}
			continue
		}

		c.setState(Connecting, nil)
		dctx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
		conn, err := c.opts.Dialer.Dial(dctx)
		cancel()
		if err != nil {
			c.setState(Disconnected, nil)
			if ctx.Err() != nil {
				return nil
			}
			ev := c.log.Warn()
			if syncerr.Is(err, syncerr.Systemic) {
				ev = c.log.Error()
			}
			ev.Err(err).Msg("realtime connect failed")
		} else {
			started := time.Now()
			err = c.session(ctx, conn)
			c.setState(Disconnected, nil)
			_ = conn.Close()
			if ctx.Err() != nil {
				return nil
			}
			c.log.Info().Err(err).Dur("uptime", time.Since(started)).Msg("realtime disconnected")
			if time.Since(started) >= c.opts.StableAfter {
				b.Reset()
			}
		}

		wait := b.NextBackOff()
		observability.RealtimeReconnects.Inc()
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// session runs one connection until it fails or ctx is done.
func (c *Channel) session(ctx context.Context, conn Conn) error {
	c.setState(Connected, conn)
	c.log.Info().Msg("realtime connected")

	for _, room := range c.joinSet() {
		if err := c.write(ctx, conn, Command{Type: CmdJoinRoom, Payload: roomPayload{RoomID: room}}); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.readLoop(gctx, conn) })
	g.Go(func() error { return c.heartbeat(gctx, conn) })
	return g.Wait()
}

// joinSet is every tracked room plus the personal room.
func (c *Channel) joinSet() []string {
	rooms := c.Rooms()
	if c.opts.UserID != "" {
		rooms = append(rooms, PersonalRoom(c.opts.UserID))
	}
	return rooms
}

// PersonalRoom is the room carrying events addressed to one user.
func PersonalRoom(userID string) string { return "user:" + userID }

func (c *Channel) readLoop(ctx context.Context, conn Conn) error {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil || ev.Type == "" {
			c.log.Warn().Int("bytes", len(data)).Msg("dropping malformed realtime frame")
			continue
		}
		select {
		case c.events <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Channel) heartbeat(ctx context.Context, conn Conn) error {
	t := time.NewTicker(c.opts.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			pctx, cancel := context.WithTimeout(ctx, c.opts.HeartbeatInterval)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				return syncerr.NewTransient("realtime.Ping", err)
			}
		}
	}
}

func (c *Channel) write(ctx context.Context, conn Conn, cmd Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, data)
}

// send writes cmd on the live connection.
func (c *Channel) send(ctx context.Context, cmd Command) error {
	c.mu.Lock()
	conn, state := c.conn, c.state
	c.mu.Unlock()
	if conn == nil || state != Connected {
		return ErrNotConnected
	}
	return c.write(ctx, conn, cmd)
}

// JoinRoom tracks room and joins it now if connected. Membership survives
// reconnects; joining twice is harmless.
func (c *Channel) JoinRoom(ctx context.Context, room string) error {
	c.mu.Lock()
	c.rooms[room] = struct{}{}
	c.mu.Unlock()
	if err := c.send(ctx, Command{Type: CmdJoinRoom, Payload: roomPayload{RoomID: room}}); err != nil && !errors.Is(err, ErrNotConnected) {
		return err
	}
	return nil
}

// RenameRoom replaces the tracked room from by to and joins to now if
// connected. It does nothing when from is not tracked.
func (c *Channel) RenameRoom(ctx context.Context, from, to string) error {
	c.mu.Lock()
	_, ok := c.rooms[from]
	if ok {
		delete(c.rooms, from)
		c.rooms[to] = struct{}{}
	}
	c.mu.Unlock()
	if !ok || from == to {
		return nil
	}
	if err := c.send(ctx, Command{Type: CmdJoinRoom, Payload: roomPayload{RoomID: to}}); err != nil && !errors.Is(err, ErrNotConnected) {
		return err
	}
	return nil
}

// LeaveRoom stops tracking room and leaves it now if connected.
func (c *Channel) LeaveRoom(ctx context.Context, room string) error {
	c.mu.Lock()
	delete(c.rooms, room)
	c.mu.Unlock()
	if err := c.send(ctx, Command{Type: CmdLeaveRoom, Payload: roomPayload{RoomID: room}}); err != nil && !errors.Is(err, ErrNotConnected) {
		return err
	}
	return nil
}

// Send pushes a chat message on the low-latency path.
func (c *Channel) Send(ctx context.Context, msg MessagePayload) error {
	return c.send(ctx, Command{Type: CmdSendMessage, Payload: msg})
}

// MarkRead sends a read receipt for messageID.
func (c *Channel) MarkRead(ctx context.Context, room, messageID string) error {
	return c.send(ctx, Command{Type: CmdMarkRead, Payload: ReadPayload{ChatRoomID: room, MessageID: messageID}})
}

// SetTyping announces the local user's typing state in room. Start signals
// are throttled per room and automatically followed by a stop once the
// typing TTL passes without another start.
func (c *Channel) SetTyping(ctx context.Context, room string, typing bool) error {
	if !typing {
		c.cancelTypingTimer(room)
		return c.send(ctx, Command{Type: CmdSetTyping, Payload: TypingPayload{ChatRoomID: room}})
	}

	c.typingMu.Lock()
	lim, ok := c.typingLimit[room]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(c.opts.TypingRPS), 1)
		c.typingLimit[room] = lim
	}
	if t, ok := c.typingTimers[room]; ok {
		t.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(c.opts.TypingTTL, func() {
		// timer is assigned under typingMu.
		c.typingMu.Lock()
		self := timer
		c.typingMu.Unlock()
		if !c.releaseTypingTimer(room, self) {
			return
		}
		sctx, cancel := context.WithTimeout(context.Background(), c.opts.ConnectTimeout)
		defer cancel()
		if err := c.send(sctx, Command{Type: CmdSetTyping, Payload: TypingPayload{ChatRoomID: room}}); err != nil && !errors.Is(err, ErrNotConnected) {
			c.log.Debug().Err(err).Str("room", room).Msg("typing auto-stop")
		}
	})
	c.typingTimers[room] = timer
	allowed := lim.Allow()
	c.typingMu.Unlock()

	if !allowed {
		return nil
	}
	return c.send(ctx, Command{Type: CmdSetTyping, Payload: TypingPayload{ChatRoomID: room, IsTyping: true}})
}

// releaseTypingTimer drops t as room's auto-stop timer. It reports false when
// a later SetTyping already replaced t.
func (c *Channel) releaseTypingTimer(room string, t *time.Timer) bool {
	c.typingMu.Lock()
	defer c.typingMu.Unlock()
	if c.typingTimers[room] != t {
		return false
	}
	delete(c.typingTimers, room)
	return true
}

func (c *Channel) cancelTypingTimer(room string) {
	c.typingMu.Lock()
	if t, ok := c.typingTimers[room]; ok {
		t.Stop()
		delete(c.typingTimers, room)
	}
	c.typingMu.Unlock()
}

func (c *Channel) stopTyping() {
	c.typingMu.Lock()
	for room, t := range c.typingTimers {
		t.Stop()
		delete(c.typingTimers, room)
	}
	c.typingMu.Unlock()
}
