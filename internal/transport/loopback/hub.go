// Package loopback runs rooms inside one process. A Hub owns one actor
// goroutine per room; every adapter attached to the hub talks to that actor,
// which is always the host.
package loopback

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/park285/cheese-roomsync/internal/obslog"
	"github.com/park285/cheese-roomsync/internal/room"
	"github.com/park285/cheese-roomsync/internal/transport"
)

type Hub struct {
	rules  room.Rules
	now    func() time.Time
	ttl    time.Duration
	grace  time.Duration
	sweep  time.Duration
	logger *zap.Logger

	mu     sync.Mutex
	rooms  map[string]*roomActor
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type HubOption func(*Hub)

func WithClock(now func() time.Time) HubOption {
	return func(h *Hub) {
		if now != nil {
			h.now = now
		}
	}
}

// WithPresenceTTL sets how stale a heartbeat may get before its peer counts as absent.
func WithPresenceTTL(d time.Duration) HubOption { return func(h *Hub) { h.ttl = d } }

func WithPruneGrace(d time.Duration) HubOption { return func(h *Hub) { h.grace = d } }

// WithPruneInterval sets the sweep period; zero disables the ticker and
// leaves sweeping to Sweep.
func WithPruneInterval(d time.Duration) HubOption { return func(h *Hub) { h.sweep = d } }

func WithLogger(l *zap.Logger) HubOption {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}

func NewHub(rules room.Rules, opts ...HubOption) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		rules:  rules,
		now:    time.Now,
		ttl:    4 * time.Second,
		grace:  15 * time.Second,
		sweep:  5 * time.Second,
		logger: obslog.L(),
		rooms:  make(map[string]*roomActor),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Close stops every room actor.
func (h *Hub) Close() {
	h.cancel()
	h.wg.Wait()
}

// roomFor returns the actor for id, creating the room on first join.
func (h *Hub) roomFor(id string, mode room.Mode) *roomActor {
	h.mu.Lock()
	defer h.mu.Unlock()
	if r, ok := h.rooms[id]; ok {
		return r
	}
	r := &roomActor{
		id:    id,
		hub:   h,
		host:  room.NewHost(room.NewState(id, mode), h.rules, room.WithClock(h.now), room.WithLogger(h.logger)),
		inbox: make(chan message, 256),
		subs:  make(map[int]*subscriber),
	}
	h.rooms[id] = r
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		r.run(h.ctx)
	}()
	h.logger.Info("loopback_room_created", zap.String("room_id", id), zap.String("mode", string(mode)))
	return r
}

func (h *Hub) lookup(id string) (*roomActor, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[id]
	return r, ok
}

// Sweep runs one prune sweep on a room and waits for it.
func (h *Hub) Sweep(ctx context.Context, roomID string) error {
	r, ok := h.lookup(roomID)
	if !ok {
		return transport.ErrNotJoined
	}
	done := make(chan struct{})
	if err := r.send(ctx, sweepMsg{reply: done}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns the current state of a room.
func (h *Hub) Snapshot(ctx context.Context, roomID string) (room.State, error) {
	r, ok := h.lookup(roomID)
	if !ok {
		return room.State{}, transport.ErrNotJoined
	}
	reply := make(chan room.State, 1)
	if err := r.send(ctx, snapshotMsg{reply: reply}); err != nil {
		return room.State{}, err
	}
	select {
	case st := <-reply:
		return st, nil
	case <-ctx.Done():
		return room.State{}, ctx.Err()
	}
}

type subscriber struct {
	id   int
	peer string
	d    *transport.Dispatcher
}

type message interface{ isMessage() }

type joinMsg struct {
	member room.Member
	sub    *subscriber
	reply  chan int
}

type leaveMsg struct {
	subID int
	peer  string
	reply chan struct{}
}

type requestMsg struct {
	id   string
	from string
	req  room.Request
}

type chatMsg struct {
	from string
	text string
}

type heartbeatMsg struct {
	peer string
}

type sweepMsg struct {
	reply chan struct{}
}

type snapshotMsg struct {
	reply chan room.State
}

func (joinMsg) isMessage()      {}
func (leaveMsg) isMessage()     {}
func (requestMsg) isMessage()   {}
func (chatMsg) isMessage()      {}
func (heartbeatMsg) isMessage() {}
func (sweepMsg) isMessage()     {}
func (snapshotMsg) isMessage()  {}

type roomActor struct {
	id     string
	hub    *Hub
	host   *room.Host
	inbox  chan message
	subs   map[int]*subscriber
	nextID int
}

func (r *roomActor) send(ctx context.Context, m message) error {
	select {
	case r.inbox <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.hub.ctx.Done():
		return transport.ErrClosed
	}
}

func (r *roomActor) run(ctx context.Context) {
	var tick <-chan time.Time
	if r.hub.sweep > 0 {
		t := time.NewTicker(r.hub.sweep)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			r.handleSweep()
		case m := <-r.inbox:
			r.handle(m)
		}
	}
}

func (r *roomActor) handle(m message) {
	switch msg := m.(type) {
	case joinMsg:
		r.nextID++
		msg.sub.id = r.nextID
		r.subs[msg.sub.id] = msg.sub
		st := r.host.Join(msg.member)
		msg.reply <- msg.sub.id
		r.broadcast(transport.SnapshotEvent{State: st})
	case leaveMsg:
		if sub, ok := r.subs[msg.subID]; ok {
			delete(r.subs, msg.subID)
			sub.d.Close()
		}
		if !r.peerAttached(msg.peer) {
			r.broadcast(transport.SnapshotEvent{State: r.host.Leave(msg.peer)})
		}
		close(msg.reply)
	case requestMsg:
		r.handleRequest(msg)
	case chatMsg:
		r.broadcast(transport.ChatEvent{From: msg.from, Text: msg.text, SentAt: r.hub.now()})
	case heartbeatMsg:
		if err := r.host.Heartbeat(msg.peer); err != nil {
			r.hub.logger.Debug("loopback_heartbeat_ignored", zap.String("room_id", r.id), zap.String("peer_id", msg.peer), zap.Error(err))
		}
	case sweepMsg:
		r.handleSweep()
		close(msg.reply)
	case snapshotMsg:
		msg.reply <- r.host.State()
	}
}

// peerAttached reports whether another adapter still joins as peer.
func (r *roomActor) peerAttached(peer string) bool {
	for _, s := range r.subs {
		if s.peer == peer {
			return true
		}
	}
	return false
}

func (r *roomActor) handleRequest(msg requestMsg) {
	out, err := r.host.Apply(msg.from, msg.req)
	if msg.req.Kind().Acked() {
		ack := transport.AckEvent{RequestID: msg.id, OK: err == nil, Reason: room.ReasonCode(err)}
		st := out.State
		ack.Snapshot = &st
		r.unicast(msg.from, ack)
	}
	if err != nil {
		r.hub.logger.Warn("loopback_request_rejected",
			zap.String("room_id", r.id),
			zap.String("peer_id", msg.from),
			zap.String("kind", string(msg.req.Kind())),
			zap.String("reason", room.ReasonCode(err)),
		)
		return
	}
	if out.Move != nil {
		r.broadcast(transport.MoveEvent{Move: *out.Move, Version: out.State.Version})
	}
	r.broadcast(transport.SnapshotEvent{State: out.State})
	if out.Finalized {
		r.broadcast(transport.FinalizeEvent{State: out.State})
	}
}

func (r *roomActor) handleSweep() {
	r.host.ObservePresence(r.host.LivePeers(r.hub.ttl))
	st, removed := r.host.Prune(r.hub.grace)
	if removed {
		r.broadcast(transport.SnapshotEvent{State: st})
	}
}

func (r *roomActor) broadcast(ev transport.Event) {
	for _, s := range r.subs {
		s.d.Emit(ev)
	}
}

func (r *roomActor) unicast(peer string, ev transport.Event) {
	for _, s := range r.subs {
		if s.peer == peer {
			s.d.Emit(ev)
		}
	}
}
