package loopback

import (
	"context"
	"strings"
	"sync"

	"github.com/park285/cheese-roomsync/internal/room"
	"github.com/park285/cheese-roomsync/internal/transport"
)

// Adapter attaches one local peer to a Hub room.
type Adapter struct {
	hub *Hub
	d   *transport.Dispatcher

	mu     sync.Mutex
	actor  *roomActor
	peer   string
	subID  int
	joined bool
	left   bool
}

var _ transport.Adapter = (*Adapter)(nil)

func New(hub *Hub) *Adapter {
	return &Adapter{hub: hub, d: transport.NewDispatcher()}
}

func (a *Adapter) OnEvent(h transport.Handler) func() { return a.d.OnEvent(h) }

func (a *Adapter) Join(ctx context.Context, p transport.JoinParams) error {
	if err := p.Validate(); err != nil {
		return err
	}
	a.mu.Lock()
	if a.left {
		a.mu.Unlock()
		return transport.ErrClosed
	}
	if a.joined {
		a.mu.Unlock()
		return transport.ErrAlreadyJoined
	}
	a.mu.Unlock()

	actor := a.hub.roomFor(strings.TrimSpace(p.RoomID), p.Mode)
	sub := &subscriber{peer: p.PeerID, d: a.d}
	reply := make(chan int, 1)
	if err := actor.send(ctx, joinMsg{member: room.Member{PeerID: p.PeerID, DisplayName: p.DisplayName}, sub: sub, reply: reply}); err != nil {
		return err
	}
	var id int
	select {
	case id = <-reply:
	case <-ctx.Done():
		return ctx.Err()
	}

	a.mu.Lock()
	a.actor, a.peer, a.subID, a.joined = actor, p.PeerID, id, true
	a.mu.Unlock()
	return nil
}

func (a *Adapter) attached() (*roomActor, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.left {
		return nil, "", transport.ErrClosed
	}
	if !a.joined {
		return nil, "", transport.ErrNotJoined
	}
	return a.actor, a.peer, nil
}

// Leave detaches the peer. Its seat stays until the prune sweep.
func (a *Adapter) Leave(ctx context.Context) error {
	a.mu.Lock()
	if a.left {
		a.mu.Unlock()
		return nil
	}
	a.left = true
	actor, peer, subID, joined := a.actor, a.peer, a.subID, a.joined
	a.mu.Unlock()
	defer a.d.Close()
	if !joined {
		return nil
	}

	reply := make(chan struct{})
	if err := actor.send(ctx, leaveMsg{subID: subID, peer: peer, reply: reply}); err != nil {
		return err
	}
	select {
	case <-reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Adapter) Request(ctx context.Context, req room.Request) error {
	return a.RequestWithID(ctx, transport.NewRequestID(), req)
}

// RequestWithID submits req under a caller-chosen id echoed in its ack.
func (a *Adapter) RequestWithID(ctx context.Context, id string, req room.Request) error {
	actor, peer, err := a.attached()
	if err != nil {
		return err
	}
	return actor.send(ctx, requestMsg{id: id, from: peer, req: req})
}

func (a *Adapter) SendChat(ctx context.Context, text string) error {
	actor, peer, err := a.attached()
	if err != nil {
		return err
	}
	return actor.send(ctx, chatMsg{from: peer, text: text})
}

func (a *Adapter) Heartbeat(ctx context.Context) error {
	actor, peer, err := a.attached()
	if err != nil {
		return err
	}
	return actor.send(ctx, heartbeatMsg{peer: peer})
}
