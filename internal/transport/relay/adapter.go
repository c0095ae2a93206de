// Package relay connects to a relay server that holds room authority. The
// client only forwards intents and applies the snapshots it is sent.
package relay

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/park285/cheese-roomsync/internal/obslog"
	"github.com/park285/cheese-roomsync/internal/room"
	"github.com/park285/cheese-roomsync/internal/transport"
	"github.com/park285/cheese-roomsync/pkg/roomwire"
)

type Config struct {
	BaseURL      string
	WSURL        string
	PingInterval time.Duration
	Logger       *zap.Logger
}

type Adapter struct {
	tickets *TicketClient
	cfg     Config
	log     *zap.Logger
	d       *transport.Dispatcher

	mu      sync.Mutex
	writeMu sync.Mutex
	p       transport.JoinParams
	conn    *websocket.Conn
	joined  bool
	left    bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// owned by the reader goroutine
	delivered int64
	lastMove  int64
	lastFinal int64
}

var _ transport.Adapter = (*Adapter)(nil)

func New(cfg Config, opts ...TicketOption) *Adapter {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = obslog.L()
	}
	return &Adapter{
		tickets: NewTicketClient(cfg.BaseURL, opts...),
		cfg:     cfg,
		log:     cfg.Logger,
		d:       transport.NewDispatcher(),
	}
}

func (a *Adapter) OnEvent(h transport.Handler) func() { return a.d.OnEvent(h) }

func (a *Adapter) socketURL(roomID, ticket string) string {
	base := strings.TrimRight(a.cfg.WSURL, "/")
	return base + "/rooms/" + url.PathEscape(roomID) + "?ticket=" + url.QueryEscape(ticket)
}

func (a *Adapter) Join(ctx context.Context, p transport.JoinParams) error {
	if err := p.Validate(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.left {
		return transport.ErrClosed
	}
	if a.joined {
		return transport.ErrAlreadyJoined
	}

	t, err := a.tickets.Issue(ctx, p.RoomID, roomwire.TicketRequest{PeerID: p.PeerID, DisplayName: p.DisplayName, Mode: string(p.Mode)})
	if err != nil {
		return err
	}
	dialCtx, cancelDial := context.WithTimeout(ctx, 10*time.Second)
	defer cancelDial()
	conn, _, err := websocket.Dial(dialCtx, a.socketURL(p.RoomID, t.Ticket), &websocket.DialOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
	})
	if err != nil {
		return err
	}

	rootCtx, cancel := context.WithCancel(context.Background())
	a.p, a.conn, a.cancel, a.joined = p, conn, cancel, true
	a.wg.Add(2)
	go a.listen(rootCtx, conn)
	go a.pingLoop(rootCtx, conn)
	a.log.Info("relay_joined", zap.String("room_id", p.RoomID), zap.String("peer_id", p.PeerID))
	return nil
}

func (a *Adapter) Leave(ctx context.Context) error {
	a.mu.Lock()
	if a.left {
		a.mu.Unlock()
		return nil
	}
	a.left = true
	joined, conn, cancel := a.joined, a.conn, a.cancel
	a.mu.Unlock()
	defer a.d.Close()
	if !joined {
		return nil
	}

	err := conn.Close(websocket.StatusNormalClosure, "leave")
	cancel()
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	var ce websocket.CloseError
	if err != nil && !errors.As(err, &ce) {
		return err
	}
	return nil
}

func (a *Adapter) write(ctx context.Context, t roomwire.Type, payload any) error {
	a.mu.Lock()
	if a.left {
		a.mu.Unlock()
		return transport.ErrClosed
	}
	if !a.joined {
		a.mu.Unlock()
		return transport.ErrNotJoined
	}
	conn, roomID := a.conn, a.p.RoomID
	a.mu.Unlock()

	raw, err := roomwire.Encode(t, roomID, payload)
	if err != nil {
		return err
	}
	wctx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return conn.Write(wctx, websocket.MessageText, raw)
}

func (a *Adapter) Request(ctx context.Context, req room.Request) error {
	return a.write(ctx, roomwire.TypeRequest, roomwire.RequestPayload{
		ID:   transport.NewRequestID(),
		From: a.peerID(),
		Req:  transport.RequestToWire(req),
	})
}

func (a *Adapter) SendChat(ctx context.Context, text string) error {
	return a.write(ctx, roomwire.TypeChat, roomwire.ChatPayload{From: a.peerID(), Text: text, SentAt: time.Now().UTC()})
}

// Heartbeat refreshes liveness on the relay.
func (a *Adapter) Heartbeat(ctx context.Context) error {
	return a.write(ctx, roomwire.TypePresenceJoin, roomwire.PresencePayload{PeerID: a.peerID()})
}

func (a *Adapter) peerID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.p.PeerID
}

func (a *Adapter) listen(ctx context.Context, conn *websocket.Conn) {
	defer a.wg.Done()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				a.log.Warn("relay_read_error", zap.String("room_id", a.p.RoomID), zap.Error(err))
			}
			return
		}
		env, err := roomwire.Decode(data)
		if err != nil {
			continue
		}
		if env.Type == roomwire.TypeAck {
			var p roomwire.AckPayload
			if err := env.Into(&p); err != nil || (p.To != "" && p.To != a.p.PeerID) {
				continue
			}
		}
		ev, ok, err := transport.DecodeEvent(env)
		if err != nil || !ok {
			continue
		}
		a.deliver(ev)
	}
}

func (a *Adapter) deliver(ev transport.Event) {
	switch e := ev.(type) {
	case transport.SnapshotEvent:
		if e.State.Version <= a.delivered {
			return
		}
		a.delivered = e.State.Version
	case transport.MoveEvent:
		if e.Version <= a.lastMove {
			return
		}
		a.lastMove = e.Version
	case transport.FinalizeEvent:
		if e.State.Version <= a.lastFinal {
			return
		}
		a.lastFinal = e.State.Version
	}
	a.d.Emit(ev)
}

func (a *Adapter) pingLoop(ctx context.Context, conn *websocket.Conn) {
	defer a.wg.Done()
	t := time.NewTicker(a.cfg.PingInterval)
	defer t.Stop()
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			err := conn.Ping(pctx)
			cancel()
			if err == nil {
				failures = 0
				continue
			}
			failures++
			if failures >= 2 {
				a.log.Warn("relay_ping_failed", zap.String("room_id", a.p.RoomID), zap.Error(err))
				_ = conn.Close(websocket.StatusGoingAway, "ping failure")
				return
			}
		}
	}
}
