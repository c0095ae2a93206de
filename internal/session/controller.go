// Package session holds the local view of one room. It applies snapshots
// from a transport adapter in version order, re-checks terminal positions
// itself and hands each finished game to the archive once.
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/park285/cheese-roomsync/internal/archive"
	"github.com/park285/cheese-roomsync/internal/domain"
	"github.com/park285/cheese-roomsync/internal/obslog"
	"github.com/park285/cheese-roomsync/internal/room"
	"github.com/park285/cheese-roomsync/internal/transport"
)

type staticErr string

func (e staticErr) Error() string { return string(e) }
func errf(s string) error { return staticErr(s) }

var (
	ErrNotJoined     = errf("session not joined")
	ErrChatThrottled = errf("chat rate exceeded")
	ErrMoveInFlight  = errf("a move is already awaiting confirmation")
)

// AdapterFactory builds a fresh adapter for every Join. Adapters are never
// reused across joins.
type AdapterFactory func() transport.Adapter

type Config struct {
	HeartbeatInterval  time.Duration
	PollInterval       time.Duration
	MoveConfirmTimeout time.Duration
	ChatRate           rate.Limit
	ChatBurst          int
	Now                func() time.Time
	Logger             *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.MoveConfirmTimeout <= 0 {
		c.MoveConfirmTimeout = 5 * time.Second
	}
	if c.ChatRate <= 0 {
		c.ChatRate = rate.Limit(2)
	}
	if c.ChatBurst <= 0 {
		c.ChatBurst = 5
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = obslog.L()
	}
	return c
}

type Controller struct {
	newAdapter AdapterFactory
	rules      room.Rules
	guard      *archive.Guard
	outbox     *archive.Outbox
	cfg        Config
	log        *zap.Logger
	chat       *rate.Limiter

	mu       sync.Mutex
	gen      uint64
	adapter  transport.Adapter
	unsub    func()
	params   transport.JoinParams
	state    room.State
	hasState bool
	move     *PendingMove
	stop     context.CancelFunc
	group    *errgroup.Group

	lmu       sync.Mutex
	listeners map[int]func(Update)
	nextID    int
	deliverMu sync.Mutex
}

func New(newAdapter AdapterFactory, rules room.Rules, guard *archive.Guard, outbox *archive.Outbox, cfg Config) *Controller {
	cfg = cfg.withDefaults()
	if guard == nil {
		guard = archive.NewGuard()
	}
	return &Controller{
		newAdapter: newAdapter,
		rules:      rules,
		guard:      guard,
		outbox:     outbox,
		cfg:        cfg,
		log:        cfg.Logger,
		chat:       rate.NewLimiter(cfg.ChatRate, cfg.ChatBurst),
		listeners:  make(map[int]func(Update)),
	}
}

// Subscribe registers fn for every later update. Updates are delivered one
// at a time in the order they were produced.
func (c *Controller) Subscribe(fn func(Update)) (unsubscribe func()) {
	c.lmu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.lmu.Unlock()
	return func() {
		c.lmu.Lock()
		delete(c.listeners, id)
		c.lmu.Unlock()
	}
}

func (c *Controller) notify(ups []Update) {
	if len(ups) == 0 {
		return
	}
	c.lmu.Lock()
	fns := make([]func(Update), 0, len(c.listeners))
	for i := 0; i < c.nextID; i++ {
		if fn, ok := c.listeners[i]; ok {
			fns = append(fns, fn)
		}
	}
	c.lmu.Unlock()

	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()
	for _, u := range ups {
		for _, fn := range fns {
			fn(u)
		}
	}
}

type detached struct {
	adapter transport.Adapter
	unsub   func()
	stop    context.CancelFunc
	group   *errgroup.Group
}

func (d detached) close(ctx context.Context) error {
	if d.unsub != nil {
		d.unsub()
	}
	if d.stop != nil {
		d.stop()
		_ = d.group.Wait()
	}
	if d.adapter == nil {
		return nil
	}
	return d.adapter.Leave(ctx)
}

// detachLocked drops the current adapter and local state. Bumping gen makes
// every event still queued for the old adapter a no-op.
func (c *Controller) detachLocked() detached {
	d := detached{adapter: c.adapter, unsub: c.unsub, stop: c.stop, group: c.group}
	c.gen++
	c.adapter, c.unsub, c.stop, c.group = nil, nil, nil, nil
	c.state, c.hasState, c.move = room.State{}, false, nil
	return d
}

// Join discards any previous adapter and joins p with a new one.
func (c *Controller) Join(ctx context.Context, p transport.JoinParams) error {
	if err := p.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	prev := c.detachLocked()
	gen := c.gen
	a := c.newAdapter()
	c.adapter, c.params = a, p
	c.unsub = a.OnEvent(func(ev transport.Event) { c.handle(gen, ev) })
	c.mu.Unlock()

	if err := prev.close(ctx); err != nil {
		c.log.Warn("session_previous_leave_failed", zap.String("room_id", p.RoomID), zap.Error(err))
	}

	if err := a.Join(ctx, p); err != nil {
		c.mu.Lock()
		var d detached
		if c.gen == gen {
			d = c.detachLocked()
		}
		c.mu.Unlock()
		_ = d.close(context.Background())
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return ErrNotJoined
	}
	bg, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(bg)
	g.Go(func() error { return c.heartbeatLoop(gctx, a) })
	g.Go(func() error { return c.pollLoop(gctx, gen) })
	c.stop, c.group = cancel, g
	c.log.Info("session_joined",
		zap.String("room_id", p.RoomID),
		zap.String("peer_id", p.PeerID),
		zap.String("mode", string(p.Mode)),
	)
	return nil
}

// Leave detaches from the room. Events still in flight are ignored.
func (c *Controller) Leave(ctx context.Context) error {
	c.mu.Lock()
	if c.adapter == nil {
		c.mu.Unlock()
		return nil
	}
	roomID := c.params.RoomID
	d := c.detachLocked()
	c.mu.Unlock()
	c.log.Info("session_left", zap.String("room_id", roomID))
	return d.close(ctx)
}

// State is the last stored snapshot, possibly with a locally coerced result.
func (c *Controller) State() (room.State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hasState {
		return room.State{}, false
	}
	return c.state.Clone(), true
}

// View is State with the in-flight optimistic move applied.
func (c *Controller) View() (room.State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hasState {
		return room.State{}, false
	}
	v := c.state.Clone()
	if m := c.move; m != nil && m.Status == MoveProposed && len(v.MoveHistory) == m.Ply-1 {
		v.MoveHistory = append(v.MoveHistory, m.UCI)
		v.MovesSAN = append(v.MovesSAN, m.SAN)
		v.Position = m.PositionAfter
		v.Driver = v.Driver.Opposite()
	}
	return v, true
}

func (c *Controller) PendingMove() (PendingMove, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.move == nil {
		return PendingMove{}, false
	}
	return *c.move, true
}

func (c *Controller) PeerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.params.PeerID
}

func (c *Controller) handle(gen uint64, ev transport.Event) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	var (
		ups []Update
		rec *domain.GameRecord
	)
	switch e := ev.(type) {
	case transport.SnapshotEvent:
		ups, rec = c.applyLocked(e.State)
	case transport.FinalizeEvent:
		ups, rec = c.applyLocked(e.State)
	case transport.AckEvent:
		if e.Snapshot != nil {
			ups, rec = c.applyLocked(*e.Snapshot)
		}
		if !e.OK {
			c.log.Debug("session_request_rejected", zap.String("room_id", c.params.RoomID), zap.String("reason", e.Reason))
		}
		ups = append(ups, RequestAcked{Ack: e})
	case transport.MoveEvent:
		ups = append(ups, MoveObserved{Move: e.Move, Version: e.Version})
	case transport.ChatEvent:
		ups = append(ups, ChatReceived{Chat: e})
	}
	c.mu.Unlock()
	c.finish(ups, rec)
}

func (c *Controller) finish(ups []Update, rec *domain.GameRecord) {
	if rec != nil && c.outbox != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := c.outbox.Submit(ctx, rec)
		cancel()
		ups = append(ups, GameArchived{Record: rec, Err: err})
	}
	c.notify(ups)
}

// applyLocked stores st when it is newer than the held state.
func (c *Controller) applyLocked(st room.State) ([]Update, *domain.GameRecord) {
	if c.hasState && st.Version <= c.state.Version {
		c.log.Debug("session_snapshot_stale",
			zap.String("room_id", c.params.RoomID),
			zap.Int64("version", st.Version),
			zap.Int64("held", c.state.Version),
		)
		return nil, nil
	}
	st, coerced := c.coerceLocked(st)
	c.state, c.hasState = st, true

	ups := []Update{StateChanged{State: st.Clone(), Coerced: coerced}}
	if m := c.reconcileLocked(st); m != nil {
		ups = append(ups, MoveLifecycle{Move: *m})
	}
	return ups, c.archiveLocked()
}

// coerceLocked ends an Active game whose position the rules already judge
// terminal. The version is left untouched.
func (c *Controller) coerceLocked(st room.State) (room.State, bool) {
	if st.Phase != room.PhaseActive || len(st.MoveHistory) == 0 {
		return st, false
	}
	term := c.rules.Terminal(st.MoveHistory)
	if !term.Over {
		return st, false
	}
	out := st.Clone()
	out.Phase = room.PhaseResult
	out.Result = term.Result
	out.ResultReason = term.Reason
	out.FinishedAt = c.cfg.Now().UTC()
	out.Pending = nil
	c.log.Warn("session_terminal_coerced",
		zap.String("room_id", st.RoomID),
		zap.Int64("version", st.Version),
		zap.String("reason", term.Reason),
	)
	return out, true
}

func (c *Controller) archiveLocked() *domain.GameRecord {
	if c.state.Phase != room.PhaseResult || !c.guard.ShouldArchive(c.state) {
		return nil
	}
	c.log.Info("session_game_finished",
		zap.String("room_id", c.state.RoomID),
		zap.String("result", string(c.state.Result)),
		zap.String("reason", c.state.ResultReason),
		zap.Int64("version", c.state.Version),
	)
	return archive.BuildRecord(c.state, c.params.PeerID)
}

func (c *Controller) reconcileLocked(st room.State) *PendingMove {
	m := c.move
	if m == nil || m.Status != MoveProposed {
		return nil
	}
	switch {
	case len(st.MoveHistory) >= m.Ply && st.MoveHistory[m.Ply-1] == m.UCI:
		m.Status = MoveConfirmed
	case len(st.MoveHistory) >= m.Ply:
		return c.rollbackLocked("superseded")
	case len(st.MoveHistory) < m.Ply-1:
		return c.rollbackLocked("history_rewound")
	case st.Phase != room.PhaseActive:
		return c.rollbackLocked("game_over")
	default:
		return nil
	}
	out := *m
	c.move = nil
	return &out
}

func (c *Controller) rollbackLocked(reason string) *PendingMove {
	m := c.move
	m.Status, m.Reason = MoveRolledBack, reason
	c.move = nil
	c.log.Info("session_move_rolled_back",
		zap.String("room_id", c.params.RoomID),
		zap.String("move", m.UCI),
		zap.String("reason", reason),
	)
	out := *m
	return &out
}

func (c *Controller) attachedLocked() (transport.Adapter, error) {
	if c.adapter == nil {
		return nil, ErrNotJoined
	}
	return c.adapter, nil
}

// Move validates notation against the held position, shows it optimistically
// and sends it to the host.
func (c *Controller) Move(ctx context.Context, notation string) error {
	c.mu.Lock()
	a, err := c.attachedLocked()
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if c.move != nil {
		c.mu.Unlock()
		return ErrMoveInFlight
	}
	if !c.hasState || c.state.Phase != room.PhaseActive {
		c.mu.Unlock()
		return room.ErrWrongPhase
	}
	color, ok := c.state.ColorOf(c.params.PeerID)
	if !ok {
		c.mu.Unlock()
		return room.ErrNotSeated
	}
	if color != c.state.Driver {
		c.mu.Unlock()
		return room.ErrNotYourTurn
	}
	applied, err := c.rules.Apply(c.state.MoveHistory, notation)
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: %v", room.ErrIllegalMove, err)
	}
	pm := PendingMove{
		Notation:      notation,
		UCI:           applied.UCI,
		SAN:           applied.SAN,
		Ply:           len(c.state.MoveHistory) + 1,
		PositionAfter: applied.After.FEN,
		BaseVersion:   c.state.Version,
		ProposedAt:    c.cfg.Now(),
		Status:        MoveProposed,
	}
	c.move = &pm
	gen := c.gen
	c.mu.Unlock()
	c.notify([]Update{MoveLifecycle{Move: pm}})

	if err := a.Request(ctx, room.MoveRequest{Notation: applied.UCI}); err != nil {
		c.mu.Lock()
		var rb *PendingMove
		if c.gen == gen && c.move != nil && c.move.Ply == pm.Ply && c.move.Status == MoveProposed {
			rb = c.rollbackLocked("send_failed")
		}
		c.mu.Unlock()
		if rb != nil {
			c.notify([]Update{MoveLifecycle{Move: *rb}})
		}
		return err
	}
	return nil
}

func (c *Controller) intents() (transport.Intents, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, err := c.attachedLocked()
	if err != nil {
		return transport.Intents{}, err
	}
	return transport.Intents{Adapter: a}, nil
}

func (c *Controller) Seat(ctx context.Context, seat room.SeatID) error {
	i, err := c.intents()
	if err != nil {
		return err
	}
	return i.Seat(ctx, seat)
}

func (c *Controller) SeatSide(ctx context.Context, side room.Color) error {
	i, err := c.intents()
	if err != nil {
		return err
	}
	return i.SeatSide(ctx, side)
}

func (c *Controller) ReleaseSeat(ctx context.Context) error {
	i, err := c.intents()
	if err != nil {
		return err
	}
	return i.ReleaseSeat(ctx)
}

func (c *Controller) Start(ctx context.Context) error {
	i, err := c.intents()
	if err != nil {
		return err
	}
	return i.Start(ctx)
}

func (c *Controller) Restart(ctx context.Context) error {
	i, err := c.intents()
	if err != nil {
		return err
	}
	return i.Restart(ctx)
}

func (c *Controller) AnswerRestart(ctx context.Context, accept bool) error {
	i, err := c.intents()
	if err != nil {
		return err
	}
	return i.AnswerRestart(ctx, accept)
}

func (c *Controller) Resign(ctx context.Context) error {
	i, err := c.intents()
	if err != nil {
		return err
	}
	return i.Resign(ctx)
}

func (c *Controller) OfferDraw(ctx context.Context) error {
	i, err := c.intents()
	if err != nil {
		return err
	}
	return i.OfferDraw(ctx)
}

func (c *Controller) AnswerDraw(ctx context.Context, accept bool) error {
	i, err := c.intents()
	if err != nil {
		return err
	}
	return i.AnswerDraw(ctx, accept)
}

func (c *Controller) RequestUndo(ctx context.Context) error {
	i, err := c.intents()
	if err != nil {
		return err
	}
	return i.RequestUndo(ctx)
}

func (c *Controller) AnswerUndo(ctx context.Context, accept bool) error {
	i, err := c.intents()
	if err != nil {
		return err
	}
	return i.AnswerUndo(ctx, accept)
}

// SendChat is throttled locally by a token bucket.
func (c *Controller) SendChat(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return room.ErrInvalidArgs
	}
	c.mu.Lock()
	a, err := c.attachedLocked()
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if !c.chat.Allow() {
		return ErrChatThrottled
	}
	return a.SendChat(ctx, text)
}

func (c *Controller) heartbeatLoop(ctx context.Context, a transport.Adapter) error {
	t := time.NewTicker(c.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := a.Heartbeat(ctx); err != nil && ctx.Err() == nil {
				c.log.Debug("session_heartbeat_failed", zap.Error(err))
			}
		}
	}
}

// pollLoop re-checks the held state for a missed finalize and expires the
// optimistic move.
func (c *Controller) pollLoop(ctx context.Context, gen uint64) error {
	t := time.NewTicker(c.cfg.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			c.poll(gen)
		}
	}
}

func (c *Controller) poll(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || !c.hasState {
		c.mu.Unlock()
		return
	}
	var ups []Update
	if st, coerced := c.coerceLocked(c.state); coerced {
		c.state = st
		ups = append(ups, StateChanged{State: st.Clone(), Coerced: true})
		if m := c.reconcileLocked(st); m != nil {
			ups = append(ups, MoveLifecycle{Move: *m})
		}
	}
	if m := c.move; m != nil && m.Status == MoveProposed && c.cfg.Now().Sub(m.ProposedAt) >= c.cfg.MoveConfirmTimeout {
		ups = append(ups, MoveLifecycle{Move: *c.rollbackLocked("timeout")})
	}
	rec := c.archiveLocked()
	c.mu.Unlock()
	c.finish(ups, rec)
}
