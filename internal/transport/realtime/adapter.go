// Package realtime replicates a room between peers over Redis pub/sub. The
// elected host applies requests and publishes snapshots; everyone else
// forwards intents and adopts strictly newer snapshots.
package realtime

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/park285/cheese-roomsync/internal/obslog"
	"github.com/park285/cheese-roomsync/internal/room"
	"github.com/park285/cheese-roomsync/internal/transport"
	"github.com/park285/cheese-roomsync/pkg/roomwire"
)

type Config struct {
	HeartbeatInterval time.Duration
	// PresenceTTL bounds how long a departed host can go undetected.
	PresenceTTL   time.Duration
	PruneInterval time.Duration
	PruneGrace    time.Duration
	Now           func() time.Time
	Logger        *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = time.Second
	}
	if c.PresenceTTL <= 0 {
		c.PresenceTTL = 4 * time.Second
	}
	if c.PruneInterval <= 0 {
		c.PruneInterval = 5 * time.Second
	}
	if c.PruneGrace <= 0 {
		c.PruneGrace = 15 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = obslog.L()
	}
	return c
}

type requestIntent struct {
	id  string
	req room.Request
}

type Adapter struct {
	store *Store
	rules room.Rules
	cfg   Config
	log   *zap.Logger
	d     *transport.Dispatcher

	mu      sync.Mutex
	p       transport.JoinParams
	joined  bool
	left    bool
	inbox   chan requestIntent
	stopped <-chan struct{}
	cancel  context.CancelFunc
	group   *errgroup.Group
	sub     *redis.PubSub

	// owned by the loop goroutine once joined
	host       *room.Host
	hostID     string
	present    []room.Member
	presentKey string
	delivered  int64
	lastMove   int64
	lastFinal  int64
}

var _ transport.Adapter = (*Adapter)(nil)

func New(rdb *redis.Client, rules room.Rules, cfg Config) *Adapter {
	cfg = cfg.withDefaults()
	return &Adapter{
		store: NewStore(rdb),
		rules: rules,
		cfg:   cfg,
		log:   cfg.Logger,
		d:     transport.NewDispatcher(),
		inbox: make(chan requestIntent, 64),
	}
}

func (a *Adapter) OnEvent(h transport.Handler) func() { return a.d.OnEvent(h) }

func (a *Adapter) self() string { return a.p.PeerID }

func (a *Adapter) Join(ctx context.Context, p transport.JoinParams) error {
	if err := p.Validate(); err != nil {
		return err
	}
	p.RoomID = strings.TrimSpace(p.RoomID)
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.left {
		return transport.ErrClosed
	}
	if a.joined {
		return transport.ErrAlreadyJoined
	}

	sub, err := a.store.Subscribe(ctx, p.RoomID)
	if err != nil {
		return err
	}
	a.p = p
	a.host = room.NewHost(room.NewState(p.RoomID, p.Mode), a.rules, room.WithClock(a.cfg.Now), room.WithLogger(a.log))
	if st, ok, lerr := a.store.LoadState(ctx, p.RoomID); lerr != nil {
		a.log.Warn("realtime_seed_error", zap.String("room_id", p.RoomID), zap.Error(lerr))
	} else if ok {
		if st.Mode != p.Mode {
			a.log.Info("realtime_room_mode_fixed", zap.String("room_id", p.RoomID), zap.String("mode", string(st.Mode)))
		}
		a.host.Adopt(st)
		a.hostID = st.HostID
	}
	if err := a.store.TouchPresence(ctx, p.RoomID, p.PeerID, p.DisplayName, a.cfg.Now()); err != nil {
		_ = sub.Close()
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(loopCtx)
	a.sub, a.cancel, a.group, a.stopped = sub, cancel, g, gctx.Done()
	a.joined = true

	if a.host.Version() > 0 {
		a.emitSnapshot(a.host.State())
	}
	msgs := sub.Channel()
	g.Go(func() error { return a.loop(gctx, msgs) })
	g.Go(func() error { return a.heartbeatLoop(gctx) })

	if err := a.store.Publish(ctx, p.RoomID, roomwire.TypePresenceJoin, roomwire.PresencePayload{PeerID: p.PeerID, DisplayName: p.DisplayName}); err != nil {
		a.log.Warn("realtime_publish_error", zap.String("room_id", p.RoomID), zap.String("type", string(roomwire.TypePresenceJoin)), zap.Error(err))
	}
	a.log.Info("realtime_joined", zap.String("room_id", p.RoomID), zap.String("peer_id", p.PeerID))
	return nil
}

// Leave stops the loops, withdraws presence and closes the subscription.
func (a *Adapter) Leave(ctx context.Context) error {
	a.mu.Lock()
	if a.left {
		a.mu.Unlock()
		return nil
	}
	a.left = true
	joined, cancel, g, sub, p := a.joined, a.cancel, a.group, a.sub, a.p
	a.mu.Unlock()
	defer a.d.Close()
	if !joined {
		return nil
	}

	cancel()
	_ = g.Wait()
	errPresence := a.store.RemovePresence(ctx, p.RoomID, p.PeerID)
	errPublish := a.store.Publish(ctx, p.RoomID, roomwire.TypePresenceLeave, roomwire.PresencePayload{PeerID: p.PeerID})
	errClose := sub.Close()
	a.log.Info("realtime_left", zap.String("room_id", p.RoomID), zap.String("peer_id", p.PeerID))
	return errors.Join(errPresence, errPublish, errClose)
}

func (a *Adapter) active() (transport.JoinParams, <-chan struct{}, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.left {
		return transport.JoinParams{}, nil, transport.ErrClosed
	}
	if !a.joined {
		return transport.JoinParams{}, nil, transport.ErrNotJoined
	}
	return a.p, a.stopped, nil
}

func (a *Adapter) Request(ctx context.Context, req room.Request) error {
	_, stopped, err := a.active()
	if err != nil {
		return err
	}
	select {
	case a.inbox <- requestIntent{id: transport.NewRequestID(), req: req}:
		return nil
	case <-stopped:
		return transport.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Adapter) SendChat(ctx context.Context, text string) error {
	p, _, err := a.active()
	if err != nil {
		return err
	}
	return a.store.Publish(ctx, p.RoomID, roomwire.TypeChat, roomwire.ChatPayload{From: p.PeerID, Text: text, SentAt: a.cfg.Now().UTC()})
}

func (a *Adapter) Heartbeat(ctx context.Context) error {
	p, _, err := a.active()
	if err != nil {
		return err
	}
	return a.store.TouchPresence(ctx, p.RoomID, p.PeerID, p.DisplayName, a.cfg.Now())
}

func (a *Adapter) heartbeatLoop(ctx context.Context) error {
	t := time.NewTicker(a.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := a.store.TouchPresence(ctx, a.p.RoomID, a.p.PeerID, a.p.DisplayName, a.cfg.Now()); err != nil && ctx.Err() == nil {
				a.log.Warn("realtime_heartbeat_error", zap.String("room_id", a.p.RoomID), zap.Error(err))
			}
		}
	}
}

func (a *Adapter) loop(ctx context.Context, msgs <-chan *redis.Message) error {
	presenceTick := time.NewTicker(a.cfg.HeartbeatInterval)
	defer presenceTick.Stop()
	pruneTick := time.NewTicker(a.cfg.PruneInterval)
	defer pruneTick.Stop()

	a.refreshPresence(ctx, true)
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			a.handleMessage(ctx, msg.Payload)
		case in := <-a.inbox:
			a.handleLocal(ctx, in)
		case <-presenceTick.C:
			a.refreshPresence(ctx, false)
		case <-pruneTick.C:
			a.prune(ctx)
		}
	}
}

func (a *Adapter) isHost() bool { return a.hostID != "" && a.hostID == a.self() }

func (a *Adapter) isPresent(peer string) bool {
	for _, m := range a.present {
		if m.PeerID == peer {
			return true
		}
	}
	return false
}

func presenceKey(ms []room.Member) string {
	var b strings.Builder
	for _, m := range ms {
		b.WriteString(m.PeerID)
		b.WriteByte('=')
		b.WriteString(m.DisplayName)
		b.WriteByte(';')
	}
	return b.String()
}

// refreshPresence reads presence and, when the present set changed, runs
// the election and (as host) the presence sync.
func (a *Adapter) refreshPresence(ctx context.Context, force bool) {
	present, expired, err := a.store.Present(ctx, a.p.RoomID, a.cfg.Now(), a.cfg.PresenceTTL, a.cfg.PruneGrace+a.cfg.PresenceTTL)
	if err != nil {
		if ctx.Err() == nil {
			a.log.Warn("realtime_presence_error", zap.String("room_id", a.p.RoomID), zap.Error(err))
		}
		return
	}
	key := presenceKey(present)
	if !force && key == a.presentKey {
		return
	}
	a.presentKey, a.present = key, present

	ids := make([]string, 0, len(present))
	for _, m := range present {
		ids = append(ids, m.PeerID)
	}
	prev := a.hostID
	a.hostID = room.Elect(prev, ids)
	if a.hostID != prev {
		a.log.Info("room_host_elected",
			zap.String("room_id", a.p.RoomID),
			zap.String("host_id", a.hostID),
			zap.String("previous", prev),
			zap.String("peer_id", a.self()),
		)
	}
	if !a.isHost() {
		return
	}
	if prev != a.self() {
		a.catchUp(ctx)
	}
	if len(expired) > 0 {
		if err := a.store.RemovePresence(ctx, a.p.RoomID, expired...); err != nil {
			a.log.Debug("realtime_presence_cleanup_error", zap.Error(err))
		}
	}
	a.host.SetHostID(a.self())
	a.publishState(ctx, a.host.SyncPresence(present))
}

// catchUp adopts the stored snapshot before the first authoritative write.
func (a *Adapter) catchUp(ctx context.Context) {
	st, ok, err := a.store.LoadState(ctx, a.p.RoomID)
	if err != nil {
		a.log.Warn("realtime_seed_error", zap.String("room_id", a.p.RoomID), zap.Error(err))
		return
	}
	if ok {
		a.host.Adopt(st)
	}
}

func (a *Adapter) prune(ctx context.Context) {
	if !a.isHost() {
		return
	}
	ids := make([]string, 0, len(a.present))
	for _, m := range a.present {
		ids = append(ids, m.PeerID)
	}
	a.host.ObservePresence(ids)
	if st, removed := a.host.Prune(a.cfg.PruneGrace); removed {
		a.publishState(ctx, st)
	}
}

func (a *Adapter) handleLocal(ctx context.Context, in requestIntent) {
	if a.isHost() {
		a.applyAsHost(ctx, in.id, a.self(), in.req)
		return
	}
	payload := roomwire.RequestPayload{ID: in.id, From: a.self(), Req: transport.RequestToWire(in.req)}
	a.publish(ctx, roomwire.TypeRequest, payload)
}

func (a *Adapter) applyAsHost(ctx context.Context, id, from string, req room.Request) {
	out, err := a.host.Apply(from, req)
	if req.Kind().Acked() {
		snap := out.State
		if from == a.self() {
			a.d.Emit(transport.AckEvent{RequestID: id, OK: err == nil, Reason: room.ReasonCode(err), Snapshot: &snap})
		} else {
			w := transport.StateToWire(snap)
			a.publish(ctx, roomwire.TypeAck, roomwire.AckPayload{ID: id, To: from, OK: err == nil, Reason: room.ReasonCode(err), Snapshot: &w})
		}
	}
	if err != nil {
		a.log.Warn("room_request_rejected",
			zap.String("room_id", a.p.RoomID),
			zap.String("peer_id", from),
			zap.String("kind", string(req.Kind())),
			zap.String("reason", room.ReasonCode(err)),
		)
		return
	}
	if out.Move != nil {
		a.emitMove(transport.MoveEvent{Move: *out.Move, Version: out.State.Version})
		a.publish(ctx, roomwire.TypeMove, transport.MoveToWire(*out.Move, out.State.Version))
	}
	a.publishState(ctx, out.State)
	if out.Finalized {
		a.emitFinalize(out.State)
		a.publish(ctx, roomwire.TypeFinalize, roomwire.FinalizePayload{State: transport.StateToWire(out.State)})
		a.log.Info("room_finalized",
			zap.String("room_id", a.p.RoomID),
			zap.String("result", string(out.State.Result)),
			zap.String("reason", out.State.ResultReason),
			zap.Int64("version", out.State.Version),
		)
	}
}

func (a *Adapter) publishState(ctx context.Context, st room.State) {
	a.emitSnapshot(st)
	if err := a.store.SaveState(ctx, st); err != nil && ctx.Err() == nil {
		a.log.Warn("realtime_state_save_error", zap.String("room_id", a.p.RoomID), zap.Error(err))
	}
	a.publish(ctx, roomwire.TypeState, roomwire.StatePayload{State: transport.StateToWire(st)})
}

func (a *Adapter) publish(ctx context.Context, t roomwire.Type, payload any) {
	if err := a.store.Publish(ctx, a.p.RoomID, t, payload); err != nil && ctx.Err() == nil {
		a.log.Warn("realtime_publish_error", zap.String("room_id", a.p.RoomID), zap.String("type", string(t)), zap.Error(err))
	}
}

func (a *Adapter) handleMessage(ctx context.Context, raw string) {
	env, err := roomwire.Decode([]byte(raw))
	if err != nil || env.Room != a.p.RoomID {
		return
	}
	switch env.Type {
	case roomwire.TypePresenceJoin, roomwire.TypePresenceLeave:
		a.refreshPresence(ctx, false)
		return
	case roomwire.TypeRequest:
		if !a.isHost() {
			return
		}
		var p roomwire.RequestPayload
		if err := env.Into(&p); err != nil || strings.TrimSpace(p.From) == "" {
			return
		}
		req, err := transport.RequestFromWire(p.Req)
		if err != nil {
			a.log.Warn("room_request_malformed", zap.String("room_id", a.p.RoomID), zap.String("peer_id", p.From), zap.Error(err))
			return
		}
		a.applyAsHost(ctx, p.ID, p.From, req)
		return
	case roomwire.TypeAck:
		var p roomwire.AckPayload
		if err := env.Into(&p); err != nil || p.To != a.self() {
			return
		}
	}

	ev, ok, err := transport.DecodeEvent(env)
	if err != nil {
		a.log.Debug("realtime_event_decode_error", zap.String("type", string(env.Type)), zap.Error(err))
		return
	}
	if !ok {
		return
	}
	switch e := ev.(type) {
	case transport.SnapshotEvent:
		a.adopt(e.State)
	case transport.FinalizeEvent:
		a.adopt(e.State)
		a.emitFinalize(e.State)
	case transport.MoveEvent:
		a.emitMove(e)
	case transport.AckEvent:
		if e.Snapshot != nil {
			a.adopt(*e.Snapshot)
		}
		a.d.Emit(e)
	case transport.ChatEvent:
		a.d.Emit(e)
	}
}

// adopt applies a strictly newer snapshot and follows its host while that
// host is present.
func (a *Adapter) adopt(st room.State) {
	if st.RoomID != a.p.RoomID {
		return
	}
	if !a.host.Adopt(st) {
		return
	}
	if st.HostID != "" && st.HostID != a.hostID && a.isPresent(st.HostID) {
		a.log.Info("room_host_followed", zap.String("room_id", a.p.RoomID), zap.String("host_id", st.HostID), zap.String("previous", a.hostID))
		a.hostID = st.HostID
	}
	a.emitSnapshot(st)
}

func (a *Adapter) emitSnapshot(st room.State) {
	if st.Version <= a.delivered {
		return
	}
	a.delivered = st.Version
	a.d.Emit(transport.SnapshotEvent{State: st})
}

func (a *Adapter) emitMove(ev transport.MoveEvent) {
	if ev.Version <= a.lastMove {
		return
	}
	a.lastMove = ev.Version
	a.d.Emit(ev)
}

func (a *Adapter) emitFinalize(st room.State) {
	if st.Version <= a.lastFinal {
		return
	}
	a.lastFinal = st.Version
	a.d.Emit(transport.FinalizeEvent{State: st})
}
