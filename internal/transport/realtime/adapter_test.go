package realtime

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/park285/cheese-roomsync/internal/room"
	"github.com/park285/cheese-roomsync/internal/rules"
	"github.com/park285/cheese-roomsync/internal/transport"
	"github.com/park285/cheese-roomsync/pkg/roomwire"
)

const testRoom = "abc1"

func newRedis(t *testing.T) *miniredis.Miniredis {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(func() { mr.Close() })
	return mr
}

func newClient(t *testing.T, mr *miniredis.Miniredis) *redis.Client {
	t.Helper()
	opt, err := redis.ParseURL(fmt.Sprintf("redis://%s/0", mr.Addr()))
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	rdb := redis.NewClient(opt)
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func testConfig() Config {
	return Config{
		HeartbeatInterval: 40 * time.Millisecond,
		PresenceTTL:       250 * time.Millisecond,
		PruneInterval:     60 * time.Millisecond,
		PruneGrace:        500 * time.Millisecond,
	}
}

// peer records everything its adapter emits.
type peer struct {
	a *Adapter

	mu        sync.Mutex
	snapshots []room.State
	acks      []transport.AckEvent
	moves     []transport.MoveEvent
	finals    []room.State
	chats     []transport.ChatEvent
}

func joinPeer(t *testing.T, mr *miniredis.Miniredis, id string, cfg Config) *peer {
	t.Helper()
	p := &peer{a: New(newClient(t, mr), rules.New(), cfg)}
	p.a.OnEvent(func(ev transport.Event) {
		p.mu.Lock()
		defer p.mu.Unlock()
		switch e := ev.(type) {
		case transport.SnapshotEvent:
			p.snapshots = append(p.snapshots, e.State)
		case transport.AckEvent:
			p.acks = append(p.acks, e)
		case transport.MoveEvent:
			p.moves = append(p.moves, e)
		case transport.FinalizeEvent:
			p.finals = append(p.finals, e.State)
		case transport.ChatEvent:
			p.chats = append(p.chats, e)
		}
	})
	err := p.a.Join(context.Background(), transport.JoinParams{RoomID: testRoom, Mode: room.ModeOneVOne, DisplayName: "name-" + id, PeerID: id})
	if err != nil {
		t.Fatalf("join %s: %v", id, err)
	}
	t.Cleanup(func() { _ = p.a.Leave(context.Background()) })
	return p
}

func (p *peer) latest() (room.State, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.snapshots) == 0 {
		return room.State{}, false
	}
	return p.snapshots[len(p.snapshots)-1], true
}

func (p *peer) waitFor(t *testing.T, what string, cond func(room.State) bool) room.State {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if st, ok := p.latest(); ok && cond(st) {
			return st
		}
		time.Sleep(10 * time.Millisecond)
	}
	st, _ := p.latest()
	t.Fatalf("timed out waiting for %s; last state %+v", what, st)
	return room.State{}
}

func (p *peer) assertMonotonic(t *testing.T) {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 1; i < len(p.snapshots); i++ {
		if p.snapshots[i].Version <= p.snapshots[i-1].Version {
			t.Fatalf("versions not increasing at %d: %d then %d", i, p.snapshots[i-1].Version, p.snapshots[i].Version)
		}
	}
}

func seated(st room.State) bool {
	return st.Seats[room.SeatW1] == "a" && st.Seats[room.SeatB1] == "b"
}

func TestRealtime_ElectionAndAutoSeat(t *testing.T) {
	mr := newRedis(t)
	a := joinPeer(t, mr, "a", testConfig())
	b := joinPeer(t, mr, "b", testConfig())

	stA := a.waitFor(t, "seats on a", seated)
	stB := b.waitFor(t, "seats on b", seated)
	if stA.HostID != "a" || stB.HostID != "a" {
		t.Fatalf("unexpected host: a=%q b=%q", stA.HostID, stB.HostID)
	}
	a.assertMonotonic(t)
	b.assertMonotonic(t)
}

func TestRealtime_RequestsThroughHost(t *testing.T) {
	mr := newRedis(t)
	ctx := context.Background()
	a := joinPeer(t, mr, "a", testConfig())
	b := joinPeer(t, mr, "b", testConfig())
	b.waitFor(t, "seats", seated)

	if err := (transport.Intents{Adapter: b.a}).Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	a.waitFor(t, "active", func(s room.State) bool { return s.Phase == room.PhaseActive })
	if err := (transport.Intents{Adapter: a.a}).MoveNotation(ctx, "e4"); err != nil {
		t.Fatalf("move a: %v", err)
	}
	b.waitFor(t, "first move", func(s room.State) bool { return len(s.MoveHistory) == 1 })
	if err := (transport.Intents{Adapter: b.a}).MoveNotation(ctx, "e7e5"); err != nil {
		t.Fatalf("move b: %v", err)
	}
	st := a.waitFor(t, "second move", func(s room.State) bool { return len(s.MoveHistory) == 2 })
	if st.Driver != room.White || st.MovesSAN[1] != "e5" {
		t.Fatalf("unexpected state after moves: %+v", st)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		b.mu.Lock()
		n := len(b.moves)
		b.mu.Unlock()
		if n == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	b.mu.Lock()
	if len(b.moves) != 2 || b.moves[1].Move.From != "b" {
		t.Fatalf("unexpected move events: %+v", b.moves)
	}
	b.mu.Unlock()
	a.assertMonotonic(t)
	b.assertMonotonic(t)
}

func TestRealtime_AckForRejectedSeat(t *testing.T) {
	mr := newRedis(t)
	ctx := context.Background()
	a := joinPeer(t, mr, "a", testConfig())
	b := joinPeer(t, mr, "b", testConfig())
	c := joinPeer(t, mr, "c", testConfig())
	a.waitFor(t, "seats", seated)
	c.waitFor(t, "members", func(s room.State) bool { return len(s.Members) == 3 })
	_ = b

	if err := (transport.Intents{Adapter: c.a}).Seat(ctx, room.SeatB1); err != nil {
		t.Fatalf("seat: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		n := len(c.acks)
		c.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.acks) != 1 {
		t.Fatalf("expected one ack, got %d", len(c.acks))
	}
	ack := c.acks[0]
	if ack.OK || ack.Reason != "seat_taken" || ack.Snapshot == nil || ack.RequestID == "" {
		t.Fatalf("unexpected ack: %+v", ack)
	}
}

func TestRealtime_StickyElectionAndReelection(t *testing.T) {
	mr := newRedis(t)
	ctx := context.Background()
	m := joinPeer(t, mr, "m", testConfig())
	z := joinPeer(t, mr, "z", testConfig())
	z.waitFor(t, "host m", func(s room.State) bool { return s.HostID == "m" && len(s.Members) == 2 })

	a := joinPeer(t, mr, "a", testConfig())
	st := a.waitFor(t, "three members", func(s room.State) bool { return len(s.Members) == 3 })
	if st.HostID != "m" {
		t.Fatalf("newcomer deposed host: %q", st.HostID)
	}

	before := st.Version
	if err := m.a.Leave(ctx); err != nil {
		t.Fatalf("leave: %v", err)
	}
	st = z.waitFor(t, "re-election", func(s room.State) bool { return s.HostID == "a" })
	if st.Version <= before {
		t.Fatalf("version did not advance across re-election: %d <= %d", st.Version, before)
	}
	a.assertMonotonic(t)
	z.assertMonotonic(t)
}

func TestRealtime_PruneAfterGrace(t *testing.T) {
	mr := newRedis(t)
	ctx := context.Background()
	a := joinPeer(t, mr, "a", testConfig())
	b := joinPeer(t, mr, "b", testConfig())
	a.waitFor(t, "seats", seated)

	if err := b.a.Leave(ctx); err != nil {
		t.Fatalf("leave: %v", err)
	}
	left := time.Now()
	st := a.waitFor(t, "b1 pruned", func(s room.State) bool { return s.Seats[room.SeatB1] == "" })
	if elapsed := time.Since(left); elapsed < 500*time.Millisecond {
		t.Fatalf("pruned before grace: %v", elapsed)
	}
	if st.Seats[room.SeatW1] != "a" {
		t.Fatalf("host seat lost: %+v", st.Seats)
	}
}

func TestRealtime_ReconnectWithinGraceKeepsSeat(t *testing.T) {
	mr := newRedis(t)
	ctx := context.Background()
	cfg := testConfig()
	cfg.PruneGrace = 1500 * time.Millisecond
	a := joinPeer(t, mr, "a", cfg)
	b := joinPeer(t, mr, "b", cfg)
	b.waitFor(t, "seats", seated)

	if err := a.a.Leave(ctx); err != nil {
		t.Fatalf("leave: %v", err)
	}
	left := time.Now()
	b.waitFor(t, "b takes over", func(s room.State) bool { return s.HostID == "b" && len(s.Members) == 1 })

	a2 := joinPeer(t, mr, "a", cfg)
	st := a2.waitFor(t, "a back", func(s room.State) bool { return len(s.Members) == 2 })
	if time.Since(left) >= cfg.PruneGrace {
		t.Fatalf("rejoin took longer than grace: %v", time.Since(left))
	}
	if st.HostID != "b" || st.Seats[room.SeatW1] != "a" {
		t.Fatalf("seat or host changed on rejoin: host=%q seats=%+v", st.HostID, st.Seats)
	}

	time.Sleep(cfg.PruneGrace + 3*cfg.PruneInterval - time.Since(left))
	st, _ = b.latest()
	if st.Seats[room.SeatW1] != "a" || st.Seats[room.SeatB1] != "b" {
		t.Fatalf("seat pruned after reconnect: %+v", st.Seats)
	}
	b.assertMonotonic(t)
}

func TestRealtime_StaleSnapshotIgnored(t *testing.T) {
	mr := newRedis(t)
	a := joinPeer(t, mr, "a", testConfig())
	b := joinPeer(t, mr, "b", testConfig())
	st := b.waitFor(t, "seats", seated)

	stale := st.Clone()
	stale.Seats = map[room.SeatID]string{}
	stale.Version = 1
	rdb := newClient(t, mr)
	if err := NewStore(rdb).Publish(context.Background(), testRoom, roomwire.TypeState, roomwire.StatePayload{State: transport.StateToWire(stale)}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	latest, _ := b.latest()
	if !seated(latest) {
		t.Fatalf("stale snapshot was applied: %+v", latest.Seats)
	}
	_ = a
	b.assertMonotonic(t)
}

func TestRealtime_JoinSeedsFromStoredSnapshot(t *testing.T) {
	mr := newRedis(t)
	a := joinPeer(t, mr, "a", testConfig())
	a.waitFor(t, "host seat", func(s room.State) bool { return s.Seats[room.SeatW1] == "a" })

	st, ok, err := NewStore(newClient(t, mr)).LoadState(context.Background(), testRoom)
	if err != nil || !ok {
		t.Fatalf("stored snapshot missing: ok=%v err=%v", ok, err)
	}
	if st.HostID != "a" || st.Version == 0 {
		t.Fatalf("unexpected stored snapshot: %+v", st)
	}
}

func TestRealtime_ChatAndClosedAdapter(t *testing.T) {
	mr := newRedis(t)
	ctx := context.Background()
	a := joinPeer(t, mr, "a", testConfig())
	b := joinPeer(t, mr, "b", testConfig())
	b.waitFor(t, "seats", seated)

	if err := a.a.SendChat(ctx, "hi"); err != nil {
		t.Fatalf("chat: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		b.mu.Lock()
		n := len(b.chats)
		b.mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	b.mu.Lock()
	if len(b.chats) != 1 || b.chats[0].Text != "hi" || b.chats[0].From != "a" {
		t.Fatalf("unexpected chats: %+v", b.chats)
	}
	b.mu.Unlock()

	if err := b.a.Leave(ctx); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if err := b.a.Request(ctx, room.StartRequest{}); err != transport.ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
