package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/park285/cheese-roomsync/internal/room"
	"github.com/park285/cheese-roomsync/internal/rules"
	"github.com/park285/cheese-roomsync/internal/transport"
	"github.com/park285/cheese-roomsync/internal/transport/loopback"
	"github.com/park285/cheese-roomsync/pkg/roomwire"
)

type collector struct {
	mu     sync.Mutex
	states []room.State
	acks   []transport.AckEvent
	chats  []transport.ChatEvent
}

func (c *collector) handle(ev transport.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch e := ev.(type) {
	case transport.SnapshotEvent:
		c.states = append(c.states, e.State)
	case transport.AckEvent:
		c.acks = append(c.acks, e)
	case transport.ChatEvent:
		c.chats = append(c.chats, e)
	}
}

func (c *collector) latest() (room.State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.states) == 0 {
		return room.State{}, false
	}
	return c.states[len(c.states)-1], true
}

func newRelay(t *testing.T) *httptest.Server {
	t.Helper()
	hub := loopback.NewHub(rules.New(), loopback.WithPruneInterval(0))
	srv := httptest.NewServer(NewServer(hub))
	t.Cleanup(func() {
		srv.Close()
		hub.Close()
	})
	return srv
}

func dial(t *testing.T, srv *httptest.Server, peer string) (*Adapter, *collector) {
	t.Helper()
	a := New(Config{BaseURL: srv.URL, WSURL: "ws" + strings.TrimPrefix(srv.URL, "http")})
	c := &collector{}
	a.OnEvent(c.handle)
	err := a.Join(context.Background(), transport.JoinParams{RoomID: "abc1", Mode: room.ModeOneVOne, DisplayName: peer, PeerID: peer})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Leave(context.Background()) })
	return a, c
}

func TestRelay_PlayThroughServer(t *testing.T) {
	srv := newRelay(t)
	ctx := context.Background()
	a, ca := dial(t, srv, "a")
	b, cb := dial(t, srv, "b")

	require.Eventually(t, func() bool {
		st, ok := cb.latest()
		return ok && st.Seats[room.SeatW1] == "a" && st.Seats[room.SeatB1] == "b"
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, transport.Intents{Adapter: a}.Start(ctx))
	require.Eventually(t, func() bool {
		st, ok := cb.latest()
		return ok && st.Phase == room.PhaseActive
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, transport.Intents{Adapter: a}.MoveNotation(ctx, "e4"))
	require.NoError(t, b.SendChat(ctx, "nice"))
	require.Eventually(t, func() bool {
		st, ok := ca.latest()
		return ok && len(st.MoveHistory) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		ca.mu.Lock()
		defer ca.mu.Unlock()
		return len(ca.chats) == 1 && ca.chats[0].From == "b"
	}, 2*time.Second, 10*time.Millisecond)

	ca.mu.Lock()
	for i := 1; i < len(ca.states); i++ {
		require.Greater(t, ca.states[i].Version, ca.states[i-1].Version)
	}
	ca.mu.Unlock()
}

func TestRelay_AckCarriesRequestOutcome(t *testing.T) {
	srv := newRelay(t)
	ctx := context.Background()
	dial(t, srv, "a")
	dial(t, srv, "b")
	c, cc := dial(t, srv, "c")

	require.NoError(t, transport.Intents{Adapter: c}.Seat(ctx, room.SeatW1))
	require.Eventually(t, func() bool {
		cc.mu.Lock()
		defer cc.mu.Unlock()
		return len(cc.acks) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cc.mu.Lock()
	defer cc.mu.Unlock()
	require.False(t, cc.acks[0].OK)
	require.ErrorIs(t, cc.acks[0].Err(), room.ErrSeatTaken)
}

func TestRelay_TicketIsSingleUse(t *testing.T) {
	srv := newRelay(t)
	ctx := context.Background()
	tc := NewTicketClient(srv.URL)
	tk, err := tc.Issue(ctx, "abc1", roomwire.TicketRequest{PeerID: "a", Mode: "1v1"})
	require.NoError(t, err)
	require.NotEmpty(t, tk.Ticket)

	s := srv.Config.Handler.(*Server)
	_, ok := s.redeem("abc1", tk.Ticket)
	require.True(t, ok)
	_, ok = s.redeem("abc1", tk.Ticket)
	require.False(t, ok)

	resp, err := http.Get(srv.URL + "/rooms/abc1?ticket=bogus")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	require.NoError(t, tc.Ping(ctx))
	_, err = tc.Issue(ctx, "abc1", roomwire.TicketRequest{Mode: "1v1"})
	require.Error(t, err)
}
