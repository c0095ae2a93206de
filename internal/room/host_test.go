package room_test

import (
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/park285/cheese-roomsync/internal/room"
	"github.com/park285/cheese-roomsync/internal/rules"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newHost(t *testing.T, mode room.Mode) (*room.Host, *fakeClock) {
	t.Helper()
	clk := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	st := room.NewState("abc1", mode)
	return room.NewHost(st, rules.New(), room.WithClock(clk.Now)), clk
}

func members(ids ...string) []room.Member {
	out := make([]room.Member, 0, len(ids))
	for _, id := range ids {
		out = append(out, room.Member{PeerID: id, DisplayName: "name-" + id})
	}
	return out
}

func mustApply(t *testing.T, h *room.Host, from string, req room.Request) room.Outcome {
	t.Helper()
	out, err := h.Apply(from, req)
	require.NoError(t, err, "%s from %s", req.Kind(), from)
	return out
}

// activeGame returns a host with a seated and started 1v1 game.
func activeGame(t *testing.T) (*room.Host, *fakeClock) {
	t.Helper()
	h, clk := newHost(t, room.ModeOneVOne)
	h.SetHostID("a")
	h.SyncPresence(members("a", "b"))
	mustApply(t, h, "a", room.StartRequest{})
	return h, clk
}

func TestSyncPresence_AutoSeatsHostAndFirstPeer(t *testing.T) {
	h, _ := newHost(t, room.ModeOneVOne)
	h.SetHostID("a")
	st := h.SyncPresence(members("c", "a", "b"))

	require.Equal(t, "a", st.Seats[room.SeatW1])
	require.Equal(t, "b", st.Seats[room.SeatB1])
	require.Equal(t, int64(1), st.Version)
	require.Empty(t, cmp.Diff([]string{"a", "b", "c"}, []string{st.Members[0].PeerID, st.Members[1].PeerID, st.Members[2].PeerID}))

	_, seated := st.SeatOf("c")
	require.False(t, seated)
}

func TestScenario_SeatStartAndMove(t *testing.T) {
	h, _ := activeGame(t)
	before := h.Version()

	out := mustApply(t, h, "a", room.MoveRequest{Notation: "e2e4"})
	st := out.State

	require.Equal(t, before+1, st.Version)
	require.Equal(t, room.Black, st.Driver)
	require.Equal(t, []string{"e2e4"}, st.MoveHistory)
	require.Equal(t, []string{"e4"}, st.MovesSAN)
	require.True(t, strings.HasPrefix(st.Position, "rnbqkbnr/pppppppp/8/8/4P3/8/PPPP1PPP/RNBQKBNR b KQkq"), st.Position)
	require.NotNil(t, out.Move)
	require.Equal(t, 1, out.Move.Ply)
	require.Equal(t, "a", out.Move.From)
}

func TestApply_RejectionsLeaveStateUntouched(t *testing.T) {
	h, _ := activeGame(t)
	snap := h.State()

	cases := []struct {
		name string
		from string
		req  room.Request
		want error
	}{
		{"wrong turn", "b", room.MoveRequest{Notation: "e7e5"}, room.ErrNotYourTurn},
		{"illegal", "a", room.MoveRequest{Notation: "e2e5"}, room.ErrIllegalMove},
		{"spectator move", "z", room.MoveRequest{Notation: "e2e4"}, room.ErrNotSeated},
		{"start twice", "a", room.StartRequest{}, room.ErrWrongPhase},
		{"switch seat mid game", "a", room.SeatRequest{Seat: room.SeatB1}, room.ErrSeatTaken},
		{"answer without offer", "b", room.DrawAnswer{Accept: true}, room.ErrNoPending},
		{"undo on empty history", "a", room.UndoRequest{}, room.ErrNothingToUndo},
		{"empty peer", "", room.ResignRequest{}, room.ErrInvalidArgs},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out, err := h.Apply(tc.from, tc.req)
			require.ErrorIs(t, err, tc.want)
			require.Empty(t, cmp.Diff(snap, out.State))
		})
	}
	require.Equal(t, snap.Version, h.Version())
}

func TestNegotiation_SecondOfferRejected(t *testing.T) {
	h, _ := activeGame(t)
	mustApply(t, h, "a", room.DrawOffer{})
	v := h.Version()
	require.Equal(t, "a", h.State().DrawFrom())

	_, err := h.Apply("b", room.DrawOffer{})
	require.ErrorIs(t, err, room.ErrPendingExists)
	_, err = h.Apply("b", room.RestartRequest{})
	require.ErrorIs(t, err, room.ErrPendingExists)
	require.Equal(t, v, h.Version())

	_, err = h.Apply("a", room.DrawAnswer{Accept: true})
	require.ErrorIs(t, err, room.ErrNotCounterparty)

	out := mustApply(t, h, "b", room.DrawAnswer{Accept: true})
	require.True(t, out.Finalized)
	require.Equal(t, room.PhaseResult, out.State.Phase)
	require.Equal(t, room.ResultDraw, out.State.Result)
	require.Equal(t, room.ReasonDrawAgreed, out.State.ResultReason)
	require.Nil(t, out.State.Pending)
}

func TestNegotiation_DeclineClearsPending(t *testing.T) {
	h, _ := activeGame(t)
	mustApply(t, h, "a", room.DrawOffer{})
	out := mustApply(t, h, "b", room.DrawAnswer{Accept: false})
	require.Nil(t, out.State.Pending)
	require.Equal(t, room.PhaseActive, out.State.Phase)
}

func TestNegotiation_MoveClearsPending(t *testing.T) {
	h, _ := activeGame(t)
	mustApply(t, h, "b", room.DrawOffer{})
	out := mustApply(t, h, "a", room.MoveRequest{Notation: "d2d4"})
	require.Nil(t, out.State.Pending)
}

func TestUndo_ReplaysPosition(t *testing.T) {
	h, _ := activeGame(t)
	mustApply(t, h, "a", room.MoveRequest{Notation: "e2e4"})
	mustApply(t, h, "b", room.MoveRequest{Notation: "e5"})
	mustApply(t, h, "b", room.UndoRequest{})
	require.Equal(t, "b", h.State().UndoFrom())

	out := mustApply(t, h, "a", room.UndoAnswer{Accept: true})
	st := out.State
	require.Equal(t, []string{"e2e4"}, st.MoveHistory)
	require.Equal(t, []string{"e4"}, st.MovesSAN)
	require.Equal(t, room.Black, st.Driver)

	pos, err := rules.New().Replay(st.MoveHistory)
	require.NoError(t, err)
	require.Equal(t, pos.FEN, st.Position)
}

func TestUndo_RealignsShortSANList(t *testing.T) {
	h, _ := activeGame(t)
	mustApply(t, h, "a", room.MoveRequest{Notation: "e2e4"})
	mustApply(t, h, "b", room.MoveRequest{Notation: "e7e5"})
	mustApply(t, h, "a", room.MoveRequest{Notation: "g1f3"})

	short := h.State()
	short.MovesSAN = short.MovesSAN[:1]
	short.Version++
	require.True(t, h.Adopt(short))

	mustApply(t, h, "b", room.UndoRequest{})
	st := mustApply(t, h, "a", room.UndoAnswer{Accept: true}).State
	require.Equal(t, []string{"e2e4", "e7e5"}, st.MoveHistory)
	require.Equal(t, []string{"e4", "e5"}, st.MovesSAN)
}

func TestRestart_FromResult(t *testing.T) {
	h, clk := activeGame(t)
	firstStart := h.State().StartedAt
	mustApply(t, h, "a", room.ResignRequest{})
	st := h.State()
	require.Equal(t, room.ResultBlack, st.Result)
	require.Equal(t, room.ReasonResignation, st.ResultReason)

	clk.Advance(time.Minute)
	mustApply(t, h, "b", room.RestartRequest{})
	out := mustApply(t, h, "a", room.RestartAnswer{Accept: true})
	st = out.State
	require.Equal(t, room.PhaseActive, st.Phase)
	require.Equal(t, room.ResultNone, st.Result)
	require.Empty(t, st.MoveHistory)
	require.Equal(t, room.StartFEN, st.Position)
	require.True(t, st.StartedAt.After(firstStart))
	require.True(t, st.FinishedAt.IsZero())
}

func TestCheckmate_Finalizes(t *testing.T) {
	h, _ := activeGame(t)
	mustApply(t, h, "a", room.MoveRequest{Notation: "f3"})
	mustApply(t, h, "b", room.MoveRequest{Notation: "e5"})
	mustApply(t, h, "a", room.MoveRequest{Notation: "g4"})
	out := mustApply(t, h, "b", room.MoveRequest{Notation: "d8h4"})

	require.True(t, out.Finalized)
	require.Equal(t, "Qh4#", out.Move.SAN)
	require.Equal(t, room.ResultBlack, out.State.Result)
	require.Equal(t, room.ReasonCheckmate, out.State.ResultReason)
	require.False(t, out.State.FinishedAt.IsZero())

	_, err := h.Apply("a", room.MoveRequest{Notation: "a2a3"})
	require.ErrorIs(t, err, room.ErrWrongPhase)
}

func TestPrune_GraceWindow(t *testing.T) {
	h, clk := activeGame(t)

	h.SyncPresence(members("a"))
	v := h.Version()
	clk.Advance(5 * time.Second)
	_, removed := h.Prune(15 * time.Second)
	require.False(t, removed)
	clk.Advance(5 * time.Second)

	h.SyncPresence(members("a", "b"))
	clk.Advance(20 * time.Second)
	st, removed := h.Prune(15 * time.Second)
	require.False(t, removed)
	require.Equal(t, "b", st.Seats[room.SeatB1])
	require.Equal(t, v+1, st.Version)
}

func TestPrune_RemovesAfterGrace(t *testing.T) {
	h, clk := activeGame(t)
	mustApply(t, h, "b", room.DrawOffer{})

	h.SyncPresence(members("a"))
	v := h.Version()
	clk.Advance(20 * time.Second)
	st, removed := h.Prune(15 * time.Second)

	require.True(t, removed)
	require.Equal(t, v+1, st.Version)
	require.Empty(t, st.Seats[room.SeatB1])
	require.Equal(t, "a", st.Seats[room.SeatW1])
	require.Nil(t, st.Pending)
}

func TestLoopbackJoin_SeatsInJoinOrder(t *testing.T) {
	h, _ := newHost(t, room.ModeTwoVTwo)
	for _, id := range []string{"p1", "p2", "p3", "p4", "p5"} {
		h.Join(room.Member{PeerID: id})
	}
	st := h.State()
	require.Equal(t, map[room.SeatID]string{
		room.SeatW1: "p1",
		room.SeatB1: "p2",
		room.SeatW2: "p3",
		room.SeatB2: "p4",
	}, st.Seats)
	require.Equal(t, int64(5), st.Version)
	require.True(t, st.SeatsComplete())

	require.ErrorIs(t, h.Heartbeat("ghost"), room.ErrNotMember)
}

func TestHeartbeat_DoesNotCommit(t *testing.T) {
	h, clk := newHost(t, room.ModeOneVOne)
	h.Join(room.Member{PeerID: "a"})
	v := h.Version()

	clk.Advance(3 * time.Second)
	require.NoError(t, h.Heartbeat("a"))
	require.Equal(t, v, h.Version())
	require.Equal(t, clk.Now(), h.State().Heartbeats["a"])
	require.Equal(t, []string{"a"}, h.LivePeers(time.Second))
}

func TestAdopt_OnlyNewer(t *testing.T) {
	h, _ := activeGame(t)
	older := h.State()
	mustApply(t, h, "a", room.MoveRequest{Notation: "e4"})

	require.False(t, h.Adopt(older))
	newer := h.State()
	newer.Version += 3
	require.True(t, h.Adopt(newer))
	require.Equal(t, newer.Version, h.Version())
}

func TestElect_Sticky(t *testing.T) {
	require.Equal(t, "b", room.Elect("b", []string{"c", "a", "b"}))
	require.Equal(t, "a", room.Elect("x", []string{"c", "a", "b"}))
	require.Equal(t, "", room.Elect("a", nil))
}

func TestReasonCode_RoundTrip(t *testing.T) {
	require.Equal(t, "pending_exists", room.ReasonCode(room.ErrPendingExists))
	require.ErrorIs(t, room.ErrorForReason("seat_taken"), room.ErrSeatTaken)
	require.ErrorIs(t, room.ErrorForReason("nope"), room.ErrRejectedUnknown)
	require.Equal(t, "", room.ReasonCode(nil))
}
