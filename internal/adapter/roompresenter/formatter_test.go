package roompresenter

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/park285/cheese-roomsync/internal/room"
	"github.com/park285/cheese-roomsync/internal/session"
	"github.com/park285/cheese-roomsync/internal/transport"
)

func TestBoard_StartPosition(t *testing.T) {
	out := Board(room.StartFEN)
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	require.Len(t, lines, 9)
	require.Equal(t, "8 r n b q k b n r ", lines[0])
	require.Equal(t, "4 . . . . . . . . ", lines[4])
	require.Equal(t, "1 R N B Q K B N R ", lines[7])
	require.Empty(t, Board("garbage"))
}

func TestFormatter_StateMarksSelfAndPending(t *testing.T) {
	f := NewFormatter(nil)
	st := room.NewState("abc1", room.ModeOneVOne)
	st.Members = []room.Member{{PeerID: "a", DisplayName: "Alice"}, {PeerID: "b", DisplayName: "Bob"}}
	st.Seats[room.SeatW1] = "a"
	st.Seats[room.SeatB1] = "b"
	st.Phase = room.PhaseActive
	st.MovesSAN = []string{"e4", "e5", "Nf3"}
	st.Pending = &room.Pending{Kind: room.NegotiateDraw, From: "a"}
	st.Version = 6

	out := f.State(st, "b")
	require.Contains(t, out, "w1=Alice b1=Bob*")
	require.Contains(t, out, "1. e4 e5 2. Nf3")
	require.Contains(t, out, "'draw yes'")
	require.Contains(t, out, "[v6]")
}

func TestPresenter_SkipsSilentUpdates(t *testing.T) {
	var sent []string
	p := NewPresenter(NewFormatter(nil), func() string { return "a" }, func(m string) error {
		sent = append(sent, m)
		return nil
	})
	require.NoError(t, p.Update(session.RequestAcked{Ack: transport.AckEvent{OK: true}}))
	require.Empty(t, sent)

	require.NoError(t, p.Update(session.RequestAcked{Ack: transport.AckEvent{Reason: "seat_taken"}}))
	require.NoError(t, p.Update(session.ChatReceived{Chat: transport.ChatEvent{From: "b", Text: "gg"}}))
	require.Equal(t, []string{"요청 거절: 이미 다른 플레이어가 앉은 자리입니다.", "[b] gg"}, sent)
}
