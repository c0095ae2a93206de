package transport

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/park285/cheese-roomsync/internal/room"
	"github.com/park285/cheese-roomsync/pkg/roomwire"
)

func sampleState() room.State {
	st := room.NewState("abc1", room.ModeOneVOne)
	st.HostID = "a"
	st.Members = []room.Member{{PeerID: "a", DisplayName: "Alice"}, {PeerID: "b", DisplayName: "Bob"}}
	st.Seats[room.SeatW1] = "a"
	st.Seats[room.SeatB1] = "b"
	st.Phase = room.PhaseActive
	st.MoveHistory = []string{"e2e4"}
	st.MovesSAN = []string{"e4"}
	st.Driver = room.Black
	st.Version = 7
	st.Pending = &room.Pending{Kind: room.NegotiateUndo, From: "a"}
	st.StartedAt = time.Date(2026, 3, 1, 10, 0, 0, 123456789, time.UTC)
	return st
}

func TestStateWireRoundTrip(t *testing.T) {
	st := sampleState()
	raw, err := roomwire.Encode(roomwire.TypeState, st.RoomID, roomwire.StatePayload{State: StateToWire(st)})
	require.NoError(t, err)

	env, err := roomwire.Decode(raw)
	require.NoError(t, err)
	ev, ok, err := DecodeEvent(env)
	require.NoError(t, err)
	require.True(t, ok)

	got := ev.(SnapshotEvent).State
	require.Empty(t, cmp.Diff(st, got))
}

func TestStateWireFieldNames(t *testing.T) {
	raw, err := json.Marshal(StateToWire(sampleState()))
	require.NoError(t, err)
	var generic map[string]any
	require.NoError(t, json.Unmarshal(raw, &generic))
	for _, key := range []string{"roomId", "mode", "members", "seats", "driver", "position", "moveHistory", "phase", "started", "version", "pending"} {
		require.Contains(t, generic, key)
	}
	require.Equal(t, map[string]any{"undoFrom": "a"}, generic["pending"])
}

func TestStateFromWireRejectsBrokenInvariants(t *testing.T) {
	w := StateToWire(sampleState())
	w.Pending = roomwire.Pending{DrawFrom: "a", UndoFrom: "b"}
	_, err := StateFromWire(w)
	require.Error(t, err)

	w = StateToWire(sampleState())
	w.Seats["b1"] = "a"
	_, err = StateFromWire(w)
	require.Error(t, err)

	w = StateToWire(sampleState())
	w.Seats["w2"] = "c"
	_, err = StateFromWire(w)
	require.ErrorIs(t, err, room.ErrInvalidSeat)
}

func TestRequestWireRoundTrip(t *testing.T) {
	reqs := []room.Request{
		room.SeatRequest{Seat: room.SeatB1},
		room.SeatRequest{Side: room.White},
		room.ReleaseRequest{},
		room.StartRequest{},
		room.MoveRequest{Notation: "e4"},
		room.UndoRequest{},
		room.UndoAnswer{Accept: true},
		room.ResignRequest{},
		room.DrawOffer{},
		room.DrawAnswer{Accept: false},
		room.RestartRequest{},
		room.RestartAnswer{Accept: true},
	}
	for _, req := range reqs {
		got, err := RequestFromWire(RequestToWire(req))
		require.NoError(t, err, req.Kind())
		require.Equal(t, req, got)
	}

	_, err := RequestFromWire(roomwire.RequestBody{Kind: "drawAnswer"})
	require.ErrorIs(t, err, room.ErrInvalidArgs)
	_, err = RequestFromWire(roomwire.RequestBody{Kind: "teleport"})
	require.ErrorIs(t, err, room.ErrUnknownRequest)
}

func TestDispatcherOrderAndClose(t *testing.T) {
	d := NewDispatcher()
	var (
		mu   sync.Mutex
		seen []int64
	)
	done := make(chan struct{})
	d.OnEvent(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, ev.(SnapshotEvent).State.Version)
		if len(seen) == 50 {
			close(done)
		}
	})
	for i := int64(1); i <= 50; i++ {
		d.Emit(SnapshotEvent{State: room.State{Version: i}})
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("events not delivered")
	}
	d.Close()
	d.Emit(SnapshotEvent{State: room.State{Version: 99}})
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 50)
	for i, v := range seen {
		require.Equal(t, int64(i+1), v)
	}
}

func TestAckErr(t *testing.T) {
	require.NoError(t, AckEvent{OK: true}.Err())
	require.ErrorIs(t, AckEvent{Reason: "seat_taken"}.Err(), room.ErrSeatTaken)
}
