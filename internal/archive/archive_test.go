package archive

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/park285/cheese-roomsync/internal/domain"
	"github.com/park285/cheese-roomsync/internal/room"
)

func finishedState(roomID string, started time.Time) room.State {
	st := room.NewState(roomID, room.ModeOneVOne)
	st.Members = []room.Member{{PeerID: "a", DisplayName: "Alice"}, {PeerID: "b", DisplayName: "Bob"}}
	st.Seats[room.SeatW1] = "a"
	st.Seats[room.SeatB1] = "b"
	st.Phase = room.PhaseResult
	st.MoveHistory = []string{"f2f3", "e7e5", "g2g4", "d8h4"}
	st.MovesSAN = []string{"f3", "e5", "g4", "Qh4#"}
	st.Result = room.ResultBlack
	st.ResultReason = room.ReasonCheckmate
	st.StartedAt = started
	st.FinishedAt = started.Add(90 * time.Second)
	st.Version = 9
	return st
}

func TestGuard_AdmitsOncePerGame(t *testing.T) {
	g := NewGuard()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	st := finishedState("r1", start)

	require.True(t, g.ShouldArchive(st))
	require.False(t, g.ShouldArchive(st))

	// same game, different finish stamp (local detection vs host finalize)
	coerced := st.Clone()
	coerced.FinishedAt = st.FinishedAt.Add(300 * time.Millisecond)
	require.False(t, g.ShouldArchive(coerced))

	// restarted game in the same room
	next := finishedState("r1", start.Add(10*time.Minute))
	require.True(t, g.ShouldArchive(next))

	other := finishedState("r2", start)
	require.True(t, g.ShouldArchive(other))

	active := st.Clone()
	active.Phase = room.PhaseActive
	active.RoomID = "r3"
	require.False(t, g.ShouldArchive(active))
}

func TestBuildRecord_PGN(t *testing.T) {
	st := finishedState("r1", time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	rec := BuildRecord(st, "b")

	require.NotEmpty(t, rec.ID)
	require.Equal(t, []domain.Player{{PeerID: "a", DisplayName: "Alice"}}, rec.White)
	require.Equal(t, []domain.Player{{PeerID: "b", DisplayName: "Bob"}}, rec.Black)
	require.Equal(t, 90*time.Second, rec.Duration)
	require.Contains(t, rec.PGN, `[White "Alice"]`)
	require.Contains(t, rec.PGN, `[Termination "checkmate"]`)
	require.Contains(t, rec.PGN, `[Result "0-1"]`)
	require.True(t, strings.HasSuffix(rec.PGN, "1. f3 e5 2. g4 Qh4# 0-1"), rec.PGN)
}

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	first := BuildRecord(finishedState("r1", start), "a")
	require.NoError(t, s.Insert(ctx, first))

	dup := BuildRecord(finishedState("r1", start), "b")
	require.ErrorIs(t, s.Insert(ctx, dup), ErrDuplicateRecord)

	second := BuildRecord(finishedState("r1", start.Add(time.Hour)), "a")
	require.NoError(t, s.Insert(ctx, second))

	elsewhere := finishedState("r2", start)
	elsewhere.Seats[room.SeatW1] = "c"
	elsewhere.Members = append(elsewhere.Members, room.Member{PeerID: "c", DisplayName: "Cy"})
	require.NoError(t, s.Insert(ctx, BuildRecord(elsewhere, "c")))

	byRoom, err := s.Query(ctx, domain.RecordFilter{RoomID: "r1"})
	require.NoError(t, err)
	require.Len(t, byRoom, 2)
	require.Equal(t, second.ID, byRoom[0].ID, "newest first")
	require.Equal(t, first.MovesSAN, byRoom[1].MovesSAN)
	require.Equal(t, first.PGN, byRoom[1].PGN)
	require.True(t, first.StartedAt.Equal(byRoom[1].StartedAt))

	byPeer, err := s.Query(ctx, domain.RecordFilter{PeerID: "c"})
	require.NoError(t, err)
	require.Len(t, byPeer, 1)
	require.Equal(t, "r2", byPeer[0].RoomID)

	limited, err := s.Query(ctx, domain.RecordFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestSQLiteStore(t *testing.T) {
	s, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	exerciseStore(t, s)
}

type flakyStore struct {
	Store
	mu    sync.Mutex
	fails int
}

func (f *flakyStore) Insert(ctx context.Context, rec *domain.GameRecord) error {
	f.mu.Lock()
	if f.fails > 0 {
		f.fails--
		f.mu.Unlock()
		return errors.New("db unavailable")
	}
	f.mu.Unlock()
	return f.Store.Insert(ctx, rec)
}

func TestOutbox_RetriesUntilStored(t *testing.T) {
	store := &flakyStore{Store: NewMemoryStore(), fails: 3}
	ob := NewOutbox(store, WithRetryDelay(5*time.Millisecond, 20*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- ob.Run(ctx) }()

	rec := BuildRecord(finishedState("r1", time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)), "a")
	require.Error(t, ob.Submit(ctx, rec))
	require.Equal(t, 1, ob.Pending())

	require.Eventually(t, func() bool { return ob.Pending() == 0 }, 2*time.Second, 5*time.Millisecond)
	got, err := store.Query(ctx, domain.RecordFilter{RoomID: "r1"})
	require.NoError(t, err)
	require.Len(t, got, 1)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestOutbox_DuplicateIsDelivered(t *testing.T) {
	store := NewMemoryStore()
	ob := NewOutbox(store)
	ctx := context.Background()
	st := finishedState("r1", time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	require.NoError(t, ob.Submit(ctx, BuildRecord(st, "a")))
	require.NoError(t, ob.Submit(ctx, BuildRecord(st, "b")))
	require.Zero(t, ob.Pending())
}

func TestBackoff(t *testing.T) {
	require.Equal(t, 10*time.Millisecond, backoff(10*time.Millisecond, time.Second, 0))
	require.Equal(t, 40*time.Millisecond, backoff(10*time.Millisecond, time.Second, 2))
	require.Equal(t, time.Second, backoff(10*time.Millisecond, time.Second, 20))
}
