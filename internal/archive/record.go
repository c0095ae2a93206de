package archive

import (
	"time"

	"github.com/google/uuid"

	"github.com/park285/cheese-roomsync/internal/domain"
	"github.com/park285/cheese-roomsync/internal/room"
)

// BuildRecord turns a finished room state into a record. archivedBy is the
// local peer writing it.
func BuildRecord(st room.State, archivedBy string) *domain.GameRecord {
	rec := &domain.GameRecord{
		ID:         uuid.NewString(),
		RoomID:     st.RoomID,
		Mode:       string(st.Mode),
		White:      players(st, room.White),
		Black:      players(st, room.Black),
		Result:     string(st.Result),
		Reason:     st.ResultReason,
		MovesUCI:   append([]string(nil), st.MoveHistory...),
		MovesSAN:   append([]string(nil), st.MovesSAN...),
		FinalFEN:   st.Position,
		StartedAt:  st.StartedAt.UTC(),
		FinishedAt: st.FinishedAt.UTC(),
		ArchivedBy: archivedBy,
		CreatedAt:  time.Now().UTC(),
	}
	if !rec.StartedAt.IsZero() && rec.FinishedAt.After(rec.StartedAt) {
		rec.Duration = rec.FinishedAt.Sub(rec.StartedAt)
	}
	rec.PGN = BuildPGN(rec)
	return rec
}

func players(st room.State, c room.Color) []domain.Player {
	ids := st.PlayersOf(c)
	out := make([]domain.Player, 0, len(ids))
	for _, id := range ids {
		out = append(out, domain.Player{PeerID: id, DisplayName: st.DisplayName(id)})
	}
	return out
}
