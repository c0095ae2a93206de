package domain

import "time"

type Player struct {
	PeerID      string
	DisplayName string
}

// GameRecord is one finished game as persisted by the archive.
type GameRecord struct {
	ID         string
	RoomID     string
	Mode       string
	White      []Player
	Black      []Player
	Result     string
	Reason     string
	MovesUCI   []string
	MovesSAN   []string
	PGN        string
	FinalFEN   string
	StartedAt  time.Time
	FinishedAt time.Time
	Duration   time.Duration
	ArchivedBy string
	CreatedAt  time.Time
}

// PeerIDs lists every seated participant, white first.
func (r *GameRecord) PeerIDs() []string {
	out := make([]string, 0, len(r.White)+len(r.Black))
	for _, p := range r.White {
		out = append(out, p.PeerID)
	}
	for _, p := range r.Black {
		out = append(out, p.PeerID)
	}
	return out
}

type RecordFilter struct {
	RoomID string
	PeerID string
	Limit  int
}
