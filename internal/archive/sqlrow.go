package archive

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/park285/cheese-roomsync/internal/domain"
)

// recordColumns is shared by the SQL stores; order matches scanRecord.
const recordColumns = `id, room_id, mode, white, black, peer_ids, result, reason,
	moves_uci, moves_san, pgn, final_fen, started_at, finished_at, duration_ms, archived_by, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

type encodedRecord struct {
	white, black, peers string
	uci, san            string
}

func encodeRecord(rec *domain.GameRecord) (encodedRecord, error) {
	var (
		e   encodedRecord
		err error
	)
	if e.white, err = marshalText(nonNilPlayers(rec.White)); err != nil {
		return e, err
	}
	if e.black, err = marshalText(nonNilPlayers(rec.Black)); err != nil {
		return e, err
	}
	if e.peers, err = marshalText(nonNilStrings(rec.PeerIDs())); err != nil {
		return e, err
	}
	if e.uci, err = marshalText(nonNilStrings(rec.MovesUCI)); err != nil {
		return e, err
	}
	if e.san, err = marshalText(nonNilStrings(rec.MovesSAN)); err != nil {
		return e, err
	}
	return e, nil
}

func marshalText(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode record column: %w", err)
	}
	return string(raw), nil
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilPlayers(p []domain.Player) []playerColumn {
	out := make([]playerColumn, 0, len(p))
	for _, x := range p {
		out = append(out, playerColumn{PeerID: x.PeerID, DisplayName: x.DisplayName})
	}
	return out
}

type playerColumn struct {
	PeerID      string `json:"peerId"`
	DisplayName string `json:"displayName"`
}

// scanRecord reads one row selected with recordColumns. Time columns are
// converted by conv so each driver can store them natively.
func scanRecord(row rowScanner, conv func(started, finished, created any) (time.Time, time.Time, time.Time, error)) (*domain.GameRecord, error) {
	var (
		rec                        domain.GameRecord
		white, black, peers        string
		uci, san                   string
		started, finished, created any
		durationMS                 int64
	)
	if err := row.Scan(&rec.ID, &rec.RoomID, &rec.Mode, &white, &black, &peers, &rec.Result, &rec.Reason,
		&uci, &san, &rec.PGN, &rec.FinalFEN, &started, &finished, &durationMS, &rec.ArchivedBy, &created); err != nil {
		return nil, err
	}
	var err error
	if rec.StartedAt, rec.FinishedAt, rec.CreatedAt, err = conv(started, finished, created); err != nil {
		return nil, err
	}
	rec.Duration = time.Duration(durationMS) * time.Millisecond

	var wp, bp []playerColumn
	if err := json.Unmarshal([]byte(white), &wp); err != nil {
		return nil, fmt.Errorf("decode white: %w", err)
	}
	if err := json.Unmarshal([]byte(black), &bp); err != nil {
		return nil, fmt.Errorf("decode black: %w", err)
	}
	for _, p := range wp {
		rec.White = append(rec.White, domain.Player{PeerID: p.PeerID, DisplayName: p.DisplayName})
	}
	for _, p := range bp {
		rec.Black = append(rec.Black, domain.Player{PeerID: p.PeerID, DisplayName: p.DisplayName})
	}
	if err := json.Unmarshal([]byte(uci), &rec.MovesUCI); err != nil {
		return nil, fmt.Errorf("decode moves_uci: %w", err)
	}
	if err := json.Unmarshal([]byte(san), &rec.MovesSAN); err != nil {
		return nil, fmt.Errorf("decode moves_san: %w", err)
	}
	return &rec, nil
}
