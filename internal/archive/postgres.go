package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/park285/cheese-roomsync/internal/domain"
)

type postgresStore struct {
	db *sql.DB
}

// OpenPostgres connects to databaseURL and ensures the room_games schema.
func OpenPostgres(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}
	s := &postgresStore{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("archive: migration failed: %w", err)
	}
	return s, nil
}

func (s *postgresStore) migrate(ctx context.Context) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS room_games (
			id TEXT PRIMARY KEY,
			room_id TEXT NOT NULL,
			mode TEXT NOT NULL,
			white JSONB NOT NULL,
			black JSONB NOT NULL,
			peer_ids JSONB NOT NULL,
			result TEXT NOT NULL,
			reason TEXT NOT NULL,
			moves_uci JSONB NOT NULL,
			moves_san JSONB NOT NULL,
			pgn TEXT NOT NULL,
			final_fen TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			finished_at TIMESTAMPTZ NOT NULL,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			archived_by TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (room_id, started_at)
		);
		CREATE INDEX IF NOT EXISTS idx_room_games_room ON room_games(room_id, finished_at DESC);
		CREATE INDEX IF NOT EXISTS idx_room_games_peers ON room_games USING GIN (peer_ids);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *postgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *postgresStore) Insert(ctx context.Context, rec *domain.GameRecord) error {
	if rec == nil {
		return fmt.Errorf("nil game record")
	}
	enc, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	const q = `INSERT INTO room_games (` + recordColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		ON CONFLICT DO NOTHING
		RETURNING id`
	var id string
	err = s.db.QueryRowContext(ctx, q,
		rec.ID, rec.RoomID, rec.Mode, enc.white, enc.black, enc.peers, rec.Result, rec.Reason,
		enc.uci, enc.san, rec.PGN, rec.FinalFEN, rec.StartedAt, rec.FinishedAt,
		rec.Duration.Milliseconds(), rec.ArchivedBy, createdAt(rec),
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrDuplicateRecord
	}
	return err
}

func (s *postgresStore) Query(ctx context.Context, f domain.RecordFilter) ([]*domain.GameRecord, error) {
	var (
		where []string
		args  []any
	)
	if f.RoomID != "" {
		args = append(args, f.RoomID)
		where = append(where, fmt.Sprintf("room_id = $%d", len(args)))
	}
	if f.PeerID != "" {
		args = append(args, f.PeerID)
		where = append(where, fmt.Sprintf("peer_ids ? $%d", len(args)))
	}
	q := `SELECT ` + recordColumns + ` FROM room_games`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, normalizeLimit(f.Limit))
	q += fmt.Sprintf(" ORDER BY finished_at DESC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.GameRecord
	for rows.Next() {
		rec, err := scanRecord(rows, pgTimes)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func pgTimes(started, finished, created any) (time.Time, time.Time, time.Time, error) {
	var out [3]time.Time
	for i, v := range []any{started, finished, created} {
		t, ok := v.(time.Time)
		if !ok {
			return out[0], out[1], out[2], fmt.Errorf("unexpected timestamp type %T", v)
		}
		out[i] = t.UTC()
	}
	return out[0], out[1], out[2], nil
}

func createdAt(rec *domain.GameRecord) time.Time {
	if rec.CreatedAt.IsZero() {
		return time.Now().UTC()
	}
	return rec.CreatedAt
}
