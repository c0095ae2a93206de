package archive

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/park285/cheese-roomsync/internal/domain"
)

type sqliteStore struct {
	db *sql.DB
}

// OpenSQLite creates or opens the archive database at dbPath. A leading ~ is
// expanded and parent directories are created. ":memory:" is accepted.
func OpenSQLite(dbPath string) (Store, error) {
	if dbPath != ":memory:" {
		if strings.HasPrefix(dbPath, "~") {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("archive: cannot expand home directory: %w", err)
			}
			dbPath = filepath.Join(home, dbPath[1:])
		}
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("archive: cannot create directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("archive: cannot open database: %w", err)
	}
	// one connection keeps ":memory:" a single database
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("archive: cannot connect to database: %w", err)
	}
	s := &sqliteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("archive: migration failed: %w", err)
	}
	return s, nil
}

func (s *sqliteStore) migrate() error {
	const schema = `
		CREATE TABLE IF NOT EXISTS room_games (
			id TEXT PRIMARY KEY,
			room_id TEXT NOT NULL,
			mode TEXT NOT NULL,
			white TEXT NOT NULL,
			black TEXT NOT NULL,
			peer_ids TEXT NOT NULL,
			result TEXT NOT NULL,
			reason TEXT NOT NULL,
			moves_uci TEXT NOT NULL,
			moves_san TEXT NOT NULL,
			pgn TEXT NOT NULL,
			final_fen TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			finished_at INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			archived_by TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			UNIQUE (room_id, started_at)
		);
		CREATE INDEX IF NOT EXISTS idx_room_games_room ON room_games(room_id, finished_at DESC);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) Insert(ctx context.Context, rec *domain.GameRecord) error {
	if rec == nil {
		return fmt.Errorf("nil game record")
	}
	enc, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	const q = `INSERT INTO room_games (` + recordColumns + `)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT DO NOTHING`
	res, err := s.db.ExecContext(ctx, q,
		rec.ID, rec.RoomID, rec.Mode, enc.white, enc.black, enc.peers, rec.Result, rec.Reason,
		enc.uci, enc.san, rec.PGN, rec.FinalFEN, rec.StartedAt.UnixNano(), rec.FinishedAt.UnixNano(),
		rec.Duration.Milliseconds(), rec.ArchivedBy, createdAt(rec).UnixNano(),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDuplicateRecord
	}
	return nil
}

func (s *sqliteStore) Query(ctx context.Context, f domain.RecordFilter) ([]*domain.GameRecord, error) {
	var (
		where []string
		args  []any
	)
	if f.RoomID != "" {
		where = append(where, "room_id = ?")
		args = append(args, f.RoomID)
	}
	if f.PeerID != "" {
		where = append(where, "EXISTS (SELECT 1 FROM json_each(room_games.peer_ids) WHERE json_each.value = ?)")
		args = append(args, f.PeerID)
	}
	q := `SELECT ` + recordColumns + ` FROM room_games`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY finished_at DESC LIMIT ?"
	args = append(args, normalizeLimit(f.Limit))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.GameRecord
	for rows.Next() {
		rec, err := scanRecord(rows, sqliteTimes)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func sqliteTimes(started, finished, created any) (time.Time, time.Time, time.Time, error) {
	var out [3]time.Time
	for i, v := range []any{started, finished, created} {
		ns, ok := v.(int64)
		if !ok {
			return out[0], out[1], out[2], fmt.Errorf("unexpected timestamp type %T", v)
		}
		out[i] = time.Unix(0, ns).UTC()
	}
	return out[0], out[1], out[2], nil
}
