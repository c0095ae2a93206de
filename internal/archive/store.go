// Package archive persists finished games exactly once per device.
package archive

import (
	"context"
	"errors"

	"github.com/park285/cheese-roomsync/internal/domain"
)

var ErrDuplicateRecord = errors.New("game record already exists")

const defaultQueryLimit = 20

// Store persists game records. Insert reports ErrDuplicateRecord when the
// (room, startedAt) game instance is already stored.
type Store interface {
	Insert(ctx context.Context, rec *domain.GameRecord) error
	Query(ctx context.Context, f domain.RecordFilter) ([]*domain.GameRecord, error)
	Close() error
}

func normalizeLimit(n int) int {
	if n <= 0 {
		return defaultQueryLimit
	}
	if n > 500 {
		return 500
	}
	return n
}
