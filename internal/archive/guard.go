package archive

import (
	"fmt"
	"sync"

	"github.com/park285/cheese-roomsync/internal/room"
)

// Guard admits a finished game at most once per device. A game instance is
// identified both by its finish stamp and by its start stamp, so a locally
// coerced result and the host's finalize for the same game collapse.
type Guard struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func NewGuard() *Guard {
	return &Guard{seen: make(map[string]struct{})}
}

func finishedKey(st room.State) string {
	return fmt.Sprintf("%s|f|%d", st.RoomID, st.FinishedAt.UnixNano())
}

func startedKey(st room.State) string {
	return fmt.Sprintf("%s|s|%d", st.RoomID, st.StartedAt.UnixNano())
}

// ShouldArchive reports whether st is a finished game not yet admitted, and
// marks it as admitted when it is.
func (g *Guard) ShouldArchive(st room.State) bool {
	if st.Phase != room.PhaseResult || st.Result == room.ResultNone {
		return false
	}
	keys := []string{finishedKey(st)}
	if !st.StartedAt.IsZero() {
		keys = append(keys, startedKey(st))
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for _, k := range keys {
		if _, ok := g.seen[k]; ok {
			return false
		}
	}
	for _, k := range keys {
		g.seen[k] = struct{}{}
	}
	return true
}
