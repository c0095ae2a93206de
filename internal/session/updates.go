package session

import (
	"time"

	"github.com/park285/cheese-roomsync/internal/domain"
	"github.com/park285/cheese-roomsync/internal/room"
	"github.com/park285/cheese-roomsync/internal/transport"
)

// Update is what a Controller tells its listeners. The set is closed.
type Update interface{ isUpdate() }

// StateChanged carries the stored state after a snapshot was accepted or
// a terminal position was coerced locally.
type StateChanged struct {
	State   room.State
	Coerced bool
}

type ChatReceived struct {
	Chat transport.ChatEvent
}

// MoveObserved is the discrete move effect, independent of the snapshot.
type MoveObserved struct {
	Move    room.MoveApplied
	Version int64
}

type RequestAcked struct {
	Ack transport.AckEvent
}

// MoveLifecycle reports a transition of the local optimistic move.
type MoveLifecycle struct {
	Move PendingMove
}

// GameArchived is sent once per finished game. Err is set when the first
// write failed and the record waits in the outbox.
type GameArchived struct {
	Record *domain.GameRecord
	Err    error
}

func (StateChanged) isUpdate()  {}
func (ChatReceived) isUpdate()  {}
func (MoveObserved) isUpdate()  {}
func (RequestAcked) isUpdate()  {}
func (MoveLifecycle) isUpdate() {}
func (GameArchived) isUpdate()  {}

type MoveStatus string

const (
	MoveProposed   MoveStatus = "proposed"
	MoveConfirmed  MoveStatus = "confirmed"
	MoveRolledBack MoveStatus = "rolled_back"
)

// PendingMove is a move shown locally before the host confirms it.
type PendingMove struct {
	Notation string
	UCI      string
	SAN      string
	Ply      int
	// FEN after the move, used for the optimistic view
	PositionAfter string
	BaseVersion   int64
	ProposedAt    time.Time
	Status        MoveStatus
	Reason        string
}
