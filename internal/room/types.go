package room

import (
	"fmt"
	"strings"
	"time"
)

// StartFEN is the standard initial chess position.
const StartFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

// Mode fixes seat cardinality for the lifetime of a room.
type Mode string

const (
	ModeOneVOne Mode = "1v1"
	ModeTwoVTwo Mode = "2v2"
)

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1v1", "onevone", "":
		return ModeOneVOne, nil
	case "2v2", "twovtwo":
		return ModeTwoVTwo, nil
	default:
		return "", fmt.Errorf("unknown room mode %q", s)
	}
}

// Seats returns the seats available in the mode, in auto-fill order.
func (m Mode) Seats() []SeatID {
	if m == ModeTwoVTwo {
		return []SeatID{SeatW1, SeatB1, SeatW2, SeatB2}
	}
	return []SeatID{SeatW1, SeatB1}
}

func (m Mode) Allows(seat SeatID) bool {
	for _, s := range m.Seats() {
		if s == seat {
			return true
		}
	}
	return false
}

// Color identifies chess side.
type Color string

const (
	White Color = "white"
	Black Color = "black"
)

func (c Color) Opposite() Color {
	if c == White {
		return Black
	}
	return White
}

func ParseColor(s string) (Color, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "white", "w":
		return White, nil
	case "black", "b":
		return Black, nil
	default:
		return "", fmt.Errorf("unknown color %q", s)
	}
}

// SeatID names one of the four seats.
type SeatID string

const (
	SeatW1 SeatID = "w1"
	SeatW2 SeatID = "w2"
	SeatB1 SeatID = "b1"
	SeatB2 SeatID = "b2"
)

func (s SeatID) Valid() bool {
	switch s {
	case SeatW1, SeatW2, SeatB1, SeatB2:
		return true
	}
	return false
}

func (s SeatID) Color() Color {
	if strings.HasPrefix(string(s), "b") {
		return Black
	}
	return White
}

// Phase progresses Lobby -> Active -> Result.
type Phase string

const (
	PhaseLobby  Phase = "lobby"
	PhaseActive Phase = "active"
	PhaseResult Phase = "result"
)

type Member struct {
	PeerID      string
	DisplayName string
}

// NegotiationKind is the subject of a two-party offer.
type NegotiationKind string

const (
	NegotiateDraw    NegotiationKind = "draw"
	NegotiateUndo    NegotiationKind = "undo"
	NegotiateRestart NegotiationKind = "restart"
)

// Pending is the single in-flight offer of a room.
type Pending struct {
	Kind NegotiationKind
	From string
}

type Result string

const (
	ResultNone  Result = ""
	ResultWhite Result = "white"
	ResultBlack Result = "black"
	ResultDraw  Result = "draw"
)

// Result reasons.
const (
	ReasonCheckmate            = "checkmate"
	ReasonStalemate            = "stalemate"
	ReasonInsufficientMaterial = "insufficient_material"
	ReasonThreefold            = "threefold_repetition"
	ReasonFivefold             = "fivefold_repetition"
	ReasonFiftyMove            = "fifty_move_rule"
	ReasonSeventyFiveMove      = "seventy_five_move_rule"
	ReasonResignation          = "resignation"
	ReasonDrawAgreed           = "draw_agreed"
)

// State is the authoritative room aggregate. Values are treated as
// immutable once handed out; use Clone before mutating.
type State struct {
	RoomID      string
	Mode        Mode
	HostID      string
	Members     []Member
	Seats       map[SeatID]string
	Driver      Color
	Position    string
	MoveHistory []string // UCI, replayable from StartFEN
	MovesSAN    []string
	Phase       Phase
	Version     int64
	Pending     *Pending

	Result       Result
	ResultReason string
	StartedAt    time.Time
	FinishedAt   time.Time

	// loopback liveness only
	Heartbeats map[string]time.Time
}

func NewState(roomID string, mode Mode) State {
	if mode == "" {
		mode = ModeOneVOne
	}
	return State{
		RoomID:     strings.TrimSpace(roomID),
		Mode:       mode,
		Seats:      make(map[SeatID]string),
		Driver:     White,
		Position:   StartFEN,
		Phase:      PhaseLobby,
		Heartbeats: make(map[string]time.Time),
	}
}

func (s State) Started() bool { return s.Phase != PhaseLobby }

func (s State) Clone() State {
	c := s
	c.Members = append([]Member(nil), s.Members...)
	c.MoveHistory = append([]string(nil), s.MoveHistory...)
	c.MovesSAN = append([]string(nil), s.MovesSAN...)
	c.Seats = make(map[SeatID]string, len(s.Seats))
	for k, v := range s.Seats {
		c.Seats[k] = v
	}
	c.Heartbeats = make(map[string]time.Time, len(s.Heartbeats))
	for k, v := range s.Heartbeats {
		c.Heartbeats[k] = v
	}
	if s.Pending != nil {
		p := *s.Pending
		c.Pending = &p
	}
	return c
}

func (s State) Occupant(seat SeatID) string { return s.Seats[seat] }

// SeatOf returns the seat a peer occupies, if any.
func (s State) SeatOf(peerID string) (SeatID, bool) {
	if peerID == "" {
		return "", false
	}
	for _, seat := range []SeatID{SeatW1, SeatB1, SeatW2, SeatB2} {
		if s.Seats[seat] == peerID {
			return seat, true
		}
	}
	return "", false
}

func (s State) ColorOf(peerID string) (Color, bool) {
	seat, ok := s.SeatOf(peerID)
	if !ok {
		return "", false
	}
	return seat.Color(), true
}

// PlayersOf lists occupants of a color in seat order.
func (s State) PlayersOf(c Color) []string {
	var out []string
	for _, seat := range s.Mode.Seats() {
		if seat.Color() != c {
			continue
		}
		if p := s.Seats[seat]; p != "" {
			out = append(out, p)
		}
	}
	return out
}

// SeatsComplete reports whether the room can start.
func (s State) SeatsComplete() bool {
	if s.Mode == ModeTwoVTwo {
		return len(s.PlayersOf(White)) > 0 && len(s.PlayersOf(Black)) > 0
	}
	return s.Seats[SeatW1] != "" && s.Seats[SeatB1] != ""
}

func (s State) Member(peerID string) (Member, bool) {
	for _, m := range s.Members {
		if m.PeerID == peerID {
			return m, true
		}
	}
	return Member{}, false
}

func (s State) DisplayName(peerID string) string {
	if m, ok := s.Member(peerID); ok && strings.TrimSpace(m.DisplayName) != "" {
		return m.DisplayName
	}
	return peerID
}

func (s State) pendingFrom(kind NegotiationKind) string {
	if s.Pending == nil || s.Pending.Kind != kind {
		return ""
	}
	return s.Pending.From
}

func (s State) DrawFrom() string    { return s.pendingFrom(NegotiateDraw) }
func (s State) UndoFrom() string    { return s.pendingFrom(NegotiateUndo) }
func (s State) RestartFrom() string { return s.pendingFrom(NegotiateRestart) }
