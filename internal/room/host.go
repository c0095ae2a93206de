package room

import (
	"fmt"
	"strings"
	"time"

	"github.com/park285/cheese-roomsync/internal/obslog"
	"go.uber.org/zap"
)

// Host owns the authoritative copy of a room. It is not safe for concurrent
// use: every caller drives it from a single goroutine (the adapter loop or
// the room actor), which is what makes it the only writer.
type Host struct {
	st          State
	rules       Rules
	now         func() time.Time
	absentSince map[string]time.Time
	logger      *zap.Logger
}

type HostOption func(*Host)

func WithClock(now func() time.Time) HostOption {
	return func(h *Host) {
		if now != nil {
			h.now = now
		}
	}
}

func WithLogger(l *zap.Logger) HostOption {
	return func(h *Host) {
		if l != nil {
			h.logger = l
		}
	}
}

// Outcome is the result of an accepted request.
type Outcome struct {
	State     State
	Move      *MoveApplied
	Finalized bool
}

func NewHost(st State, rules Rules, opts ...HostOption) *Host {
	h := &Host{
		st:          normalize(st.Clone()),
		rules:       rules,
		now:         time.Now,
		absentSince: make(map[string]time.Time),
		logger:      obslog.L(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func normalize(st State) State {
	if st.Mode == "" {
		st.Mode = ModeOneVOne
	}
	if st.Seats == nil {
		st.Seats = make(map[SeatID]string)
	}
	if st.Heartbeats == nil {
		st.Heartbeats = make(map[string]time.Time)
	}
	if st.Phase == "" {
		st.Phase = PhaseLobby
	}
	if st.Position == "" {
		st.Position = StartFEN
	}
	if st.Driver == "" {
		st.Driver = White
	}
	return st
}

func (h *Host) State() State   { return h.st.Clone() }
func (h *Host) Version() int64 { return h.st.Version }

// Adopt replaces the local copy with a strictly newer snapshot.
func (h *Host) Adopt(st State) bool {
	if st.Version <= h.st.Version {
		return false
	}
	h.st = normalize(st.Clone())
	return true
}

// SetHostID records the elected host; it is published with the next commit.
func (h *Host) SetHostID(id string) { h.st.HostID = id }

func (h *Host) commit() { h.st.Version++ }

// Apply validates req from peer and applies it. Rejections leave the state
// and version untouched.
func (h *Host) Apply(from string, req Request) (Outcome, error) {
	from = strings.TrimSpace(from)
	if from == "" || req == nil {
		return Outcome{State: h.State()}, ErrInvalidArgs
	}
	prevPhase := h.st.Phase

	var (
		mv  *MoveApplied
		err error
	)
	switch r := req.(type) {
	case SeatRequest:
		err = h.seat(from, r)
	case ReleaseRequest:
		err = h.release(from)
	case StartRequest:
		err = h.start()
	case MoveRequest:
		mv, err = h.move(from, r.Notation)
	case ResignRequest:
		err = h.resign(from)
	case DrawOffer:
		err = h.offer(from, NegotiateDraw)
	case UndoRequest:
		err = h.offer(from, NegotiateUndo)
	case RestartRequest:
		err = h.offer(from, NegotiateRestart)
	case DrawAnswer:
		err = h.answer(from, NegotiateDraw, r.Accept)
	case UndoAnswer:
		err = h.answer(from, NegotiateUndo, r.Accept)
	case RestartAnswer:
		err = h.answer(from, NegotiateRestart, r.Accept)
	default:
		err = ErrUnknownRequest
	}
	if err != nil {
		h.logger.Debug("room_request_rejected",
			zap.String("room_id", h.st.RoomID),
			zap.String("peer_id", from),
			zap.String("kind", string(req.Kind())),
			zap.Error(err),
		)
		return Outcome{State: h.State()}, err
	}

	h.commit()
	return Outcome{
		State:     h.State(),
		Move:      mv,
		Finalized: prevPhase != PhaseResult && h.st.Phase == PhaseResult,
	}, nil
}

func (h *Host) firstFree(c Color) (SeatID, bool) {
	for _, seat := range h.st.Mode.Seats() {
		if c != "" && seat.Color() != c {
			continue
		}
		if h.st.Seats[seat] == "" {
			return seat, true
		}
	}
	return "", false
}

func (h *Host) seat(from string, r SeatRequest) error {
	if h.st.Phase == PhaseResult {
		return ErrWrongPhase
	}
	target := r.Seat
	switch {
	case target != "":
		if !target.Valid() || !h.st.Mode.Allows(target) {
			return ErrInvalidSeat
		}
		if occ := h.st.Seats[target]; occ != "" && occ != from {
			return ErrSeatTaken
		}
	default:
		seat, ok := h.firstFree(r.Side)
		if !ok {
			return ErrNoFreeSeat
		}
		target = seat
	}

	current, seated := h.st.SeatOf(from)
	if seated && current == target {
		return nil
	}
	if seated && h.st.Phase == PhaseActive {
		return ErrAlreadySeated
	}
	if seated {
		delete(h.st.Seats, current)
	}
	h.st.Seats[target] = from
	delete(h.absentSince, from)
	return nil
}

func (h *Host) release(from string) error {
	seat, ok := h.st.SeatOf(from)
	if !ok {
		return ErrNotSeated
	}
	delete(h.st.Seats, seat)
	if h.st.Pending != nil && h.st.Pending.From == from {
		h.st.Pending = nil
	}
	return nil
}

func (h *Host) start() error {
	if h.st.Phase != PhaseLobby {
		return ErrWrongPhase
	}
	if !h.st.SeatsComplete() {
		return ErrSeatsIncomplete
	}
	h.startGame()
	return nil
}

// startGame opens a fresh Active game in place.
func (h *Host) startGame() {
	h.st.Phase = PhaseActive
	h.st.StartedAt = h.now()
	h.st.FinishedAt = time.Time{}
	h.st.Result = ResultNone
	h.st.ResultReason = ""
	h.st.Driver = White
	h.st.Position = StartFEN
	h.st.MoveHistory = nil
	h.st.MovesSAN = nil
	h.st.Pending = nil
}

func (h *Host) move(from, notation string) (*MoveApplied, error) {
	if h.st.Phase != PhaseActive {
		return nil, ErrWrongPhase
	}
	color, ok := h.st.ColorOf(from)
	if !ok {
		return nil, ErrNotSeated
	}
	if color != h.st.Driver {
		return nil, ErrNotYourTurn
	}
	notation = strings.TrimSpace(notation)
	if notation == "" {
		return nil, ErrIllegalMove
	}
	applied, err := h.rules.Apply(h.st.MoveHistory, notation)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIllegalMove, err)
	}

	h.st.MoveHistory = append(h.st.MoveHistory, applied.UCI)
	h.st.MovesSAN = append(h.st.MovesSAN, applied.SAN)
	h.st.Position = applied.After.FEN
	h.st.Driver = h.st.Driver.Opposite()
	h.st.Pending = nil

	if t := h.rules.Terminal(h.st.MoveHistory); t.Over {
		h.finish(t.Result, t.Reason)
	}
	return &MoveApplied{
		From:          from,
		UCI:           applied.UCI,
		SAN:           applied.SAN,
		PositionAfter: applied.After.FEN,
		Ply:           len(h.st.MoveHistory),
	}, nil
}

func (h *Host) resign(from string) error {
	if h.st.Phase != PhaseActive {
		return ErrWrongPhase
	}
	color, ok := h.st.ColorOf(from)
	if !ok {
		return ErrNotSeated
	}
	h.finish(ResultFor(color.Opposite()), ReasonResignation)
	return nil
}

func (h *Host) offer(from string, kind NegotiationKind) error {
	switch kind {
	case NegotiateRestart:
		if h.st.Phase == PhaseLobby {
			return ErrWrongPhase
		}
	default:
		if h.st.Phase != PhaseActive {
			return ErrWrongPhase
		}
	}
	if _, ok := h.st.SeatOf(from); !ok {
		return ErrNotSeated
	}
	if h.st.Pending != nil {
		return ErrPendingExists
	}
	if kind == NegotiateUndo && len(h.st.MoveHistory) == 0 {
		return ErrNothingToUndo
	}
	h.st.Pending = &Pending{Kind: kind, From: from}
	return nil
}

func (h *Host) answer(from string, kind NegotiationKind, accept bool) error {
	p := h.st.Pending
	if p == nil || p.Kind != kind {
		return ErrNoPending
	}
	answerColor, ok := h.st.ColorOf(from)
	if !ok {
		return ErrNotSeated
	}
	if from == p.From {
		return ErrNotCounterparty
	}
	if reqColor, ok := h.st.ColorOf(p.From); ok && reqColor == answerColor {
		return ErrNotCounterparty
	}
	if !accept {
		h.st.Pending = nil
		return nil
	}

	switch kind {
	case NegotiateDraw:
		if h.st.Phase != PhaseActive {
			return ErrWrongPhase
		}
		h.finish(ResultDraw, ReasonDrawAgreed)
	case NegotiateUndo:
		if h.st.Phase != PhaseActive {
			return ErrWrongPhase
		}
		n := len(h.st.MoveHistory)
		if n == 0 {
			return ErrNothingToUndo
		}
		history := append([]string(nil), h.st.MoveHistory[:n-1]...)
		pos, err := h.rules.Replay(history)
		if err != nil {
			return fmt.Errorf("replay after undo: %w", err)
		}
		h.st.MoveHistory = history
		h.st.MovesSAN = h.alignedSAN(history, h.st.MovesSAN)
		h.st.Position = pos.FEN
		h.st.Driver = pos.Turn
	case NegotiateRestart:
		h.startGame()
	}
	h.st.Pending = nil
	return nil
}

// alignedSAN trims san to history. A shorter list is
// rebuilt from history through the rules.
func (h *Host) alignedSAN(history, san []string) []string {
	if len(san) >= len(history) {
		return append([]string(nil), san[:len(history)]...)
	}
	out := make([]string, 0, len(history))
	for i, mv := range history {
		a, err := h.rules.Apply(history[:i], mv)
		if err != nil {
			h.logger.Warn("room_san_rebuild_failed", zap.String("room_id", h.st.RoomID), zap.Int("ply", i+1), zap.Error(err))
			return append([]string(nil), san...)
		}
		out = append(out, a.SAN)
	}
	return out
}

func (h *Host) finish(result Result, reason string) {
	h.st.Phase = PhaseResult
	h.st.Result = result
	h.st.ResultReason = reason
	h.st.FinishedAt = h.now()
	h.st.Pending = nil
}

// ResultFor maps a winning color to a Result.
func ResultFor(winner Color) Result {
	if winner == Black {
		return ResultBlack
	}
	return ResultWhite
}

// ObservePresence records which seat occupants are currently present; an
// occupant's absence clock starts on the first observation that misses it.
func (h *Host) ObservePresence(present []string) {
	set := make(map[string]struct{}, len(present))
	for _, id := range present {
		set[id] = struct{}{}
	}
	now := h.now()
	for _, occ := range h.st.Seats {
		if _, ok := set[occ]; ok {
			delete(h.absentSince, occ)
			continue
		}
		if _, tracked := h.absentSince[occ]; !tracked {
			h.absentSince[occ] = now
		}
	}
}

// SyncPresence rebuilds members from presence, claims missing seats for the
// host (white) and the first other present peer (black) without displacing
// anyone, and commits. Presence changes carry no version of their own, so
// every sync moves the version forward.
func (h *Host) SyncPresence(present []Member) State {
	members := SortMembers(present)
	ids := make([]string, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.PeerID)
	}
	h.st.Members = members
	h.ObservePresence(ids)
	if h.st.Phase != PhaseResult {
		h.autoSeatHostFirst(ids)
	}
	h.commit()
	return h.State()
}

func (h *Host) autoSeatHostFirst(ids []string) {
	host := h.st.HostID
	hostPresent := false
	for _, id := range ids {
		if id == host {
			hostPresent = true
			break
		}
	}
	if hostPresent {
		if _, seated := h.st.SeatOf(host); !seated {
			if seat, ok := h.firstFree(White); ok {
				h.st.Seats[seat] = host
			}
		}
	}
	for _, id := range ids {
		if id == host {
			continue
		}
		if _, seated := h.st.SeatOf(id); !seated {
			if seat, ok := h.firstFree(Black); ok {
				h.st.Seats[seat] = id
			}
		}
		break
	}
}

// Join adds a member and seats it in join order when a seat is free.
func (h *Host) Join(m Member) State {
	m.PeerID = strings.TrimSpace(m.PeerID)
	found := false
	for i := range h.st.Members {
		if h.st.Members[i].PeerID == m.PeerID {
			h.st.Members[i].DisplayName = m.DisplayName
			found = true
		}
	}
	if !found {
		h.st.Members = append(h.st.Members, m)
	}
	h.st.Heartbeats[m.PeerID] = h.now()
	delete(h.absentSince, m.PeerID)
	if h.st.Phase != PhaseResult {
		if _, seated := h.st.SeatOf(m.PeerID); !seated {
			if seat, ok := h.firstFree(""); ok {
				h.st.Seats[seat] = m.PeerID
			}
		}
	}
	h.commit()
	return h.State()
}

// Leave removes a member. Its seat is kept until the prune sweep.
func (h *Host) Leave(peerID string) State {
	out := h.st.Members[:0:0]
	for _, m := range h.st.Members {
		if m.PeerID != peerID {
			out = append(out, m)
		}
	}
	h.st.Members = out
	delete(h.st.Heartbeats, peerID)
	if _, seated := h.st.SeatOf(peerID); seated {
		if _, tracked := h.absentSince[peerID]; !tracked {
			h.absentSince[peerID] = h.now()
		}
	}
	h.commit()
	return h.State()
}

// Heartbeat refreshes a member's liveness. It does not commit: the
// timestamp rides along with the next snapshot and the prune sweep reads it.
func (h *Host) Heartbeat(peerID string) error {
	if _, ok := h.st.Member(peerID); !ok {
		return ErrNotMember
	}
	h.st.Heartbeats[peerID] = h.now()
	return nil
}

// LivePeers returns members whose heartbeat is younger than ttl.
func (h *Host) LivePeers(ttl time.Duration) []string {
	now := h.now()
	var out []string
	for _, m := range h.st.Members {
		if seen, ok := h.st.Heartbeats[m.PeerID]; ok && now.Sub(seen) <= ttl {
			out = append(out, m.PeerID)
		}
	}
	return out
}

// Prune frees seats whose occupant has been absent longer than grace. All
// seats freed by one sweep share a single version increment.
func (h *Host) Prune(grace time.Duration) (State, bool) {
	now := h.now()
	removed := false
	for seat, occ := range h.st.Seats {
		since, ok := h.absentSince[occ]
		if !ok || now.Sub(since) <= grace {
			continue
		}
		delete(h.st.Seats, seat)
		delete(h.absentSince, occ)
		if h.st.Pending != nil && h.st.Pending.From == occ {
			h.st.Pending = nil
		}
		removed = true
		h.logger.Info("room_seat_pruned",
			zap.String("room_id", h.st.RoomID),
			zap.String("seat", string(seat)),
			zap.String("peer_id", occ),
			zap.Duration("absent", now.Sub(since)),
		)
	}
	if removed {
		h.commit()
	}
	return h.State(), removed
}
