package transport

import (
	"fmt"
	"time"

	"github.com/park285/cheese-roomsync/internal/room"
	"github.com/park285/cheese-roomsync/pkg/roomwire"
)

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func timeVal(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}

// StateToWire converts a snapshot to its wire form.
func StateToWire(s room.State) roomwire.RoomState {
	w := roomwire.RoomState{
		RoomID:       s.RoomID,
		Mode:         string(s.Mode),
		HostID:       s.HostID,
		Members:      make([]roomwire.Member, 0, len(s.Members)),
		Seats:        make(map[string]string, len(s.Seats)),
		Driver:       string(s.Driver),
		Position:     s.Position,
		MoveHistory:  append([]string{}, s.MoveHistory...),
		MovesSAN:     append([]string(nil), s.MovesSAN...),
		Phase:        string(s.Phase),
		Started:      s.Started(),
		Version:      s.Version,
		Result:       string(s.Result),
		ResultReason: s.ResultReason,
		StartedAt:    timePtr(s.StartedAt),
		FinishedAt:   timePtr(s.FinishedAt),
	}
	for _, m := range s.Members {
		w.Members = append(w.Members, roomwire.Member{PeerID: m.PeerID, DisplayName: m.DisplayName})
	}
	for seat, peer := range s.Seats {
		if peer != "" {
			w.Seats[string(seat)] = peer
		}
	}
	w.Pending = roomwire.Pending{
		DrawFrom:    s.DrawFrom(),
		UndoFrom:    s.UndoFrom(),
		RestartFrom: s.RestartFrom(),
	}
	if len(s.Heartbeats) > 0 {
		w.Heartbeats = make(map[string]time.Time, len(s.Heartbeats))
		for k, v := range s.Heartbeats {
			w.Heartbeats[k] = v.UTC()
		}
	}
	return w
}

// StateFromWire rejects snapshots that break seat or pending invariants.
func StateFromWire(w roomwire.RoomState) (room.State, error) {
	mode, err := room.ParseMode(w.Mode)
	if err != nil {
		return room.State{}, err
	}
	s := room.NewState(w.RoomID, mode)
	s.HostID = w.HostID
	s.Driver = room.Color(w.Driver)
	if s.Driver != room.White && s.Driver != room.Black {
		return room.State{}, fmt.Errorf("snapshot driver %q", w.Driver)
	}
	s.Position = w.Position
	s.MoveHistory = append([]string(nil), w.MoveHistory...)
	s.MovesSAN = append([]string(nil), w.MovesSAN...)
	s.Phase = room.Phase(w.Phase)
	switch s.Phase {
	case room.PhaseLobby, room.PhaseActive, room.PhaseResult:
	default:
		return room.State{}, fmt.Errorf("snapshot phase %q", w.Phase)
	}
	s.Version = w.Version
	s.Result = room.Result(w.Result)
	s.ResultReason = w.ResultReason
	s.StartedAt = timeVal(w.StartedAt)
	s.FinishedAt = timeVal(w.FinishedAt)

	for _, m := range w.Members {
		s.Members = append(s.Members, room.Member{PeerID: m.PeerID, DisplayName: m.DisplayName})
	}
	occupied := make(map[string]struct{}, len(w.Seats))
	for seat, peer := range w.Seats {
		id := room.SeatID(seat)
		if !id.Valid() || !mode.Allows(id) {
			return room.State{}, fmt.Errorf("snapshot seat %q: %w", seat, room.ErrInvalidSeat)
		}
		if peer == "" {
			continue
		}
		if _, dup := occupied[peer]; dup {
			return room.State{}, fmt.Errorf("snapshot seats %q twice", peer)
		}
		occupied[peer] = struct{}{}
		s.Seats[id] = peer
	}

	set := 0
	for kind, from := range map[room.NegotiationKind]string{
		room.NegotiateDraw:    w.Pending.DrawFrom,
		room.NegotiateUndo:    w.Pending.UndoFrom,
		room.NegotiateRestart: w.Pending.RestartFrom,
	} {
		if from == "" {
			continue
		}
		set++
		s.Pending = &room.Pending{Kind: kind, From: from}
	}
	if set > 1 {
		return room.State{}, fmt.Errorf("snapshot has %d pending offers", set)
	}
	for k, v := range w.Heartbeats {
		s.Heartbeats[k] = v.UTC()
	}
	return s, nil
}

func boolPtr(b bool) *bool { return &b }

func RequestToWire(req room.Request) roomwire.RequestBody {
	body := roomwire.RequestBody{Kind: string(req.Kind())}
	switch r := req.(type) {
	case room.SeatRequest:
		body.Seat = string(r.Seat)
		body.Side = string(r.Side)
	case room.MoveRequest:
		body.Notation = r.Notation
	case room.UndoAnswer:
		body.Accept = boolPtr(r.Accept)
	case room.DrawAnswer:
		body.Accept = boolPtr(r.Accept)
	case room.RestartAnswer:
		body.Accept = boolPtr(r.Accept)
	}
	return body
}

func RequestFromWire(body roomwire.RequestBody) (room.Request, error) {
	accept := func() (bool, error) {
		if body.Accept == nil {
			return false, fmt.Errorf("%s: missing accept: %w", body.Kind, room.ErrInvalidArgs)
		}
		return *body.Accept, nil
	}
	switch room.Kind(body.Kind) {
	case room.KindSeat:
		req := room.SeatRequest{Seat: room.SeatID(body.Seat)}
		if body.Side != "" {
			c, err := room.ParseColor(body.Side)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", room.ErrInvalidArgs, err)
			}
			req.Side = c
		}
		return req, nil
	case room.KindRelease:
		return room.ReleaseRequest{}, nil
	case room.KindStart:
		return room.StartRequest{}, nil
	case room.KindMove:
		return room.MoveRequest{Notation: body.Notation}, nil
	case room.KindUndoRequest:
		return room.UndoRequest{}, nil
	case room.KindResign:
		return room.ResignRequest{}, nil
	case room.KindDrawOffer:
		return room.DrawOffer{}, nil
	case room.KindRestart:
		return room.RestartRequest{}, nil
	case room.KindUndoAnswer:
		a, err := accept()
		return room.UndoAnswer{Accept: a}, err
	case room.KindDrawAnswer:
		a, err := accept()
		return room.DrawAnswer{Accept: a}, err
	case room.KindRestartAnswer:
		a, err := accept()
		return room.RestartAnswer{Accept: a}, err
	}
	return nil, fmt.Errorf("%q: %w", body.Kind, room.ErrUnknownRequest)
}

func MoveToWire(m room.MoveApplied, version int64) roomwire.MovePayload {
	return roomwire.MovePayload{
		From:          m.From,
		MoveNotation:  m.SAN,
		UCI:           m.UCI,
		PositionAfter: m.PositionAfter,
		Ply:           m.Ply,
		Version:       version,
	}
}

func MoveFromWire(p roomwire.MovePayload) MoveEvent {
	return MoveEvent{
		Move: room.MoveApplied{
			From:          p.From,
			UCI:           p.UCI,
			SAN:           p.MoveNotation,
			PositionAfter: p.PositionAfter,
			Ply:           p.Ply,
		},
		Version: p.Version,
	}
}

// EncodeEvent frames ev for the wire; to names the ack recipient.
func EncodeEvent(roomID, to string, ev Event) ([]byte, error) {
	switch e := ev.(type) {
	case SnapshotEvent:
		return roomwire.Encode(roomwire.TypeState, roomID, roomwire.StatePayload{State: StateToWire(e.State)})
	case FinalizeEvent:
		return roomwire.Encode(roomwire.TypeFinalize, roomID, roomwire.FinalizePayload{State: StateToWire(e.State)})
	case ChatEvent:
		return roomwire.Encode(roomwire.TypeChat, roomID, roomwire.ChatPayload{From: e.From, Text: e.Text, SentAt: e.SentAt.UTC()})
	case MoveEvent:
		return roomwire.Encode(roomwire.TypeMove, roomID, MoveToWire(e.Move, e.Version))
	case AckEvent:
		p := roomwire.AckPayload{ID: e.RequestID, To: to, OK: e.OK, Reason: e.Reason}
		if e.Snapshot != nil {
			w := StateToWire(*e.Snapshot)
			p.Snapshot = &w
		}
		return roomwire.Encode(roomwire.TypeAck, roomID, p)
	}
	return nil, fmt.Errorf("unknown event %T", ev)
}

// DecodeEvent turns an inbound envelope into an Event. Requests and presence
// notices are not events; ok is false for them.
func DecodeEvent(env roomwire.Envelope) (ev Event, ok bool, err error) {
	switch env.Type {
	case roomwire.TypeState:
		var p roomwire.StatePayload
		if err := env.Into(&p); err != nil {
			return nil, false, err
		}
		st, err := StateFromWire(p.State)
		if err != nil {
			return nil, false, err
		}
		return SnapshotEvent{State: st}, true, nil
	case roomwire.TypeFinalize:
		var p roomwire.FinalizePayload
		if err := env.Into(&p); err != nil {
			return nil, false, err
		}
		st, err := StateFromWire(p.State)
		if err != nil {
			return nil, false, err
		}
		return FinalizeEvent{State: st}, true, nil
	case roomwire.TypeChat:
		var p roomwire.ChatPayload
		if err := env.Into(&p); err != nil {
			return nil, false, err
		}
		return ChatEvent{From: p.From, Text: p.Text, SentAt: p.SentAt}, true, nil
	case roomwire.TypeMove:
		var p roomwire.MovePayload
		if err := env.Into(&p); err != nil {
			return nil, false, err
		}
		return MoveFromWire(p), true, nil
	case roomwire.TypeAck:
		var p roomwire.AckPayload
		if err := env.Into(&p); err != nil {
			return nil, false, err
		}
		ack := AckEvent{RequestID: p.ID, OK: p.OK, Reason: p.Reason}
		if p.Snapshot != nil {
			st, err := StateFromWire(*p.Snapshot)
			if err != nil {
				return nil, false, err
			}
			ack.Snapshot = &st
		}
		return ack, true, nil
	}
	return nil, false, nil
}
