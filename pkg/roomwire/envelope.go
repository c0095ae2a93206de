// Package roomwire defines the JSON shapes exchanged on a room channel.
package roomwire

import (
	"encoding/json"
	"fmt"
	"time"
)

type Type string

const (
	TypeState         Type = "room/state"
	TypeChat          Type = "chat/msg"
	TypeMove          Type = "game/move"
	TypeRequest       Type = "room/req"
	TypeAck           Type = "room/ack"
	TypeFinalize      Type = "game/finalize"
	TypePresenceJoin  Type = "presence/join"
	TypePresenceLeave Type = "presence/leave"
)

// Envelope frames every message on the channel.
type Envelope struct {
	Type    Type            `json:"type"`
	Room    string          `json:"room"`
	Payload json.RawMessage `json:"payload"`
}

func Encode(t Type, room string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return json.Marshal(Envelope{Type: t, Room: room, Payload: raw})
}

func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing type")
	}
	return env, nil
}

// Into decodes the payload into v.
func (e Envelope) Into(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%s: %w", e.Type, err)
	}
	return nil
}

type Member struct {
	PeerID      string `json:"peerId"`
	DisplayName string `json:"displayName"`
}

// Pending has at most one field set.
type Pending struct {
	DrawFrom    string `json:"drawFrom,omitempty"`
	UndoFrom    string `json:"undoFrom,omitempty"`
	RestartFrom string `json:"restartFrom,omitempty"`
}

type RoomState struct {
	RoomID       string               `json:"roomId"`
	Mode         string               `json:"mode"`
	HostID       string               `json:"hostId,omitempty"`
	Members      []Member             `json:"members"`
	Seats        map[string]string    `json:"seats"`
	Driver       string               `json:"driver"`
	Position     string               `json:"position"`
	MoveHistory  []string             `json:"moveHistory"`
	MovesSAN     []string             `json:"movesSAN,omitempty"`
	Phase        string               `json:"phase"`
	Started      bool                 `json:"started"`
	Version      int64                `json:"version"`
	Pending      Pending              `json:"pending"`
	Result       string               `json:"result,omitempty"`
	ResultReason string               `json:"resultReason,omitempty"`
	StartedAt    *time.Time           `json:"startedAt,omitempty"`
	FinishedAt   *time.Time           `json:"finishedAt,omitempty"`
	Heartbeats   map[string]time.Time `json:"heartbeats,omitempty"`
}

type StatePayload struct {
	State RoomState `json:"state"`
}

type FinalizePayload struct {
	State RoomState `json:"state"`
}

type ChatPayload struct {
	From   string    `json:"from"`
	Text   string    `json:"text"`
	SentAt time.Time `json:"sentAt"`
}

// MovePayload carries SAN in moveNotation and the canonical UCI next to it.
type MovePayload struct {
	From          string `json:"from"`
	MoveNotation  string `json:"moveNotation"`
	UCI           string `json:"uci"`
	PositionAfter string `json:"positionAfter"`
	Ply           int    `json:"ply"`
	Version       int64  `json:"version"`
}

type RequestBody struct {
	Kind     string `json:"kind"`
	Seat     string `json:"seat,omitempty"`
	Side     string `json:"side,omitempty"`
	Notation string `json:"notation,omitempty"`
	Accept   *bool  `json:"accept,omitempty"`
}

type RequestPayload struct {
	ID   string      `json:"id"`
	From string      `json:"from"`
	Req  RequestBody `json:"req"`
}

type AckPayload struct {
	ID       string     `json:"id,omitempty"`
	To       string     `json:"to"`
	OK       bool       `json:"ok"`
	Reason   string     `json:"reason,omitempty"`
	Snapshot *RoomState `json:"snapshot,omitempty"`
}

type PresencePayload struct {
	PeerID      string `json:"peerId"`
	DisplayName string `json:"displayName,omitempty"`
}
