// Package transport defines the contract shared by every room transport.
package transport

import (
	"context"
	"strings"

	"github.com/park285/cheese-roomsync/internal/room"
)

type staticErr string

func (e staticErr) Error() string { return string(e) }
func errf(s string) error { return staticErr(s) }

var (
	ErrNotJoined     = errf("transport not joined")
	ErrAlreadyJoined = errf("transport already joined")
	ErrClosed        = errf("transport closed")
)

type JoinParams struct {
	RoomID      string
	Mode        room.Mode
	DisplayName string
	PeerID      string
}

func (p JoinParams) Validate() error {
	if strings.TrimSpace(p.RoomID) == "" || strings.TrimSpace(p.PeerID) == "" {
		return room.ErrInvalidArgs
	}
	if p.Mode != room.ModeOneVOne && p.Mode != room.ModeTwoVTwo {
		return room.ErrInvalidArgs
	}
	return nil
}

// Adapter is implemented by loopback, realtime and relay transports. Every
// mutating call is fire-and-forget; outcomes arrive as events. An adapter is
// single use: after Leave it is discarded.
type Adapter interface {
	// Join returns once the channel subscription is in place.
	Join(ctx context.Context, p JoinParams) error
	Leave(ctx context.Context) error
	Request(ctx context.Context, req room.Request) error
	SendChat(ctx context.Context, text string) error
	Heartbeat(ctx context.Context) error
	// OnEvent registers h on the adapter's ordered event queue.
	OnEvent(h Handler) (unsubscribe func())
}

// Intents exposes the named room intents over any Adapter.
type Intents struct {
	Adapter
}

// Seat takes seat, or the first free seat of the mode when seat is empty.
func (i Intents) Seat(ctx context.Context, seat room.SeatID) error {
	return i.Request(ctx, room.SeatRequest{Seat: seat})
}

func (i Intents) SeatSide(ctx context.Context, c room.Color) error {
	return i.Request(ctx, room.SeatRequest{Side: c})
}

func (i Intents) ReleaseSeat(ctx context.Context) error {
	return i.Request(ctx, room.ReleaseRequest{})
}

func (i Intents) Start(ctx context.Context) error { return i.Request(ctx, room.StartRequest{}) }

func (i Intents) Restart(ctx context.Context) error { return i.Request(ctx, room.RestartRequest{}) }

func (i Intents) AnswerRestart(ctx context.Context, accept bool) error {
	return i.Request(ctx, room.RestartAnswer{Accept: accept})
}

func (i Intents) MoveNotation(ctx context.Context, move string) error {
	return i.Request(ctx, room.MoveRequest{Notation: move})
}

func (i Intents) Resign(ctx context.Context) error { return i.Request(ctx, room.ResignRequest{}) }

func (i Intents) OfferDraw(ctx context.Context) error { return i.Request(ctx, room.DrawOffer{}) }

func (i Intents) AnswerDraw(ctx context.Context, accept bool) error {
	return i.Request(ctx, room.DrawAnswer{Accept: accept})
}

func (i Intents) RequestUndo(ctx context.Context) error { return i.Request(ctx, room.UndoRequest{}) }

func (i Intents) AnswerUndo(ctx context.Context, accept bool) error {
	return i.Request(ctx, room.UndoAnswer{Accept: accept})
}
