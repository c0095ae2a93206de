package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/park285/cheese-roomsync/internal/room"
)

var errQuit = errors.New("quit")

// roomActions is the part of the session controller the command line drives.
type roomActions interface {
	Seat(ctx context.Context, seat room.SeatID) error
	SeatSide(ctx context.Context, side room.Color) error
	ReleaseSeat(ctx context.Context) error
	Start(ctx context.Context) error
	Restart(ctx context.Context) error
	AnswerRestart(ctx context.Context, accept bool) error
	Move(ctx context.Context, notation string) error
	Resign(ctx context.Context) error
	OfferDraw(ctx context.Context) error
	AnswerDraw(ctx context.Context, accept bool) error
	RequestUndo(ctx context.Context) error
	AnswerUndo(ctx context.Context, accept bool) error
	SendChat(ctx context.Context, text string) error
}

const helpText = `commands:
  seat [w1|w2|b1|b2]   take a seat (first free one without an argument)
  side white|black     take the first free seat on a side
  release              leave your seat
  start                start the game
  move <e4|e2e4>       play a move
  resign
  draw [yes|no]        offer a draw or answer one
  undo [yes|no]        ask to take back the last move or answer
  restart [yes|no]     offer a rematch or answer one
  say <text>           chat
  state                show the room
  quit`

// dispatch runs one input line. showState is called for "state".
func dispatch(ctx context.Context, a roomActions, line string, showState func()) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	cmd := strings.ToLower(fields[0])
	args := fields[1:]
	switch cmd {
	case "seat":
		if len(args) == 0 {
			return a.Seat(ctx, "")
		}
		seat := room.SeatID(strings.ToLower(args[0]))
		if !seat.Valid() {
			return room.ErrInvalidSeat
		}
		return a.Seat(ctx, seat)
	case "side":
		if len(args) != 1 {
			return room.ErrInvalidArgs
		}
		c, err := room.ParseColor(args[0])
		if err != nil {
			return err
		}
		return a.SeatSide(ctx, c)
	case "release":
		return a.ReleaseSeat(ctx)
	case "start":
		return a.Start(ctx)
	case "move", "m":
		if len(args) != 1 {
			return room.ErrInvalidArgs
		}
		return a.Move(ctx, args[0])
	case "resign":
		return a.Resign(ctx)
	case "draw":
		return negotiate(ctx, args, a.OfferDraw, a.AnswerDraw)
	case "undo":
		return negotiate(ctx, args, a.RequestUndo, a.AnswerUndo)
	case "restart":
		return negotiate(ctx, args, a.Restart, a.AnswerRestart)
	case "say":
		text := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), fields[0]))
		return a.SendChat(ctx, text)
	case "state":
		if showState != nil {
			showState()
		}
		return nil
	case "help", "?":
		return errHelp
	case "quit", "exit":
		return errQuit
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

var errHelp = errors.New(helpText)

func negotiate(ctx context.Context, args []string, offer func(context.Context) error, answer func(context.Context, bool) error) error {
	if len(args) == 0 {
		return offer(ctx)
	}
	switch strings.ToLower(args[0]) {
	case "yes", "y", "accept", "ok":
		return answer(ctx, true)
	case "no", "n", "decline":
		return answer(ctx, false)
	default:
		return room.ErrInvalidArgs
	}
}
