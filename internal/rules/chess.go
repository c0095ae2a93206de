// Package rules adapts corentings/chess to the room.Rules contract.
package rules

import (
	"fmt"
	"strings"

	nchess "github.com/corentings/chess/v2"

	"github.com/park285/cheese-roomsync/internal/room"
)

type staticErr string

func (e staticErr) Error() string { return string(e) }
func errf(s string) error { return staticErr(s) }

var (
	ErrEmptyMove  = errf("empty move")
	ErrBadHistory = errf("history does not replay")
)

// Chess implements room.Rules with standard chess.
type Chess struct{}

var _ room.Rules = Chess{}

func New() Chess { return Chess{} }

// reconstruct replays UCI history from the start position. The FEN kept in
// room state is for presentation only.
func reconstruct(history []string) (*nchess.Game, error) {
	game := nchess.NewGame()
	for i, mv := range history {
		if err := game.PushNotationMove(mv, nchess.UCINotation{}, nil); err != nil {
			return nil, fmt.Errorf("%w: ply %d %q: %v", ErrBadHistory, i+1, mv, err)
		}
	}
	return game, nil
}

func lastMove(game *nchess.Game) *nchess.Move {
	moves := game.Moves()
	if len(moves) == 0 {
		return nil
	}
	return moves[len(moves)-1]
}

func colorFrom(c nchess.Color) room.Color {
	if c == nchess.White {
		return room.White
	}
	return room.Black
}

func positionOf(game *nchess.Game) room.Position {
	return room.Position{FEN: game.FEN(), Turn: colorFrom(game.Position().Turn())}
}

// Apply accepts UCI first and falls back to SAN.
func (Chess) Apply(history []string, move string) (room.Applied, error) {
	raw := strings.TrimSpace(move)
	if raw == "" {
		return room.Applied{}, ErrEmptyMove
	}
	game, err := reconstruct(history)
	if err != nil {
		return room.Applied{}, err
	}
	pos := game.Position()

	if mv, derr := (nchess.UCINotation{}).Decode(pos, strings.ToLower(raw)); derr == nil {
		if err := game.Move(mv, nil); err != nil {
			return room.Applied{}, err
		}
		return room.Applied{
			UCI:   mv.String(),
			SAN:   nchess.AlgebraicNotation{}.Encode(pos, mv),
			After: positionOf(game),
		}, nil
	}

	if err := game.PushNotationMove(raw, nchess.AlgebraicNotation{}, nil); err != nil {
		return room.Applied{}, fmt.Errorf("%q: %w", raw, err)
	}
	last := lastMove(game)
	if last == nil {
		return room.Applied{}, fmt.Errorf("%q: no move recorded", raw)
	}
	return room.Applied{
		UCI:   last.String(),
		SAN:   nchess.AlgebraicNotation{}.Encode(pos, last),
		After: positionOf(game),
	}, nil
}

func (Chess) Replay(history []string) (room.Position, error) {
	game, err := reconstruct(history)
	if err != nil {
		return room.Position{}, err
	}
	return positionOf(game), nil
}

// Terminal reports automatic endings plus threefold repetition and the
// fifty-move rule, which rooms apply without a claim.
func (Chess) Terminal(history []string) room.Terminal {
	game, err := reconstruct(history)
	if err != nil {
		return room.Terminal{}
	}
	switch game.Outcome() {
	case nchess.WhiteWon:
		return room.Terminal{Over: true, Result: room.ResultWhite, Reason: reasonFor(game.Method())}
	case nchess.BlackWon:
		return room.Terminal{Over: true, Result: room.ResultBlack, Reason: reasonFor(game.Method())}
	case nchess.Draw:
		return room.Terminal{Over: true, Result: room.ResultDraw, Reason: reasonFor(game.Method())}
	}
	for _, m := range game.EligibleDraws() {
		switch m {
		case nchess.ThreefoldRepetition, nchess.FiftyMoveRule:
			return room.Terminal{Over: true, Result: room.ResultDraw, Reason: reasonFor(m)}
		}
	}
	return room.Terminal{}
}

func reasonFor(m nchess.Method) string {
	switch m {
	case nchess.Checkmate:
		return room.ReasonCheckmate
	case nchess.Stalemate:
		return room.ReasonStalemate
	case nchess.InsufficientMaterial:
		return room.ReasonInsufficientMaterial
	case nchess.ThreefoldRepetition:
		return room.ReasonThreefold
	case nchess.FivefoldRepetition:
		return room.ReasonFivefold
	case nchess.FiftyMoveRule:
		return room.ReasonFiftyMove
	case nchess.SeventyFiveMoveRule:
		return room.ReasonSeventyFiveMove
	}
	return strings.ToLower(m.String())
}

// PGNMovetext renders SAN moves as numbered movetext.
func PGNMovetext(san []string) string {
	var b strings.Builder
	for i, mv := range san {
		if i%2 == 0 {
			if i > 0 {
				b.WriteByte(' ')
			}
			fmt.Fprintf(&b, "%d.", i/2+1)
		}
		b.WriteByte(' ')
		b.WriteString(mv)
	}
	return b.String()
}
