package room

import "errors"

type staticErr string

func (e staticErr) Error() string { return string(e) }
func errf(s string) error { return staticErr(s) }

// Rejections. A rejected request never mutates state.
var (
	ErrInvalidArgs     = errf("invalid arguments")
	ErrInvalidSeat     = errf("seat not available in this mode")
	ErrSeatTaken       = errf("seat already taken")
	ErrNoFreeSeat      = errf("no free seat")
	ErrAlreadySeated   = errf("player already seated")
	ErrNotSeated       = errf("player not seated")
	ErrNotMember       = errf("player not in room")
	ErrWrongPhase      = errf("action not allowed in current phase")
	ErrSeatsIncomplete = errf("both sides need a player")
	ErrNotYourTurn     = errf("not your turn")
	ErrIllegalMove     = errf("illegal move")
	ErrPendingExists   = errf("another offer is pending")
	ErrNoPending       = errf("no matching offer pending")
	ErrNotCounterparty = errf("only the opponent may answer")
	ErrNothingToUndo   = errf("no moves to undo")
	ErrUnknownRequest  = errf("unknown request kind")
	ErrRejectedUnknown = errf("request rejected")
)

var reasonCodes = []struct {
	err  error
	code string
}{
	{ErrInvalidArgs, "invalid_args"},
	{ErrInvalidSeat, "invalid_seat"},
	{ErrSeatTaken, "seat_taken"},
	{ErrNoFreeSeat, "no_free_seat"},
	{ErrAlreadySeated, "already_seated"},
	{ErrNotSeated, "not_seated"},
	{ErrNotMember, "not_member"},
	{ErrWrongPhase, "wrong_phase"},
	{ErrSeatsIncomplete, "seats_incomplete"},
	{ErrNotYourTurn, "not_your_turn"},
	{ErrIllegalMove, "illegal_move"},
	{ErrPendingExists, "pending_exists"},
	{ErrNoPending, "no_pending"},
	{ErrNotCounterparty, "not_counterparty"},
	{ErrNothingToUndo, "nothing_to_undo"},
	{ErrUnknownRequest, "unknown_request"},
}

// ReasonCode maps a rejection to the stable code carried in acks.
func ReasonCode(err error) string {
	if err == nil {
		return ""
	}
	for _, rc := range reasonCodes {
		if errors.Is(err, rc.err) {
			return rc.code
		}
	}
	return "rejected"
}

// ErrorForReason is the inverse of ReasonCode for ack receivers.
func ErrorForReason(code string) error {
	for _, rc := range reasonCodes {
		if rc.code == code {
			return rc.err
		}
	}
	return ErrRejectedUnknown
}
