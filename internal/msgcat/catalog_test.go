package msgcat

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/park285/cheese-roomsync/internal/room"
)

func TestDefault_CoversEveryReasonCode(t *testing.T) {
	c := Default()
	for _, err := range []error{
		room.ErrInvalidArgs, room.ErrInvalidSeat, room.ErrSeatTaken, room.ErrNoFreeSeat,
		room.ErrAlreadySeated, room.ErrNotSeated, room.ErrNotMember, room.ErrWrongPhase,
		room.ErrSeatsIncomplete, room.ErrNotYourTurn, room.ErrIllegalMove, room.ErrPendingExists,
		room.ErrNoPending, room.ErrNotCounterparty, room.ErrNothingToUndo, room.ErrUnknownRequest,
	} {
		code := room.ReasonCode(err)
		_, rerr := c.Render("reason."+code, nil)
		require.NoError(t, rerr, code)
	}
	require.Equal(t, "체크메이트", c.Termination(room.ReasonCheckmate))
	require.Equal(t, "something_new", c.Reason("something_new"))
}

func TestRender_MissingFieldFails(t *testing.T) {
	c := Default()
	_, err := c.Render("event.chat", map[string]any{"From": "a"})
	require.Error(t, err)
	require.Equal(t, "fallback", c.Text("event.chat", map[string]any{"From": "a"}, "fallback"))

	out, err := c.Render("event.chat", map[string]any{"From": "a", "Text": "hi"})
	require.NoError(t, err)
	require.Equal(t, "[a] hi", out)
}

func TestNew_OverrideDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yaml"), []byte("reason:\n  seat_taken: \"taken\"\n"), 0o600))
	c, err := New(dir)
	require.NoError(t, err)
	require.Equal(t, "taken", c.Reason("seat_taken"))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yml"), []byte("reason:\n  seat_taken: \"again\"\n"), 0o600))
	_, err = New(dir)
	require.ErrorContains(t, err, "duplicate override key")
}
