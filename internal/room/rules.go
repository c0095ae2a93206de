package room

// Rules is the chess rules collaborator consumed by the host and by
// receivers re-checking terminal conditions.
type Rules interface {
	// Apply validates move (UCI or SAN) against the position reached by
	// replaying history.
	Apply(history []string, move string) (Applied, error)
	// Replay rebuilds the position reached by history.
	Replay(history []string) (Position, error)
	// Terminal reports whether the position reached by history ends the game.
	Terminal(history []string) Terminal
}

type Position struct {
	FEN  string
	Turn Color
}

type Applied struct {
	UCI   string
	SAN   string
	After Position
}

type Terminal struct {
	Over   bool
	Result Result
	Reason string
}

// MoveApplied is the discrete move effect broadcast next to a snapshot.
type MoveApplied struct {
	From          string
	UCI           string
	SAN           string
	PositionAfter string
	Ply           int
}
