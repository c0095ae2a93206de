package rules

import (
	"sync"

	"github.com/corentings/chess/v2/opening"
)

var ecoBook = sync.OnceValue(opening.NewBookECO)

// Opening names the deepest ECO opening matching a UCI history.
// Empty strings mean no match or a history that does not replay.
func Opening(history []string) (code, title string) {
	if len(history) == 0 {
		return "", ""
	}
	game, err := reconstruct(history)
	if err != nil {
		return "", ""
	}
	book := ecoBook()
	if book == nil {
		return "", ""
	}
	if eco := book.Find(game.Moves()); eco != nil {
		return eco.Code(), eco.Title()
	}
	return "", ""
}
