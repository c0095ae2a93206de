package archive

import (
	"fmt"
	"strings"
	"time"

	"github.com/park285/cheese-roomsync/internal/domain"
	"github.com/park285/cheese-roomsync/internal/rules"
)

func resultToPGN(result string) string {
	switch strings.ToLower(strings.TrimSpace(result)) {
	case "white":
		return "1-0"
	case "black":
		return "0-1"
	case "draw":
		return "1/2-1/2"
	default:
		return "*"
	}
}

// BuildPGN renders a record as a PGN document with headers and numbered
// SAN movetext.
func BuildPGN(rec *domain.GameRecord) string {
	if rec == nil {
		return ""
	}
	pgnResult := resultToPGN(rec.Result)
	date := rec.FinishedAt
	if date.IsZero() {
		date = time.Now()
	}

	var b strings.Builder
	b.WriteString("[Event \"Cheese Room\"]\n")
	fmt.Fprintf(&b, "[Site \"%s\"]\n", sanitizePGN(rec.RoomID))
	fmt.Fprintf(&b, "[Date \"%04d.%02d.%02d\"]\n", date.Year(), int(date.Month()), date.Day())
	fmt.Fprintf(&b, "[White \"%s\"]\n", sanitizePGN(playerNames(rec.White)))
	fmt.Fprintf(&b, "[Black \"%s\"]\n", sanitizePGN(playerNames(rec.Black)))
	if rec.Mode != "" {
		fmt.Fprintf(&b, "[Mode \"%s\"]\n", sanitizePGN(rec.Mode))
	}
	if code, title := rules.Opening(rec.MovesUCI); code != "" {
		fmt.Fprintf(&b, "[ECO \"%s\"]\n", code)
		fmt.Fprintf(&b, "[Opening \"%s\"]\n", sanitizePGN(title))
	}
	if strings.TrimSpace(rec.Reason) != "" {
		fmt.Fprintf(&b, "[Termination \"%s\"]\n", sanitizePGN(rec.Reason))
	}
	fmt.Fprintf(&b, "[Result \"%s\"]\n\n", pgnResult)

	if moves := rules.PGNMovetext(rec.MovesSAN); moves != "" {
		b.WriteString(moves)
		b.WriteByte(' ')
	}
	b.WriteString(pgnResult)
	return b.String()
}

func playerNames(ps []domain.Player) string {
	names := make([]string, 0, len(ps))
	for _, p := range ps {
		n := strings.TrimSpace(p.DisplayName)
		if n == "" {
			n = p.PeerID
		}
		names = append(names, n)
	}
	if len(names) == 0 {
		return "?"
	}
	return strings.Join(names, " & ")
}

func sanitizePGN(s string) string {
	s = strings.ReplaceAll(s, "\\", " ")
	s = strings.ReplaceAll(s, "\"", "'")
	return strings.TrimSpace(s)
}
