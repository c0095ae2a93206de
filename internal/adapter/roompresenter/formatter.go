package roompresenter

import (
	"fmt"
	"sort"
	"strings"

	"github.com/park285/cheese-roomsync/internal/domain"
	"github.com/park285/cheese-roomsync/internal/msgcat"
	"github.com/park285/cheese-roomsync/internal/room"
	"github.com/park285/cheese-roomsync/internal/session"
	"github.com/park285/cheese-roomsync/internal/transport"
)

// Formatter renders room state and session updates as terminal text.
type Formatter struct {
	cat *msgcat.Catalog
}

func NewFormatter(cat *msgcat.Catalog) *Formatter {
	if cat == nil {
		cat = msgcat.Default()
	}
	return &Formatter{cat: cat}
}

func (f *Formatter) State(st room.State, self string) string {
	var sb strings.Builder
	sb.WriteString(f.cat.Text("event.state", map[string]any{
		"Version": st.Version,
		"Phase":   st.Phase,
		"Driver":  st.Driver,
		"Host":    st.HostID,
	}, fmt.Sprintf("v%d %s", st.Version, st.Phase)))
	sb.WriteByte('\n')
	sb.WriteString(f.cat.Text("event.seats", map[string]any{"Seats": f.seats(st, self)}, f.seats(st, self)))
	sb.WriteByte('\n')
	if st.Phase != room.PhaseLobby {
		sb.WriteString(Board(st.Position))
		if len(st.MovesSAN) > 0 {
			sb.WriteString(movetext(st.MovesSAN))
			sb.WriteByte('\n')
		}
	}
	if p := st.Pending; p != nil {
		sb.WriteString(f.Pending(*p, st))
		sb.WriteByte('\n')
	}
	if st.Phase == room.PhaseResult {
		sb.WriteString(f.Finished(st))
		sb.WriteByte('\n')
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (f *Formatter) seats(st room.State, self string) string {
	parts := make([]string, 0, len(st.Mode.Seats()))
	for _, seat := range st.Mode.Seats() {
		who := st.Seats[seat]
		switch {
		case who == "":
			who = "-"
		case who == self:
			who = st.DisplayName(who) + "*"
		default:
			who = st.DisplayName(who)
		}
		parts = append(parts, fmt.Sprintf("%s=%s", seat, who))
	}
	return strings.Join(parts, " ")
}

func (f *Formatter) Pending(p room.Pending, st room.State) string {
	kind := f.cat.Text("negotiation."+string(p.Kind), nil, string(p.Kind))
	return f.cat.Text("event.pending", map[string]any{
		"From":    st.DisplayName(p.From),
		"Kind":    kind,
		"Command": string(p.Kind),
	}, fmt.Sprintf("%s offers %s", p.From, p.Kind))
}

func (f *Formatter) Finished(st room.State) string {
	return f.cat.Text("event.finished", map[string]any{
		"Result": f.cat.Text("result."+string(st.Result), nil, string(st.Result)),
		"Reason": f.cat.Termination(st.ResultReason),
	}, fmt.Sprintf("%s (%s)", st.Result, st.ResultReason))
}

func (f *Formatter) Move(m room.MoveApplied) string {
	return f.cat.Text("event.move", map[string]any{"Ply": m.Ply, "SAN": m.SAN, "From": m.From}, m.SAN)
}

func (f *Formatter) Chat(c transport.ChatEvent) string {
	return f.cat.Text("event.chat", map[string]any{"From": c.From, "Text": c.Text}, c.Text)
}

func (f *Formatter) Ack(a transport.AckEvent) string {
	if a.OK {
		return ""
	}
	return f.cat.Text("event.ack_rejected", map[string]any{"Reason": f.cat.Reason(a.Reason)}, a.Reason)
}

func (f *Formatter) Rejection(err error) string {
	if code := room.ReasonCode(err); code != "" {
		return f.cat.Reason(code)
	}
	return err.Error()
}

func (f *Formatter) MoveLifecycle(m session.PendingMove) string {
	switch m.Status {
	case session.MoveProposed:
		return f.cat.Text("event.move_proposed", map[string]any{"SAN": m.SAN}, m.SAN)
	case session.MoveRolledBack:
		return f.cat.Text("event.move_rolled_back", map[string]any{"SAN": m.SAN, "Reason": m.Reason}, m.SAN)
	}
	return ""
}

func (f *Formatter) Archived(a session.GameArchived) string {
	if a.Err != nil {
		return f.cat.Text("event.archive_queued", nil, "archive queued")
	}
	return f.cat.Text("event.archived", map[string]any{"ID": a.Record.ID}, a.Record.ID)
}

func (f *Formatter) History(recs []*domain.GameRecord) string {
	if len(recs) == 0 {
		return f.cat.Text("history.empty", nil, "no games")
	}
	lines := make([]string, 0, len(recs))
	for _, r := range recs {
		lines = append(lines, f.cat.Text("history.line", map[string]any{
			"FinishedAt": r.FinishedAt.Local().Format("2006-01-02 15:04"),
			"Room":       r.RoomID,
			"White":      names(r.White),
			"Black":      names(r.Black),
			"Result":     f.cat.Text("result."+r.Result, nil, r.Result),
			"Reason":     f.cat.Termination(r.Reason),
			"Plies":      len(r.MovesUCI),
		}, r.ID))
	}
	return strings.Join(lines, "\n")
}

func names(ps []domain.Player) string {
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		if p.DisplayName != "" {
			out = append(out, p.DisplayName)
		} else {
			out = append(out, p.PeerID)
		}
	}
	sort.Strings(out)
	return strings.Join(out, "&")
}

func movetext(san []string) string {
	var sb strings.Builder
	for i, mv := range san {
		if i%2 == 0 {
			if i > 0 {
				sb.WriteByte(' ')
			}
			fmt.Fprintf(&sb, "%d.", i/2+1)
		}
		sb.WriteByte(' ')
		sb.WriteString(mv)
	}
	return sb.String()
}

// Board draws the piece placement of a FEN, white at the bottom.
func Board(fen string) string {
	placement, _, _ := strings.Cut(strings.TrimSpace(fen), " ")
	ranks := strings.Split(placement, "/")
	if len(ranks) != 8 {
		return ""
	}
	var sb strings.Builder
	for i, rank := range ranks {
		fmt.Fprintf(&sb, "%d ", 8-i)
		for _, ch := range rank {
			if ch >= '1' && ch <= '8' {
				sb.WriteString(strings.Repeat(". ", int(ch-'0')))
				continue
			}
			sb.WriteRune(ch)
			sb.WriteByte(' ')
		}
		sb.WriteString("\n")
	}
	sb.WriteString("  a b c d e f g h\n")
	return sb.String()
}
