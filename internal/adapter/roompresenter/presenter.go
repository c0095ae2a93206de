package roompresenter

import (
	"strings"

	"github.com/park285/cheese-roomsync/internal/session"
)

// Presenter turns session updates into lines for a writer without coupling
// the session to the terminal.
type Presenter struct {
	f           *Formatter
	self        func() string
	sendMessage func(message string) error
}

func NewPresenter(f *Formatter, self func() string, sendMessage func(message string) error) *Presenter {
	return &Presenter{f: f, self: self, sendMessage: sendMessage}
}

// Update formats u; updates with nothing to show are skipped.
func (p *Presenter) Update(u session.Update) error {
	if p == nil || p.sendMessage == nil {
		return nil
	}
	var text string
	switch v := u.(type) {
	case session.StateChanged:
		text = p.f.State(v.State, p.self())
	case session.ChatReceived:
		text = p.f.Chat(v.Chat)
	case session.MoveObserved:
		text = p.f.Move(v.Move)
	case session.RequestAcked:
		text = p.f.Ack(v.Ack)
	case session.MoveLifecycle:
		text = p.f.MoveLifecycle(v.Move)
	case session.GameArchived:
		text = p.f.Archived(v)
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}
	return p.sendMessage(text)
}
