package session

import (
	"strings"
	"time"

	"github.com/MrWong99/talkloop/pkg/transport"
)

// Turn is one finalized entry of the conversation log.
type Turn struct {
	Role transport.Role `json:"role"`
	Text string         `json:"text"`
	At   time.Time      `json:"at"`
}

// pendingTurn accumulates the text of one side of the turn in progress.
type pendingTurn struct {
	b strings.Builder
}

func (p *pendingTurn) add(text string) {
	p.b.WriteString(text)
}

// take returns the trimmed text and clears the buffer.
func (p *pendingTurn) take() string {
	s := strings.TrimSpace(p.b.String())
	p.b.Reset()
	return s
}

func (p *pendingTurn) pending() bool {
	return p.b.Len() > 0
}

func (p *pendingTurn) reset() {
	p.b.Reset()
}

// history converts the log into the form sent with a submission.
func history(log []Turn) []transport.HistoryEntry {
	out := make([]transport.HistoryEntry, 0, len(log))
	for _, t := range log {
		out = append(out, transport.HistoryEntry{Role: t.Role, Text: t.Text})
	}
	return out
}
