// Package transport defines the Adapter interface that connects a
// conversation session to a remote conversational model, together with the
// normalized events every adapter emits and the error taxonomy shared by all
// of them.
//
// Three adapters exist, one per [Mode]:
//
//   - stream: a persistent WebSocket carrying continuous 16 kHz PCM up and
//     incremental audio/text events down.
//   - batch: one multipart HTTP request per utterance carrying a WAV upload.
//   - text: local speech recognition, then one JSON HTTP request per
//     utterance carrying the recognized text.
//
// All adapters normalize inbound audio to 24 kHz int16 mono before emitting
// it and count every outbound and inbound frame in the session's
// [usage.Counters].
package transport

import (
	"context"
	"fmt"
	"strings"

	"github.com/MrWong99/talkloop/pkg/audio"
)

// Mode selects the adapter variant for a session.
type Mode string

const (
	// ModeStreaming streams audio continuously over a WebSocket.
	ModeStreaming Mode = "streaming"

	// ModeBatch uploads one recorded utterance per turn.
	ModeBatch Mode = "batch"

	// ModeText recognizes each utterance locally and uploads the text.
	ModeText Mode = "text"
)

// ParseMode validates s as a [Mode].
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeStreaming, ModeBatch, ModeText:
		return m, nil
	default:
		return "", fmt.Errorf("transport: unknown mode %q (want streaming, batch or text)", s)
	}
}

// Uplink is the way captured audio reaches an adapter.
type Uplink int

const (
	// Continuous adapters receive every captured frame through SendFrame.
	Continuous Uplink = iota

	// PerUtterance adapters receive one VAD-bounded utterance through Submit.
	PerUtterance
)

// String returns "continuous" or "per_utterance".
func (u Uplink) String() string {
	if u == PerUtterance {
		return "per_utterance"
	}
	return "continuous"
}

// DefaultUserName is used when the handshake carries no user name.
const DefaultUserName = "User"

// DefaultPersonality is used when the handshake carries no personality.
const DefaultPersonality = "フレンドリーで親しみやすい口調を心がけてください"

// Handshake is the per-session configuration sent to the remote model.
type Handshake struct {
	UserName    string
	Personality string

	// Token is an opaque credential forwarded verbatim. It is never logged.
	Token string
}

// WithDefaults fills empty fields with [DefaultUserName] and
// [DefaultPersonality].
func (h Handshake) WithDefaults() Handshake {
	if strings.TrimSpace(h.UserName) == "" {
		h.UserName = DefaultUserName
	}
	if strings.TrimSpace(h.Personality) == "" {
		h.Personality = DefaultPersonality
	}
	return h
}

// Role identifies the speaker of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// HistoryEntry is one prior turn sent alongside a submission.
type HistoryEntry struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// Submission is one user utterance handed to a PerUtterance adapter.
type Submission struct {
	// TurnID tags every event produced for this submission.
	TurnID uint64

	// Utterance is the captured speech. The adapter must not retain it after
	// Submit returns.
	Utterance *audio.Utterance

	// History is the finalized conversation so far, oldest first.
	History []HistoryEntry
}

// Adapter connects a session to a remote conversational model.
//
// Connect must be called once before any other method. Continuous adapters
// implement SendFrame and reject Submit; PerUtterance adapters do the
// opposite. Events are delivered in arrival order on the channel returned by
// Events, which is closed after Close. A fatal error is delivered as an
// EventError and ends event production. Implementations must be safe for concurrent use.
type Adapter interface {
	// Mode reports the adapter variant.
	Mode() Mode

	// Uplink reports how captured audio must be delivered.
	Uplink() Uplink

	// Connect establishes the connection and sends the handshake.
	Connect(ctx context.Context, h Handshake) error

	// SendFrame sends one captured frame upstream.
	SendFrame(ctx context.Context, f audio.AudioFrame) error

	// Submit sends one utterance upstream. It returns once the request has
	// been accepted for processing; the response arrives as events.
	Submit(ctx context.Context, s Submission) error

	// Events returns the inbound event stream.
	Events() <-chan Event

	// Close tears the connection down. Close is idempotent.
	Close() error
}
