package transport

import (
	"fmt"

	"github.com/MrWong99/talkloop/pkg/audio"
)

// EventKind enumerates normalized inbound events.
type EventKind int

const (
	// EventAudioChunk carries decoded 24 kHz assistant audio.
	EventAudioChunk EventKind = iota

	// EventTextDelta carries finalized spoken assistant text.
	EventTextDelta

	// EventThinking signals that the model is processing; Text holds its
	// reasoning output, which is never logged.
	EventThinking

	// EventUserTranscript carries recognized user speech.
	EventUserTranscript

	// EventInterrupted signals that the model stopped its current response.
	EventInterrupted

	// EventTurnComplete ends the current assistant turn.
	EventTurnComplete

	// EventError carries a *Error.
	EventError
)

// String returns the event kind name used in logs and metrics.
func (k EventKind) String() string {
	switch k {
	case EventAudioChunk:
		return "audio_chunk"
	case EventTextDelta:
		return "text_delta"
	case EventThinking:
		return "thinking"
	case EventUserTranscript:
		return "user_transcript"
	case EventInterrupted:
		return "interrupted"
	case EventTurnComplete:
		return "turn_complete"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is one normalized inbound event.
type Event struct {
	Kind EventKind

	// TurnID is the submission this event answers. Continuous adapters have
	// no submissions and always report zero.
	TurnID uint64

	// Text is set for TextDelta, Thinking and UserTranscript.
	Text string

	// Audio is set for AudioChunk and is always in [audio.PlaybackFormat].
	Audio audio.AudioFrame

	// Err is set for Error.
	Err error
}

// AudioChunkEvent builds an EventAudioChunk.
func AudioChunkEvent(turn uint64, f audio.AudioFrame) Event {
	return Event{Kind: EventAudioChunk, TurnID: turn, Audio: f}
}

// TextEvent builds a text-carrying event of kind k.
func TextEvent(k EventKind, turn uint64, text string) Event {
	return Event{Kind: k, TurnID: turn, Text: text}
}

// SignalEvent builds a payload-free event of kind k.
func SignalEvent(k EventKind, turn uint64) Event {
	return Event{Kind: k, TurnID: turn}
}

// ErrorEvent builds an EventError.
func ErrorEvent(turn uint64, err error) Event {
	return Event{Kind: EventError, TurnID: turn, Err: err}
}
