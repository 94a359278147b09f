package transport

import (
	"fmt"
	"strings"

	"github.com/MrWong99/talkloop/pkg/audio"
	"github.com/MrWong99/talkloop/pkg/usage"
)

// Reply is the JSON body returned by the request/response endpoints.
type Reply struct {
	// Text is the generated reply text. Used when Transcript is empty.
	Text string `json:"text,omitempty"`

	// Audio is the synthesized reply, base64 encoded.
	Audio string `json:"audio"`

	// Transcript is the text actually spoken in Audio.
	Transcript string `json:"transcript,omitempty"`

	// UserTranscript is the server-side recognition of the uploaded audio.
	UserTranscript string `json:"user_transcript,omitempty"`
}

// ReplyEvents converts a reply into the ordered event sequence for turn:
// UserTranscript (when userText is non-empty), AudioChunk, TextDelta and
// TurnComplete. An undecodable audio payload yields a single KindPayload
// error event after the user transcript. Decoded output audio is recorded in
// counters, which may be nil.
func ReplyEvents(turn uint64, r Reply, userText string, enc audio.Encoding, rate int, counters *usage.Counters) []Event {
	var out []Event
	if strings.TrimSpace(userText) != "" {
		out = append(out, TextEvent(EventUserTranscript, turn, userText))
	}

	if r.Audio != "" {
		frame, err := audio.DecodeBase64Payload(r.Audio, enc, rate)
		if err != nil {
			return append(out, ErrorEvent(turn, NewError(KindPayload, "decode reply audio", err)))
		}
		if counters != nil {
			counters.Record(usage.Output, len(frame.Data), frame.SampleRate)
		}
		out = append(out, AudioChunkEvent(turn, frame))
	}

	text := r.Transcript
	if text == "" {
		text = r.Text
	}
	if text != "" {
		out = append(out, TextEvent(EventTextDelta, turn, text))
	}
	if r.Audio == "" && text == "" {
		return append(out, ErrorEvent(turn, NewError(KindPayload, "decode reply", fmt.Errorf("empty reply: %w", audio.ErrMalformedPayload))))
	}
	return append(out, SignalEvent(EventTurnComplete, turn))
}
