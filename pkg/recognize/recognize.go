// Package recognize defines the speech recognizer used by the text-submit
// transport: a finished utterance goes in, the recognized text comes out.
//
// Implementations live in sub-packages (openai, gemini) and a mock package is
// provided for tests.
package recognize

import (
	"context"
	"errors"

	"github.com/MrWong99/talkloop/pkg/audio"
)

// ErrNoSpeech is returned when the recognizer heard nothing intelligible.
// The text-submit adapter treats it as an empty turn rather than a failure.
var ErrNoSpeech = errors.New("recognize: no speech recognized")

// Recognizer converts one utterance into text.
//
// Implementations must be safe for concurrent use.
type Recognizer interface {
	// Recognize transcribes u. It returns [ErrNoSpeech] when the result is
	// empty.
	Recognize(ctx context.Context, u *audio.Utterance) (string, error)
}

// Func adapts an ordinary function to the [Recognizer] interface.
type Func func(ctx context.Context, u *audio.Utterance) (string, error)

// Recognize calls f(ctx, u).
func (f Func) Recognize(ctx context.Context, u *audio.Utterance) (string, error) {
	return f(ctx, u)
}
