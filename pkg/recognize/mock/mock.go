// Package mock provides a scripted [recognize.Recognizer] for tests.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/talkloop/pkg/audio"
	"github.com/MrWong99/talkloop/pkg/recognize"
)

var _ recognize.Recognizer = (*Recognizer)(nil)

// Recognizer returns Text (or Err) for every call and records the utterance
// durations it was given.
type Recognizer struct {
	mu sync.Mutex

	// Text is returned by Recognize when Err is nil.
	Text string

	// Err, when non-nil, is returned by Recognize.
	Err error

	// CallCountRecognize is the number of Recognize calls.
	CallCountRecognize int

	// Durations holds the duration of each recognized utterance.
	Durations []time.Duration
}

// Recognize implements [recognize.Recognizer].
func (r *Recognizer) Recognize(ctx context.Context, u *audio.Utterance) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.CallCountRecognize++
	if u != nil {
		r.Durations = append(r.Durations, u.Duration())
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if r.Err != nil {
		return "", r.Err
	}
	if r.Text == "" {
		return "", recognize.ErrNoSpeech
	}
	return r.Text, nil
}

// Calls returns the number of Recognize calls so far.
func (r *Recognizer) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.CallCountRecognize
}
