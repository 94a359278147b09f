// Package openai provides a [recognize.Recognizer] backed by the OpenAI audio
// transcription API (whisper-1 and the gpt-4o transcribe models).
package openai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/MrWong99/talkloop/pkg/audio"
	"github.com/MrWong99/talkloop/pkg/recognize"
)

// DefaultModel is the transcription model used when none is configured.
const DefaultModel = oai.AudioModelWhisper1

var _ recognize.Recognizer = (*Recognizer)(nil)

type config struct {
	baseURL  string
	language string
	timeout  time.Duration
}

// Option is a functional option for Recognizer.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithLanguage sets the ISO-639-1 language hint (e.g. "ja").
func WithLanguage(lang string) Option {
	return func(c *config) { c.language = lang }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// Recognizer transcribes utterances with the OpenAI API.
type Recognizer struct {
	client   oai.Client
	model    string
	language string
}

// New constructs a Recognizer. If model is empty, [DefaultModel] is used.
func New(apiKey, model string, opts ...Option) (*Recognizer, error) {
	if apiKey == "" {
		return nil, errors.New("openai recognize: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}

	return &Recognizer{
		client:   oai.NewClient(reqOpts...),
		model:    model,
		language: cfg.language,
	}, nil
}

// Recognize implements [recognize.Recognizer]. The utterance is uploaded as a
// WAV file.
func (r *Recognizer) Recognize(ctx context.Context, u *audio.Utterance) (string, error) {
	if u == nil || u.Len() == 0 {
		return "", recognize.ErrNoSpeech
	}

	params := oai.AudioTranscriptionNewParams{
		File:  oai.File(bytes.NewReader(u.WAV()), "utterance.wav", "audio/wav"),
		Model: r.model,
	}
	if r.language != "" {
		params.Language = param.NewOpt(r.language)
	}

	resp, err := r.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai recognize: transcribe: %w", err)
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return "", recognize.ErrNoSpeech
	}
	return text, nil
}
