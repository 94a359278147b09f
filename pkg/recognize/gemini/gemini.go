// Package gemini provides a [recognize.Recognizer] that asks a Gemini model to
// transcribe the utterance verbatim.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/MrWong99/talkloop/pkg/audio"
	"github.com/MrWong99/talkloop/pkg/recognize"
)

// DefaultModel is the model used when none is configured.
const DefaultModel = "gemini-2.5-flash"

const defaultPrompt = "Transcribe the speech in this audio verbatim. Reply with the transcript only. Reply with an empty message if nothing is said."

var _ recognize.Recognizer = (*Recognizer)(nil)

// Option is a functional option for Recognizer.
type Option func(*Recognizer)

// WithPrompt replaces the transcription instruction sent with the audio.
func WithPrompt(p string) Option {
	return func(r *Recognizer) { r.prompt = p }
}

// WithBaseURL overrides the API endpoint.
func WithBaseURL(url string) Option {
	return func(r *Recognizer) { r.baseURL = url }
}

// Recognizer transcribes utterances with the Gemini API.
type Recognizer struct {
	client  *genai.Client
	model   string
	prompt  string
	baseURL string
}

// New constructs a Recognizer. If model is empty, [DefaultModel] is used.
func New(ctx context.Context, apiKey, model string, opts ...Option) (*Recognizer, error) {
	if apiKey == "" {
		return nil, errors.New("gemini recognize: apiKey must not be empty")
	}
	r := &Recognizer{model: model, prompt: defaultPrompt}
	if r.model == "" {
		r.model = DefaultModel
	}
	for _, o := range opts {
		o(r)
	}

	cc := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if r.baseURL != "" {
		cc.HTTPOptions.BaseURL = r.baseURL
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("gemini recognize: new client: %w", err)
	}
	r.client = client
	return r, nil
}

// Recognize implements [recognize.Recognizer]. The utterance is sent inline as
// audio/wav alongside the transcription prompt.
func (r *Recognizer) Recognize(ctx context.Context, u *audio.Utterance) (string, error) {
	if u == nil || u.Len() == 0 {
		return "", recognize.ErrNoSpeech
	}

	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromText(r.prompt),
			genai.NewPartFromBytes(u.WAV(), "audio/wav"),
		}, genai.RoleUser),
	}
	resp, err := r.client.Models.GenerateContent(ctx, r.model, contents, nil)
	if err != nil {
		return "", fmt.Errorf("gemini recognize: generate: %w", err)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", recognize.ErrNoSpeech
	}
	return text, nil
}
