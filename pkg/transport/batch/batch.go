// Package batch implements the per-utterance [transport.Adapter] that uploads
// each recorded utterance as a WAV file and receives one synthesized reply.
//
// Each submission is a multipart/form-data POST to /chat/audio_to_audio with
// the fields audio (WAV), user_name, personality and history (JSON). The
// response is a JSON [transport.Reply].
package batch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"github.com/MrWong99/talkloop/pkg/audio"
	"github.com/MrWong99/talkloop/pkg/transport"
	"github.com/MrWong99/talkloop/pkg/usage"
)

// Compile-time interface assertion.
var _ transport.Adapter = (*Adapter)(nil)

// Path is the submission endpoint relative to the base URL.
const Path = "/chat/audio_to_audio"

const defaultTimeout = 60 * time.Second

// Option is a functional option for configuring an Adapter.
type Option func(*Adapter)

// WithHTTPClient overrides the HTTP client. The default has a 60 s timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.client = c }
}

// WithUsage records uploaded and received audio in c.
func WithUsage(c *usage.Counters) Option {
	return func(a *Adapter) { a.usage = c }
}

// WithReplyFormat sets the encoding of reply audio and, for headerless
// encodings, its sample rate. Defaults to auto-detection at 24 kHz.
func WithReplyFormat(enc audio.Encoding, rate int) Option {
	return func(a *Adapter) {
		a.encoding = enc
		a.replyRate = rate
	}
}

// WithEventBuffer sets the capacity of the event channel.
func WithEventBuffer(n int) Option {
	return func(a *Adapter) {
		if n > 0 {
			a.buffer = n
		}
	}
}

// Adapter uploads utterances to a request/response speech endpoint.
type Adapter struct {
	baseURL   string
	client    *http.Client
	usage     *usage.Counters
	encoding  audio.Encoding
	replyRate int
	buffer    int

	life *transport.Lifecycle
}

// New creates an adapter posting to baseURL + [Path].
func New(baseURL string, opts ...Option) *Adapter {
	a := &Adapter{
		baseURL:   strings.TrimRight(baseURL, "/"),
		client:    &http.Client{Timeout: defaultTimeout},
		encoding:  audio.EncodingAuto,
		replyRate: audio.PlaybackRate,
		buffer:    transport.DefaultEventBuffer,
	}
	for _, o := range opts {
		o(a)
	}
	a.life = transport.NewLifecycle(a.buffer)
	return a
}

// Mode implements [transport.Adapter].
func (a *Adapter) Mode() transport.Mode { return transport.ModeBatch }

// Uplink implements [transport.Adapter].
func (a *Adapter) Uplink() transport.Uplink { return transport.PerUtterance }

// Events implements [transport.Adapter].
func (a *Adapter) Events() <-chan transport.Event { return a.life.Events() }

// Connect stores the handshake. No request is made until the first Submit.
func (a *Adapter) Connect(_ context.Context, h transport.Handshake) error {
	if a.baseURL == "" {
		return transport.NewError(transport.KindTransport, "connect", errors.New("empty base URL"))
	}
	return a.life.Connect(h)
}

// SendFrame is not supported by a per-utterance adapter.
func (a *Adapter) SendFrame(context.Context, audio.AudioFrame) error {
	return transport.ErrWrongUplink
}

// Submit encodes the utterance and posts it in the background. Events tagged
// with s.TurnID follow on the event channel.
func (a *Adapter) Submit(_ context.Context, s transport.Submission) error {
	ctx, h, err := a.life.Begin()
	if err != nil {
		return err
	}
	if s.Utterance == nil || s.Utterance.Len() == 0 {
		return transport.NewError(transport.KindPayload, "submit", errors.New("empty utterance"))
	}

	body, contentType, err := encodeForm(s, h)
	if err != nil {
		return transport.NewError(transport.KindPayload, "submit", err)
	}
	if a.usage != nil {
		f := s.Utterance.Format()
		a.usage.Record(usage.Input, s.Utterance.Len(), f.SampleRate)
	}

	turn := s.TurnID
	if !a.life.Go(func() { a.life.EmitAll(a.post(ctx, turn, h.Token, body, contentType)) }) {
		return transport.ErrClosed
	}
	return nil
}

// Close abandons in-flight submissions and closes the event channel.
func (a *Adapter) Close() error {
	a.life.Close()
	return nil
}

// post performs the request and converts the reply into events.
func (a *Adapter) post(ctx context.Context, turn uint64, token string, body []byte, contentType string) []transport.Event {
	ctx, span := transport.StartSpan(ctx, "batch.submit", turn, transport.ModeBatch)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+Path, bytes.NewReader(body))
	if err != nil {
		return []transport.Event{transport.ErrorEvent(turn, transport.NewError(transport.KindTransport, "build request", err))}
	}
	req.Header.Set("Content-Type", contentType)
	transport.SetAuth(req, token)

	start := time.Now()
	reply, err := transport.DoReply(a.client, req, span)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return []transport.Event{transport.ErrorEvent(turn, err)}
	}
	slog.Debug("batch: reply received", "turn", turn, "latency", time.Since(start))
	return transport.ReplyEvents(turn, reply, reply.UserTranscript, a.encoding, a.replyRate, a.usage)
}

// encodeForm builds the multipart body for one submission.
func encodeForm(s transport.Submission, h transport.Handshake) ([]byte, string, error) {
	history := s.History
	if history == nil {
		history = []transport.HistoryEntry{}
	}
	historyJSON, err := sonic.Marshal(history)
	if err != nil {
		return nil, "", fmt.Errorf("batch: marshal history: %w", err)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fw, err := mw.CreateFormFile("audio", "utterance.wav")
	if err != nil {
		return nil, "", fmt.Errorf("batch: create form file: %w", err)
	}
	if _, err := fw.Write(s.Utterance.WAV()); err != nil {
		return nil, "", fmt.Errorf("batch: write wav data: %w", err)
	}
	for _, field := range []struct{ name, value string }{
		{"user_name", h.UserName},
		{"personality", h.Personality},
		{"history", string(historyJSON)},
	} {
		if err := mw.WriteField(field.name, field.value); err != nil {
			return nil, "", fmt.Errorf("batch: write %s field: %w", field.name, err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("batch: close multipart writer: %w", err)
	}
	return buf.Bytes(), mw.FormDataContentType(), nil
}
