// Package text implements the per-utterance [transport.Adapter] that
// recognizes each utterance locally and submits the text.
//
// The recognized text is posted as JSON to /chat/text_to_audio together with
// the conversation history, user name and personality. The response is a
// JSON [transport.Reply]; the recognized text is emitted as the user
// transcript of the turn.
package text

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"github.com/MrWong99/talkloop/pkg/audio"
	"github.com/MrWong99/talkloop/pkg/recognize"
	"github.com/MrWong99/talkloop/pkg/transport"
	"github.com/MrWong99/talkloop/pkg/usage"
)

// Compile-time interface assertion.
var _ transport.Adapter = (*Adapter)(nil)

// Path is the submission endpoint relative to the base URL.
const Path = "/chat/text_to_audio"

const defaultTimeout = 60 * time.Second

// request is the JSON body of one submission.
type request struct {
	Text        string                   `json:"text"`
	History     []transport.HistoryEntry `json:"history"`
	UserName    string                   `json:"user_name"`
	Personality string                   `json:"personality"`
}

// Option is a functional option for configuring an Adapter.
type Option func(*Adapter)

// WithHTTPClient overrides the HTTP client. The default has a 60 s timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.client = c }
}

// WithUsage records recognized and received audio in c.
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

// Adapter turns utterances into text with a [recognize.Recognizer] and posts
// the text to a request/response endpoint.
type Adapter struct {
	baseURL    string
	recognizer recognize.Recognizer
	client     *http.Client
	usage      *usage.Counters
	encoding   audio.Encoding
	replyRate  int
	buffer     int

	life *transport.Lifecycle
}

// New creates an adapter posting to baseURL + [Path].
func New(baseURL string, rec recognize.Recognizer, opts ...Option) *Adapter {
	a := &Adapter{
		baseURL:    strings.TrimRight(baseURL, "/"),
		recognizer: rec,
		client:     &http.Client{Timeout: defaultTimeout},
		encoding:   audio.EncodingAuto,
		replyRate:  audio.PlaybackRate,
		buffer:     transport.DefaultEventBuffer,
	}
	for _, o := range opts {
		o(a)
	}
	a.life = transport.NewLifecycle(a.buffer)
	return a
}

// Mode implements [transport.Adapter].
func (a *Adapter) Mode() transport.Mode { return transport.ModeText }

// Uplink implements [transport.Adapter].
func (a *Adapter) Uplink() transport.Uplink { return transport.PerUtterance }

// Events implements [transport.Adapter].
func (a *Adapter) Events() <-chan transport.Event { return a.life.Events() }

// Connect stores the handshake. No request is made until the first Submit.
func (a *Adapter) Connect(_ context.Context, h transport.Handshake) error {
	var errs []error
	if a.baseURL == "" {
		errs = append(errs, errors.New("empty base URL"))
	}
	if a.recognizer == nil {
		errs = append(errs, errors.New("no recognizer"))
	}
	if err := errors.Join(errs...); err != nil {
		return transport.NewError(transport.KindTransport, "connect", err)
	}
	return a.life.Connect(h)
}

// SendFrame is not supported by a per-utterance adapter.
func (a *Adapter) SendFrame(context.Context, audio.AudioFrame) error {
	return transport.ErrWrongUplink
}

// Submit recognizes and posts the utterance in the background. Events tagged
// with s.TurnID follow on the event channel. An utterance in which nothing
// was recognized yields a lone TurnComplete.
func (a *Adapter) Submit(_ context.Context, s transport.Submission) error {
	ctx, h, err := a.life.Begin()
	if err != nil {
		return err
	}
	if s.Utterance == nil || s.Utterance.Len() == 0 {
		return transport.NewError(transport.KindPayload, "submit", errors.New("empty utterance"))
	}
	if a.usage != nil {
		a.usage.Record(usage.Input, s.Utterance.Len(), s.Utterance.Format().SampleRate)
	}

	history := append([]transport.HistoryEntry{}, s.History...)
	if !a.life.Go(func() { a.life.EmitAll(a.run(ctx, s.TurnID, s.Utterance, history, h)) }) {
		return transport.ErrClosed
	}
	return nil
}

// Close abandons in-flight submissions and closes the event channel.
func (a *Adapter) Close() error {
	a.life.Close()
	return nil
}

// run recognizes u, posts the text and converts the reply into events.
func (a *Adapter) run(ctx context.Context, turn uint64, u *audio.Utterance, history []transport.HistoryEntry, h transport.Handshake) []transport.Event {
	ctx, span := transport.StartSpan(ctx, "text.submit", turn, transport.ModeText)
	defer span.End()

	said, err := a.recognizer.Recognize(ctx, u)
	switch {
	case errors.Is(err, recognize.ErrNoSpeech):
		slog.Debug("text: nothing recognized", "turn", turn, "duration", u.Duration())
		return []transport.Event{transport.SignalEvent(transport.EventTurnComplete, turn)}
	case err != nil:
		if ctx.Err() != nil {
			return nil
		}
		span.RecordError(err)
		return []transport.Event{transport.ErrorEvent(turn, transport.NewError(transport.KindTransport, "recognize", err))}
	}

	body, err := sonic.Marshal(request{
		Text:        said,
		History:     history,
		UserName:    h.UserName,
		Personality: h.Personality,
	})
	if err != nil {
		return []transport.Event{transport.ErrorEvent(turn, transport.NewError(transport.KindPayload, "encode request", fmt.Errorf("text: marshal: %w", err)))}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+Path, bytes.NewReader(body))
	if err != nil {
		return []transport.Event{transport.ErrorEvent(turn, transport.NewError(transport.KindTransport, "build request", err))}
	}
	req.Header.Set("Content-Type", "application/json")
	transport.SetAuth(req, h.Token)

	start := time.Now()
	reply, err := transport.DoReply(a.client, req, span)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return []transport.Event{
			transport.TextEvent(transport.EventUserTranscript, turn, said),
			transport.ErrorEvent(turn, err),
		}
	}
	slog.Debug("text: reply received", "turn", turn, "latency", time.Since(start))
	return transport.ReplyEvents(turn, reply, said, a.encoding, a.replyRate, a.usage)
}
