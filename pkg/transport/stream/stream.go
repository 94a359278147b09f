// Package stream implements the continuous-uplink [transport.Adapter] over a
// WebSocket.
//
// The first message on the socket is a config handshake; every captured frame
// is then sent as a base64 audio message. The server pushes audio, thinking
// text, spoken transcript, user transcript, interrupted and turn_complete
// messages, which are normalized into [transport.Event]s.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/coder/websocket"

	"github.com/MrWong99/talkloop/pkg/audio"
	"github.com/MrWong99/talkloop/pkg/transport"
	"github.com/MrWong99/talkloop/pkg/usage"
)

// Compile-time interface assertion.
var _ transport.Adapter = (*Adapter)(nil)

// maxMessageBytes bounds a single inbound message. Audio messages carry a few
// hundred milliseconds of base64 PCM.
const maxMessageBytes = 4 << 20

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring an Adapter.
type Option func(*Adapter)

// WithUsage records every sent and received frame in c.
func WithUsage(c *usage.Counters) Option {
	return func(a *Adapter) { a.usage = c }
}

// WithHeader adds HTTP headers to the WebSocket upgrade request.
func WithHeader(h http.Header) Option {
	return func(a *Adapter) { a.header = h }
}

// WithHTTPClient sets the client used for the upgrade request.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.httpClient = c }
}

// WithInboundFormat sets how inbound audio payloads are encoded and, for
// headerless encodings, their sample rate. Defaults to auto-detected PCM16
// at 24 kHz.
func WithInboundFormat(enc audio.Encoding, rate int) Option {
	return func(a *Adapter) {
		a.encoding = enc
		a.inboundRate = rate
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

// ── Protocol message types ─────────────────────────────────────────────────────

type configMessage struct {
	Type        string `json:"type"`
	UserName    string `json:"userName"`
	Personality string `json:"personality"`
	Token       string `json:"token,omitempty"`
}

type audioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

type serverMessage struct {
	Type    string `json:"type"`
	Audio   string `json:"audio,omitempty"`
	Text    string `json:"text,omitempty"`
	Message string `json:"message,omitempty"`
}

// ── Adapter ────────────────────────────────────────────────────────────────────

// Adapter streams audio to a conversational model over a WebSocket.
type Adapter struct {
	url         string
	header      http.Header
	httpClient  *http.Client
	usage       *usage.Counters
	encoding    audio.Encoding
	inboundRate int
	buffer      int

	mu        sync.Mutex
	conn      *websocket.Conn
	emitter   *transport.Emitter
	ctx       context.Context
	cancel    context.CancelFunc
	connected bool
	closed    bool
}

// New creates an adapter that will dial url (ws:// or wss://) on Connect.
func New(url string, opts ...Option) *Adapter {
	a := &Adapter{
		url:         url,
		encoding:    audio.EncodingAuto,
		inboundRate: audio.PlaybackRate,
		buffer:      transport.DefaultEventBuffer,
	}
	for _, o := range opts {
		o(a)
	}
	a.emitter = transport.NewEmitter(a.buffer)
	return a
}

// Mode implements [transport.Adapter].
func (a *Adapter) Mode() transport.Mode { return transport.ModeStreaming }

// Uplink implements [transport.Adapter].
func (a *Adapter) Uplink() transport.Uplink { return transport.Continuous }

// Events implements [transport.Adapter].
func (a *Adapter) Events() <-chan transport.Event { return a.emitter.Events() }

// Connect dials the server, sends the config handshake and starts the
// receive loop. Missing handshake fields are filled with defaults.
func (a *Adapter) Connect(ctx context.Context, h transport.Handshake) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return transport.ErrClosed
	}
	if a.connected {
		return transport.NewError(transport.KindProtocol, "connect", errors.New("already connected"))
	}

	conn, _, err := websocket.Dial(ctx, a.url, &websocket.DialOptions{
		HTTPClient: a.httpClient,
		HTTPHeader: a.header,
	})
	if err != nil {
		return transport.NewError(transport.KindTransport, "dial", err)
	}
	conn.SetReadLimit(maxMessageBytes)

	sessCtx, cancel := context.WithCancel(context.Background())
	a.conn = conn
	a.ctx = sessCtx
	a.cancel = cancel

	h = h.WithDefaults()
	if err := a.writeJSON(configMessage{
		Type:        "config",
		UserName:    h.UserName,
		Personality: h.Personality,
		Token:       h.Token,
	}); err != nil {
		cancel()
		conn.Close(websocket.StatusInternalError, "handshake failed")
		return transport.NewError(transport.KindTransport, "handshake", err)
	}

	a.connected = true
	a.emitter.Go(a.receiveLoop)
	slog.Info("stream: connected", "url", a.url, "user", h.UserName)
	return nil
}

// SendFrame sends one captured frame as a base64 audio message.
func (a *Adapter) SendFrame(ctx context.Context, f audio.AudioFrame) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return transport.ErrClosed
	}
	if !a.connected {
		a.mu.Unlock()
		return transport.NewError(transport.KindProtocol, "send frame", errors.New("not connected"))
	}
	a.mu.Unlock()

	if err := a.writeJSONCtx(ctx, audioMessage{Type: "audio", Audio: audio.EncodeBase64(f.Data)}); err != nil {
		return transport.NewError(transport.KindTransport, "send frame", err)
	}
	if a.usage != nil {
		a.usage.Record(usage.Input, len(f.Data), f.SampleRate)
	}
	return nil
}

// Submit is not supported by a continuous adapter.
func (a *Adapter) Submit(context.Context, transport.Submission) error {
	return transport.ErrWrongUplink
}

// Close closes the socket, stops the receive loop and closes the event
// channel. Close is idempotent.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	conn, cancel := a.conn, a.cancel
	a.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close(websocket.StatusNormalClosure, "session ended")
		cancel()
	}
	a.emitter.Close()
	if err != nil && !isCloseError(err) {
		return fmt.Errorf("stream: close: %w", err)
	}
	return nil
}

func (a *Adapter) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

// writeJSON marshals v and writes it as a text WebSocket message using the
// session context.
func (a *Adapter) writeJSON(v any) error {
	return a.writeJSONCtx(a.ctx, v)
}

func (a *Adapter) writeJSONCtx(ctx context.Context, v any) error {
	data, err := sonic.Marshal(v)
	if err != nil {
		return fmt.Errorf("stream: marshal: %w", err)
	}
	return a.conn.Write(ctx, websocket.MessageText, data)
}

// receiveLoop reads server messages and emits normalized events until the
// connection ends.
func (a *Adapter) receiveLoop() {
	for {
		_, data, err := a.conn.Read(a.ctx)
		if err != nil {
			if a.ctx.Err() != nil || a.isClosed() {
				return
			}
			a.emitter.Emit(transport.ErrorEvent(0, transport.NewError(transport.KindTransport, "read", err)))
			return
		}

		var msg serverMessage
		if err := sonic.Unmarshal(data, &msg); err != nil {
			a.emitter.Emit(transport.ErrorEvent(0, transport.NewError(transport.KindPayload, "decode message",
				fmt.Errorf("%w: %w", audio.ErrMalformedPayload, err))))
			continue
		}
		if ev, ok := a.handle(&msg); ok {
			if !a.emitter.Emit(ev) {
				return
			}
		}
	}
}

// handle maps one server message to an event.
func (a *Adapter) handle(msg *serverMessage) (transport.Event, bool) {
	switch msg.Type {
	case "audio":
		frame, err := audio.DecodeBase64Payload(msg.Audio, a.encoding, a.inboundRate)
		if err != nil {
			return transport.ErrorEvent(0, transport.NewError(transport.KindPayload, "decode audio", err)), true
		}
		if a.usage != nil {
			a.usage.Record(usage.Output, len(frame.Data), frame.SampleRate)
		}
		return transport.AudioChunkEvent(0, frame), true

	case "text":
		return transport.TextEvent(transport.EventThinking, 0, msg.Text), true

	case "transcript":
		return transport.TextEvent(transport.EventTextDelta, 0, msg.Text), true

	case "user_transcript":
		return transport.TextEvent(transport.EventUserTranscript, 0, msg.Text), true

	case "interrupted":
		return transport.SignalEvent(transport.EventInterrupted, 0), true

	case "turn_complete":
		return transport.SignalEvent(transport.EventTurnComplete, 0), true

	case "error":
		return transport.ErrorEvent(0, transport.NewError(transport.KindProtocol, "server", errors.New(msg.Message))), true

	default:
		slog.Debug("stream: ignoring message", "type", msg.Type)
		return transport.Event{}, false
	}
}

// isCloseError reports whether err is the normal result of closing an
// already-closed or peer-closed socket.
func isCloseError(err error) bool {
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	status := websocket.CloseStatus(err)
	return status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway
}
