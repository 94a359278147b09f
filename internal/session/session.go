// Package session implements the conversational turn state machine that ties
// capture, voice activity detection, a transport adapter and the playback
// queue together.
//
// A [Session] owns one conversation at a time. Every mutation of the turn
// state happens on a single event-loop goroutine that reads one inbound
// channel; capture frames, VAD transitions, adapter events, playback drain
// notifications and user commands are all posted to it, so they are applied
// strictly in arrival order and never race each other.
//
// The UI boundary is [Session.Start], [Session.Stop], [Session.Interrupt],
// [Session.Snapshot] and [Session.Subscribe].
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/talkloop/internal/observe"
	"github.com/MrWong99/talkloop/pkg/audio"
	"github.com/MrWong99/talkloop/pkg/audio/capture"
	"github.com/MrWong99/talkloop/pkg/audio/playback"
	"github.com/MrWong99/talkloop/pkg/transport"
	"github.com/MrWong99/talkloop/pkg/usage"
	"github.com/MrWong99/talkloop/pkg/vad"
)

var (
	// ErrRunning is returned by [Session.Start] while a conversation is active.
	ErrRunning = errors.New("session: already running")

	// ErrNotRunning is returned by [Session.Interrupt] when no conversation
	// is active.
	ErrNotRunning = errors.New("session: not running")
)

const (
	// DefaultMinUtterance is the shortest utterance that is submitted.
	DefaultMinUtterance = 300 * time.Millisecond

	// DefaultPreroll is the number of frames captured before the detector
	// fired that are prepended to an utterance.
	DefaultPreroll = 2

	// subscriberBuffer is the snapshot channel capacity of each subscriber.
	subscriberBuffer = 16
)

// FrameSource produces captured audio frames. [capture.Unit] is the
// production implementation.
type FrameSource interface {
	Start(ctx context.Context) (<-chan audio.AudioFrame, error)
	Stop() error
}

var _ FrameSource = (*capture.Unit)(nil)

// AdapterFactory creates the transport adapter for one conversation. The
// adapter records its traffic in counters.
type AdapterFactory func(counters *usage.Counters) (transport.Adapter, error)

// Config holds all dependencies and tunables of a [Session].
type Config struct {
	// NewAdapter creates the adapter at every Start. Required.
	NewAdapter AdapterFactory

	// Capture is the microphone frame source. Required.
	Capture FrameSource

	// Player renders assistant audio. Required.
	Player playback.Player

	// Detector segments utterances for per-utterance adapters. A detector
	// with [vad.DefaultConfig] is created when nil.
	Detector *vad.Detector

	// Counters accumulates usage. Created with [usage.DefaultPrices] when nil.
	Counters *usage.Counters

	// Metrics receives instrument updates. [observe.DefaultMetrics] when nil.
	Metrics *observe.Metrics

	// Handshake is sent to the adapter on Connect.
	Handshake transport.Handshake

	// EchoWindow keeps the microphone muted after playback drains.
	// Default: [DefaultEchoWindow].
	EchoWindow time.Duration

	// MinUtterance drops shorter utterances. Default: [DefaultMinUtterance].
	MinUtterance time.Duration

	// Preroll is the number of frames kept before speech starts.
	// Default: [DefaultPreroll].
	Preroll int

	// MouthInterval is the mouth polling cadence.
	// Default: [playback.DefaultMouthInterval].
	MouthInterval time.Duration

	// MouthThreshold is the level above which the mouth opens.
	// Default: [playback.DefaultMouthThreshold].
	MouthThreshold float64
}

// Snapshot is a point-in-time copy of the session state for the UI.
type Snapshot struct {
	SessionID string         `json:"session_id,omitempty"`
	State     State          `json:"state"`
	Reason    string         `json:"reason,omitempty"`
	Mode      transport.Mode `json:"mode,omitempty"`
	Turn      uint64         `json:"turn"`
	MouthOpen bool           `json:"mouth_open"`
	Log       []Turn         `json:"log"`
	Usage     usage.Snapshot `json:"usage"`
}

// Session is the conversational core. All exported methods are safe for
// concurrent use.
type Session struct {
	cfg      Config
	detector *vad.Detector
	counters *usage.Counters
	metrics  *observe.Metrics

	// lifeMu serialises Start, Stop and access to run.
	lifeMu sync.Mutex
	run    *run

	mu             sync.Mutex
	id             string
	state          State
	reason         string
	mode           transport.Mode
	turn           uint64
	mouthOpen      bool
	mouthThreshold float64
	log            []Turn
	subs           map[uint64]chan Snapshot
	nextSub        uint64
}

// New validates cfg, applies defaults and returns an idle session.
func New(cfg Config) (*Session, error) {
	var errs []error
	if cfg.NewAdapter == nil {
		errs = append(errs, errors.New("session: adapter factory is required"))
	}
	if cfg.Capture == nil {
		errs = append(errs, errors.New("session: frame source is required"))
	}
	if cfg.Player == nil {
		errs = append(errs, errors.New("session: player is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	if cfg.Detector == nil {
		d, err := vad.New(vad.DefaultConfig())
		if err != nil {
			return nil, fmt.Errorf("session: create detector: %w", err)
		}
		cfg.Detector = d
	}
	if cfg.Counters == nil {
		cfg.Counters = usage.New(usage.DefaultPrices)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.EchoWindow == 0 {
		cfg.EchoWindow = DefaultEchoWindow
	}
	if cfg.MinUtterance <= 0 {
		cfg.MinUtterance = DefaultMinUtterance
	}
	if cfg.Preroll <= 0 {
		cfg.Preroll = DefaultPreroll
	}
	if cfg.MouthInterval <= 0 {
		cfg.MouthInterval = playback.DefaultMouthInterval
	}
	if cfg.MouthThreshold <= 0 {
		cfg.MouthThreshold = playback.DefaultMouthThreshold
	}

	s := &Session{
		cfg:            cfg,
		detector:       cfg.Detector,
		counters:       cfg.Counters,
		metrics:        cfg.Metrics,
		mouthThreshold: cfg.MouthThreshold,
		subs:           make(map[uint64]chan Snapshot),
	}
	s.counters.OnRecord(func(dir usage.Direction, d time.Duration, tokens int64) {
		s.metrics.RecordAudio(context.Background(), dir.String(), string(s.Mode()), d, tokens)
	})
	return s, nil
}

// ── Lifecycle ────────────────────────────────────────────────────────────────

// Start opens a conversation: it creates and connects the adapter, starts
// capture, playback, the mouth driver and (for per-utterance adapters) the
// detector, and enters Listening. Starting a failed session restarts it.
//
// On failure the session is left in Error with the reason set and every
// acquired resource released.
func (s *Session) Start(ctx context.Context) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	if r := s.run; r != nil {
		select {
		case <-r.done:
			// A failed conversation is still attached; restart.
			if err := s.teardown(r); err != nil {
				slog.Warn("session: release failed conversation", "err", err)
			}
		default:
			return ErrRunning
		}
	}

	ctx, span := observe.StartSpan(ctx, "session.start")
	defer span.End()

	s.mu.Lock()
	s.id = uuid.NewString()
	s.reason = ""
	s.turn = 0
	s.log = nil
	s.mu.Unlock()
	s.moveTo(StateConnecting)

	r := newRun(s, ctx)
	s.run = r
	if err := r.open(ctx); err != nil {
		span.RecordError(err)
		s.fail(err)
		if rerr := r.release(); rerr != nil {
			slog.Warn("session: release after failed start", "err", rerr)
		}
		close(r.done)
		return err
	}

	s.moveTo(StateListening)
	go r.loop()

	snap := s.Snapshot()
	observe.Logger(ctx).Info("session started", "session_id", snap.SessionID, "mode", snap.Mode)
	return nil
}

// Stop ends the conversation: capture stops, the adapter closes, playback is
// flushed, the detector and mouth pollers stop, usage is reset and the state
// becomes Idle. Stop is idempotent.
func (s *Session) Stop() error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	r := s.run
	if r == nil {
		return nil
	}
	return s.teardown(r)
}

// teardown waits for the loop of r to exit, releases it and returns to Idle.
// The caller must hold lifeMu.
func (s *Session) teardown(r *run) error {
	r.stopLoop()
	<-r.done
	err := r.release()
	s.counters.Reset()
	s.moveTo(StateIdle)
	s.run = nil
	slog.Info("session stopped", "session_id", s.Snapshot().SessionID)
	return err
}

// Interrupt stops the assistant: playback is flushed, the pending assistant
// text is discarded and the state returns to Listening. It has no effect
// outside Thinking and AvatarSpeaking.
func (s *Session) Interrupt() error {
	s.lifeMu.Lock()
	r := s.run
	s.lifeMu.Unlock()

	if r == nil {
		return ErrNotRunning
	}
	if !r.post(event{kind: evInterrupt}) {
		return ErrNotRunning
	}
	return nil
}

// ── Tunables ─────────────────────────────────────────────────────────────────

// SetVADThresholds changes the detector thresholds. Applies immediately,
// including to a running conversation.
func (s *Session) SetVADThresholds(speech, silence float64, silenceDuration time.Duration) error {
	if err := s.detector.SetThresholds(speech, silence, silenceDuration); err != nil {
		return fmt.Errorf("session: set vad thresholds: %w", err)
	}
	return nil
}

// SetMouthThreshold changes the mouth open threshold. Applies immediately,
// including to a running conversation.
func (s *Session) SetMouthThreshold(v float64) error {
	if v <= 0 || v > 1 {
		return fmt.Errorf("session: mouth threshold %v must be in (0, 1]", v)
	}
	s.mu.Lock()
	s.mouthThreshold = v
	s.mu.Unlock()

	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.run != nil && s.run.mouth != nil {
		s.run.mouth.SetThreshold(v)
	}
	return nil
}

// SetPrices changes the prices used for the cost estimate.
func (s *Session) SetPrices(p usage.Prices) {
	s.counters.SetPrices(p)
}

// ── Observation ──────────────────────────────────────────────────────────────

// State returns the current turn state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Mode returns the transport mode of the current or last conversation.
func (s *Session) Mode() transport.Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Snapshot returns a copy of the state, error reason, conversation log, usage
// and mouth state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Subscribe returns a channel that receives a snapshot after every state,
// log or mouth change, starting with the current one. A subscriber that
// falls behind loses its oldest snapshots, never the latest. The returned
// function unsubscribes and closes the channel; it is idempotent.
func (s *Session) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, subscriberBuffer)

	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	ch <- s.snapshotLocked()
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.subs, id)
			close(ch)
		})
	}
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		SessionID: s.id,
		State:     s.state,
		Reason:    s.reason,
		Mode:      s.mode,
		Turn:      s.turn,
		MouthOpen: s.mouthOpen,
		Log:       append([]Turn{}, s.log...),
		Usage:     s.counters.Snapshot(),
	}
}

// publishLocked hands the current snapshot to every subscriber without
// blocking. The caller must hold s.mu.
func (s *Session) publishLocked() {
	if len(s.subs) == 0 {
		return
	}
	snap := s.snapshotLocked()
	for _, ch := range s.subs {
		select {
		case ch <- snap:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}

// ── State mutation ───────────────────────────────────────────────────────────

// moveTo walks the turn graph from the current state to to, publishing every
// state on the way. It reports false when to is the current state or cannot
// be reached, the latter being logged as a protocol error.
func (s *Session) moveTo(to State) bool {
	s.mu.Lock()
	from := s.state
	path := route(from, to)
	s.mu.Unlock()

	if path == nil {
		if from != to {
			slog.Warn("session: rejected transition",
				"from", from, "to", to,
				"err", transport.NewError(transport.KindProtocol, "transition", fmt.Errorf("no path from %s to %s", from, to)))
			s.metrics.RecordError(context.Background(), transport.KindProtocol.String(), string(s.Mode()))
		}
		return false
	}
	for _, next := range path {
		s.setState(next)
	}
	return true
}

func (s *Session) setState(to State) {
	s.mu.Lock()
	from := s.state
	s.state = to
	s.publishLocked()
	s.mu.Unlock()

	slog.Debug("session: state", "from", from, "to", to)
	ctx := context.Background()
	s.metrics.RecordTransition(ctx, from.String(), to.String())
	switch {
	case !from.active() && to.active():
		s.metrics.ActiveSessions.Add(ctx, 1)
	case from.active() && !to.active():
		s.metrics.ActiveSessions.Add(ctx, -1)
	}
}

// fail records err as the error reason and enters Error.
func (s *Session) fail(err error) {
	kind := transport.KindOf(err)
	if kind == 0 {
		kind = transport.KindTransport
	}
	s.metrics.RecordError(context.Background(), kind.String(), string(s.Mode()))
	slog.Error("session: fatal error", "kind", kind, "err", err)

	s.mu.Lock()
	s.reason = err.Error()
	s.mu.Unlock()
	s.moveTo(StateError)
}

func (s *Session) setMode(m transport.Mode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = m
}

func (s *Session) setTurn(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turn = id
	s.publishLocked()
}

func (s *Session) setMouth(open bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mouthOpen = open
	s.publishLocked()
}

func (s *Session) appendLog(role transport.Role, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log = append(s.log, Turn{Role: role, Text: text, At: time.Now()})
	s.publishLocked()
}

func (s *Session) history() []transport.HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return history(s.log)
}

func (s *Session) currentMouthThreshold() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mouthThreshold
}
