package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/talkloop/internal/observe"
	"github.com/MrWong99/talkloop/pkg/audio"
	"github.com/MrWong99/talkloop/pkg/audio/capture"
	"github.com/MrWong99/talkloop/pkg/audio/playback"
	"github.com/MrWong99/talkloop/pkg/transport"
	"github.com/MrWong99/talkloop/pkg/vad"
)

const (
	// eventBuffer is the capacity of the loop's inbound channel.
	eventBuffer = 256

	// uplinkBuffer is the number of frames waiting for SendFrame before new
	// ones are dropped.
	uplinkBuffer = 32
)

var (
	errConnectionClosed = errors.New("connection closed by remote")
	errCaptureEnded     = errors.New("capture stream ended")
)

type eventKind int

const (
	evTransport eventKind = iota
	evAdapterClosed
	evFrame
	evCaptureClosed
	evSpeech
	evDrained
	evInterrupt
)

// event is one item on the loop's inbound channel.
type event struct {
	kind   eventKind
	ev     transport.Event
	frame  audio.AudioFrame
	speech vad.Event
}

// run is one conversation, from Start to teardown. Fields below the marker
// are owned by the loop goroutine.
type run struct {
	s      *Session
	ctx    context.Context
	cancel context.CancelFunc

	adapter    transport.Adapter
	utterances bool
	queue      *playback.Queue
	mouth      *playback.MouthDriver
	gate       *EchoGate

	events   chan event
	uplink   chan audio.AudioFrame
	quit     chan struct{}
	done     chan struct{}
	quitOnce sync.Once
	dropOnce sync.Once
	wg       sync.WaitGroup

	releaseOnce sync.Once
	releaseErr  error

	// ── loop-owned ──

	nextTurn    uint64
	activeTurn  uint64
	utterance   *audio.Utterance
	preroll     []audio.AudioFrame
	user        pendingTurn
	assistant   pendingTurn
	submittedAt time.Time
}

// newRun prepares a conversation. Its context outlives the request that
// started it.
func newRun(s *Session, ctx context.Context) *run {
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	return &run{
		s:      s,
		ctx:    ctx,
		cancel: cancel,
		gate:   NewEchoGate(s.cfg.EchoWindow),
		events: make(chan event, eventBuffer),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// open acquires every resource in order: adapter, connection, playback,
// capture, detector. It does not start the loop.
func (r *run) open(ctx context.Context) error {
	s := r.s

	adapter, err := s.cfg.NewAdapter(s.counters)
	if err != nil {
		return transport.NewError(transport.KindTransport, "create adapter", err)
	}
	r.adapter = adapter
	r.utterances = adapter.Uplink() == transport.PerUtterance
	s.setMode(adapter.Mode())

	if err := adapter.Connect(ctx, s.cfg.Handshake); err != nil {
		return classify("connect", transport.KindTransport, err)
	}
	forward(r, adapter.Events(), func(ev transport.Event) event {
		return event{kind: evTransport, ev: ev}
	}, event{kind: evAdapterClosed})

	r.queue = playback.New(s.cfg.Player)
	r.queue.OnDrained(func() { r.post(event{kind: evDrained}) })
	r.mouth = playback.NewMouthDriver(r.queue.Level, s.setMouth,
		playback.WithMouthInterval(s.cfg.MouthInterval),
		playback.WithMouthThreshold(s.currentMouthThreshold()),
	)
	r.mouth.Start(r.ctx)

	frames, err := s.cfg.Capture.Start(r.ctx)
	if err != nil {
		return classify("start capture", transport.KindDevice, err)
	}
	forward(r, frames, func(f audio.AudioFrame) event {
		return event{kind: evFrame, frame: f}
	}, event{kind: evCaptureClosed})

	if r.utterances {
		s.detector.Reset()
		s.detector.Start(r.ctx, func(ev vad.Event) {
			r.post(event{kind: evSpeech, speech: ev})
		})
	} else {
		r.uplink = make(chan audio.AudioFrame, uplinkBuffer)
		r.wg.Go(r.sendLoop)
	}
	return nil
}

// classify wraps err as a transport.Error of kind unless it already is one.
func classify(op string, kind transport.Kind, err error) error {
	if transport.KindOf(err) != 0 {
		return err
	}
	if errors.Is(err, capture.ErrCaptureUnavailable) {
		kind = transport.KindDevice
	}
	return transport.NewError(kind, op, err)
}

// forward posts every value of ch to the loop, then closed once ch is closed.
// After the loop quits the remaining values are drained.
func forward[T any](r *run, ch <-chan T, wrap func(T) event, closed event) {
	r.wg.Go(func() {
		for v := range ch {
			if !r.post(wrap(v)) {
				audio.Drain(ch)
				return
			}
		}
		r.post(closed)
	})
}

// post delivers e to the loop. It reports false once the loop has quit.
func (r *run) post(e event) bool {
	select {
	case <-r.quit:
		return false
	default:
	}
	select {
	case r.events <- e:
		return true
	case <-r.quit:
		return false
	}
}

func (r *run) stopLoop() {
	r.quitOnce.Do(func() { close(r.quit) })
}

// release stops the loop and frees every resource in order: capture,
// detector, adapter, playback, mouth. It is idempotent and tolerates
// resources that were never acquired.
func (r *run) release() error {
	r.releaseOnce.Do(func() {
		r.stopLoop()
		s := r.s
		var errs []error
		if err := s.cfg.Capture.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("session: stop capture: %w", err))
		}
		if r.utterances {
			s.detector.Stop()
		}
		if r.adapter != nil {
			if err := r.adapter.Close(); err != nil {
				errs = append(errs, fmt.Errorf("session: close adapter: %w", err))
			}
		}
		if r.queue != nil {
			if err := r.queue.Close(); err != nil {
				errs = append(errs, fmt.Errorf("session: close playback: %w", err))
			}
		}
		if r.mouth != nil {
			r.mouth.Stop()
		}
		r.cancel()
		r.wg.Wait()
		r.releaseErr = errors.Join(errs...)
	})
	return r.releaseErr
}

// ── Event loop ───────────────────────────────────────────────────────────────

func (r *run) loop() {
	defer close(r.done)
	for {
		select {
		case <-r.quit:
			return
		case e := <-r.events:
			if err := r.handle(e); err != nil {
				r.s.fail(err)
				if rerr := r.release(); rerr != nil {
					slog.Warn("session: release after failure", "err", rerr)
				}
				return
			}
		}
	}
}

// handle applies one event. A non-nil return is fatal for the conversation.
func (r *run) handle(e event) error {
	switch e.kind {
	case evTransport:
		return r.onTransport(e.ev)
	case evAdapterClosed:
		return transport.NewError(transport.KindTransport, "receive", errConnectionClosed)
	case evFrame:
		r.onFrame(e.frame)
	case evCaptureClosed:
		return transport.NewError(transport.KindDevice, "capture", errCaptureEnded)
	case evSpeech:
		return r.onSpeech(e.speech)
	case evDrained:
		r.onDrained()
	case evInterrupt:
		r.interrupt()
	}
	return nil
}

func (r *run) onTransport(ev transport.Event) error {
	if ev.TurnID != 0 && ev.TurnID != r.activeTurn {
		slog.Debug("session: dropping stale event", "kind", ev.Kind, "turn", ev.TurnID, "active_turn", r.activeTurn)
		return nil
	}

	switch ev.Kind {
	case transport.EventAudioChunk:
		r.onAudio(ev.Audio)
	case transport.EventTextDelta:
		// The user side is logged before the first assistant text.
		if said := r.user.take(); said != "" {
			r.s.appendLog(transport.RoleUser, said)
		}
		r.assistant.add(ev.Text)
		r.enterThinking()
	case transport.EventThinking:
		r.enterThinking()
	case transport.EventUserTranscript:
		r.user.add(ev.Text)
		if r.s.State() == StateListening {
			r.s.moveTo(StateUserSpeaking)
		}
	case transport.EventInterrupted:
		r.interrupt()
	case transport.EventTurnComplete:
		r.completeTurn()
	case transport.EventError:
		return r.onError(ev.Err)
	default:
		slog.Debug("session: ignoring event", "kind", ev.Kind)
	}
	return nil
}

func (r *run) enterThinking() {
	switch r.s.State() {
	case StateListening, StateUserSpeaking:
		r.s.moveTo(StateThinking)
	}
}

func (r *run) onAudio(f audio.AudioFrame) {
	if len(f.Data) == 0 {
		return
	}
	seg, err := r.queue.Enqueue(f.Data)
	if err != nil {
		slog.Warn("session: enqueue audio", "err", err)
		return
	}
	mode := string(r.adapter.Mode())
	r.s.metrics.PlaybackSegments.Add(r.ctx, 1)
	if !r.submittedAt.IsZero() {
		r.s.metrics.RecordTurnLatency(r.ctx, mode, time.Since(r.submittedAt))
		r.submittedAt = time.Time{}
	}
	slog.Debug("session: queued segment", "segment", seg.ID, "duration", seg.Duration)

	r.gate.Hold()
	r.s.moveTo(StateAvatarSpeaking)
}

func (r *run) completeTurn() {
	if said := r.user.take(); said != "" {
		r.s.appendLog(transport.RoleUser, said)
	}
	if reply := r.assistant.take(); reply != "" {
		r.s.appendLog(transport.RoleAssistant, reply)
	}
	r.activeTurn = 0
	r.submittedAt = time.Time{}

	// The gate is left alone: a drain already started the echo window.
	if r.queue.Busy() {
		return
	}
	r.s.moveTo(StateListening)
}

// interrupt flushes playback and drops the assistant side of the turn. The
// discarded text is never logged, even when playback drained before the
// interruption arrived.
func (r *run) interrupt() {
	switch r.s.State() {
	case StateThinking, StateAvatarSpeaking:
		r.s.metrics.PlaybackFlushes.Add(r.ctx, 1)
		slog.Info("session: interrupted", "pending_segments", r.queue.Pending(), "turn", r.activeTurn)
		r.abortTurn()
		return
	}

	// Nothing is playing; the echo window of the drained reply keeps running.
	if r.queue.Flush() > 0 {
		r.gate.Open()
	}
	if r.assistant.pending() {
		slog.Info("session: interrupted after playback", "turn", r.activeTurn)
	}
	r.assistant.reset()
	r.activeTurn = 0
	r.submittedAt = time.Time{}
}

// abortTurn returns to Listening without finalizing the turn.
func (r *run) abortTurn() {
	r.queue.Flush()
	r.assistant.reset()
	r.activeTurn = 0
	r.submittedAt = time.Time{}
	r.gate.Open()
	if st := r.s.State(); st != StateListening {
		r.s.moveTo(StateListening)
	}
}

func (r *run) onError(err error) error {
	kind := transport.KindOf(err)
	switch kind {
	case transport.KindProtocol:
		r.s.metrics.RecordError(r.ctx, kind.String(), string(r.adapter.Mode()))
		slog.Warn("session: protocol error", "err", err)
		return nil
	case transport.KindPayload:
		r.s.metrics.RecordError(r.ctx, kind.String(), string(r.adapter.Mode()))
		slog.Warn("session: payload error, aborting turn", "err", err, "turn", r.activeTurn)
		r.user.reset()
		r.abortTurn()
		return nil
	default:
		return classify("receive", transport.KindTransport, err)
	}
}

func (r *run) onDrained() {
	if r.queue.Busy() {
		return
	}
	r.gate.Release(time.Now())
	if r.s.State() == StateAvatarSpeaking {
		r.s.moveTo(StateListening)
	}
}

// ── Uplink ───────────────────────────────────────────────────────────────────

func (r *run) onFrame(f audio.AudioFrame) {
	if !r.gate.Allows(time.Now()) {
		return
	}
	if !r.utterances {
		select {
		case r.uplink <- f:
		default:
			r.dropOnce.Do(func() {
				slog.Warn("session: uplink is falling behind, dropping frames")
			})
		}
		return
	}

	st := r.s.State()
	if st != StateListening && st != StateUserSpeaking {
		return
	}
	r.s.detector.Observe(f)
	if st == StateUserSpeaking && r.utterance != nil {
		r.utterance.Append(f)
		return
	}
	r.preroll = append(r.preroll, f)
	if extra := len(r.preroll) - r.s.cfg.Preroll; extra > 0 {
		r.preroll = slices.Delete(r.preroll, 0, extra)
	}
}

func (r *run) onSpeech(ev vad.Event) error {
	switch ev.Type {
	case vad.SpeechStarted:
		if r.s.State() != StateListening {
			return nil
		}
		r.utterance = &audio.Utterance{Frames: slices.Clone(r.preroll)}
		r.preroll = r.preroll[:0]
		r.s.moveTo(StateUserSpeaking)
		return nil

	case vad.SpeechEnded:
		if r.s.State() != StateUserSpeaking {
			return nil
		}
		u := r.utterance
		r.utterance = nil
		if u == nil || u.Duration() < r.s.cfg.MinUtterance {
			slog.Debug("session: discarding short utterance")
			r.s.moveTo(StateListening)
			return nil
		}
		return r.submit(u)
	}
	return nil
}

// submit hands u to the adapter as a new turn.
func (r *run) submit(u *audio.Utterance) error {
	r.nextTurn++
	r.activeTurn = r.nextTurn
	r.s.setTurn(r.activeTurn)
	r.s.detector.Reset()
	r.s.moveTo(StateThinking)

	mode := string(r.adapter.Mode())
	r.s.metrics.Utterances.Add(r.ctx, 1, metric.WithAttributes(observe.Attr("mode", mode)))
	observe.Logger(r.ctx).Info("session: submitting utterance",
		"turn", r.activeTurn, "duration", u.Duration())

	sub := transport.Submission{
		TurnID:    r.activeTurn,
		Utterance: u,
		History:   r.s.history(),
	}
	r.submittedAt = time.Now()
	if err := r.adapter.Submit(r.ctx, sub); err != nil {
		return r.onError(classify("submit", transport.KindTransport, err))
	}
	return nil
}

// sendLoop forwards streaming frames to the adapter.
func (r *run) sendLoop() {
	for {
		select {
		case <-r.quit:
			return
		case f := <-r.uplink:
			err := r.adapter.SendFrame(r.ctx, f)
			if err == nil {
				continue
			}
			if errors.Is(err, transport.ErrClosed) {
				return
			}
			err = classify("send frame", transport.KindTransport, err)
			r.post(event{kind: evTransport, ev: transport.ErrorEvent(0, err)})
			if transport.IsFatal(err) {
				return
			}
		}
	}
}
