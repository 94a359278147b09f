package session_test

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/talkloop/internal/observe"
	"github.com/MrWong99/talkloop/internal/session"
	"github.com/MrWong99/talkloop/pkg/audio"
	"github.com/MrWong99/talkloop/pkg/audio/capture"
	audiomock "github.com/MrWong99/talkloop/pkg/audio/mock"
	"github.com/MrWong99/talkloop/pkg/transport"
	transportmock "github.com/MrWong99/talkloop/pkg/transport/mock"
	"github.com/MrWong99/talkloop/pkg/usage"
	"github.com/MrWong99/talkloop/pkg/vad"
)

// frameSamples is 50 ms at the capture rate.
const frameSamples = 800

// ─── harness ──────────────────────────────────────────────────────────────────

type harness struct {
	t        *testing.T
	sess     *session.Session
	dev      *audiomock.Device
	player   *audiomock.Player
	counters *usage.Counters
	reader   *sdkmetric.ManualReader

	mu       sync.Mutex
	adapters []*transportmock.Adapter

	speech atomic.Int64 // speech frames still to feed
	stop   chan struct{}
	fed    sync.WaitGroup
}

type harnessConfig struct {
	mode      transport.Mode
	uplink    transport.Uplink
	hold      bool
	configure func(a *transportmock.Adapter)
	session   func(cfg *session.Config)
}

func newHarness(t *testing.T, hc harnessConfig) *harness {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	vcfg := vad.DefaultConfig()
	vcfg.SpeechThreshold = 0.05
	vcfg.SilenceThreshold = 0.02
	vcfg.SilenceDuration = 100 * time.Millisecond
	vcfg.PollInterval = 10 * time.Millisecond
	det, err := vad.New(vcfg)
	if err != nil {
		t.Fatalf("vad.New: %v", err)
	}

	h := &harness{
		t:        t,
		dev:      audiomock.NewDevice(audio.CaptureRate),
		player:   audiomock.NewPlayer(20 * time.Millisecond),
		counters: usage.New(usage.DefaultPrices),
		reader:   reader,
		stop:     make(chan struct{}),
	}
	h.player.Hold = hc.hold

	cfg := session.Config{
		NewAdapter: func(*usage.Counters) (transport.Adapter, error) {
			a := transportmock.New(hc.mode, hc.uplink)
			if hc.configure != nil {
				hc.configure(a)
			}
			h.mu.Lock()
			h.adapters = append(h.adapters, a)
			h.mu.Unlock()
			return a, nil
		},
		Capture:       capture.New(h.dev, capture.WithFrameSamples(frameSamples)),
		Player:        h.player,
		Detector:      det,
		Counters:      h.counters,
		Metrics:       metrics,
		Handshake:     transport.Handshake{UserName: "Aki"},
		EchoWindow:    time.Millisecond,
		MinUtterance:  200 * time.Millisecond,
		MouthInterval: 5 * time.Millisecond,
	}
	if hc.session != nil {
		hc.session(&cfg)
	}
	h.sess, err = session.New(cfg)
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	t.Cleanup(func() {
		close(h.stop)
		h.fed.Wait()
		if err := h.sess.Stop(); err != nil {
			t.Errorf("Stop: %v", err)
		}
	})
	return h
}

func (h *harness) start() *transportmock.Adapter {
	h.t.Helper()
	if err := h.sess.Start(context.Background()); err != nil {
		h.t.Fatalf("Start: %v", err)
	}
	if got := h.sess.State(); got != session.StateListening {
		h.t.Fatalf("state after Start = %v, want listening", got)
	}
	return h.adapter()
}

// adapter returns the most recently created adapter.
func (h *harness) adapter() *transportmock.Adapter {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.adapters) == 0 {
		h.t.Fatal("no adapter created")
	}
	return h.adapters[len(h.adapters)-1]
}

// feed starts a goroutine that keeps the microphone busy: queued speech
// frames first, silence otherwise.
func (h *harness) feed() {
	speech := make([]float32, frameSamples)
	for i := range speech {
		speech[i] = 0.5
		if i%2 == 1 {
			speech[i] = -0.5
		}
	}
	silence := make([]float32, frameSamples)

	h.fed.Go(func() {
		t := time.NewTicker(5 * time.Millisecond)
		defer t.Stop()
		for {
			select {
			case <-h.stop:
				return
			case <-t.C:
			}
			if h.speech.Load() > 0 {
				h.speech.Add(-1)
				h.dev.Feed(speech)
			} else {
				h.dev.Feed(silence)
			}
		}
	})
}

// speak queues n frames of speech.
func (h *harness) speak(n int) {
	h.speech.Add(int64(n))
}

func (h *harness) waitState(want session.State) {
	h.t.Helper()
	waitFor(h.t, func() bool { return h.sess.State() == want })
}

// waitFor polls cond until it is true or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// counter returns the total of the named int64 counter.
func (h *harness) counter(name string) int64 {
	h.t.Helper()
	var rm metricdata.ResourceMetrics
	if err := h.reader.Collect(context.Background(), &rm); err != nil {
		h.t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

// replyAudio returns d of 24 kHz audio at a constant level.
func replyAudio(d time.Duration) audio.AudioFrame {
	n := int(d.Seconds() * audio.PlaybackRate)
	data := make([]byte, n*2)
	for i := range n {
		audio.PutSample(data, i, 12000)
	}
	return audio.AudioFrame{Data: data, SampleRate: audio.PlaybackRate, Channels: 1}
}

// ─── recorder ─────────────────────────────────────────────────────────────────

// recorder collects every distinct published state in order.
type recorder struct {
	mu     sync.Mutex
	states []session.State
	done   chan struct{}
}

func record(t *testing.T, s *session.Session) *recorder {
	t.Helper()
	ch, unsubscribe := s.Subscribe()
	r := &recorder{done: make(chan struct{})}
	go func() {
		defer close(r.done)
		for snap := range ch {
			r.mu.Lock()
			if n := len(r.states); n == 0 || r.states[n-1] != snap.State {
				r.states = append(r.states, snap.State)
			}
			r.mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		unsubscribe()
		<-r.done
	})
	return r
}

// contains reports whether seq appears in the recorded states as a
// contiguous run.
func (r *recorder) contains(seq ...session.State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := 0; i+len(seq) <= len(r.states); i++ {
		match := true
		for j, s := range seq {
			if r.states[i+j] != s {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

func (r *recorder) snapshot() []session.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]session.State(nil), r.states...)
}

// ─── lifecycle ────────────────────────────────────────────────────────────────

func TestSession_StartStop(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{mode: transport.ModeStreaming, uplink: transport.Continuous})
	a := h.start()

	snap := h.sess.Snapshot()
	if snap.SessionID == "" {
		t.Error("expected a session ID")
	}
	if snap.Mode != transport.ModeStreaming {
		t.Errorf("mode = %q, want streaming", snap.Mode)
	}
	if a.Handshake.UserName != "Aki" {
		t.Errorf("handshake user = %q, want Aki", a.Handshake.UserName)
	}

	if err := h.sess.Start(context.Background()); !errors.Is(err, session.ErrRunning) {
		t.Errorf("second Start = %v, want ErrRunning", err)
	}

	if err := h.sess.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := h.sess.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if got := h.sess.State(); got != session.StateIdle {
		t.Errorf("state after Stop = %v, want idle", got)
	}
	if n := a.Closes(); n != 1 {
		t.Errorf("adapter closed %d times, want 1", n)
	}
	if err := h.sess.Interrupt(); !errors.Is(err, session.ErrNotRunning) {
		t.Errorf("Interrupt after Stop = %v, want ErrNotRunning", err)
	}
}

func TestSession_UsageResetOnStop(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{mode: transport.ModeStreaming, uplink: transport.Continuous})
	h.start()

	h.counters.Record(usage.Input, 3200, audio.CaptureRate)
	if got := h.sess.Snapshot().Usage.InputDuration; got != 100*time.Millisecond {
		t.Fatalf("input duration = %v, want 100ms", got)
	}
	if err := h.sess.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := h.sess.Snapshot().Usage; got != (usage.Snapshot{}) {
		t.Errorf("usage after Stop = %+v, want zero", got)
	}
}

func TestSession_ConnectFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{
		mode:   transport.ModeStreaming,
		uplink: transport.Continuous,
		configure: func(a *transportmock.Adapter) {
			a.ConnectErr = errors.New("refused")
		},
	})

	err := h.sess.Start(context.Background())
	if transport.KindOf(err) != transport.KindTransport {
		t.Fatalf("Start = %v, want transport error", err)
	}
	snap := h.sess.Snapshot()
	if snap.State != session.StateError || !strings.Contains(snap.Reason, "refused") {
		t.Errorf("snapshot = %v %q, want error state with reason", snap.State, snap.Reason)
	}
	if n := h.adapter().Closes(); n != 1 {
		t.Errorf("adapter closed %d times, want 1", n)
	}

	if err := h.sess.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := h.sess.State(); got != session.StateIdle {
		t.Errorf("state after Stop = %v, want idle", got)
	}
}

func TestSession_CaptureUnavailable(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{mode: transport.ModeBatch, uplink: transport.PerUtterance})
	h.dev.OpenError = errors.New("permission denied")

	err := h.sess.Start(context.Background())
	if transport.KindOf(err) != transport.KindDevice {
		t.Fatalf("Start = %v, want device error", err)
	}
	if !errors.Is(err, capture.ErrCaptureUnavailable) {
		t.Errorf("Start = %v, want ErrCaptureUnavailable in chain", err)
	}
	if got := h.sess.State(); got != session.StateError {
		t.Errorf("state = %v, want error", got)
	}
	if n := h.adapter().Closes(); n != 1 {
		t.Errorf("adapter closed %d times, want 1", n)
	}
}

func TestSession_FatalErrorThenRestart(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{mode: transport.ModeStreaming, uplink: transport.Continuous})
	first := h.start()

	first.Push(transport.ErrorEvent(0, transport.NewError(transport.KindTransport, "read", errors.New("connection reset"))))
	h.waitState(session.StateError)
	if reason := h.sess.Snapshot().Reason; !strings.Contains(reason, "connection reset") {
		t.Errorf("reason = %q", reason)
	}
	waitFor(t, func() bool { return first.Closes() == 1 })

	second := h.start()
	if second == first {
		t.Fatal("restart reused the failed adapter")
	}
	if reason := h.sess.Snapshot().Reason; reason != "" {
		t.Errorf("reason after restart = %q, want empty", reason)
	}
}

func TestSession_RemoteCloseIsFatal(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{mode: transport.ModeStreaming, uplink: transport.Continuous})
	a := h.start()

	_ = a.Close()
	h.waitState(session.StateError)

	if err := h.sess.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := h.sess.State(); got != session.StateIdle {
		t.Errorf("state after Stop = %v, want idle", got)
	}
}

// ─── streaming ────────────────────────────────────────────────────────────────

func TestSession_StreamingForwardsFrames(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{mode: transport.ModeStreaming, uplink: transport.Continuous})
	a := h.start()
	h.feed()

	waitFor(t, func() bool { return len(a.SentFrames()) >= 2 })
	f := a.SentFrames()[0]
	if f.SampleRate != audio.CaptureRate || len(f.Data) != frameSamples*2 {
		t.Errorf("frame = %d Hz, %d bytes", f.SampleRate, len(f.Data))
	}
}

func TestSession_StreamingInterrupted(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{mode: transport.ModeStreaming, uplink: transport.Continuous, hold: true})
	rec := record(t, h.sess)
	a := h.start()

	a.Push(transport.TextEvent(transport.EventUserTranscript, 0, "hi"))
	h.waitState(session.StateUserSpeaking)
	a.Push(transport.TextEvent(transport.EventTextDelta, 0, "hello there"))
	a.Push(transport.AudioChunkEvent(0, replyAudio(500*time.Millisecond)))
	<-h.player.Started()
	h.waitState(session.StateAvatarSpeaking)

	a.Push(transport.SignalEvent(transport.EventInterrupted, 0))
	h.waitState(session.StateListening)
	waitFor(t, func() bool {
		calls := h.player.PlayCalls()
		return len(calls) == 1 && calls[0].Stopped
	})

	// The interrupted reply must not be finalized by a late turn_complete.
	a.Push(transport.SignalEvent(transport.EventTurnComplete, 0))
	a.Push(transport.SignalEvent(transport.EventThinking, 0))
	h.waitState(session.StateThinking)

	log := h.sess.Snapshot().Log
	if len(log) != 1 || log[0].Role != transport.RoleUser || log[0].Text != "hi" {
		t.Errorf("log = %+v, want only the user turn", log)
	}
	if n := len(h.player.PlayCalls()); n != 1 {
		t.Errorf("play calls = %d, want 1", n)
	}
	if !rec.contains(session.StateListening, session.StateUserSpeaking, session.StateThinking,
		session.StateAvatarSpeaking, session.StateListening) {
		t.Errorf("states = %v", rec.snapshot())
	}
}

func TestSession_StreamingInterruptedDropsQueuedAudio(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{mode: transport.ModeStreaming, uplink: transport.Continuous, hold: true})
	a := h.start()

	a.Push(transport.TextEvent(transport.EventTextDelta, 0, "first half"))
	a.Push(transport.AudioChunkEvent(0, replyAudio(500*time.Millisecond)))
	a.Push(transport.AudioChunkEvent(0, replyAudio(500*time.Millisecond)))
	<-h.player.Started()
	h.waitState(session.StateAvatarSpeaking)
	waitFor(t, func() bool { return h.counter("talkloop.playback.segments") == 2 })

	a.Push(transport.SignalEvent(transport.EventInterrupted, 0))
	h.waitState(session.StateListening)
	waitFor(t, func() bool {
		calls := h.player.PlayCalls()
		return len(calls) == 1 && calls[0].Stopped
	})

	// A released player would pick up anything still queued.
	h.player.Release()
	time.Sleep(50 * time.Millisecond)
	if n := len(h.player.PlayCalls()); n != 1 {
		t.Errorf("play calls = %d, want 1: the second segment must be dropped", n)
	}

	a.Push(transport.SignalEvent(transport.EventTurnComplete, 0))
	a.Push(transport.SignalEvent(transport.EventThinking, 0))
	h.waitState(session.StateThinking)
	for _, turn := range h.sess.Snapshot().Log {
		if turn.Role == transport.RoleAssistant {
			t.Errorf("interrupted reply was logged: %+v", turn)
		}
	}
}

func TestSession_InterruptedAfterDrain(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{mode: transport.ModeStreaming, uplink: transport.Continuous})
	rec := record(t, h.sess)
	a := h.start()

	a.Push(transport.TextEvent(transport.EventTextDelta, 0, "partial reply"))
	a.Push(transport.AudioChunkEvent(0, replyAudio(100*time.Millisecond)))
	waitFor(t, func() bool {
		return rec.contains(session.StateAvatarSpeaking, session.StateListening) &&
			h.sess.State() == session.StateListening
	})

	a.Push(transport.SignalEvent(transport.EventInterrupted, 0))
	a.Push(transport.SignalEvent(transport.EventTurnComplete, 0))
	a.Push(transport.SignalEvent(transport.EventThinking, 0))
	h.waitState(session.StateThinking)

	if log := h.sess.Snapshot().Log; len(log) != 0 {
		t.Errorf("log after interrupted and turn_complete = %+v, want empty", log)
	}
}

func TestSession_EchoWindowSurvivesTurnComplete(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{
		mode:    transport.ModeStreaming,
		uplink:  transport.Continuous,
		session: func(cfg *session.Config) { cfg.EchoWindow = time.Second },
	})
	rec := record(t, h.sess)
	a := h.start()
	h.feed()
	waitFor(t, func() bool { return len(a.SentFrames()) > 0 })

	a.Push(transport.AudioChunkEvent(0, replyAudio(100*time.Millisecond)))
	waitFor(t, func() bool {
		return rec.contains(session.StateAvatarSpeaking, session.StateListening) &&
			h.sess.State() == session.StateListening
	})
	// Let frames admitted before playback reach the adapter.
	time.Sleep(50 * time.Millisecond)
	drained := len(a.SentFrames())

	a.Push(transport.SignalEvent(transport.EventTurnComplete, 0))
	time.Sleep(300 * time.Millisecond)
	if n := len(a.SentFrames()) - drained; n != 0 {
		t.Errorf("frames sent inside the echo window: %d, want 0", n)
	}

	// The window ends on its own.
	waitFor(t, func() bool { return len(a.SentFrames()) > drained })
}

// rawSamples encodes n little-endian float32 samples of value v, as
// written by arecord.
func rawSamples(n int, v float32) []byte {
	b := make([]byte, 0, n*4)
	for range n {
		b = binary.LittleEndian.AppendUint32(b, math.Float32bits(v))
	}
	return b
}

func TestSession_RestartWithReaderDevice(t *testing.T) {
	t.Parallel()

	pr, pw, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	t.Cleanup(func() {
		_ = pw.Close()
		_ = pr.Close()
	})

	h := newHarness(t, harnessConfig{
		mode:   transport.ModeStreaming,
		uplink: transport.Continuous,
		session: func(cfg *session.Config) {
			cfg.Capture = capture.New(capture.NewReaderDevice(pr, audio.CaptureRate), capture.WithFrameSamples(frameSamples))
		},
	})

	for round := range 2 {
		a := h.start()
		if _, err := pw.Write(rawSamples(frameSamples, 0.1)); err != nil {
			t.Fatalf("round %d: write: %v", round, err)
		}
		waitFor(t, func() bool { return len(a.SentFrames()) > 0 })
		if err := h.sess.Stop(); err != nil {
			t.Fatalf("round %d: Stop: %v", round, err)
		}
		if got := h.sess.State(); got != session.StateIdle {
			t.Fatalf("round %d: state after Stop = %v", round, got)
		}
	}
}

func TestSession_InterruptCommand(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{mode: transport.ModeStreaming, uplink: transport.Continuous, hold: true})
	a := h.start()

	// Outside Thinking and AvatarSpeaking the command is a no-op.
	if err := h.sess.Interrupt(); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}

	a.Push(transport.AudioChunkEvent(0, replyAudio(time.Second)))
	a.Push(transport.AudioChunkEvent(0, replyAudio(time.Second)))
	<-h.player.Started()
	h.waitState(session.StateAvatarSpeaking)
	waitFor(t, func() bool { return h.sess.Snapshot().MouthOpen })

	if err := h.sess.Interrupt(); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}
	h.waitState(session.StateListening)
	waitFor(t, func() bool { return !h.sess.Snapshot().MouthOpen })

	calls := h.player.PlayCalls()
	if len(calls) != 1 || !calls[0].Stopped {
		t.Errorf("play calls = %+v, want one stopped call", calls)
	}
}

func TestSession_AudioWalksThroughThinking(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{mode: transport.ModeStreaming, uplink: transport.Continuous})
	rec := record(t, h.sess)
	a := h.start()

	a.Push(transport.AudioChunkEvent(0, replyAudio(100*time.Millisecond)))
	a.Push(transport.TextEvent(transport.EventTextDelta, 0, "おはよう"))
	a.Push(transport.SignalEvent(transport.EventTurnComplete, 0))

	waitFor(t, func() bool {
		return rec.contains(session.StateListening, session.StateThinking,
			session.StateAvatarSpeaking, session.StateListening)
	})
	log := h.sess.Snapshot().Log
	if len(log) != 1 || log[0].Role != transport.RoleAssistant || log[0].Text != "おはよう" {
		t.Errorf("log = %+v", log)
	}
}

func TestSession_EmptyTextThenTurnComplete(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{mode: transport.ModeStreaming, uplink: transport.Continuous})
	a := h.start()

	a.Push(transport.TextEvent(transport.EventTextDelta, 0, ""))
	h.waitState(session.StateThinking)
	a.Push(transport.SignalEvent(transport.EventTurnComplete, 0))
	h.waitState(session.StateListening)

	if log := h.sess.Snapshot().Log; len(log) != 0 {
		t.Errorf("log = %+v, want empty", log)
	}
}

func TestSession_PayloadErrorAbortsTurn(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{mode: transport.ModeStreaming, uplink: transport.Continuous, hold: true})
	a := h.start()

	a.Push(transport.TextEvent(transport.EventTextDelta, 0, "partial"))
	a.Push(transport.AudioChunkEvent(0, replyAudio(time.Second)))
	<-h.player.Started()
	h.waitState(session.StateAvatarSpeaking)

	a.Push(transport.ErrorEvent(0, transport.NewError(transport.KindPayload, "decode", audio.ErrMalformedPayload)))
	h.waitState(session.StateListening)
	waitFor(t, func() bool {
		calls := h.player.PlayCalls()
		return len(calls) == 1 && calls[0].Stopped
	})

	a.Push(transport.SignalEvent(transport.EventTurnComplete, 0))
	a.Push(transport.SignalEvent(transport.EventThinking, 0))
	h.waitState(session.StateThinking)
	if log := h.sess.Snapshot().Log; len(log) != 0 {
		t.Errorf("log = %+v, want empty", log)
	}
}

func TestSession_ProtocolErrorIgnored(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{mode: transport.ModeStreaming, uplink: transport.Continuous})
	a := h.start()

	a.Push(transport.ErrorEvent(0, transport.NewError(transport.KindProtocol, "server", errors.New("odd"))))
	a.Push(transport.SignalEvent(transport.EventThinking, 0))
	h.waitState(session.StateThinking)
}

// ─── per-utterance ────────────────────────────────────────────────────────────

func TestSession_BatchTurn(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{
		mode:   transport.ModeBatch,
		uplink: transport.PerUtterance,
		configure: func(a *transportmock.Adapter) {
			a.OnSubmit = func(s transport.Submission) []transport.Event {
				return []transport.Event{
					transport.TextEvent(transport.EventUserTranscript, s.TurnID, "こんにちは"),
					transport.AudioChunkEvent(s.TurnID, replyAudio(5*time.Second)),
					transport.TextEvent(transport.EventTextDelta, s.TurnID, "はい、こんにちは"),
					transport.SignalEvent(transport.EventTurnComplete, s.TurnID),
				}
			}
		},
	})
	rec := record(t, h.sess)
	a := h.start()
	h.feed()

	h.speak(60) // 3 s
	waitFor(t, func() bool { return len(a.Submitted()) == 1 })
	waitFor(t, func() bool {
		return rec.contains(session.StateAvatarSpeaking, session.StateListening) &&
			len(h.sess.Snapshot().Log) == 2
	})

	sub := a.Submitted()[0]
	if sub.TurnID != 1 {
		t.Errorf("turn = %d, want 1", sub.TurnID)
	}
	if len(sub.History) != 0 {
		t.Errorf("history = %+v, want empty", sub.History)
	}
	if d := sub.Utterance.Duration(); d < 2*time.Second {
		t.Errorf("utterance = %v, want at least 2s", d)
	}

	calls := h.player.PlayCalls()
	if len(calls) != 1 {
		t.Fatalf("play calls = %d, want 1", len(calls))
	}
	if d := audio.PCMDuration(len(calls[0].PCM), audio.PlaybackRate, 1); d != 5*time.Second {
		t.Errorf("segment = %v, want 5s", d)
	}

	log := h.sess.Snapshot().Log
	if len(log) != 2 ||
		log[0].Role != transport.RoleUser || log[0].Text != "こんにちは" ||
		log[1].Role != transport.RoleAssistant || log[1].Text != "はい、こんにちは" {
		t.Errorf("log = %+v", log)
	}
	if !rec.contains(session.StateListening, session.StateUserSpeaking, session.StateThinking,
		session.StateAvatarSpeaking, session.StateListening) {
		t.Errorf("states = %v", rec.snapshot())
	}

	// The next submission carries the finalized history.
	h.speak(20)
	waitFor(t, func() bool { return len(a.Submitted()) == 2 })
	next := a.Submitted()[1]
	if next.TurnID != 2 || len(next.History) != 2 {
		t.Errorf("second submission = turn %d, %d history entries", next.TurnID, len(next.History))
	}
	if got := h.sess.Snapshot().Turn; got != 2 {
		t.Errorf("snapshot turn = %d, want 2", got)
	}
}

func TestSession_StaleTurnDropped(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{mode: transport.ModeBatch, uplink: transport.PerUtterance})
	a := h.start()
	h.feed()

	h.speak(20)
	waitFor(t, func() bool { return len(a.Submitted()) == 1 })
	h.waitState(session.StateThinking)

	if err := h.sess.Interrupt(); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}
	h.waitState(session.StateListening)

	a.Push(transport.TextEvent(transport.EventTextDelta, 1, "too late"))
	a.Push(transport.AudioChunkEvent(1, replyAudio(time.Second)))
	a.Push(transport.SignalEvent(transport.EventTurnComplete, 1))
	a.Push(transport.SignalEvent(transport.EventThinking, 0))
	h.waitState(session.StateThinking)

	if n := len(h.player.PlayCalls()); n != 0 {
		t.Errorf("play calls = %d, want 0", n)
	}
	if log := h.sess.Snapshot().Log; len(log) != 0 {
		t.Errorf("log = %+v, want empty", log)
	}
}

func TestSession_ShortUtteranceDiscarded(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{
		mode:   transport.ModeBatch,
		uplink: transport.PerUtterance,
		session: func(cfg *session.Config) {
			cfg.MinUtterance = time.Minute
		},
	})
	rec := record(t, h.sess)
	a := h.start()
	h.feed()

	h.speak(5)
	waitFor(t, func() bool {
		return rec.contains(session.StateListening, session.StateUserSpeaking, session.StateListening)
	})
	if n := len(a.Submitted()); n != 0 {
		t.Errorf("submissions = %d, want 0", n)
	}
}

func TestSession_SubmitFailureIsFatal(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{
		mode:   transport.ModeText,
		uplink: transport.PerUtterance,
		configure: func(a *transportmock.Adapter) {
			a.SubmitErr = errors.New("no route to host")
		},
	})
	h.start()
	h.feed()

	h.speak(20)
	h.waitState(session.StateError)
	if reason := h.sess.Snapshot().Reason; !strings.Contains(reason, "no route to host") {
		t.Errorf("reason = %q", reason)
	}
}

// ─── observation and tunables ─────────────────────────────────────────────────

func TestSession_Subscribe(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{mode: transport.ModeStreaming, uplink: transport.Continuous})
	ch, unsubscribe := h.sess.Subscribe()

	first := <-ch
	if first.State != session.StateIdle {
		t.Errorf("initial state = %v, want idle", first.State)
	}

	h.start()
	waitFor(t, func() bool {
		for {
			select {
			case snap := <-ch:
				if snap.State == session.StateListening {
					return true
				}
			default:
				return false
			}
		}
	})

	unsubscribe()
	unsubscribe()
	for range ch {
	}
}

func TestSession_Tunables(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessConfig{mode: transport.ModeBatch, uplink: transport.PerUtterance})
	h.start()

	if err := h.sess.SetMouthThreshold(0); err == nil {
		t.Error("expected error for zero mouth threshold")
	}
	if err := h.sess.SetMouthThreshold(0.3); err != nil {
		t.Errorf("SetMouthThreshold: %v", err)
	}
	if err := h.sess.SetVADThresholds(0.01, 0.5, time.Second); err == nil {
		t.Error("expected error when silence threshold exceeds speech threshold")
	}
	if err := h.sess.SetVADThresholds(0.1, 0.05, time.Second); err != nil {
		t.Errorf("SetVADThresholds: %v", err)
	}

	h.sess.SetPrices(usage.Prices{InputPerMillion: 1_000_000})
	h.counters.Record(usage.Input, audio.CaptureRate*2, audio.CaptureRate)
	if cost := h.sess.Snapshot().Usage.CostUSD; math.Abs(cost-25) > 1e-9 {
		t.Errorf("cost = %v, want 25", cost)
	}
}

func TestNew_RequiresDependencies(t *testing.T) {
	t.Parallel()

	_, err := session.New(session.Config{})
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"adapter factory", "frame source", "player"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}
