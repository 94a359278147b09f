// Package vad implements an energy-based voice activity detector with
// two-threshold hysteresis.
//
// Frames are observed as they arrive, but decisions are only taken on a fixed
// polling cadence from the smoothed level of the most recent frames. A single
// loud frame therefore cannot start an utterance on its own, and speech only
// ends after a continuous run of silence at least [Config.SilenceDuration]
// long.
//
// The detector is safe for concurrent use: Observe is typically called from
// the capture goroutine while the poller runs in its own goroutine.
package vad

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/talkloop/pkg/audio"
)

const (
	// DefaultSpeechThreshold is the smoothed level above which silence turns
	// into speech.
	DefaultSpeechThreshold = 0.02

	// DefaultSilenceThreshold is the smoothed level below which speech is
	// considered silent.
	DefaultSilenceThreshold = 0.01

	// DefaultSilenceDuration is how long silence must persist before
	// [SpeechEnded] is emitted.
	DefaultSilenceDuration = 1200 * time.Millisecond

	// DefaultPollInterval is the polling cadence.
	DefaultPollInterval = 50 * time.Millisecond

	// DefaultWindow is the number of recent frames averaged into the level.
	DefaultWindow = 2
)

// Config holds the detector parameters. Levels are mean absolute sample
// values normalised to [0, 1].
type Config struct {
	// SpeechThreshold is the level above which silence turns into speech.
	SpeechThreshold float64

	// SilenceThreshold is the level below which an ongoing utterance starts
	// its silence timer. Must be ≤ SpeechThreshold.
	SilenceThreshold float64

	// SilenceDuration is the continuous silence that ends an utterance.
	SilenceDuration time.Duration

	// PollInterval is the cadence of the background poller.
	PollInterval time.Duration

	// Window is the number of most recent frames averaged into the level.
	Window int
}

// DefaultConfig returns the default detector configuration.
func DefaultConfig() Config {
	return Config{
		SpeechThreshold:  DefaultSpeechThreshold,
		SilenceThreshold: DefaultSilenceThreshold,
		SilenceDuration:  DefaultSilenceDuration,
		PollInterval:     DefaultPollInterval,
		Window:           DefaultWindow,
	}
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	if c.SpeechThreshold <= 0 || c.SpeechThreshold > 1 {
		errs = append(errs, fmt.Errorf("vad: speech threshold %v must be in (0, 1]", c.SpeechThreshold))
	}
	if c.SilenceThreshold < 0 || c.SilenceThreshold > c.SpeechThreshold {
		errs = append(errs, fmt.Errorf("vad: silence threshold %v must be in [0, speech threshold]", c.SilenceThreshold))
	}
	if c.SilenceDuration <= 0 {
		errs = append(errs, errors.New("vad: silence duration must be positive"))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("vad: poll interval must be positive"))
	}
	if c.Window <= 0 {
		errs = append(errs, errors.New("vad: window must be positive"))
	}
	return errors.Join(errs...)
}

// EventType enumerates detector transitions.
type EventType int

const (
	// SpeechStarted is emitted on the silent→speaking transition.
	SpeechStarted EventType = iota

	// SpeechEnded is emitted once silence has lasted SilenceDuration.
	SpeechEnded
)

// String returns a short name for the event type.
func (t EventType) String() string {
	switch t {
	case SpeechStarted:
		return "speech_started"
	case SpeechEnded:
		return "speech_ended"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// Event is a detector transition.
type Event struct {
	Type EventType

	// At is the poll time at which the transition was decided.
	At time.Time

	// Level is the smoothed level that caused the transition.
	Level float64
}

// Detector is a polling hysteresis VAD.
type Detector struct {
	mu           sync.Mutex
	cfg          Config
	levels       []float64 // ring of the most recent frame levels
	next         int
	filled       int
	speaking     bool
	silenceSince time.Time
	gen          uint64 // bumped by Stop; a poller from an older generation emits nothing

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a detector. It returns an error if cfg is invalid.
func New(cfg Config) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Detector{cfg: cfg, levels: make([]float64, cfg.Window)}, nil
}

// Config returns the active configuration.
func (d *Detector) Config() Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

// SetThresholds replaces the thresholds and silence duration of a running
// detector. Poll interval and window size are fixed at construction.
func (d *Detector) SetThresholds(speech, silence float64, silenceDuration time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	next := d.cfg
	next.SpeechThreshold = speech
	next.SilenceThreshold = silence
	next.SilenceDuration = silenceDuration
	if err := next.Validate(); err != nil {
		return err
	}
	d.cfg = next
	return nil
}

// Observe records the level of frame.
func (d *Detector) Observe(frame audio.AudioFrame) {
	level := audio.MeanMagnitude(frame.Data)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.levels[d.next] = level
	d.next = (d.next + 1) % len(d.levels)
	if d.filled < len(d.levels) {
		d.filled++
	}
}

// Level returns the smoothed level over the observed window.
func (d *Detector) Level() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.levelLocked()
}

func (d *Detector) levelLocked() float64 {
	if d.filled == 0 {
		return 0
	}
	// Unfilled slots count as silence.
	var sum float64
	for _, l := range d.levels {
		sum += l
	}
	return sum / float64(len(d.levels))
}

// Speaking reports whether the detector is inside an utterance.
func (d *Detector) Speaking() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.speaking
}

// Reset returns the detector to silence and forgets all observed levels.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resetLocked()
}

func (d *Detector) resetLocked() {
	clear(d.levels)
	d.next, d.filled = 0, 0
	d.speaking = false
	d.silenceSince = time.Time{}
}

// Step evaluates the hysteresis once at time now and returns the resulting
// transition, if any. The background poller calls Step on every tick; tests
// call it directly with a synthetic clock.
func (d *Detector) Step(now time.Time) (Event, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stepLocked(now)
}

func (d *Detector) stepLocked(now time.Time) (Event, bool) {
	level := d.levelLocked()

	if !d.speaking {
		if level > d.cfg.SpeechThreshold {
			d.speaking = true
			d.silenceSince = time.Time{}
			return Event{Type: SpeechStarted, At: now, Level: level}, true
		}
		return Event{}, false
	}

	if level >= d.cfg.SilenceThreshold {
		d.silenceSince = time.Time{}
		return Event{}, false
	}
	if d.silenceSince.IsZero() {
		d.silenceSince = now
		return Event{}, false
	}
	if now.Sub(d.silenceSince) >= d.cfg.SilenceDuration {
		d.resetLocked()
		return Event{Type: SpeechEnded, At: now, Level: level}, true
	}
	return Event{}, false
}

// Start launches the poller, which calls handler for every transition. The
// handler runs on the poller goroutine and must not call Stop. Starting a
// running detector is a no-op.
func (d *Detector) Start(ctx context.Context, handler func(Event)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return
	}
	ctx, d.cancel = context.WithCancel(ctx)
	gen := d.gen
	interval := d.cfg.PollInterval

	d.wg.Go(func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-t.C:
				d.mu.Lock()
				if d.gen != gen {
					d.mu.Unlock()
					return
				}
				ev, ok := d.stepLocked(now)
				d.mu.Unlock()
				if ok && handler != nil {
					handler(ev)
				}
			}
		}
	})
}

// Stop cancels the poller, waits for it to exit and resets the detector. No
// handler call happens after Stop returns. Stop is idempotent and safe to
// call before Start.
func (d *Detector) Stop() {
	d.mu.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.gen++
	d.resetLocked()
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	d.wg.Wait()
}
