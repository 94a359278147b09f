// Package mock provides in-memory implementations of [capture.Device] and
// [playback.Player] for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	dev := mock.NewDevice(48000)
//	unit := capture.New(dev)
//	frames, _ := unit.Start(ctx)
//	dev.Feed(make([]float32, 4096))
package mock

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/MrWong99/talkloop/pkg/audio/capture"
	"github.com/MrWong99/talkloop/pkg/audio/playback"
)

var (
	_ capture.Device  = (*Device)(nil)
	_ playback.Player = (*Player)(nil)
)

// ─── Device ───────────────────────────────────────────────────────────────────

// Device is a mock [capture.Device]. Samples passed to [Device.Feed] are
// returned by Read in order. Closing the device unblocks a pending Read with
// [io.EOF]; the device can be opened again afterwards.
type Device struct {
	mu sync.Mutex

	// SampleRate is returned by Open.
	SampleRate int

	// OpenError, when set, is returned by Open.
	OpenError error

	// CallCountOpen records how many times Open was called.
	CallCountOpen int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	queue  [][]float32
	wake   chan struct{}
	closed bool
}

// NewDevice returns a device reporting the given native rate.
func NewDevice(sampleRate int) *Device {
	return &Device{SampleRate: sampleRate, wake: make(chan struct{}, 1)}
}

// Feed queues samples for the next Read calls.
func (d *Device) Feed(samples []float32) {
	d.mu.Lock()
	cp := make([]float32, len(samples))
	copy(cp, samples)
	d.queue = append(d.queue, cp)
	d.mu.Unlock()
	d.signal()
}

func (d *Device) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Open implements [capture.Device].
func (d *Device) Open(_ context.Context) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountOpen++
	if d.OpenError != nil {
		return 0, d.OpenError
	}
	d.closed = false
	return d.SampleRate, nil
}

// Read implements [capture.Device].
func (d *Device) Read(p []float32) (int, error) {
	for {
		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			return 0, io.EOF
		}
		if len(d.queue) > 0 {
			n := copy(p, d.queue[0])
			if n == len(d.queue[0]) {
				d.queue = d.queue[1:]
			} else {
				d.queue[0] = d.queue[0][n:]
			}
			d.mu.Unlock()
			return n, nil
		}
		d.mu.Unlock()
		<-d.wake
	}
}

// Close implements [capture.Device].
func (d *Device) Close() error {
	d.mu.Lock()
	d.CallCountClose++
	d.closed = true
	d.mu.Unlock()
	d.signal()
	return nil
}

// ─── Player ───────────────────────────────────────────────────────────────────

// PlayCall records a single [Player.Play] invocation.
type PlayCall struct {
	// PCM is the audio passed to Play.
	PCM []byte

	// Stopped is true if the call returned because its context was cancelled.
	Stopped bool
}

// Player is a mock [playback.Player]. Each Play call taps the whole buffer as
// one chunk and then blocks for PlayDuration, or until [Player.Release] is
// called when Hold is set.
type Player struct {
	mu sync.Mutex

	// PlayDuration is how long each Play call takes when Hold is false.
	PlayDuration time.Duration

	// Hold makes every Play call block until Release or cancellation.
	Hold bool

	// PlayError is returned by Play after natural completion.
	PlayError error

	// Calls records every Play invocation in order.
	Calls []PlayCall

	release chan struct{}
	started chan struct{}
}

// NewPlayer returns a player whose Play calls last d.
func NewPlayer(d time.Duration) *Player {
	return &Player{
		PlayDuration: d,
		release:      make(chan struct{}, 64),
		started:      make(chan struct{}, 64),
	}
}

// Play implements [playback.Player].
func (p *Player) Play(ctx context.Context, pcm []byte, tap func([]byte)) error {
	p.mu.Lock()
	idx := len(p.Calls)
	p.Calls = append(p.Calls, PlayCall{PCM: pcm})
	hold, dur := p.Hold, p.PlayDuration
	p.mu.Unlock()

	if tap != nil {
		tap(pcm)
	}
	select {
	case p.started <- struct{}{}:
	default:
	}

	var wait <-chan struct{}
	var timer *time.Timer
	if hold {
		wait = p.release
	} else {
		timer = time.NewTimer(dur)
		defer timer.Stop()
	}

	var timeout <-chan time.Time
	if timer != nil {
		timeout = timer.C
	}
	select {
	case <-ctx.Done():
		p.mu.Lock()
		p.Calls[idx].Stopped = true
		p.mu.Unlock()
		return ctx.Err()
	case <-wait:
	case <-timeout:
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.PlayError
}

// Release lets one held Play call complete naturally.
func (p *Player) Release() {
	p.release <- struct{}{}
}

// Started returns a channel that receives once per Play call, after the tap.
func (p *Player) Started() <-chan struct{} {
	return p.started
}

// PlayCalls returns a copy of the recorded calls.
func (p *Player) PlayCalls() []PlayCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PlayCall, len(p.Calls))
	copy(out, p.Calls)
	return out
}
