// Package capture turns a raw float32 input device into a stream of 16 kHz
// int16 [audio.AudioFrame]s of fixed size.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	resampling "github.com/tphakala/go-audio-resampling"

	"github.com/MrWong99/talkloop/pkg/audio"
)

// ErrCaptureUnavailable is returned by [Unit.Start] when the input device
// cannot be opened, for example because permission was denied.
var ErrCaptureUnavailable = errors.New("capture: device unavailable")

// ErrRunning is returned by [Unit.Start] while a previous capture is active.
var ErrRunning = errors.New("capture: already running")

// Device is a source of normalised float32 mono samples.
type Device interface {
	// Open acquires the device and returns its native sample rate.
	Open(ctx context.Context) (sampleRate int, err error)

	// Read fills p with samples in [-1, 1]. It blocks until at least one
	// sample is available, the device is closed, or the stream ends.
	Read(p []float32) (int, error)

	// Close releases the device and unblocks a pending Read.
	Close() error
}

// Option configures a [Unit].
type Option func(*Unit)

// WithFrameSamples sets the number of 16 kHz samples per emitted frame.
func WithFrameSamples(n int) Option {
	return func(u *Unit) {
		if n > 0 {
			u.frameSamples = n
		}
	}
}

// WithBuffer sets the capacity of the frame channel returned by Start.
func WithBuffer(n int) Option {
	return func(u *Unit) {
		if n >= 0 {
			u.buffer = n
		}
	}
}

// Unit reads a [Device], converts and resamples its samples, and emits
// fixed-size frames. A Unit can be started again after Stop.
type Unit struct {
	dev          Device
	frameSamples int
	buffer       int

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a capture unit over dev.
func New(dev Device, opts ...Option) *Unit {
	u := &Unit{
		dev:          dev,
		frameSamples: audio.DefaultFrameSamples,
		buffer:       8,
	}
	for _, o := range opts {
		o(u)
	}
	return u
}

// Start opens the device and begins emitting frames on the returned channel.
// The channel is closed when capture stops for any reason: Stop, ctx
// cancellation, or the device reaching end of stream.
func (u *Unit) Start(ctx context.Context) (<-chan audio.AudioFrame, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.running {
		return nil, ErrRunning
	}
	if u.dev == nil {
		return nil, fmt.Errorf("capture: no device configured: %w", ErrCaptureUnavailable)
	}

	rate, err := u.dev.Open(ctx)
	if err != nil {
		if errors.Is(err, ErrCaptureUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("capture: open: %w: %w", ErrCaptureUnavailable, err)
	}
	if rate <= 0 {
		_ = u.dev.Close()
		return nil, fmt.Errorf("capture: device reported sample rate %d: %w", rate, ErrCaptureUnavailable)
	}

	var rs resampling.Resampler
	if rate != audio.CaptureRate {
		rs, err = resampling.New(&resampling.Config{
			InputRate:  float64(rate),
			OutputRate: float64(audio.CaptureRate),
			Channels:   1,
			Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
		})
		if err != nil {
			_ = u.dev.Close()
			return nil, fmt.Errorf("capture: create resampler %d→%d: %w", rate, audio.CaptureRate, err)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	out := make(chan audio.AudioFrame, u.buffer)
	u.running = true
	u.cancel = cancel

	slog.Info("capture started", "device_rate", rate, "frame_samples", u.frameSamples)

	p := &pump{
		dev:          u.dev,
		rs:           rs,
		rate:         rate,
		frameSamples: u.frameSamples,
		out:          out,
	}
	u.wg.Go(func() {
		defer close(out)
		p.run(ctx)
	})
	// Unblock a pending Read when the context ends.
	u.wg.Go(func() {
		<-ctx.Done()
		_ = u.dev.Close()
	})
	return out, nil
}

// Stop releases the device and waits for the pump to exit. Stop is
// idempotent and safe to call before Start.
func (u *Unit) Stop() error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if !u.running {
		return nil
	}
	u.cancel()
	u.wg.Wait()
	u.running = false
	u.cancel = nil
	slog.Info("capture stopped")
	return nil
}

// pump is the per-Start state of the read loop.
type pump struct {
	dev          Device
	rs           resampling.Resampler
	rate         int
	frameSamples int
	out          chan<- audio.AudioFrame

	pending []byte // int16 LE samples not yet emitted
	emitted int64  // samples emitted since start
}

func (p *pump) run(ctx context.Context) {
	// Read roughly one frame's worth of device samples at a time.
	bufLen := p.frameSamples * p.rate / audio.CaptureRate
	if bufLen <= 0 {
		bufLen = p.frameSamples
	}
	buf := make([]float32, bufLen)

	for {
		n, err := p.dev.Read(buf)
		if n > 0 {
			if perr := p.push(buf[:n]); perr != nil {
				slog.Warn("capture: resample failed", "err", perr)
				return
			}
			if !p.flush(ctx) {
				return
			}
		}
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, io.EOF) {
				slog.Warn("capture: device read failed", "err", err)
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// push converts and resamples device samples into the pending buffer.
func (p *pump) push(samples []float32) error {
	if p.rs == nil {
		for _, s := range samples {
			v := audio.FloatToPCM16(s)
			p.pending = append(p.pending, byte(v), byte(v>>8))
		}
		return nil
	}

	in := make([]float64, len(samples))
	for i, s := range samples {
		in[i] = float64(s)
	}
	resampled, err := p.rs.Process(in)
	if err != nil {
		return err
	}
	for _, s := range resampled {
		v := audio.FloatToPCM16(float32(s))
		p.pending = append(p.pending, byte(v), byte(v>>8))
	}
	return nil
}

// flush emits every complete frame in the pending buffer. Returns false if
// ctx ended before a frame could be delivered.
func (p *pump) flush(ctx context.Context) bool {
	frameBytes := p.frameSamples * 2
	for len(p.pending) >= frameBytes {
		data := make([]byte, frameBytes)
		copy(data, p.pending[:frameBytes])
		p.pending = p.pending[frameBytes:]

		frame := audio.AudioFrame{
			Data:       data,
			SampleRate: audio.CaptureRate,
			Channels:   1,
			Timestamp:  time.Duration(p.emitted * int64(time.Second) / audio.CaptureRate),
		}
		p.emitted += int64(p.frameSamples)

		select {
		case <-ctx.Done():
			return false
		case p.out <- frame:
		}
	}
	return true
}
