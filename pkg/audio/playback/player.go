package playback

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/MrWong99/talkloop/pkg/audio"
)

// Compile-time interface assertion.
var _ Player = (*WriterPlayer)(nil)

// DefaultChunkDuration is the amount of audio written to the device per tap.
const DefaultChunkDuration = 20 * time.Millisecond

// WriterOption configures a [WriterPlayer].
type WriterOption func(*WriterPlayer)

// WithChunkDuration sets how much audio is written per chunk.
func WithChunkDuration(d time.Duration) WriterOption {
	return func(p *WriterPlayer) {
		if d > 0 {
			p.chunk = d
		}
	}
}

// WithoutPacing writes chunks as fast as the writer accepts them instead of
// in real time. Useful when the writer is itself a blocking sound device.
func WithoutPacing() WriterOption {
	return func(p *WriterPlayer) {
		p.paced = false
	}
}

// WriterPlayer renders 24 kHz PCM to an [io.Writer] (for example the stdin
// of aplay) in fixed chunks, paced to real time so that cancellation takes
// effect within one chunk.
type WriterPlayer struct {
	w     io.Writer
	chunk time.Duration
	paced bool
}

// NewWriterPlayer returns a player writing to w.
func NewWriterPlayer(w io.Writer, opts ...WriterOption) *WriterPlayer {
	p := &WriterPlayer{w: w, chunk: DefaultChunkDuration, paced: true}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Play implements [Player].
func (p *WriterPlayer) Play(ctx context.Context, pcm []byte, tap func([]byte)) error {
	size := int(int64(audio.PlaybackRate)*int64(p.chunk)/int64(time.Second)) * 2
	if size <= 0 {
		size = 2
	}

	var ticker *time.Ticker
	if p.paced {
		ticker = time.NewTicker(p.chunk)
		defer ticker.Stop()
	}

	for off := 0; off < len(pcm); off += size {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(off+size, len(pcm))
		chunk := pcm[off:end]
		if _, err := p.w.Write(chunk); err != nil {
			return fmt.Errorf("playback: write: %w", err)
		}
		if tap != nil {
			tap(chunk)
		}
		if ticker != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}
	}
	return nil
}
