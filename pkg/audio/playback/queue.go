// Package playback owns the audio output path: a FIFO [Queue] of decoded
// segments, the [Player] that renders them, and a [MouthDriver] that turns the
// output amplitude into an open/closed signal for an avatar.
//
// At most one segment plays at a time. [Queue.Flush] stops the active segment
// and drops everything pending; a flushed segment's return is recognised by
// its generation number so it never advances the queue or fires the drained
// callback.
package playback

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/talkloop/pkg/audio"
)

// ErrClosed is returned by [Queue.Enqueue] after [Queue.Close].
var ErrClosed = errors.New("playback: queue closed")

// defaultQueueCap is the initial capacity hint for the pending list.
const defaultQueueCap = 16

// Segment is one decoded unit of assistant audio waiting for or undergoing
// playback.
type Segment struct {
	// ID increases monotonically per queue.
	ID uint64

	// PCM is 24 kHz mono int16 LE audio.
	PCM []byte

	// Duration is derived from len(PCM) at [audio.PlaybackRate].
	Duration time.Duration
}

// Player renders PCM to an output device. Play blocks until the audio has
// been rendered or ctx is cancelled, and calls tap with every chunk at the
// moment it is handed to the device.
type Player interface {
	Play(ctx context.Context, pcm []byte, tap func(chunk []byte)) error
}

// Option configures a [Queue] during construction.
type Option func(*Queue)

// WithQueueCapacity sets the initial capacity hint for the pending list.
// This does not impose a hard limit.
func WithQueueCapacity(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.pending = make([]Segment, 0, n)
		}
	}
}

// WithOnSegment registers a callback invoked on the dispatch goroutine each
// time a segment finishes, with stopped reporting whether it was flushed.
func WithOnSegment(fn func(seg Segment, stopped bool)) Option {
	return func(q *Queue) {
		q.onSegment = fn
	}
}

// Queue plays segments in FIFO order through a [Player].
//
// All exported methods are safe for concurrent use.
type Queue struct {
	player Player

	mu        sync.Mutex
	pending   []Segment
	nextID    uint64
	gen       uint64             // bumped by Flush; identifies stale Play returns
	active    *Segment           // currently playing segment, or nil
	cancel    context.CancelFunc // cancels the active Play call
	stopped   chan struct{}      // closed once the active Play call has returned
	onDrained func()
	onSegment func(Segment, bool)

	level atomic.Uint64 // math.Float64bits of the latest chunk peak

	notify chan struct{} // signalled when a segment is enqueued
	done   chan struct{} // closed by Close to stop the dispatch goroutine
	closed bool
	wg     sync.WaitGroup
}

// New creates a [Queue] that renders through player and starts its dispatch
// goroutine. Call [Queue.Close] to stop it.
func New(player Player, opts ...Option) *Queue {
	q := &Queue{
		player:  player,
		pending: make([]Segment, 0, defaultQueueCap),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(q)
	}
	q.wg.Go(q.dispatch)
	return q
}

// OnDrained registers fn to be called each time playback completes naturally
// and nothing is left pending. Subsequent calls replace the registration. fn
// runs on the dispatch goroutine and must not block or call back into the
// queue synchronously.
func (q *Queue) OnDrained(fn func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onDrained = fn
}

// Enqueue appends pcm to the end of the queue and returns the created
// segment.
func (q *Queue) Enqueue(pcm []byte) (Segment, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return Segment{}, ErrClosed
	}

	q.nextID++
	seg := Segment{
		ID:       q.nextID,
		PCM:      pcm,
		Duration: audio.PCMDuration(len(pcm), audio.PlaybackRate, 1),
	}
	q.pending = append(q.pending, seg)

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return seg, nil
}

// Flush stops the active segment, drops every pending segment, and waits for
// the player to return from the stopped segment. It returns the number of
// segments discarded, counting the active one. Flushing an idle queue is a
// no-op.
func (q *Queue) Flush() int {
	q.mu.Lock()
	n := q.flushLocked()
	stopped := q.stopped
	q.mu.Unlock()

	if stopped != nil {
		select {
		case <-stopped:
		case <-q.done:
		}
	}
	q.setLevel(0)
	return n
}

// flushLocked must be called with q.mu held.
func (q *Queue) flushLocked() int {
	n := len(q.pending)
	q.pending = q.pending[:0]
	if q.active != nil {
		n++
		q.gen++
		q.cancel()
		q.cancel = nil
		q.active = nil
	}
	return n
}

// Busy reports whether a segment is playing or pending.
func (q *Queue) Busy() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active != nil || len(q.pending) > 0
}

// Pending returns the number of segments waiting behind the active one.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Level returns the peak amplitude, normalised to [0, 1], of the chunk most
// recently handed to the output device. It is zero while idle. Level never
// takes the queue lock.
func (q *Queue) Level() float64 {
	return math.Float64frombits(q.level.Load())
}

func (q *Queue) setLevel(v float64) {
	q.level.Store(math.Float64bits(v))
}

// tap is handed to the player for every chunk it renders.
func (q *Queue) tap(chunk []byte) {
	q.setLevel(audio.PeakMagnitude(chunk))
}

// Close stops playback, drops pending segments, and waits for the dispatch
// goroutine to exit. Close is idempotent.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.flushLocked()
	q.mu.Unlock()

	close(q.done)
	q.wg.Wait()
	q.setLevel(0)
	return nil
}

// dispatch is the background goroutine that pulls segments from the queue
// and hands them to the player. It runs until [Queue.Close] is called.
func (q *Queue) dispatch() {
	for {
		select {
		case <-q.done:
			return
		case <-q.notify:
		}

		for {
			seg, ctx, gen, ok := q.playNext()
			if !ok {
				break
			}
			err := q.player.Play(ctx, seg.PCM, q.tap)
			if err != nil && ctx.Err() == nil {
				slog.Warn("playback: player failed", "segment", seg.ID, "err", err)
			}
			q.finish(seg, gen)
		}
	}
}

// playNext pops the head of the queue and marks it active. Returns ok=false
// if the queue is empty or closed.
func (q *Queue) playNext() (Segment, context.Context, uint64, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || len(q.pending) == 0 {
		return Segment{}, nil, 0, false
	}

	seg := q.pending[0]
	q.pending = q.pending[1:]

	ctx, cancel := context.WithCancel(context.Background())
	q.active = &seg
	q.cancel = cancel
	q.stopped = make(chan struct{})
	return seg, ctx, q.gen, true
}

// finish records the end of a Play call. A return from a flushed generation
// is only acknowledged; a natural completion clears the active slot and, if
// nothing is pending, fires the drained callback.
func (q *Queue) finish(seg Segment, gen uint64) {
	q.mu.Lock()
	close(q.stopped)
	q.stopped = nil

	stale := gen != q.gen
	idle := false
	if !stale {
		q.cancel()
		q.cancel = nil
		q.active = nil
		idle = len(q.pending) == 0
	}
	onSegment, onDrained := q.onSegment, q.onDrained
	q.mu.Unlock()

	if onSegment != nil {
		onSegment(seg, stale)
	}
	if idle {
		q.setLevel(0)
		if onDrained != nil {
			onDrained()
		}
	}
}
