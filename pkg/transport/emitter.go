package transport

import "sync"

// DefaultEventBuffer is the event channel capacity used by the adapters.
const DefaultEventBuffer = 64

// Emitter owns an adapter's event channel. Producers run through [Emitter.Go]
// so that [Emitter.Close] can wait for them before closing the channel, which
// therefore is closed exactly once and never written to afterwards.
type Emitter struct {
	ch   chan Event
	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// NewEmitter creates an emitter with the given channel capacity.
func NewEmitter(buffer int) *Emitter {
	return &Emitter{
		ch:   make(chan Event, buffer),
		done: make(chan struct{}),
	}
}

// Events returns the receive side of the channel.
func (e *Emitter) Events() <-chan Event { return e.ch }

// Done is closed when Close starts.
func (e *Emitter) Done() <-chan struct{} { return e.done }

// Emit delivers ev, blocking while the channel is full. It returns false if
// the emitter is closing, in which case ev is dropped.
func (e *Emitter) Emit(ev Event) bool {
	select {
	case <-e.done:
		return false
	default:
	}
	select {
	case <-e.done:
		return false
	case e.ch <- ev:
		return true
	}
}

// Go runs fn on a goroutine that Close waits for.
func (e *Emitter) Go(fn func()) {
	e.wg.Go(fn)
}

// Close signals producers to stop, waits for them and closes the channel.
// Close is idempotent and must not be called from a producer goroutine.
func (e *Emitter) Close() {
	e.once.Do(func() {
		close(e.done)
		e.wg.Wait()
		close(e.ch)
	})
}
