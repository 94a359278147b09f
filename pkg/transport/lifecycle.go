package transport

import (
	"context"
	"errors"
	"sync"
)

// Lifecycle is the connect and close bookkeeping shared by the
// request/response adapters. It owns the handshake, the [Emitter] and a
// context that is cancelled on Close so in-flight requests are abandoned.
type Lifecycle struct {
	emitter *Emitter

	mu        sync.Mutex
	handshake Handshake
	ctx       context.Context
	cancel    context.CancelFunc
	connected bool
	closed    bool
}

// NewLifecycle creates a Lifecycle whose event channel has the given capacity.
func NewLifecycle(buffer int) *Lifecycle {
	ctx, cancel := context.WithCancel(context.Background())
	return &Lifecycle{
		emitter: NewEmitter(buffer),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Connect stores h with defaults applied.
func (l *Lifecycle) Connect(h Handshake) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if l.connected {
		return NewError(KindProtocol, "connect", errors.New("already connected"))
	}
	l.handshake = h.WithDefaults()
	l.connected = true
	return nil
}

// Begin checks that a submission may start and returns the adapter context
// and handshake.
func (l *Lifecycle) Begin() (context.Context, Handshake, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, Handshake{}, ErrClosed
	}
	if !l.connected {
		return nil, Handshake{}, NewError(KindProtocol, "submit", errors.New("not connected"))
	}
	return l.ctx, l.handshake, nil
}

// Events returns the event channel.
func (l *Lifecycle) Events() <-chan Event { return l.emitter.Events() }

// Go runs fn on a goroutine tracked by Close. It reports false, without
// running fn, once Close has been called.
func (l *Lifecycle) Go(fn func()) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.emitter.Go(fn)
	return true
}

// EmitAll delivers evs in order and stops early if the adapter is closing.
func (l *Lifecycle) EmitAll(evs []Event) {
	for _, ev := range evs {
		if !l.emitter.Emit(ev) {
			return
		}
	}
}

// Close cancels in-flight work, waits for it and closes the event channel.
// Close is idempotent.
func (l *Lifecycle) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()

	l.cancel()
	l.emitter.Close()
}
