// Package mock provides a scripted [transport.Adapter] for session tests.
//
// Events are injected with [Adapter.Push]; everything the session sends is
// recorded for inspection. OnSubmit lets a test answer a submission with a
// scripted event sequence, tagged with the submission's turn ID.
//
// Example:
//
//	a := mock.New(transport.ModeBatch, transport.PerUtterance)
//	a.OnSubmit = func(s transport.Submission) []transport.Event {
//	    return []transport.Event{transport.SignalEvent(transport.EventTurnComplete, s.TurnID)}
//	}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/talkloop/pkg/audio"
	"github.com/MrWong99/talkloop/pkg/transport"
)

var _ transport.Adapter = (*Adapter)(nil)

// Adapter is a mock implementation of [transport.Adapter].
type Adapter struct {
	mode   transport.Mode
	uplink transport.Uplink
	em     *transport.Emitter

	mu sync.Mutex

	// ConnectErr, SendErr and SubmitErr are returned by the respective
	// methods when non-nil.
	ConnectErr error
	SendErr    error
	SubmitErr  error

	// OnSubmit, when set, is called for every successful Submit and its
	// events are pushed in order.
	OnSubmit func(s transport.Submission) []transport.Event

	// Handshake is the value passed to the last Connect.
	Handshake transport.Handshake

	// Frames records every frame passed to SendFrame.
	Frames []audio.AudioFrame

	// Submissions records every successful Submit.
	Submissions []transport.Submission

	// CallCountConnect is the number of Connect calls.
	CallCountConnect int

	// CallCountClose is the number of Close calls.
	CallCountClose int

	closed bool
}

// New creates an adapter reporting mode and uplink.
func New(mode transport.Mode, uplink transport.Uplink) *Adapter {
	return &Adapter{
		mode:   mode,
		uplink: uplink,
		em:     transport.NewEmitter(transport.DefaultEventBuffer),
	}
}

// Mode implements [transport.Adapter].
func (a *Adapter) Mode() transport.Mode { return a.mode }

// Uplink implements [transport.Adapter].
func (a *Adapter) Uplink() transport.Uplink { return a.uplink }

// Events implements [transport.Adapter].
func (a *Adapter) Events() <-chan transport.Event { return a.em.Events() }

// Connect records h and returns ConnectErr.
func (a *Adapter) Connect(_ context.Context, h transport.Handshake) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.CallCountConnect++
	a.Handshake = h
	if a.closed {
		return transport.ErrClosed
	}
	return a.ConnectErr
}

// SendFrame records f. It returns ErrWrongUplink for a PerUtterance adapter.
func (a *Adapter) SendFrame(_ context.Context, f audio.AudioFrame) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return transport.ErrClosed
	}
	if a.uplink != transport.Continuous {
		return transport.ErrWrongUplink
	}
	if a.SendErr != nil {
		return a.SendErr
	}
	a.Frames = append(a.Frames, f)
	return nil
}

// Submit records s and pushes the events returned by OnSubmit.
func (a *Adapter) Submit(_ context.Context, s transport.Submission) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return transport.ErrClosed
	}
	if a.uplink != transport.PerUtterance {
		a.mu.Unlock()
		return transport.ErrWrongUplink
	}
	if a.SubmitErr != nil {
		a.mu.Unlock()
		return a.SubmitErr
	}
	a.Submissions = append(a.Submissions, s)
	fn := a.OnSubmit
	a.mu.Unlock()

	if fn != nil {
		evs := fn(s)
		a.mu.Lock()
		defer a.mu.Unlock()
		if a.closed {
			return nil
		}
		a.em.Go(func() {
			for _, ev := range evs {
				if !a.em.Emit(ev) {
					return
				}
			}
		})
	}
	return nil
}

// Push delivers ev as if it had arrived from the network. It reports false
// once the adapter is closed.
func (a *Adapter) Push(ev transport.Event) bool {
	return a.em.Emit(ev)
}

// Close closes the event channel. Close is idempotent.
func (a *Adapter) Close() error {
	a.mu.Lock()
	a.CallCountClose++
	a.closed = true
	a.mu.Unlock()
	a.em.Close()
	return nil
}

// SentFrames returns a copy of the recorded frames.
func (a *Adapter) SentFrames() []audio.AudioFrame {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]audio.AudioFrame(nil), a.Frames...)
}

// Submitted returns a copy of the recorded submissions.
func (a *Adapter) Submitted() []transport.Submission {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]transport.Submission(nil), a.Submissions...)
}

// Closes returns the number of Close calls.
func (a *Adapter) Closes() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.CallCountClose
}
