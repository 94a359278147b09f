package session

import (
	"sync"
	"time"
)

// DefaultEchoWindow is how long the microphone stays muted after assistant
// playback finishes naturally, so the tail of the reply is not picked up as
// user speech.
const DefaultEchoWindow = 1000 * time.Millisecond

// EchoGate decides whether captured audio may reach the detector or the
// uplink. It is held while assistant audio plays and reopens a fixed window
// after playback drains. A flush reopens it immediately.
//
// All methods are safe for concurrent use.
type EchoGate struct {
	window time.Duration

	mu        sync.Mutex
	held      bool
	reopensAt time.Time
}

// NewEchoGate creates an open gate with the given post-playback window.
// A non-positive window reopens the gate as soon as playback drains.
func NewEchoGate(window time.Duration) *EchoGate {
	return &EchoGate{window: max(window, 0)}
}

// Hold closes the gate until [EchoGate.Release] or [EchoGate.Open].
func (g *EchoGate) Hold() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.held = true
	g.reopensAt = time.Time{}
}

// Release reopens the gate one window after now. It has no effect unless
// the gate is held, so a drain reported after a flush does not mute again.
func (g *EchoGate) Release(now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.held {
		return
	}
	g.held = false
	g.reopensAt = now.Add(g.window)
}

// Open reopens the gate immediately.
func (g *EchoGate) Open() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.held = false
	g.reopensAt = time.Time{}
}

// Allows reports whether audio captured at now may pass.
func (g *EchoGate) Allows(now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.held {
		return false
	}
	return !now.Before(g.reopensAt)
}
