package playback

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultMouthInterval is how often the mouth driver samples the level.
	DefaultMouthInterval = 100 * time.Millisecond

	// DefaultMouthThreshold is the peak level above which the mouth opens.
	DefaultMouthThreshold = 0.1
)

// MouthOption configures a [MouthDriver].
type MouthOption func(*MouthDriver)

// WithMouthInterval sets the polling cadence.
func WithMouthInterval(d time.Duration) MouthOption {
	return func(m *MouthDriver) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithMouthThreshold sets the initial open threshold.
func WithMouthThreshold(v float64) MouthOption {
	return func(m *MouthDriver) {
		m.SetThreshold(v)
	}
}

// MouthDriver polls an amplitude source and reports open/closed changes. It
// only ever reads the level function, so it never contends with the queue.
type MouthDriver struct {
	level    func() float64
	onChange func(open bool)
	interval time.Duration

	threshold atomic.Uint64 // math.Float64bits
	open      atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMouthDriver creates a driver that reads level (typically
// [Queue.Level]) and calls onChange on every transition.
func NewMouthDriver(level func() float64, onChange func(open bool), opts ...MouthOption) *MouthDriver {
	m := &MouthDriver{
		level:    level,
		onChange: onChange,
		interval: DefaultMouthInterval,
	}
	m.SetThreshold(DefaultMouthThreshold)
	for _, o := range opts {
		o(m)
	}
	return m
}

// SetThreshold changes the open threshold. Safe to call while running.
func (m *MouthDriver) SetThreshold(v float64) {
	m.threshold.Store(math.Float64bits(v))
}

// Threshold returns the current open threshold.
func (m *MouthDriver) Threshold() float64 {
	return math.Float64frombits(m.threshold.Load())
}

// Open reports the last published state.
func (m *MouthDriver) Open() bool {
	return m.open.Load()
}

// Step samples the level once and publishes a change if there is one.
func (m *MouthDriver) Step() {
	open := m.level() > m.Threshold()
	if m.open.Swap(open) != open && m.onChange != nil {
		m.onChange(open)
	}
}

// Start begins polling in the background. Calling Start on a running driver
// is a no-op.
func (m *MouthDriver) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Go(func() {
		t := time.NewTicker(m.interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				m.Step()
			}
		}
	})
}

// Stop halts polling, waits for the poller to exit and closes the mouth.
// Stop is idempotent and safe to call before Start.
func (m *MouthDriver) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		m.wg.Wait()
	}
	if m.open.Swap(false) && m.onChange != nil {
		m.onChange(false)
	}
}
