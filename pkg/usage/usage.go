// Package usage estimates model token consumption and cost from the amount of
// audio exchanged with the remote model.
//
// Estimates derive only from byte counts and declared sample rates: every
// second of int16 mono audio is counted as [TokensPerSecond] tokens, rounded
// up per frame.
package usage

import (
	"math"
	"sync"
	"time"
)

// TokensPerSecond is the token rate assumed for audio in either direction.
const TokensPerSecond = 25

// Direction distinguishes audio sent to the model from audio received.
type Direction int

const (
	// Input is microphone audio sent upstream.
	Input Direction = iota

	// Output is synthesized audio received from the model.
	Output
)

// String returns "input" or "output".
func (d Direction) String() string {
	if d == Output {
		return "output"
	}
	return "input"
}

// Prices are USD amounts per one million tokens.
type Prices struct {
	InputPerMillion  float64 `yaml:"input_per_million" json:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million" json:"output_per_million"`
}

// DefaultPrices are the list prices the estimate falls back to.
var DefaultPrices = Prices{InputPerMillion: 3, OutputPerMillion: 12}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	InputBytes     int64         `json:"input_bytes"`
	OutputBytes    int64         `json:"output_bytes"`
	InputDuration  time.Duration `json:"input_duration"`
	OutputDuration time.Duration `json:"output_duration"`
	InputTokens    int64         `json:"input_tokens"`
	OutputTokens   int64         `json:"output_tokens"`
	CostUSD        float64       `json:"cost_usd"`
}

// TotalTokens returns input plus output tokens.
func (s Snapshot) TotalTokens() int64 { return s.InputTokens + s.OutputTokens }

// Observer is notified of every recorded frame. It is called without the
// counters lock held.
type Observer func(dir Direction, d time.Duration, tokens int64)

// Counters accumulates usage for one session. The zero value is not usable;
// create one with [New]. All methods are safe for concurrent use.
type Counters struct {
	mu       sync.Mutex
	prices   Prices
	snap     Snapshot
	observer Observer
}

// New creates counters priced with p.
func New(p Prices) *Counters {
	return &Counters{prices: p}
}

// OnRecord registers an observer, replacing any previous one.
func (c *Counters) OnRecord(fn Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observer = fn
}

// SetPrices changes the prices used for cost estimates. Already counted
// tokens are repriced.
func (c *Counters) SetPrices(p Prices) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prices = p
	c.snap.CostUSD = c.costLocked()
}

// Record adds one frame of n int16 mono bytes at sampleRate.
func (c *Counters) Record(dir Direction, n, sampleRate int) {
	if n <= 0 || sampleRate <= 0 {
		return
	}
	d := duration(n, sampleRate)
	tokens := EstimateTokens(n, sampleRate)

	c.mu.Lock()
	switch dir {
	case Output:
		c.snap.OutputBytes += int64(n)
		c.snap.OutputDuration += d
		c.snap.OutputTokens += tokens
	default:
		c.snap.InputBytes += int64(n)
		c.snap.InputDuration += d
		c.snap.InputTokens += tokens
	}
	c.snap.CostUSD = c.costLocked()
	obs := c.observer
	c.mu.Unlock()

	if obs != nil {
		obs(dir, d, tokens)
	}
}

// Snapshot returns a copy of the current totals.
func (c *Counters) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap
}

// Reset zeroes all totals.
func (c *Counters) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snap = Snapshot{}
}

func (c *Counters) costLocked() float64 {
	return float64(c.snap.InputTokens)/1e6*c.prices.InputPerMillion +
		float64(c.snap.OutputTokens)/1e6*c.prices.OutputPerMillion
}

// EstimateTokens returns the token estimate for n bytes of int16 mono audio
// at sampleRate, rounded up.
func EstimateTokens(n, sampleRate int) int64 {
	if n <= 0 || sampleRate <= 0 {
		return 0
	}
	seconds := float64(n/2) / float64(sampleRate)
	return int64(math.Ceil(seconds * TokensPerSecond))
}

func duration(n, sampleRate int) time.Duration {
	return time.Duration(int64(n/2) * int64(time.Second) / int64(sampleRate))
}
