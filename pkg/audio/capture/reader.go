package capture

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
)

// Compile-time interface assertion.
var _ Device = (*ReaderDevice)(nil)

// readChunk is the size of a single read from the underlying reader.
const readChunk = 4096

// ReaderDevice reads raw little-endian float32 mono samples from an
// [io.Reader], such as the stdout of `arecord -f FLOAT_LE -c 1`.
//
// The reader is owned by the caller and never closed by the device. A
// background goroutine started by the first Open reads it for the lifetime
// of the process; Close only detaches the device, so it can be opened again
// and resumes where the previous capture stopped.
type ReaderDevice struct {
	r    io.Reader
	rate int

	once   sync.Once
	chunks chan []byte

	mu   sync.Mutex
	stop chan struct{} // closed by Close; nil while not open
	err  error         // terminal error of the reader

	rest []byte // bytes received but not yet returned; Read is single-caller
}

// NewReaderDevice returns a device reading from r at the given native rate.
func NewReaderDevice(r io.Reader, sampleRate int) *ReaderDevice {
	return &ReaderDevice{r: r, rate: sampleRate, chunks: make(chan []byte)}
}

// Open implements [Device].
func (d *ReaderDevice) Open(_ context.Context) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.r == nil {
		return 0, fmt.Errorf("capture: nil reader: %w", ErrCaptureUnavailable)
	}
	if d.err != nil && len(d.rest) < 4 {
		return 0, fmt.Errorf("capture: input ended: %w: %w", ErrCaptureUnavailable, d.err)
	}
	if d.stop == nil {
		d.stop = make(chan struct{})
	}
	d.once.Do(func() { go d.readLoop() })
	return d.rate, nil
}

// readLoop forwards everything read from the underlying reader. It blocks
// while no capture is consuming, which leaves unread input in the reader.
// The channel is closed once the reader fails.
func (d *ReaderDevice) readLoop() {
	defer close(d.chunks)
	for {
		buf := make([]byte, readChunk)
		n, err := d.r.Read(buf)
		if n > 0 {
			d.chunks <- buf[:n]
		}
		if err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				err = io.EOF
			}
			d.mu.Lock()
			d.err = err
			d.mu.Unlock()
			return
		}
	}
}

// Read implements [Device]. It returns io.EOF once the reader is exhausted,
// discarding a trailing partial sample, and io.ErrClosedPipe after Close.
func (d *ReaderDevice) Read(p []float32) (int, error) {
	d.mu.Lock()
	stop := d.stop
	d.mu.Unlock()
	if stop == nil {
		return 0, io.ErrClosedPipe
	}

	for len(d.rest) < 4 {
		select {
		case <-stop:
			return 0, io.ErrClosedPipe
		case data, ok := <-d.chunks:
			if !ok {
				d.mu.Lock()
				err := d.err
				d.mu.Unlock()
				return 0, err
			}
			d.rest = append(d.rest, data...)
		}
	}

	samples := min(len(d.rest)/4, len(p))
	for i := range samples {
		p[i] = math.Float32frombits(binary.LittleEndian.Uint32(d.rest[i*4:]))
	}
	d.rest = append(d.rest[:0], d.rest[samples*4:]...)
	return samples, nil
}

// Close implements [Device]. It unblocks a pending Read but leaves the
// underlying reader open.
func (d *ReaderDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stop != nil {
		close(d.stop)
		d.stop = nil
	}
	return nil
}
