package audio

import (
	"encoding/binary"
	"fmt"
)

// WAV audio format codes understood by [ParseWAV].
const (
	wavFormatPCM  = 1
	wavFormatALaw = 6
	wavFormatULaw = 7
)

// WAVInfo is the parsed fmt chunk of a RIFF/WAVE container plus a view of its
// data chunk.
type WAVInfo struct {
	AudioFormat   uint16
	Channels      int
	SampleRate    int
	BitsPerSample int
	Data          []byte
}

// IsWAV reports whether b starts with a RIFF/WAVE header.
func IsWAV(b []byte) bool {
	return len(b) >= 12 && string(b[0:4]) == "RIFF" && string(b[8:12]) == "WAVE"
}

// ParseWAV walks the RIFF chunks of b and returns the format and data chunk.
// Unknown chunks (LIST, fact, ...) are skipped. A data chunk whose declared
// size runs past the end of b is truncated to what is present, which is what
// streaming encoders that write a placeholder size produce.
func ParseWAV(b []byte) (WAVInfo, error) {
	if !IsWAV(b) {
		return WAVInfo{}, fmt.Errorf("audio: wav: missing RIFF/WAVE header: %w", ErrMalformedPayload)
	}
	le := binary.LittleEndian

	var info WAVInfo
	var haveFmt bool
	pos := 12
	for pos+8 <= len(b) {
		id := string(b[pos : pos+4])
		size := int(le.Uint32(b[pos+4 : pos+8]))
		body := pos + 8

		switch id {
		case "fmt ":
			if size < 16 || body+16 > len(b) {
				return WAVInfo{}, fmt.Errorf("audio: wav: short fmt chunk (%d bytes): %w", size, ErrMalformedPayload)
			}
			info.AudioFormat = le.Uint16(b[body:])
			info.Channels = int(le.Uint16(b[body+2:]))
			info.SampleRate = int(le.Uint32(b[body+4:]))
			info.BitsPerSample = int(le.Uint16(b[body+14:]))
			haveFmt = true
		case "data":
			if !haveFmt {
				return WAVInfo{}, fmt.Errorf("audio: wav: data chunk before fmt chunk: %w", ErrMalformedPayload)
			}
			end := body + size
			if end > len(b) {
				end = len(b)
			}
			info.Data = b[body:end]
			return info, nil
		}

		// Chunks are word-aligned.
		pos = body + size + size%2
	}
	return WAVInfo{}, fmt.Errorf("audio: wav: no data chunk: %w", ErrMalformedPayload)
}

// PCM16 returns the data chunk as little-endian int16 PCM, expanding G.711
// companded samples where necessary.
func (w WAVInfo) PCM16() ([]byte, error) {
	switch {
	case w.AudioFormat == wavFormatPCM && w.BitsPerSample == 16:
		return w.Data, nil
	case w.AudioFormat == wavFormatULaw && w.BitsPerSample == 8:
		return DecodeG711(w.Data, EncodingULaw), nil
	case w.AudioFormat == wavFormatALaw && w.BitsPerSample == 8:
		return DecodeG711(w.Data, EncodingALaw), nil
	default:
		return nil, fmt.Errorf("audio: wav: unsupported format %d with %d bits per sample: %w",
			w.AudioFormat, w.BitsPerSample, ErrMalformedPayload)
	}
}
