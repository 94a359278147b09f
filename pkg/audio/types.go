// Package audio defines the PCM frame types that flow through talkloop and the
// conversions between them.
//
// All PCM in talkloop is signed 16-bit little-endian. Capture runs at
// [CaptureRate] and playback at [PlaybackRate], both mono. Frames are handed
// from one stage to the next; a stage that receives a frame owns it and must
// not expect the producer to keep the backing array stable for anyone else.
package audio

import (
	"bytes"
	"encoding/binary"
	"time"
)

const (
	// CaptureRate is the sample rate of microphone frames sent upstream.
	CaptureRate = 16000

	// PlaybackRate is the sample rate every inbound audio payload is
	// normalised to before it reaches the playback queue.
	PlaybackRate = 24000

	// DefaultFrameSamples is the number of samples per captured frame.
	DefaultFrameSamples = 4096

	// bytesPerSample is fixed by the int16 sample format.
	bytesPerSample = 2
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// CaptureFormat is the format of frames produced by the capture unit.
var CaptureFormat = Format{SampleRate: CaptureRate, Channels: 1}

// PlaybackFormat is the format of segments consumed by the playback queue.
var PlaybackFormat = Format{SampleRate: PlaybackRate, Channels: 1}

// AudioFrame is one chunk of PCM audio.
type AudioFrame struct {
	// Data holds little-endian int16 PCM.
	Data []byte

	// SampleRate in Hz (16000 for capture, 24000 for playback).
	SampleRate int

	// Channels is always 1 inside the engine; other values only appear on
	// payloads before normalisation.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Format returns the frame's declared format.
func (f AudioFrame) Format() Format {
	return Format{SampleRate: f.SampleRate, Channels: f.Channels}
}

// Samples returns the number of samples per channel in the frame.
func (f AudioFrame) Samples() int {
	ch := f.Channels
	if ch <= 0 {
		ch = 1
	}
	return len(f.Data) / (bytesPerSample * ch)
}

// Duration returns the playback length of the frame derived from its byte
// count and declared format.
func (f AudioFrame) Duration() time.Duration {
	return PCMDuration(len(f.Data), f.SampleRate, f.Channels)
}

// PCMDuration converts a byte count of int16 PCM into a duration.
// It returns zero for a non-positive rate.
func PCMDuration(n, sampleRate, channels int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	if channels <= 0 {
		channels = 1
	}
	samples := int64(n / (bytesPerSample * channels))
	return time.Duration(samples * int64(time.Second) / int64(sampleRate))
}

// Utterance is the audio of one span of user speech, bounded by VAD start
// and end events. It is built frame by frame while the user speaks and handed
// to a transport adapter once speech ends.
type Utterance struct {
	Frames []AudioFrame
}

// Append adds a frame to the end of the utterance.
func (u *Utterance) Append(f AudioFrame) {
	u.Frames = append(u.Frames, f)
}

// Len returns the total PCM byte length.
func (u *Utterance) Len() int {
	n := 0
	for _, f := range u.Frames {
		n += len(f.Data)
	}
	return n
}

// Format returns the format of the first frame, or [CaptureFormat] for an
// empty utterance.
func (u *Utterance) Format() Format {
	if len(u.Frames) == 0 {
		return CaptureFormat
	}
	return u.Frames[0].Format()
}

// Duration returns the total length of speech in the utterance.
func (u *Utterance) Duration() time.Duration {
	f := u.Format()
	return PCMDuration(u.Len(), f.SampleRate, f.Channels)
}

// PCM concatenates all frames into one contiguous PCM buffer.
func (u *Utterance) PCM() []byte {
	out := make([]byte, 0, u.Len())
	for _, f := range u.Frames {
		out = append(out, f.Data...)
	}
	return out
}

// WAV returns the utterance wrapped in a RIFF/WAVE container, the form used
// when the audio is uploaded as a file.
func (u *Utterance) WAV() []byte {
	return EncodeWAV(u.PCM(), u.Format())
}

// EncodeWAV wraps int16 PCM in a canonical 44-byte RIFF/WAVE header.
func EncodeWAV(pcm []byte, f Format) []byte {
	channels := f.Channels
	if channels <= 0 {
		channels = 1
	}
	var buf bytes.Buffer
	buf.Grow(44 + len(pcm))
	le := binary.LittleEndian

	buf.WriteString("RIFF")
	_ = binary.Write(&buf, le, uint32(36+len(pcm)))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	_ = binary.Write(&buf, le, uint32(16))
	_ = binary.Write(&buf, le, uint16(wavFormatPCM))
	_ = binary.Write(&buf, le, uint16(channels))
	_ = binary.Write(&buf, le, uint32(f.SampleRate))
	_ = binary.Write(&buf, le, uint32(f.SampleRate*channels*bytesPerSample))
	_ = binary.Write(&buf, le, uint16(channels*bytesPerSample))
	_ = binary.Write(&buf, le, uint16(16))
	buf.WriteString("data")
	_ = binary.Write(&buf, le, uint32(len(pcm)))
	buf.Write(pcm)
	return buf.Bytes()
}
