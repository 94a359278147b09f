package audio

import (
	"errors"
	"fmt"

	"github.com/zaf/g711"
)

// ErrMalformedPayload is returned when inbound audio cannot be decoded into
// PCM. Callers treat it as a per-payload failure, never a fatal one.
var ErrMalformedPayload = errors.New("audio: malformed payload")

// Encoding names how an inbound audio payload is encoded.
type Encoding int

const (
	// EncodingAuto sniffs a RIFF header and falls back to raw PCM16.
	EncodingAuto Encoding = iota

	// EncodingPCM16 is headerless little-endian int16 PCM.
	EncodingPCM16

	// EncodingWAV is a RIFF/WAVE container.
	EncodingWAV

	// EncodingULaw is headerless G.711 μ-law.
	EncodingULaw

	// EncodingALaw is headerless G.711 A-law.
	EncodingALaw
)

// String returns the encoding name used in config and logs.
func (e Encoding) String() string {
	switch e {
	case EncodingAuto:
		return "auto"
	case EncodingPCM16:
		return "pcm16"
	case EncodingWAV:
		return "wav"
	case EncodingULaw:
		return "ulaw"
	case EncodingALaw:
		return "alaw"
	default:
		return fmt.Sprintf("Encoding(%d)", int(e))
	}
}

// ParseEncoding is the inverse of [Encoding.String]. An empty string yields
// [EncodingAuto].
func ParseEncoding(s string) (Encoding, error) {
	switch s {
	case "", "auto":
		return EncodingAuto, nil
	case "pcm16":
		return EncodingPCM16, nil
	case "wav":
		return EncodingWAV, nil
	case "ulaw":
		return EncodingULaw, nil
	case "alaw":
		return EncodingALaw, nil
	default:
		return EncodingAuto, fmt.Errorf("audio: unknown encoding %q", s)
	}
}

// DecodeG711 expands 8-bit companded samples into int16 LE PCM.
func DecodeG711(b []byte, enc Encoding) []byte {
	if enc == EncodingALaw {
		return g711.DecodeAlaw(b)
	}
	return g711.DecodeUlaw(b)
}

// Decode turns an inbound audio payload into an [AudioFrame] in
// [PlaybackFormat]. Headerless payloads are assumed to carry rate
// (PlaybackRate when zero) and one channel. Every failure wraps
// [ErrMalformedPayload].
func Decode(payload []byte, enc Encoding, rate int) (AudioFrame, error) {
	if len(payload) == 0 {
		return AudioFrame{}, fmt.Errorf("audio: decode: empty payload: %w", ErrMalformedPayload)
	}
	if rate <= 0 {
		rate = PlaybackRate
	}
	if enc == EncodingAuto {
		if IsWAV(payload) {
			enc = EncodingWAV
		} else {
			enc = EncodingPCM16
		}
	}

	frame := AudioFrame{SampleRate: rate, Channels: 1}
	switch enc {
	case EncodingPCM16:
		frame.Data = payload
	case EncodingULaw, EncodingALaw:
		frame.Data = DecodeG711(payload, enc)
	case EncodingWAV:
		info, err := ParseWAV(payload)
		if err != nil {
			return AudioFrame{}, err
		}
		pcm, err := info.PCM16()
		if err != nil {
			return AudioFrame{}, err
		}
		frame.Data = pcm
		frame.SampleRate = info.SampleRate
		frame.Channels = info.Channels
	default:
		return AudioFrame{}, fmt.Errorf("audio: decode: %s: %w", enc, ErrMalformedPayload)
	}

	n := Normalizer{Target: PlaybackFormat}
	out, err := n.Normalize(frame)
	if err != nil {
		return AudioFrame{}, err
	}
	if len(out.Data) == 0 {
		return AudioFrame{}, fmt.Errorf("audio: decode: no samples: %w", ErrMalformedPayload)
	}
	return out, nil
}

// DecodeBase64Payload is [DecodeBase64] followed by [Decode].
func DecodeBase64Payload(s string, enc Encoding, rate int) (AudioFrame, error) {
	raw, err := DecodeBase64(s)
	if err != nil {
		return AudioFrame{}, err
	}
	return Decode(raw, enc, rate)
}
