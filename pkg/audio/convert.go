package audio

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
)

// Normalizer converts inbound frames to a fixed target format. It logs a
// warning on the first format mismatch and on the first misaligned frame.
// Create one per stream; not designed for shared use across goroutines.
type Normalizer struct {
	Target         Format
	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// Normalize converts frame to n.Target. A frame already in the target format
// is returned unchanged. Conversion order: downmix first, then resample, so
// stereo input is only resampled once.
func (n *Normalizer) Normalize(frame AudioFrame) (AudioFrame, error) {
	channels := frame.Channels
	if channels <= 0 {
		channels = 1
	}
	if len(frame.Data)%(bytesPerSample*channels) != 0 {
		n.warnedCorrupt.Do(func() {
			slog.Warn("audio normalizer: misaligned PCM data",
				"bytes", len(frame.Data),
				"channels", channels,
			)
		})
		return AudioFrame{}, fmt.Errorf("audio: %d bytes is not a whole number of %d-channel samples: %w",
			len(frame.Data), channels, ErrMalformedPayload)
	}
	if frame.SampleRate <= 0 {
		return AudioFrame{}, fmt.Errorf("audio: sample rate %d: %w", frame.SampleRate, ErrMalformedPayload)
	}

	if frame.SampleRate == n.Target.SampleRate && channels == n.Target.Channels {
		return frame, nil
	}

	n.warnedMismatch.Do(func() {
		slog.Debug("audio normalizer: converting",
			"from", formatString(frame.SampleRate, channels),
			"to", formatString(n.Target.SampleRate, n.Target.Channels),
		)
	})

	pcm := frame.Data
	if channels > 1 && n.Target.Channels == 1 {
		pcm = Downmix(pcm, channels)
		channels = 1
	}
	if frame.SampleRate != n.Target.SampleRate {
		pcm = ResampleMono16(pcm, frame.SampleRate, n.Target.SampleRate)
	}

	return AudioFrame{
		Data:       pcm,
		SampleRate: n.Target.SampleRate,
		Channels:   channels,
		Timestamp:  frame.Timestamp,
	}, nil
}

// FloatToPCM16 converts one normalised float sample to int16 using a
// saturating clamp to [-1, 1] followed by asymmetric scaling: negative values
// are scaled by 32768 and positive ones by 32767, then truncated.
func FloatToPCM16(v float32) int16 {
	if v != v { // NaN
		return 0
	}
	if v > 1 {
		v = 1
	} else if v < -1 {
		v = -1
	}
	if v < 0 {
		return int16(v * 32768)
	}
	return int16(v * 32767)
}

// PutSample writes s at sample index i of pcm.
func PutSample(pcm []byte, i int, s int16) {
	pcm[i*2] = byte(s)
	pcm[i*2+1] = byte(s >> 8)
}

// Sample reads the int16 at sample index i of pcm.
func Sample(pcm []byte, i int) int16 {
	return int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
}

// MeanMagnitude returns the mean absolute sample value of pcm normalised to
// [0, 1]. An empty buffer has magnitude zero.
func MeanMagnitude(pcm []byte) float64 {
	n := len(pcm) / bytesPerSample
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		sum += math.Abs(float64(Sample(pcm, i)))
	}
	return sum / float64(n) / 32768
}

// PeakMagnitude returns the largest absolute sample value of pcm normalised
// to [0, 1].
func PeakMagnitude(pcm []byte) float64 {
	var peak float64
	for i := range len(pcm) / bytesPerSample {
		if v := math.Abs(float64(Sample(pcm, i))); v > peak {
			peak = v
		}
	}
	return peak / 32768
}

// Downmix averages interleaved channels into mono. Uses int32 arithmetic so
// the sum of full-scale samples cannot overflow.
func Downmix(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	frames := len(pcm) / (bytesPerSample * channels)
	out := make([]byte, frames*bytesPerSample)
	for i := range frames {
		var sum int32
		for c := range channels {
			sum += int32(Sample(pcm, i*channels+c))
		}
		PutSample(out, i, int16(sum/int32(channels)))
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. If the rates match or are invalid, the input is returned
// unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < bytesPerSample {
		return pcm
	}
	srcSamples := len(pcm) / bytesPerSample
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*bytesPerSample)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := Sample(pcm, srcIdx)
		s1 := s0
		if srcIdx+1 < srcSamples {
			s1 = Sample(pcm, srcIdx+1)
		}
		PutSample(out, i, int16(float64(s0)*(1-frac)+float64(s1)*frac))
	}
	return out
}

// formatString returns a human-readable string for a sample rate and channel
// count, e.g. "24000Hz mono".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
