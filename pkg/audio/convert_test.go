package audio_test

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/MrWong99/talkloop/pkg/audio"
)

// samplesToBytes converts a slice of int16 samples to little-endian byte representation.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// bytesToSamples converts a little-endian byte slice to int16 samples.
func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func TestFloatToPCM16(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   float32
		want int16
	}{
		{"zero", 0, 0},
		{"full positive", 1, 32767},
		{"full negative", -1, -32768},
		{"half positive", 0.5, 16383},
		{"half negative", -0.5, -16384},
		{"clamp above", 1.7, 32767},
		{"clamp below", -3, -32768},
		{"nan", float32(math.NaN()), 0},
		{"positive infinity", float32(math.Inf(1)), 32767},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := audio.FloatToPCM16(tt.in); got != tt.want {
				t.Errorf("FloatToPCM16(%v) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestDownmix(t *testing.T) {
	t.Parallel()

	// Two stereo frames: L=100,R=200 and L=-100,R=-200
	stereo := samplesToBytes([]int16{100, 200, -100, -200})
	got := bytesToSamples(audio.Downmix(stereo, 2))
	want := []int16{150, -150}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestDownmix_FullScaleDoesNotOverflow(t *testing.T) {
	t.Parallel()

	stereo := samplesToBytes([]int16{32767, 32767, -32768, -32768})
	got := bytesToSamples(audio.Downmix(stereo, 2))
	if got[0] != 32767 || got[1] != -32768 {
		t.Errorf("got %v, want [32767 -32768]", got)
	}
}

func TestResampleMono16_SameRate(t *testing.T) {
	t.Parallel()

	pcm := samplesToBytes([]int16{100, 200, 300})
	out := audio.ResampleMono16(pcm, 24000, 24000)
	if len(out) != len(pcm) {
		t.Fatalf("length mismatch: got %d, want %d", len(out), len(pcm))
	}
}

func TestResampleMono16_Upsample(t *testing.T) {
	t.Parallel()

	// 2 samples at 16kHz → 3 samples at 24kHz
	pcm := samplesToBytes([]int16{1000, 2000})
	got := bytesToSamples(audio.ResampleMono16(pcm, 16000, 24000))
	if len(got) != 3 {
		t.Fatalf("expected 3 samples, got %d", len(got))
	}
	if got[0] != 1000 {
		t.Errorf("first sample: got %d, want 1000", got[0])
	}
}

func TestResampleMono16_ZeroRate(t *testing.T) {
	t.Parallel()

	pcm := samplesToBytes([]int16{100, 200})
	if out := audio.ResampleMono16(pcm, 0, 24000); len(out) != len(pcm) {
		t.Errorf("expected unchanged output for zero srcRate, got len %d", len(out))
	}
	if out := audio.ResampleMono16(pcm, 24000, -1); len(out) != len(pcm) {
		t.Errorf("expected unchanged output for negative dstRate, got len %d", len(out))
	}
}

func TestNormalizer_NoOp(t *testing.T) {
	t.Parallel()

	n := audio.Normalizer{Target: audio.PlaybackFormat}
	frame := audio.AudioFrame{
		Data:       samplesToBytes([]int16{100, 200}),
		SampleRate: audio.PlaybackRate,
		Channels:   1,
	}
	result, err := n.Normalize(frame)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if &result.Data[0] != &frame.Data[0] {
		t.Error("expected same slice for matching format")
	}
}

func TestNormalizer_StereoAndRate(t *testing.T) {
	t.Parallel()

	n := audio.Normalizer{Target: audio.PlaybackFormat}
	// 4 stereo frames at 48 kHz → 2 mono samples at 24 kHz.
	frame := audio.AudioFrame{
		Data:       samplesToBytes([]int16{100, 100, 200, 200, 300, 300, 400, 400}),
		SampleRate: 48000,
		Channels:   2,
	}
	result, err := n.Normalize(frame)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if result.SampleRate != audio.PlaybackRate || result.Channels != 1 {
		t.Errorf("unexpected format: %dHz %dch", result.SampleRate, result.Channels)
	}
	if got := len(bytesToSamples(result.Data)); got != 2 {
		t.Errorf("expected 2 samples, got %d", got)
	}
}

func TestNormalizer_OddByteCount(t *testing.T) {
	t.Parallel()

	n := audio.Normalizer{Target: audio.PlaybackFormat}
	_, err := n.Normalize(audio.AudioFrame{Data: []byte{1, 2, 3}, SampleRate: audio.PlaybackRate, Channels: 1})
	if !errors.Is(err, audio.ErrMalformedPayload) {
		t.Errorf("expected ErrMalformedPayload, got %v", err)
	}
}

func TestMagnitude(t *testing.T) {
	t.Parallel()

	pcm := samplesToBytes([]int16{16384, -16384, 0, 0})
	if got := audio.MeanMagnitude(pcm); math.Abs(got-0.25) > 1e-9 {
		t.Errorf("MeanMagnitude = %v, want 0.25", got)
	}
	if got := audio.PeakMagnitude(pcm); math.Abs(got-0.5) > 1e-9 {
		t.Errorf("PeakMagnitude = %v, want 0.5", got)
	}
	if got := audio.MeanMagnitude(nil); got != 0 {
		t.Errorf("MeanMagnitude(nil) = %v, want 0", got)
	}
}

func TestUtterance(t *testing.T) {
	t.Parallel()

	var u audio.Utterance
	// Two frames of 8000 samples each at 16 kHz = 1s.
	for range 2 {
		u.Append(audio.AudioFrame{Data: make([]byte, 16000), SampleRate: audio.CaptureRate, Channels: 1})
	}
	if got := u.Duration().Seconds(); got != 1 {
		t.Errorf("Duration = %vs, want 1s", got)
	}
	if got := len(u.PCM()); got != 32000 {
		t.Errorf("PCM length = %d, want 32000", got)
	}

	wav := u.WAV()
	info, err := audio.ParseWAV(wav)
	if err != nil {
		t.Fatalf("ParseWAV: %v", err)
	}
	if info.SampleRate != audio.CaptureRate || info.Channels != 1 || len(info.Data) != 32000 {
		t.Errorf("unexpected wav info: %dHz %dch %d bytes", info.SampleRate, info.Channels, len(info.Data))
	}
}
