// Package config provides the configuration schema, loader, hot-reload
// watcher and recognizer registry for the talkloop voice conversation engine.
package config

import (
	"time"

	"github.com/MrWong99/talkloop/pkg/transport"
	"github.com/MrWong99/talkloop/pkg/usage"
)

// LogLevel controls log verbosity for the talkloop server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for talkloop.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig    `yaml:"server"`
	Session    SessionConfig   `yaml:"session"`
	Transport  TransportConfig `yaml:"transport"`
	Recognizer ProviderEntry   `yaml:"recognizer"`
	Audio      AudioConfig     `yaml:"audio"`
	VAD        VADConfig       `yaml:"vad"`
	Mouth      MouthConfig     `yaml:"mouth"`
	Usage      UsageConfig     `yaml:"usage"`
}

// ServerConfig holds network and logging settings for the control server.
type ServerConfig struct {
	// ListenAddr is the TCP address the control server listens on
	// (e.g., ":8080"). Empty disables the control server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// AutoStart starts a conversation as soon as the process is ready.
	AutoStart bool `yaml:"auto_start"`
}

// SessionConfig configures the conversation itself.
type SessionConfig struct {
	// Mode selects the transport adapter: streaming, batch or text.
	Mode transport.Mode `yaml:"mode"`

	// UserName is sent in the handshake. Default: [transport.DefaultUserName].
	UserName string `yaml:"user_name"`

	// Personality is sent in the handshake.
	// Default: [transport.DefaultPersonality].
	Personality string `yaml:"personality"`

	// Token is an opaque credential forwarded to the server. It is never logged.
	Token string `yaml:"token"`

	// EchoWindow keeps the microphone muted after playback drains.
	EchoWindow time.Duration `yaml:"echo_window"`

	// MinUtterance drops shorter utterances in batch and text mode.
	MinUtterance time.Duration `yaml:"min_utterance"`
}

// TransportConfig holds the remote endpoints.
type TransportConfig struct {
	// StreamURL is the WebSocket endpoint used in streaming mode
	// (e.g., "ws://localhost:8000/ws").
	StreamURL string `yaml:"stream_url"`

	// BaseURL is the HTTP base used in batch and text mode
	// (e.g., "http://localhost:8000").
	BaseURL string `yaml:"base_url"`

	// ReplyEncoding is the encoding of inbound audio payloads: auto, pcm16,
	// wav, ulaw or alaw. Default: auto.
	ReplyEncoding string `yaml:"reply_encoding"`

	// ReplyRate is the sample rate of raw inbound payloads. Default: 24000.
	ReplyRate int `yaml:"reply_rate"`

	// Timeout bounds one batch or text request. Default: 60s.
	Timeout time.Duration `yaml:"timeout"`
}

// ProviderEntry is the configuration block of a pluggable provider. The Name
// field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "gemini").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "whisper-1").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above (e.g., "language", "prompt").
	Options map[string]any `yaml:"options"`
}

// AudioConfig selects the local audio endpoints.
type AudioConfig struct {
	// Input is a file of raw float32 LE mono samples, or "-" for stdin.
	Input string `yaml:"input"`

	// InputRate is the native sample rate of Input. Default: 16000.
	InputRate int `yaml:"input_rate"`

	// Output is a file receiving 24 kHz int16 LE mono PCM, or "-" for stdout.
	Output string `yaml:"output"`

	// FrameSamples is the number of 16 kHz samples per captured frame.
	// Default: 4096.
	FrameSamples int `yaml:"frame_samples"`
}

// VADConfig holds the voice activity detector parameters. Zero values fall
// back to the detector defaults.
type VADConfig struct {
	SpeechThreshold  float64       `yaml:"speech_threshold"`
	SilenceThreshold float64       `yaml:"silence_threshold"`
	SilenceDuration  time.Duration `yaml:"silence_duration"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	Window           int           `yaml:"window"`
}

// MouthConfig holds the mouth driver parameters.
type MouthConfig struct {
	// Threshold is the output level above which the mouth opens.
	Threshold float64 `yaml:"threshold"`

	// Interval is the polling cadence.
	Interval time.Duration `yaml:"interval"`
}

// UsageConfig holds the prices used for the cost estimate.
type UsageConfig struct {
	Prices usage.Prices `yaml:"prices"`
}
