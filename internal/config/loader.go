package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"time"

	"github.com/MrWong99/talkloop/pkg/audio"
	"github.com/MrWong99/talkloop/pkg/audio/playback"
	"github.com/MrWong99/talkloop/pkg/transport"
	"github.com/MrWong99/talkloop/pkg/usage"
	"github.com/MrWong99/talkloop/pkg/vad"
	"gopkg.in/yaml.v3"
)

// ValidRecognizerNames lists the recognizer providers known to the binary.
// Used by [Validate] to warn about unrecognised names.
var ValidRecognizerNames = []string{"openai", "gemini"}

// Defaults applied by [ApplyDefaults].
const (
	DefaultEchoWindow     = time.Second
	DefaultMinUtterance   = 300 * time.Millisecond
	DefaultFrameSamples   = 4096
	DefaultRequestTimeout = 60 * time.Second
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills in defaults and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every zero-valued field that has a default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	if cfg.Session.Mode == "" {
		cfg.Session.Mode = transport.ModeStreaming
	} else if m, err := transport.ParseMode(string(cfg.Session.Mode)); err == nil {
		cfg.Session.Mode = m
	}
	if cfg.Session.UserName == "" {
		cfg.Session.UserName = transport.DefaultUserName
	}
	if cfg.Session.Personality == "" {
		cfg.Session.Personality = transport.DefaultPersonality
	}
	if cfg.Session.EchoWindow == 0 {
		cfg.Session.EchoWindow = DefaultEchoWindow
	}
	if cfg.Session.MinUtterance == 0 {
		cfg.Session.MinUtterance = DefaultMinUtterance
	}

	if cfg.Transport.ReplyRate == 0 {
		cfg.Transport.ReplyRate = audio.PlaybackRate
	}
	if cfg.Transport.Timeout == 0 {
		cfg.Transport.Timeout = DefaultRequestTimeout
	}

	if cfg.Audio.Input == "" {
		cfg.Audio.Input = "-"
	}
	if cfg.Audio.InputRate == 0 {
		cfg.Audio.InputRate = audio.CaptureRate
	}
	if cfg.Audio.FrameSamples == 0 {
		cfg.Audio.FrameSamples = DefaultFrameSamples
	}

	def := vad.DefaultConfig()
	if cfg.VAD.SpeechThreshold == 0 {
		cfg.VAD.SpeechThreshold = def.SpeechThreshold
	}
	if cfg.VAD.SilenceThreshold == 0 {
		cfg.VAD.SilenceThreshold = def.SilenceThreshold
	}
	if cfg.VAD.SilenceDuration == 0 {
		cfg.VAD.SilenceDuration = def.SilenceDuration
	}
	if cfg.VAD.PollInterval == 0 {
		cfg.VAD.PollInterval = def.PollInterval
	}
	if cfg.VAD.Window == 0 {
		cfg.VAD.Window = def.Window
	}

	if cfg.Mouth.Threshold == 0 {
		cfg.Mouth.Threshold = playback.DefaultMouthThreshold
	}
	if cfg.Mouth.Interval == 0 {
		cfg.Mouth.Interval = playback.DefaultMouthInterval
	}

	if cfg.Usage.Prices == (usage.Prices{}) {
		cfg.Usage.Prices = usage.DefaultPrices
	}
}

// DetectorConfig converts the VAD section into a detector configuration.
func (c VADConfig) DetectorConfig() vad.Config {
	return vad.Config{
		SpeechThreshold:  c.SpeechThreshold,
		SilenceThreshold: c.SilenceThreshold,
		SilenceDuration:  c.SilenceDuration,
		PollInterval:     c.PollInterval,
		Window:           c.Window,
	}
}

// Handshake returns the session greeting built from the session section.
func (c SessionConfig) Handshake() transport.Handshake {
	return transport.Handshake{
		UserName:    c.UserName,
		Personality: c.Personality,
		Token:       c.Token,
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Session
	mode, err := transport.ParseMode(string(cfg.Session.Mode))
	if err != nil {
		errs = append(errs, fmt.Errorf("session.mode: %w", err))
	}
	if cfg.Session.EchoWindow < 0 {
		errs = append(errs, errors.New("session.echo_window must not be negative"))
	}
	if cfg.Session.MinUtterance < 0 {
		errs = append(errs, errors.New("session.min_utterance must not be negative"))
	}

	// Transport
	switch mode {
	case transport.ModeStreaming:
		errs = append(errs, validateURL("transport.stream_url", cfg.Transport.StreamURL, "ws", "wss"))
	case transport.ModeBatch, transport.ModeText:
		errs = append(errs, validateURL("transport.base_url", cfg.Transport.BaseURL, "http", "https"))
	}
	if _, err := audio.ParseEncoding(cfg.Transport.ReplyEncoding); err != nil {
		errs = append(errs, fmt.Errorf("transport.reply_encoding: %w", err))
	}
	if cfg.Transport.ReplyRate < 0 {
		errs = append(errs, fmt.Errorf("transport.reply_rate %d must be positive", cfg.Transport.ReplyRate))
	}

	// Recognizer
	if mode == transport.ModeText && cfg.Recognizer.Name == "" {
		errs = append(errs, errors.New("recognizer.name is required in text mode"))
	}
	validateRecognizerName(cfg.Recognizer.Name)

	// Audio
	if cfg.Audio.InputRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.input_rate %d must be positive", cfg.Audio.InputRate))
	}
	if cfg.Audio.FrameSamples <= 0 {
		errs = append(errs, fmt.Errorf("audio.frame_samples %d must be positive", cfg.Audio.FrameSamples))
	}

	// VAD
	if err := cfg.VAD.DetectorConfig().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("vad: %w", err))
	}

	// Mouth
	if cfg.Mouth.Threshold <= 0 || cfg.Mouth.Threshold > 1 {
		errs = append(errs, fmt.Errorf("mouth.threshold %v must be in (0, 1]", cfg.Mouth.Threshold))
	}
	if cfg.Mouth.Interval < 0 {
		errs = append(errs, errors.New("mouth.interval must not be negative"))
	}

	// Usage
	if cfg.Usage.Prices.InputPerMillion < 0 || cfg.Usage.Prices.OutputPerMillion < 0 {
		errs = append(errs, errors.New("usage.prices must not be negative"))
	}

	return errors.Join(errs...)
}

func validateURL(field, raw string, schemes ...string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", field)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if !slices.Contains(schemes, u.Scheme) || u.Host == "" {
		return fmt.Errorf("%s %q must be an absolute %v URL", field, raw, schemes)
	}
	return nil
}

// validateRecognizerName logs a warning when name is not a known recognizer.
func validateRecognizerName(name string) {
	if name == "" {
		return
	}
	if !slices.Contains(ValidRecognizerNames, name) {
		slog.Warn("unknown recognizer name; ensure a matching factory is registered",
			"name", name,
			"known", ValidRecognizerNames,
		)
	}
}
