package config_test

import (
	"strings"
	"testing"

	"github.com/MrWong99/talkloop/internal/config"
	"github.com/MrWong99/talkloop/pkg/transport"
)

func validConfig(t *testing.T) *config.Config {
	t.Helper()
	return mustLoad(t, minimalYAML)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{"valid", func(*config.Config) {}, ""},
		{"log level", func(c *config.Config) { c.Server.LogLevel = "bananas" }, "server.log_level"},
		{"mode", func(c *config.Config) { c.Session.Mode = "carrier-pigeon" }, "session.mode"},
		{"stream url scheme", func(c *config.Config) { c.Transport.StreamURL = "http://x/ws" }, "transport.stream_url"},
		{"batch needs base url", func(c *config.Config) { c.Session.Mode = transport.ModeBatch }, "transport.base_url"},
		{"text needs recognizer", func(c *config.Config) {
			c.Session.Mode = transport.ModeText
			c.Transport.BaseURL = "http://localhost:8000"
		}, "recognizer.name"},
		{"encoding", func(c *config.Config) { c.Transport.ReplyEncoding = "mp3" }, "transport.reply_encoding"},
		{"vad thresholds", func(c *config.Config) { c.VAD.SilenceThreshold = c.VAD.SpeechThreshold + 0.1 }, "silence threshold"},
		{"mouth threshold", func(c *config.Config) { c.Mouth.Threshold = 2 }, "mouth.threshold"},
		{"frame samples", func(c *config.Config) { c.Audio.FrameSamples = -1 }, "audio.frame_samples"},
		{"prices", func(c *config.Config) { c.Usage.Prices.OutputPerMillion = -1 }, "usage.prices"},
		{"echo window", func(c *config.Config) { c.Session.EchoWindow = -1 }, "session.echo_window"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig(t)
			tt.mutate(cfg)
			err := config.Validate(cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()

	cfg := validConfig(t)
	cfg.Server.LogLevel = "loud"
	cfg.Transport.StreamURL = ""
	cfg.Mouth.Threshold = 0

	err := config.Validate(cfg)
	if err == nil {
		t.Fatal("expected errors")
	}
	for _, want := range []string{"server.log_level", "transport.stream_url", "mouth.threshold"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
}

func TestValidate_UnknownRecognizerOnlyWarns(t *testing.T) {
	t.Parallel()

	cfg := validConfig(t)
	cfg.Recognizer.Name = "custom"
	if err := config.Validate(cfg); err != nil {
		t.Fatalf("unknown recognizer name should not fail validation: %v", err)
	}
}
