// Command talkloop runs a real-time voice conversation with a remote
// conversational server and exposes the session to a UI over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/talkloop/internal/config"
	"github.com/MrWong99/talkloop/internal/control"
	"github.com/MrWong99/talkloop/internal/health"
	"github.com/MrWong99/talkloop/internal/observe"
	"github.com/MrWong99/talkloop/internal/session"
	"github.com/MrWong99/talkloop/pkg/audio"
	"github.com/MrWong99/talkloop/pkg/audio/capture"
	"github.com/MrWong99/talkloop/pkg/audio/playback"
	"github.com/MrWong99/talkloop/pkg/recognize"
	"github.com/MrWong99/talkloop/pkg/recognize/gemini"
	"github.com/MrWong99/talkloop/pkg/recognize/openai"
	"github.com/MrWong99/talkloop/pkg/transport"
	"github.com/MrWong99/talkloop/pkg/transport/batch"
	"github.com/MrWong99/talkloop/pkg/transport/stream"
	"github.com/MrWong99/talkloop/pkg/transport/text"
	"github.com/MrWong99/talkloop/pkg/usage"
	"github.com/MrWong99/talkloop/pkg/vad"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "talkloop.yaml", "path to the YAML configuration file")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("talkloop", version)
		return 0
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "talkloop: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "talkloop: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("talkloop starting",
		"version", version,
		"config", *configPath,
		"mode", cfg.Session.Mode,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Recognizer registry ───────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinRecognizers(ctx, reg)

	// ── Session ───────────────────────────────────────────────────────────────
	sess, closeIO, err := buildSession(cfg, reg)
	if err != nil {
		slog.Error("failed to build session", "err", err)
		return 1
	}
	defer closeIO()

	// ── Hot reload ────────────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		applyConfigChange(sess, &level, config.Diff(old, new), new)
	})
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	// ── Control server ────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)

	if cfg.Server.ListenAddr != "" {
		ready := health.New(health.Checker{Name: "session", Check: func(context.Context) error {
			if snap := sess.Snapshot(); snap.State == session.StateError {
				return fmt.Errorf("session error: %s", snap.Reason)
			}
			return nil
		}})
		srv := &http.Server{
			Addr: cfg.Server.ListenAddr,
			Handler: control.New(sess,
				control.WithVersion(version),
				control.WithHealth(ready),
				control.WithMetricsHandler(observe.MetricsHandler()),
			).Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			slog.Info("control server listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("control server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	if cfg.Server.AutoStart {
		g.Go(func() error {
			if err := sess.Start(gctx); err != nil {
				// The failure stays visible in the snapshot; the process keeps
				// serving so the UI can restart.
				slog.Error("auto start failed", "err", err)
			}
			return nil
		})
	}

	slog.Info("talkloop ready; press Ctrl+C to shut down")
	<-gctx.Done()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")
	code := 0
	if err := sess.Stop(); err != nil {
		slog.Warn("session stop error", "err", err)
	}
	if err := g.Wait(); err != nil {
		slog.Error("run error", "err", err)
		code = 1
	}
	slog.Info("goodbye")
	return code
}

// ── Session wiring ────────────────────────────────────────────────────────────

// buildSession creates the audio endpoints, detector and adapter factory for
// cfg. The returned function closes the audio files.
func buildSession(cfg *config.Config, reg *config.Registry) (*session.Session, func(), error) {
	var rec recognize.Recognizer
	if cfg.Session.Mode == transport.ModeText {
		r, err := reg.CreateRecognizer(cfg.Recognizer)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("recognizer created", "name", cfg.Recognizer.Name, "model", cfg.Recognizer.Model)
		rec = r
	}

	in, out, closeIO, err := openAudio(cfg.Audio)
	if err != nil {
		return nil, nil, err
	}

	detector, err := vad.New(cfg.VAD.DetectorConfig())
	if err != nil {
		closeIO()
		return nil, nil, err
	}

	newAdapter, err := adapterFactory(cfg, rec)
	if err != nil {
		closeIO()
		return nil, nil, err
	}

	sess, err := session.New(session.Config{
		NewAdapter:     newAdapter,
		Capture:        capture.New(capture.NewReaderDevice(in, cfg.Audio.InputRate), capture.WithFrameSamples(cfg.Audio.FrameSamples)),
		Player:         playback.NewWriterPlayer(out),
		Detector:       detector,
		Counters:       usage.New(cfg.Usage.Prices),
		Handshake:      cfg.Session.Handshake(),
		EchoWindow:     cfg.Session.EchoWindow,
		MinUtterance:   cfg.Session.MinUtterance,
		MouthInterval:  cfg.Mouth.Interval,
		MouthThreshold: cfg.Mouth.Threshold,
	})
	if err != nil {
		closeIO()
		return nil, nil, err
	}
	return sess, closeIO, nil
}

// adapterFactory returns the constructor of the adapter selected by
// session.mode. Every Start gets a fresh adapter.
func adapterFactory(cfg *config.Config, rec recognize.Recognizer) (session.AdapterFactory, error) {
	enc, err := audio.ParseEncoding(cfg.Transport.ReplyEncoding)
	if err != nil {
		return nil, err
	}
	rate := cfg.Transport.ReplyRate
	client := &http.Client{Timeout: cfg.Transport.Timeout}

	switch cfg.Session.Mode {
	case transport.ModeStreaming:
		return func(c *usage.Counters) (transport.Adapter, error) {
			return stream.New(cfg.Transport.StreamURL,
				stream.WithUsage(c),
				stream.WithInboundFormat(enc, rate),
			), nil
		}, nil
	case transport.ModeBatch:
		return func(c *usage.Counters) (transport.Adapter, error) {
			return batch.New(cfg.Transport.BaseURL,
				batch.WithUsage(c),
				batch.WithHTTPClient(client),
				batch.WithReplyFormat(enc, rate),
			), nil
		}, nil
	case transport.ModeText:
		if rec == nil {
			return nil, errors.New("text mode requires a recognizer")
		}
		return func(c *usage.Counters) (transport.Adapter, error) {
			return text.New(cfg.Transport.BaseURL, rec,
				text.WithUsage(c),
				text.WithHTTPClient(client),
				text.WithReplyFormat(enc, rate),
			), nil
		}, nil
	default:
		return nil, fmt.Errorf("unsupported mode %q", cfg.Session.Mode)
	}
}

// openAudio opens the capture source and playback sink. "-" selects
// stdin/stdout; an empty output discards assistant audio in real time. The
// returned func closes the opened files; the capture device never does, so
// sessions can be stopped and started again on the same input.
func openAudio(cfg config.AudioConfig) (io.Reader, io.Writer, func(), error) {
	var closers []io.Closer
	closeAll := func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}

	var in io.Reader = os.Stdin
	if cfg.Input != "-" {
		f, err := os.Open(cfg.Input)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open audio input: %w", err)
		}
		closers = append(closers, f)
		in = f
	}

	var out io.Writer
	switch cfg.Output {
	case "":
		out = io.Discard
	case "-":
		out = os.Stdout
	default:
		f, err := os.Create(cfg.Output)
		if err != nil {
			closeAll()
			return nil, nil, nil, fmt.Errorf("open audio output: %w", err)
		}
		closers = append(closers, f)
		out = f
	}
	return in, out, closeAll, nil
}

// applyConfigChange hot-applies the parts of a reloaded config that a
// running session supports.
func applyConfigChange(sess *session.Session, level *slog.LevelVar, d config.ConfigDiff, cfg *config.Config) {
	if d.LogLevelChanged {
		level.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.VADChanged {
		if err := sess.SetVADThresholds(cfg.VAD.SpeechThreshold, cfg.VAD.SilenceThreshold, cfg.VAD.SilenceDuration); err != nil {
			slog.Warn("failed to apply vad thresholds", "err", err)
		}
	}
	if d.MouthChanged {
		if err := sess.SetMouthThreshold(cfg.Mouth.Threshold); err != nil {
			slog.Warn("failed to apply mouth threshold", "err", err)
		}
	}
	if d.PricesChanged {
		sess.SetPrices(cfg.Usage.Prices)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes need a restart to take effect", "sections", d.RestartRequired)
	}
}

// ── Recognizers ───────────────────────────────────────────────────────────────

func registerBuiltinRecognizers(ctx context.Context, reg *config.Registry) {
	reg.RegisterRecognizer("openai", func(entry config.ProviderEntry) (recognize.Recognizer, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, openai.WithLanguage(lang))
		}
		if d, err := time.ParseDuration(optString(entry.Options, "timeout")); err == nil {
			opts = append(opts, openai.WithTimeout(d))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})
	reg.RegisterRecognizer("gemini", func(entry config.ProviderEntry) (recognize.Recognizer, error) {
		var opts []gemini.Option
		if entry.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(entry.BaseURL))
		}
		if prompt := optString(entry.Options, "prompt"); prompt != "" {
			opts = append(opts, gemini.WithPrompt(prompt))
		}
		return gemini.New(ctx, entry.APIKey, entry.Model, opts...)
	})
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// optString extracts a string value from a provider Options map.
// Returns "" if the key is absent or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}
