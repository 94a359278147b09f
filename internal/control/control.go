// Package control exposes a [session.Session] over HTTP so that a UI process
// can drive the conversation and follow its state.
//
// Routes:
//
//	POST /session/start       start a conversation
//	POST /session/stop        end the conversation
//	POST /session/interrupt   barge in on the assistant
//	PUT  /session/tunables    change VAD and mouth thresholds
//	GET  /session             current snapshot as JSON
//	GET  /session/events      WebSocket stream of snapshots
//	GET  /version             build version
//	GET  /metrics             Prometheus scrape endpoint (optional)
//	GET  /healthz, /readyz    probes (optional)
package control

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/coder/websocket"

	"github.com/MrWong99/talkloop/internal/health"
	"github.com/MrWong99/talkloop/internal/observe"
	"github.com/MrWong99/talkloop/internal/session"
)

// Controller is the session surface the server drives.
type Controller interface {
	Start(ctx context.Context) error
	Stop() error
	Interrupt() error
	SetVADThresholds(speech, silence float64, silenceDuration time.Duration) error
	SetMouthThreshold(v float64) error
	Snapshot() session.Snapshot
	Subscribe() (<-chan session.Snapshot, func())
}

var _ Controller = (*session.Session)(nil)

// writeTimeout bounds one WebSocket write to a subscriber.
const writeTimeout = 5 * time.Second

// maxBody limits request bodies of the tunables endpoint.
const maxBody = 64 << 10

// Server routes control requests to a [Controller].
type Server struct {
	ctrl    Controller
	metrics *observe.Metrics
	version string
	health  *health.Handler
	scrape  http.Handler
	origins []string
}

// Option configures a [Server].
type Option func(*Server)

// WithMetrics sets the metrics used by the request middleware.
// Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithVersion sets the build version reported by GET /version.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// WithHealth mounts the liveness and readiness probes.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetricsHandler mounts h on GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.scrape = h }
}

// WithOriginPatterns allows cross-origin WebSocket subscribers whose Origin
// host matches one of the patterns (see [websocket.AcceptOptions]).
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.origins = append(s.origins, patterns...) }
}

// New returns a server for ctrl.
func New(ctrl Controller, opts ...Option) *Server {
	s := &Server{ctrl: ctrl, version: "dev"}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Handler returns the instrumented route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /session/start", s.handleStart)
	mux.HandleFunc("POST /session/stop", s.handleStop)
	mux.HandleFunc("POST /session/interrupt", s.handleInterrupt)
	mux.HandleFunc("PUT /session/tunables", s.handleTunables)
	mux.HandleFunc("GET /session", s.handleSnapshot)
	mux.HandleFunc("GET /session/events", s.handleEvents)
	mux.HandleFunc("GET /version", s.handleVersion)
	if s.scrape != nil {
		mux.Handle("GET /metrics", s.scrape)
	}
	if s.health != nil {
		s.health.Register(mux)
	}
	return observe.Middleware(s.metrics, observe.WithQuietPaths("/metrics", "/healthz", "/readyz"))(mux)
}

// ── Commands ─────────────────────────────────────────────────────────────────

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	err := s.ctrl.Start(r.Context())
	switch {
	case errors.Is(err, session.ErrRunning):
		writeError(w, http.StatusConflict, err)
	case err != nil:
		// The failure is also visible as the snapshot reason.
		writeError(w, http.StatusBadGateway, err)
	default:
		writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
	}
}

func (s *Server) handleStop(w http.ResponseWriter, _ *http.Request) {
	if err := s.ctrl.Stop(); err != nil {
		slog.Warn("control: stop reported errors", "err", err)
	}
	writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

func (s *Server) handleInterrupt(w http.ResponseWriter, _ *http.Request) {
	if err := s.ctrl.Interrupt(); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// Tunables is the body of PUT /session/tunables. Omitted fields are left
// unchanged; the VAD fields are applied together.
type Tunables struct {
	SpeechThreshold   *float64 `json:"speech_threshold,omitempty"`
	SilenceThreshold  *float64 `json:"silence_threshold,omitempty"`
	SilenceDurationMS *int64   `json:"silence_duration_ms,omitempty"`
	MouthThreshold    *float64 `json:"mouth_threshold,omitempty"`
}

func (s *Server) handleTunables(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var t Tunables
	if err := sonic.Unmarshal(body, &t); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if t.SpeechThreshold != nil || t.SilenceThreshold != nil || t.SilenceDurationMS != nil {
		if t.SpeechThreshold == nil || t.SilenceThreshold == nil || t.SilenceDurationMS == nil {
			writeError(w, http.StatusBadRequest, errors.New("control: speech_threshold, silence_threshold and silence_duration_ms must be set together"))
			return
		}
		d := time.Duration(*t.SilenceDurationMS) * time.Millisecond
		if err := s.ctrl.SetVADThresholds(*t.SpeechThreshold, *t.SilenceThreshold, d); err != nil {
			writeError(w, http.StatusUnprocessableEntity, err)
			return
		}
	}
	if t.MouthThreshold != nil {
		if err := s.ctrl.SetMouthThreshold(*t.MouthThreshold); err != nil {
			writeError(w, http.StatusUnprocessableEntity, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── Observation ──────────────────────────────────────────────────────────────

func (s *Server) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

// handleEvents streams every published snapshot as a JSON text message until
// the client goes away. A slow client only ever misses intermediate
// snapshots; the latest one is always delivered.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		slog.Debug("control: websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	snaps, unsubscribe := s.ctrl.Subscribe()
	defer unsubscribe()

	// Inbound messages are not expected; CloseRead surfaces the client close.
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-snaps:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			if err := writeSnapshot(ctx, conn, snap); err != nil {
				slog.Debug("control: subscriber write failed", "err", err)
				return
			}
		}
	}
}

func writeSnapshot(ctx context.Context, conn *websocket.Conn, snap session.Snapshot) error {
	data, err := sonic.Marshal(snap)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

// ── Encoding ─────────────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := sonic.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"encoding failed"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
