// Package server exposes the realtime transcription session over HTTP: a
// chunked streaming endpoint that accepts raw PCM audio and emits
// newline-delimited JSON text fragments, one session per connection.
package server

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/voxtral/voxtral-stream/internal/config"
	"github.com/voxtral/voxtral-stream/internal/session"
	"github.com/voxtral/voxtral-stream/internal/transcribe"
)

// ParseLogLevel converts a case-insensitive level string to slog.Level.
// An empty string returns slog.LevelInfo. Unknown strings return an error.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (want debug|info|warn|error)", s)
	}
}

// readChunkBytes is the size of each raw read from a streaming request
// body; it need not align to a sample boundary -- leftover bytes carry
// over to the next read.
const readChunkBytes = 4096

// ---------------------------------------------------------------------------
// Functional options
// ---------------------------------------------------------------------------

type options struct {
	sessionCfg session.Config
	logger     *slog.Logger
}

func defaultOptions() options {
	return options{
		sessionCfg: session.Config{},
		logger:     slog.Default(),
	}
}

// Option configures the HTTP handler.
type Option func(*options)

// WithSessionConfig sets the realtime session options every streamed
// connection is constructed with.
func WithSessionConfig(cfg session.Config) Option {
	return func(o *options) { o.sessionCfg = cfg }
}

// WithLogger sets the slog.Logger used for request logging.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// ---------------------------------------------------------------------------
// handler
// ---------------------------------------------------------------------------

type handler struct {
	model *transcribe.Model
	opts  options
	log   *slog.Logger
}

// NewHandler returns an http.Handler serving /health and the streaming
// transcription endpoint over an already-loaded Model.
func NewHandler(m *transcribe.Model, optFns ...Option) http.Handler {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	h := &handler{model: m, opts: opts, log: opts.logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/v1/transcribe/stream", h.handleTranscribeStream)

	return mux
}

func buildVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}

	return "dev"
}

func (h *handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": buildVersion(),
	})
}

// fragmentMessage is one line of the newline-delimited JSON response.
type fragmentMessage struct {
	Text  string `json:"text"`
	Error string `json:"error,omitempty"`
}

// handleTranscribeStream reads raw little-endian float32 PCM from the
// request body in readChunkBytes blocks, feeding each complete run of
// samples into a fresh realtime session and flushing one JSON line per
// non-empty text fragment over the HTTP streaming endpoint.
func (h *handler) handleTranscribeStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if r.Body == nil {
		writeError(w, http.StatusBadRequest, "request body is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	sess, err := session.New(h.model, h.opts.sessionCfg)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("starting session: %v", err))
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Transfer-Encoding", "chunked")
	w.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(w)
	start := time.Now()

	var leftover []byte

	buf := make([]byte, readChunkBytes)

	emit := func(text string) bool {
		if text == "" {
			return true
		}

		if err := enc.Encode(fragmentMessage{Text: text}); err != nil {
			h.log.ErrorContext(r.Context(), "writing fragment", slog.String("error", err.Error()))
			return false
		}

		flusher.Flush()

		return true
	}

	readLoop:
	for {
		n, readErr := r.Body.Read(buf)
		if n > 0 {
			samples, rest := bytesToFloat32(append(leftover, buf[:n]...))
			leftover = rest

			fragment, err := sess.AppendAudioSamples(samples)
			if err != nil {
				h.log.ErrorContext(r.Context(), "append_audio_samples failed", slog.String("error", err.Error()))
				_ = enc.Encode(fragmentMessage{Error: err.Error()})
				flusher.Flush()

				return
			}

			if !emit(fragment) {
				return
			}
		}

		switch {
		case errors.Is(readErr, io.EOF):
			break readLoop
		case readErr != nil:
			h.log.ErrorContext(r.Context(), "reading request body", slog.String("error", readErr.Error()))
			return
		}
	}

	fragment, err := sess.FinishStream()
	if err != nil {
		h.log.ErrorContext(r.Context(), "finish_stream failed", slog.String("error", err.Error()))
		_ = enc.Encode(fragmentMessage{Error: err.Error()})
		flusher.Flush()

		return
	}

	emit(fragment)

	h.log.InfoContext(r.Context(), "stream finished", slog.Int64("duration_ms", time.Since(start).Milliseconds()))
}

// bytesToFloat32 decodes as many complete little-endian float32 samples as
// b holds, returning any trailing partial-sample bytes to prepend to the
// next read.
func bytesToFloat32(b []byte) (samples []float32, leftover []byte) {
	n := len(b) / 4
	samples = make([]float32, n)

	for i := 0; i < n; i++ {
		bits := binary.LittleEndian.Uint32(b[i*4:])
		samples[i] = math.Float32frombits(bits)
	}

	leftover = append([]byte(nil), b[n*4:]...)

	return samples, leftover
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encode JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// ---------------------------------------------------------------------------
// Server — wires handler into net/http.Server with graceful shutdown
// ---------------------------------------------------------------------------

// Server wires the HTTP handler into a net/http.Server with graceful shutdown.
type Server struct {
	cfg             config.Config
	model           *transcribe.Model
	shutdownTimeout time.Duration
}

// New builds a Server over an already-loaded Model.
func New(cfg config.Config, m *transcribe.Model) *Server {
	timeout := time.Duration(cfg.Server.ShutdownTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Server{cfg: cfg, model: m, shutdownTimeout: timeout}
}

// WithShutdownTimeout overrides the graceful-shutdown drain period.
func (s *Server) WithShutdownTimeout(d time.Duration) *Server {
	s.shutdownTimeout = d
	return s
}

func (s *Server) sessionConfig() session.Config {
	sc := s.cfg.Session

	return session.Config{
		Temperature:          float32(sc.Temperature),
		ChunkDurationMS:       sc.ChunkDurationMS,
		TranscriptionDelayMS: sc.TranscriptionDelayMS,
		RightPadTokens:       sc.RightPadTokens,
		DecoderWindowTokens:  sc.DecoderWindowTokens,
	}
}

// Start runs the HTTP server until ctx is cancelled, then drains in-flight
// requests for at most shutdownTimeout before returning.
func (s *Server) Start(ctx context.Context) error {
	h := NewHandler(s.model, WithSessionConfig(s.sessionConfig()))

	httpServer := &http.Server{
		Addr:              s.cfg.Server.ListenAddr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)

	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.shutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}

		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return fmt.Errorf("http listen: %w", err)
	}
}

// ProbeHTTP checks that a server's /health endpoint responds successfully.
func ProbeHTTP(addr string) error {
	resp, err := http.Get("http://" + addr + "/health") //nolint:noctx
	if err != nil {
		return err
	}

	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected health status: %s", resp.Status)
	}

	return nil
}
