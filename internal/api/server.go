// Package api exposes the gateway's HTTP surface: single-shot
// transcription uploads, standalone text cleanup, balance reporting, the
// duplex streaming session, and the operational endpoints.
//
// Handlers stay thin. Each one parses the wire format, hands a typed
// input to the orchestrator, and renders the typed result or error; no
// business decision lives here.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/theramjad/hyperwhisper-cloud/internal/health"
	"github.com/theramjad/hyperwhisper-cloud/internal/observe"
	"github.com/theramjad/hyperwhisper-cloud/internal/orchestrator"
	"github.com/theramjad/hyperwhisper-cloud/pkg/provider/stt"
)

// DefaultMaxBodyBytes caps inbound audio uploads. Anything larger is
// rejected with 413 before a byte is read.
const DefaultMaxBodyBytes = int64(256 << 20) // 256 MiB

// Config holds the HTTP server settings.
type Config struct {
	ListenAddr string

	// MaxBodyBytes caps upload size. Zero uses [DefaultMaxBodyBytes].
	MaxBodyBytes int64

	// CertFile and KeyFile enable TLS when both are set. Usually empty:
	// the gateway runs behind a TLS-terminating load balancer.
	CertFile string
	KeyFile  string

	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Server is the assembled HTTP front end.
type Server struct {
	cfg      Config
	orc      *orchestrator.Orchestrator
	streamer stt.Streamer
	metrics  *observe.Metrics

	httpServer *http.Server
}

// New assembles the server. streamer may be nil, in which case the
// streaming endpoint reports itself unavailable.
func New(cfg Config, orc *orchestrator.Orchestrator, streamer stt.Streamer, h *health.Handler, m *observe.Metrics) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}

	s := &Server{cfg: cfg, orc: orc, streamer: streamer, metrics: m}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/transcribe", s.handleTranscribe)
	mux.HandleFunc("POST /v1/post-process", s.handlePostProcess)
	mux.HandleFunc("GET /v1/usage", s.handleUsage)
	mux.HandleFunc("GET /v1/stream", s.handleStream)
	mux.Handle("GET /metrics", promhttp.Handler())
	if h != nil {
		h.Register(mux)
	}

	var handler http.Handler = mux
	handler = observe.Middleware(m)(handler)
	handler = withCORS(handler)
	handler = withRequestID(handler)

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
	return s
}

// Handler returns the fully wrapped handler. Used by tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Run serves until ctx is cancelled, then shuts down gracefully and
// drains background settlements.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		useTLS := s.cfg.CertFile != "" && s.cfg.KeyFile != ""
		slog.Info("http server listening", "addr", s.cfg.ListenAddr, "tls", useTLS)

		var err error
		if useTLS {
			err = s.httpServer.ListenAndServeTLS(s.cfg.CertFile, s.cfg.KeyFile)
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api: serve: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("api: shutdown: %w", err)
		}
		s.orc.Drain()
		return nil
	})

	return g.Wait()
}
