// Package serve provides the HTTP control plane for the supervised command.
package serve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Dicklesworthstone/command-server/internal/logging"
	"github.com/Dicklesworthstone/command-server/internal/supervisor"
)

// Greeting is the body of GET /.
const Greeting = "Hello from command-server!"

const (
	defaultHost     = "127.0.0.1"
	defaultRunRoute = "/run"

	requestIDHeader   = "X-Request-Id"
	readHeaderTimeout = 10 * time.Second
)

// Controller is the set of supervisor operations the routes map to.
type Controller interface {
	Status(ctx context.Context) (supervisor.Status, error)
	Run(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Config configures the server.
type Config struct {
	Host string
	// Port 0 binds an ephemeral port.
	Port     int
	RunRoute string
	// DrainTimeout bounds how long shutdown waits for in-flight requests.
	// Zero waits without limit.
	DrainTimeout time.Duration
	Supervisor   Controller
	Logger       *slog.Logger
}

// Server serves the control plane.
type Server struct {
	host         string
	port         int
	runRoute     string
	drainTimeout time.Duration
	sup          Controller
	logger       *slog.Logger
	handler      http.Handler
}

func applyDefaults(cfg *Config) {
	if cfg.Host == "" {
		cfg.Host = defaultHost
	}
	if cfg.RunRoute == "" {
		cfg.RunRoute = defaultRunRoute
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
}

// New creates a new HTTP server.
func New(cfg Config) *Server {
	applyDefaults(&cfg)
	s := &Server{
		host:         cfg.Host,
		port:         cfg.Port,
		runRoute:     cfg.RunRoute,
		drainTimeout: cfg.DrainTimeout,
		sup:          cfg.Supervisor,
		logger:       cfg.Logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST "+s.runRoute, s.handleRun)
	mux.HandleFunc("POST /stop", s.handleStop)

	s.handler = requestIDMiddleware(s.loggingMiddleware(mux))
	return s
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.host, fmt.Sprint(s.port))
}

// Listen binds the configured address.
func (s *Server) Listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", s.Addr(), err)
	}
	if !isLoopbackHost(s.host) {
		s.logger.Warn("control plane has no authentication and is bound to a non-loopback address", "host", s.host)
	}
	s.logger.Info("listening", "address", ln.Addr().String())
	return ln, nil
}

// Serve serves on ln until ctx is cancelled, then stops accepting connections
// and waits for in-flight requests to finish.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("shutting down server, draining in-flight requests")

		shutdownCtx := context.Background()
		if s.drainTimeout > 0 {
			var cancel context.CancelFunc
			shutdownCtx, cancel = context.WithTimeout(shutdownCtx, s.drainTimeout)
			defer cancel()
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		s.logger.Info("server stopped")
		return nil
	})
	return g.Wait()
}

// Start binds and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := s.Listen()
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// requestIDMiddleware assigns a request ID and stores it in context and response headers.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(requestIDHeader)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, reqID)
		ctx := logging.WithRequestID(r.Context(), reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		s.logger.InfoContext(r.Context(), "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start))
	})
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.ErrorContext(r.Context(), "error encoding JSON", "error", err)
	}
}

// statusFor maps supervisor errors to HTTP status codes.
func statusFor(err error) int {
	if errors.Is(err, supervisor.ErrConflict) {
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// supervisorContext keeps request values but not cancellation: a client that
// disconnects must not abort a stop half-way.
func supervisorContext(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, Greeting)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.sup.Status(supervisorContext(r))
	if err != nil {
		w.WriteHeader(statusFor(err))
		return
	}
	s.writeJSON(w, r, http.StatusOK, st)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if err := s.sup.Run(supervisorContext(r)); err != nil {
		w.WriteHeader(statusFor(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.sup.Stop(supervisorContext(r)); err != nil {
		w.WriteHeader(statusFor(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
