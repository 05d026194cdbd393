// Package server exposes sessions over HTTP and streams their events as SSE.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/agentdesk/agentdesk/internal/event"
	"github.com/agentdesk/agentdesk/internal/logging"
	"github.com/agentdesk/agentdesk/internal/session"
	"github.com/agentdesk/agentdesk/pkg/types"
)

// Config holds server configuration.
type Config struct {
	Hostname     string
	Port         int
	Directory    string
	EnableCORS   bool
	CORSOrigins  []string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Hostname:     "127.0.0.1",
		Port:         4096,
		EnableCORS:   true,
		CORSOrigins:  []string{"*"},
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE streams are long-lived
	}
}

// ApplyConfig overlays the server section of the app config.
func (c *Config) ApplyConfig(sc *types.ServerConfig) {
	if sc == nil {
		return
	}
	if sc.Hostname != "" {
		c.Hostname = sc.Hostname
	}
	if sc.Port != 0 {
		c.Port = sc.Port
	}
	if len(sc.CORS) > 0 {
		c.CORSOrigins = sc.CORS
	}
}

// Server is the HTTP server.
type Server struct {
	config   *Config
	router   *chi.Mux
	httpSrv  *http.Server
	sessions *session.Service
	bus      *event.Bus
	log      zerolog.Logger
}

// New creates a new Server instance.
func New(cfg *Config, sessions *session.Service, bus *event.Bus) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	s := &Server{
		config:   cfg,
		router:   chi.NewRouter(),
		sessions: sessions,
		bus:      bus,
		log:      logging.For("server"),
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// setupMiddleware configures middleware for the server.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.requestLogger)
	s.router.Use(middleware.Recoverer)

	if s.config.EnableCORS {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.config.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	s.router.Use(s.instanceContext)
}

// requestLogger logs each request once it has been served.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Str("requestID", middleware.GetReqID(r.Context())).
			Msg("Request")
	})
}

// instanceContext injects the working directory into the request context.
func (s *Server) instanceContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dir := r.URL.Query().Get("directory")
		if dir == "" {
			dir = s.config.Directory
		}
		ctx := context.WithValue(r.Context(), contextKeyDirectory, dir)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.config.Hostname, fmt.Sprint(s.config.Port))
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.Addr(), err)
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.httpSrv = &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	s.log.Info().Str("addr", ln.Addr().String()).Msg("Server listening")

	if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Context keys
type contextKey string

const (
	contextKeyDirectory contextKey = "directory"
)

// getDirectory returns the directory from context.
func getDirectory(ctx context.Context) string {
	if dir, ok := ctx.Value(contextKeyDirectory).(string); ok {
		return dir
	}
	return ""
}
