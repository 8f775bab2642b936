package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/opencode-ai/sessionbridge/internal/bridge"
	"github.com/opencode-ai/sessionbridge/internal/config"
	"github.com/opencode-ai/sessionbridge/internal/event"
	"github.com/opencode-ai/sessionbridge/internal/logging"
)

// Config holds server configuration.
type Config struct {
	Addr           string
	EnableCORS     bool
	AllowedOrigins []string
	// SocketQueue bounds the frames buffered per WebSocket before Send fails.
	SocketQueue int
	// ControlTimeout bounds how long HTTP control requests wait for the agent.
	ControlTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

// DefaultConfig returns default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Addr:           "127.0.0.1:8080",
		EnableCORS:     true,
		SocketQueue:    config.DefaultSocketQueue,
		ControlTimeout: 30 * time.Second,
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   0, // No write timeout for SSE and WebSockets
	}
}

// FromConfig derives the server configuration from the bridge configuration.
func FromConfig(cfg *config.Config) *Config {
	c := DefaultConfig()
	c.Addr = cfg.Server.Addr()
	c.EnableCORS = cfg.Server.CORSEnabled()
	c.AllowedOrigins = cfg.Server.AllowedOrigins
	if cfg.Bridge.SocketQueue > 0 {
		c.SocketQueue = cfg.Bridge.SocketQueue
	}
	return c
}

// Saver persists a session before it is removed.
type Saver interface {
	Save(ctx context.Context, sessionID string) error
}

// Server is the HTTP and WebSocket front of a session registry.
type Server struct {
	config   *Config
	router   *chi.Mux
	httpSrv  *http.Server
	registry *bridge.Registry
	bus      *event.Bus
	saver    Saver
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithBus streams lifecycle events from bus on /event.
func WithBus(bus *event.Bus) Option {
	return func(s *Server) { s.bus = bus }
}

// WithSaver saves sessions before DELETE removes them.
func WithSaver(saver Saver) Option {
	return func(s *Server) { s.saver = saver }
}

// New creates a new Server instance.
func New(cfg *Config, registry *bridge.Registry, opts ...Option) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.SocketQueue <= 0 {
		cfg.SocketQueue = config.DefaultSocketQueue
	}

	s := &Server{
		config:   cfg,
		router:   chi.NewRouter(),
		registry: registry,
		log:      logging.Component("server"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.httpSrv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// setupMiddleware configures middleware for the server.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.requestLogger)
	s.router.Use(middleware.Recoverer)

	if s.config.EnableCORS {
		origins := s.config.AllowedOrigins
		if len(origins) == 0 {
			origins = []string{"*"}
		}
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   origins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"Link", "X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
}

// requestLogger logs each request through zerolog once it completes.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			s.log.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("elapsed", time.Since(start)).
				Str("requestID", middleware.GetReqID(r.Context())).
				Msg("request")
		}()
		next.ServeHTTP(ww, r)
	})
}

// checkOrigin accepts WebSocket upgrades from the configured origins.
// Requests without an Origin header come from non-browser agents.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.config.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.config.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// Start starts the HTTP server on the configured address.
func (s *Server) Start() error {
	l, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return err
	}
	return s.Serve(l)
}

// Serve accepts connections on l until Shutdown is called. It returns
// nil after a graceful shutdown.
func (s *Server) Serve(l net.Listener) error {
	s.log.Info().Str("addr", l.Addr().String()).Msg("bridge listening")

	err := s.httpSrv.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server. Hijacked WebSocket
// connections are not tracked by net/http; close the registry to end them.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// Router returns the chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}
