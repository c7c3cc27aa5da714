// Package httpapi serves the dashboard REST API and the account event stream.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/unrolled/secure"

	"unlockbot/internal/dispatch"
	"unlockbot/internal/eventbus"
	"unlockbot/internal/session"
	"unlockbot/internal/storage"
	"unlockbot/internal/transport"
	"unlockbot/pkg/logx"
)

// Sessions is the account supervisor surface used by the API.
type Sessions interface {
	Start(raw string, mode session.AuthMode) (*session.Unit, error)
	Status(raw string) session.Snapshot
	All() []session.Snapshot
	RefreshReadiness(ctx context.Context, raw string) error
	Delete(ctx context.Context, raw string) error
	Groups(ctx context.Context, raw string) ([]transport.GroupSummary, error)
	TestFire(ctx context.Context, raw, channelID string) error
	Send(ctx context.Context, raw, channelID, payload string) (dispatch.Result, error)
}

type Config struct {
	Addr           string
	AllowedOrigins []string
	Profiler       bool
	MetricsPath    string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type Deps struct {
	Sessions Sessions
	Store    storage.Store
	Bus      eventbus.Bus
	Metrics  http.Handler // nil disables the metrics route
	Log      logx.Logger
}

type Server struct {
	cfg      Config
	sessions Sessions
	store    storage.Store
	bus      eventbus.Bus
	metrics  http.Handler
	log      logx.Logger
	upgrader websocket.Upgrader
	started  time.Time

	mu      sync.Mutex
	srv     *http.Server
	ln      net.Listener
	streams map[*websocket.Conn]struct{}
}

func New(cfg Config, deps Deps) *Server {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	bus := deps.Bus
	if bus == nil {
		bus = eventbus.Nop()
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	if strings.TrimSpace(cfg.MetricsPath) == "" {
		cfg.MetricsPath = "/metrics"
	}
	s := &Server{
		cfg:      cfg,
		sessions: deps.Sessions,
		store:    deps.Store,
		bus:      bus,
		metrics:  deps.Metrics,
		log:      log.With(logx.String("comp", "http")),
		started:  time.Now(),
		streams:  map[*websocket.Conn]struct{}{},
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(secure.New(secure.Options{
		FrameDeny:          true,
		ContentTypeNosniff: true,
		BrowserXssFilter:   true,
		ReferrerPolicy:     "same-origin",
	}).Handler)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Origin", "Content-Type", "Authorization", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, s.cfg.MetricsPath, s.metrics)
	}
	if s.cfg.Profiler {
		r.Mount("/debug", middleware.Profiler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/users", s.handleUpsertUser)
		r.Get("/users", s.handleListUsers)
		r.Get("/fires/{userId}", s.handleListFires)

		r.Post("/session/start", s.handleStartSession)
		r.Get("/session/status/{userId}", s.handleSessionStatus)
		r.Get("/sessions", s.handleSessions)
		r.Post("/session/{userId}/refresh", s.handleRefresh)
		r.Delete("/session/{userId}", s.handleDelete)

		r.Get("/groups/{userId}", s.handleGroups)
		r.Post("/test-fire", s.handleTestFire)
		r.Post("/send", s.handleSend)

		r.Get("/events", s.handleEvents)
	})
	return r
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}
	addr := s.cfg.Addr
	if addr == "" {
		addr = ":3001"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
	}
	s.srv, s.ln = srv, ln
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server stopped", logx.Err(err))
		}
	}()
	s.log.Info("http server listening", logx.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Shutdown stops accepting, closes event streams and waits for in-flight
// requests until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv, s.ln = nil, nil
	for c := range s.streams {
		_ = c.Close()
	}
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	err := srv.Shutdown(ctx)
	if err != nil {
		_ = srv.Close()
	}
	return err
}

func (s *Server) track(c *websocket.Conn) func() {
	s.mu.Lock()
	s.streams[c] = struct{}{}
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.streams, c)
		s.mu.Unlock()
		_ = c.Close()
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range s.cfg.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Int("bytes", ww.BytesWritten()),
			logx.Duration("took", time.Since(start)),
			logx.String("request_id", middleware.GetReqID(r.Context())),
			logx.String("remote", r.RemoteAddr),
		)
	})
}
