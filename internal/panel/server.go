// SPDX-License-Identifier: MIT

// Package panel serves the local operator API: a JSON/WebSocket facade over
// the backend client and the state store.
package panel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/sylvester1001/zat/internal/backend"
	"github.com/sylvester1001/zat/internal/cache"
	"github.com/sylvester1001/zat/internal/health"
	"github.com/sylvester1001/zat/internal/journal"
	xglog "github.com/sylvester1001/zat/internal/log"
	"github.com/sylvester1001/zat/internal/protocol"
	"github.com/sylvester1001/zat/internal/store"
)

// ErrAlreadyStarted is returned by a second Serve call.
var ErrAlreadyStarted = errors.New("panel: already started")

// Backend is the subset of the REST client the panel drives.
type Backend interface {
	Connect(ctx context.Context) (backend.ConnectResponse, error)
	StartTaskEngine(ctx context.Context, name string) (backend.ActionResponse, error)
	StopTaskEngine(ctx context.Context) (backend.ActionResponse, error)
	StartGame(ctx context.Context, waitReady bool, timeoutSeconds int) (backend.StartGameResponse, error)
	StopGame(ctx context.Context) (backend.ActionResponse, error)
	ScreenshotURL(gray bool) string
	Screenshot(ctx context.Context, gray bool) ([]byte, error)
	Dungeons(ctx context.Context) ([]backend.Dungeon, error)
	NavigateToDungeon(ctx context.Context, id, difficulty string) (backend.NavigateResponse, error)
	RunDungeon(ctx context.Context, id, difficulty string, count int) (backend.RunDungeonResponse, error)
	StopDungeon(ctx context.Context) (backend.ActionResponse, error)
	DungeonHistory(ctx context.Context) ([]backend.DungeonRecord, error)
	Scenes(ctx context.Context) ([]backend.Scene, error)
	CurrentScene(ctx context.Context) (backend.CurrentScene, error)
	NavigateTo(ctx context.Context, sceneID string) (backend.SceneNavigateResponse, error)
}

// LogSource provides recent backend log lines.
type LogSource interface {
	Recent(n int) []protocol.LogMessage
	Subscribe(fn func(protocol.LogMessage)) (unsubscribe func())
}

// Journal records and lists actions.
type Journal interface {
	journal.Recorder
	List(ctx context.Context, limit int) ([]journal.Entry, error)
}

// Config controls the HTTP server.
type Config struct {
	ListenAddr      string
	RateLimit       int // actions per minute per client; <= 0 disables
	ShutdownTimeout time.Duration
	CacheTTL        time.Duration
	// TracingService names otelhttp spans; empty disables tracing.
	TracingService string
}

// Deps are the collaborators. Backend and Store are required.
type Deps struct {
	Backend Backend
	Store   *store.Store
	Logs    LogSource
	Journal Journal
	Cache   cache.Cache
	Health  *health.Manager
}

// Server is the panel HTTP server.
type Server struct {
	cfg    Config
	deps   Deps
	hub    *Hub
	router chi.Router
	logger zerolog.Logger
	ttl    atomic.Int64

	mu      sync.Mutex
	started bool
	unsubs  []func()
}

// New wires the router and subscribes the event hub to the store and log feed.
func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Backend == nil {
		return nil, fmt.Errorf("panel: backend is required")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("panel: store is required")
	}
	if deps.Cache == nil {
		deps.Cache = cache.NewNoOpCache()
	}
	if deps.Health == nil {
		deps.Health = health.NewManager("")
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	s := &Server{
		cfg:    cfg,
		deps:   deps,
		hub:    NewHub(),
		logger: xglog.WithComponent("panel"),
	}
	s.ttl.Store(int64(cfg.CacheTTL))
	s.router = s.routes()

	s.unsubs = append(s.unsubs,
		deps.Store.Subscribe(func(st store.AppState) {
			s.hub.Broadcast(Event{Type: EventState, Data: st})
		}),
		deps.Store.OnNavigationFailure(func(nf protocol.NavigationFailure) {
			s.hub.Broadcast(Event{Type: EventNavigationFailure, Data: nf})
		}),
	)
	if deps.Logs != nil {
		s.unsubs = append(s.unsubs, deps.Logs.Subscribe(func(line protocol.LogMessage) {
			s.hub.Broadcast(Event{Type: EventLog, Data: line})
		}))
	}
	return s, nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(Recoverer)
	r.Use(RequestID)
	r.Use(Metrics)
	if s.cfg.TracingService != "" {
		r.Use(Tracing(s.cfg.TracingService))
	}
	r.Use(xglog.Middleware())

	r.Get("/healthz", s.deps.Health.ServeHealth)
	r.Get("/readyz", s.deps.Health.ServeReady)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/state", s.handleState)
		r.Get("/events", s.handleEvents)

		r.Get("/catalog", s.handleCatalog)
		r.Get("/catalog/{id}/difficulties", s.handleDifficulties)
		r.Get("/dungeons", s.handleDungeons)
		r.Get("/dungeons/history", s.handleDungeonHistory)
		r.Get("/scenes", s.handleScenes)
		r.Get("/scenes/current", s.handleCurrentScene)
		r.Get("/screenshot", s.handleScreenshot)
		r.Get("/screenshot-url", s.handleScreenshotURL)
		r.Get("/logs", s.handleLogs)
		r.Get("/journal", s.handleJournal)

		r.Group(func(r chi.Router) {
			r.Use(ActionRateLimit(s.cfg.RateLimit))
			r.Post("/connect", s.handleConnect)
			r.Post("/task-engine/start", s.handleTaskStart)
			r.Post("/task-engine/stop", s.handleTaskStop)
			r.Post("/game/start", s.handleGameStart)
			r.Post("/game/stop", s.handleGameStop)
			r.Post("/dungeons/navigate", s.handleNavigateDungeon)
			r.Post("/dungeons/run", s.handleRunDungeon)
			r.Post("/dungeons/stop", s.handleStopDungeon)
			r.Post("/scenes/navigate", s.handleNavigateScene)
		})
	})
	return r
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetCacheTTL changes the listing cache TTL for subsequent misses.
func (s *Server) SetCacheTTL(d time.Duration) {
	s.ttl.Store(int64(d))
}

// Hub returns the event hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Serve listens on cfg.ListenAddr until ctx is cancelled, then shuts down
// within cfg.ShutdownTimeout.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("panel: listen %s: %w", s.cfg.ListenAddr, err)
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener is Serve on an existing listener.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		_ = ln.Close()
		return ErrAlreadyStarted
	}
	s.started = true
	s.mu.Unlock()

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().
			Str(xglog.FieldEvent, "panel.listening").
			Str("addr", ln.Addr().String()).
			Msg("panel listening")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			s.logger.Error().Err(err).Str(xglog.FieldEvent, "panel.server_failed").Msg("panel server failed")
			s.Close()
			return fmt.Errorf("panel server: %w", err)
		}
		s.Close()
		return nil
	case <-ctx.Done():
	}

	s.logger.Info().Str(xglog.FieldEvent, "panel.shutdown").Msg("shutting down panel")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()

	// Hijacked event sockets are not tracked by Shutdown.
	s.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("panel shutdown: %w", err)
	}
	return nil
}

// Close drops subscriptions and disconnects event clients. Safe to call repeatedly.
func (s *Server) Close() {
	s.mu.Lock()
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()
	for _, fn := range unsubs {
		fn()
	}
	s.hub.Close()
}
