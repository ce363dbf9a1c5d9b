// SPDX-License-Identifier: MIT

// Package store holds the client's view of backend state and keeps it in
// sync through a status heartbeat and the /ws/state push stream.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/sylvester1001/zat/internal/backend"
	xglog "github.com/sylvester1001/zat/internal/log"
	"github.com/sylvester1001/zat/internal/metrics"
	"github.com/sylvester1001/zat/internal/protocol"
	"github.com/sylvester1001/zat/internal/stream"
)

// DefaultHeartbeatInterval is the fixed status poll period.
const DefaultHeartbeatInterval = 5 * time.Second

const pollWarnInterval = time.Minute

// AppState is the client's belief about the backend. It is a value type;
// the store only hands out copies.
type AppState struct {
	Connected         bool                  `json:"connected"`
	Device            string                `json:"device"`
	Resolution        string                `json:"resolution"`
	TaskEngineRunning bool                  `json:"taskEngineRunning"`
	GameRunning       bool                  `json:"gameRunning"`
	DungeonRunning    bool                  `json:"dungeonRunning"`
	DungeonState      protocol.DungeonPhase `json:"dungeonState"`
	CurrentState      string                `json:"currentState"`
	// Version increases by one on every effective change.
	Version uint64 `json:"version"`
}

// initialState is the state on startup and after a full reset.
func initialState() AppState {
	return AppState{DungeonState: protocol.PhaseIdle}
}

// sameContent compares two states ignoring Version.
func sameContent(a, b AppState) bool {
	a.Version, b.Version = 0, 0
	return a == b
}

// Backend is what the store needs from the REST client.
type Backend interface {
	Status(ctx context.Context) (backend.Status, error)
	StreamURL(path string) string
}

// Conn is a reconnecting push stream.
type Conn interface {
	Connect()
	Disconnect()
	State() stream.State
}

// StreamFactory builds the /ws/state stream around the store's handlers.
type StreamFactory func(url string, h stream.Handlers) Conn

// Option customises a Store.
type Option func(*Store)

// WithHeartbeatInterval overrides DefaultHeartbeatInterval.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithPollTimeout bounds a single status poll. It defaults to the heartbeat
// interval; a poll slower than that counts as a failure.
func WithPollTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.pollTimeout = d
		}
	}
}

// WithStreamOptions passes options to the default state stream.
func WithStreamOptions(opts ...stream.Option) Option {
	return func(s *Store) {
		s.streamOpts = append(s.streamOpts, opts...)
	}
}

// WithStreamFactory replaces how the state stream is built.
func WithStreamFactory(f StreamFactory) Option {
	return func(s *Store) {
		if f != nil {
			s.newStream = f
		}
	}
}

// Store is the reactive state container. Every mutation goes through one
// merge function; subscribers run after the lock is released.
type Store struct {
	backend     Backend
	interval    time.Duration
	pollTimeout time.Duration
	streamOpts  []stream.Option
	newStream   StreamFactory
	logger      zerolog.Logger

	// pollWarn emits at most one poll failure warning per pollWarnInterval.
	pollWarn rate.Sometimes

	mu      sync.Mutex
	state   AppState
	subs    map[uint64]func(AppState)
	navSubs map[uint64]func(protocol.NavigationFailure)
	nextSub uint64
	hbGen   uint64

	// notifyMu orders subscriber delivery; delivered is the last Version sent.
	notifyMu  sync.Mutex
	delivered uint64

	hbMu     sync.Mutex
	hbCancel context.CancelFunc
	hbDone   chan struct{}

	wsMu sync.Mutex
	ws   Conn
}

// New creates a store in the initial (disconnected, idle) state.
func New(b Backend, opts ...Option) *Store {
	s := &Store{
		backend:  b,
		interval: DefaultHeartbeatInterval,
		state:    initialState(),
		pollWarn: rate.Sometimes{First: 1, Interval: pollWarnInterval},
		subs:     make(map[uint64]func(AppState)),
		navSubs:  make(map[uint64]func(protocol.NavigationFailure)),
		logger:   xglog.WithComponent("store"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.pollTimeout == 0 {
		s.pollTimeout = s.interval
	}
	if s.newStream == nil {
		s.newStream = func(url string, h stream.Handlers) Conn {
			so := append([]stream.Option{stream.WithEndpointLabel(protocol.EndpointState)}, s.streamOpts...)
			return stream.New(url, h, so...)
		}
	}
	return s
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() AppState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscribe registers fn for every effective change and returns a function
// that removes it. fn receives the state after the change. Deliveries never
// go backwards: a state overtaken by a newer one before delivery is skipped.
// fn must not modify the store.
func (s *Store) Subscribe(fn func(AppState)) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSub++
	id := s.nextSub
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

// OnNavigationFailure registers fn for navigation_failure pushes.
func (s *Store) OnNavigationFailure(fn func(protocol.NavigationFailure)) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSub++
	id := s.nextSub
	s.navSubs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.navSubs, id)
	}
}

// SetConnected records a successful connect.
func (s *Store) SetConnected(device, resolution string) {
	s.update("connect", func(a *AppState) bool {
		a.Connected = true
		a.Device = device
		a.Resolution = resolution
		return true
	})
}

// SetDisconnected clears connection and running state.
func (s *Store) SetDisconnected() {
	s.update("disconnect", func(a *AppState) bool {
		reset(a)
		return true
	})
}

// SetTaskEngineRunning sets the task engine flag.
func (s *Store) SetTaskEngineRunning(running bool) {
	s.update("task_engine", func(a *AppState) bool {
		a.TaskEngineRunning = running
		return true
	})
}

// SetGameRunning sets the game flag.
func (s *Store) SetGameRunning(running bool) {
	s.update("game", func(a *AppState) bool {
		a.GameRunning = running
		return true
	})
}

// SetDungeonRunning sets the dungeon runner flag.
func (s *Store) SetDungeonRunning(running bool) {
	s.update("dungeon", func(a *AppState) bool {
		a.DungeonRunning = running
		return true
	})
}

func reset(a *AppState) {
	version := a.Version
	*a = initialState()
	a.Version = version
}

// update applies fn to a copy of the state. When fn reports false or the
// content is unchanged nothing is written and nobody is notified.
func (s *Store) update(source string, fn func(*AppState) bool) {
	s.mu.Lock()
	next := s.state
	if !fn(&next) || sameContent(next, s.state) {
		s.mu.Unlock()
		return
	}
	prev := s.state
	next.Version = prev.Version + 1
	s.state = next
	subs := make([]func(AppState), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	metrics.IncStoreUpdate(source)
	if prev.Connected != next.Connected {
		metrics.SetBackendConnected(next.Connected)
		s.logger.Info().
			Str(xglog.FieldEvent, "store.connection_changed").
			Str("source", source).
			Bool("connected", next.Connected).
			Str(xglog.FieldDevice, next.Device).
			Msg("backend connection changed")
	}
	if prev.DungeonState != next.DungeonState {
		s.logger.Debug().
			Str(xglog.FieldEvent, "store.dungeon_phase").
			Str(xglog.FieldOldState, string(prev.DungeonState)).
			Str(xglog.FieldNewState, string(next.DungeonState)).
			Msg("dungeon phase changed")
	}

	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	if next.Version <= s.delivered {
		return
	}
	s.delivered = next.Version
	for _, fn := range subs {
		fn(next)
	}
}

// Close stops the heartbeat and the state stream.
func (s *Store) Close() {
	s.StopHeartbeat()
	s.StopStateWebSocket()
}
