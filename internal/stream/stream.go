// SPDX-License-Identifier: MIT

// Package stream keeps a WebSocket push stream open, reconnecting after a
// fixed delay whenever it closes.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	xglog "github.com/sylvester1001/zat/internal/log"
	"github.com/sylvester1001/zat/internal/metrics"
	"github.com/sylvester1001/zat/internal/protocol"
)

// DefaultReconnectDelay is the fixed wait between a close and the next dial.
const DefaultReconnectDelay = 3 * time.Second

const writeTimeout = 5 * time.Second

// State is the connection lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "disconnected"
	}
}

// Handlers receive stream events. Nil handlers are skipped. Handlers run on
// the stream's goroutine and must not call Disconnect.
type Handlers struct {
	OnMessage    func(protocol.Message)
	OnConnect    func()
	OnDisconnect func()
}

// Timer is a cancellable scheduled call.
type Timer interface {
	Stop() bool
}

// Scheduler runs f once after d.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type clockScheduler struct{}

func (clockScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Dialer opens WebSocket connections. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, url string, header http.Header) (*websocket.Conn, *http.Response, error)
}

// Option customises a Stream.
type Option func(*Stream)

// WithReconnectDelay overrides DefaultReconnectDelay.
func WithReconnectDelay(d time.Duration) Option {
	return func(s *Stream) {
		if d > 0 {
			s.delay = d
		}
	}
}

// WithScheduler replaces the timer source used for reconnects.
func WithScheduler(sched Scheduler) Option {
	return func(s *Stream) {
		if sched != nil {
			s.sched = sched
		}
	}
}

// WithDialer replaces the WebSocket dialer.
func WithDialer(d Dialer) Option {
	return func(s *Stream) {
		if d != nil {
			s.dialer = d
		}
	}
}

// WithEndpointLabel sets the endpoint label used in logs and metrics.
func WithEndpointLabel(label string) Option {
	return func(s *Stream) {
		if label != "" {
			s.label = label
		}
	}
}

// Stream is a reconnecting WebSocket client.
type Stream struct {
	url      string
	handlers Handlers
	delay    time.Duration
	sched    Scheduler
	dialer   Dialer
	label    string
	logger   zerolog.Logger

	mu     sync.Mutex
	state  State
	gen    uint64
	conn   *websocket.Conn
	timer  Timer
	cancel context.CancelFunc

	writeMu sync.Mutex
	wg      sync.WaitGroup
}

// New creates a stream for url. Nothing is dialed until Connect.
func New(url string, handlers Handlers, opts ...Option) *Stream {
	s := &Stream{
		url:      url,
		handlers: handlers,
		delay:    DefaultReconnectDelay,
		sched:    clockScheduler{},
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		label: url,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = xglog.WithComponent("stream").With().Str(xglog.FieldEndpoint, s.label).Logger()
	metrics.SetStreamState(s.label, StateDisconnected.String())
	return s
}

// State returns the current lifecycle state.
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect starts dialing in the background. It is a no-op while the stream
// is open or a dial is in flight.
func (s *Stream) Connect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectLocked()
}

func (s *Stream) connectLocked() {
	if s.state != StateDisconnected {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
	gen := s.gen
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.setStateLocked(StateConnecting)
	s.wg.Add(1)
	go s.run(ctx, gen)
}

// Disconnect cancels any pending reconnect, closes the connection and waits
// for its reader to exit. No reconnect happens until Connect is called again.
func (s *Stream) Disconnect() {
	s.mu.Lock()
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.releaseLocked()
	conn := s.conn
	s.conn = nil
	wasActive := s.state != StateDisconnected
	s.setStateLocked(StateDisconnected)
	s.mu.Unlock()

	if conn != nil {
		s.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		_ = conn.Close()
	}
	s.wg.Wait()

	if wasActive {
		s.logger.Info().Str(xglog.FieldEvent, "stream.disconnected").Msg("stream closed by caller")
	}
}

// Send JSON-encodes v and writes it when the stream is open. Otherwise the
// message is dropped.
func (s *Stream) Send(v any) error {
	s.mu.Lock()
	conn := s.conn
	open := s.state == StateOpen
	s.mu.Unlock()
	if !open || conn == nil {
		return nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode outbound message: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write outbound message: %w", err)
	}
	return nil
}

func (s *Stream) run(ctx context.Context, gen uint64) {
	defer s.wg.Done()

	conn, res, err := s.dialer.DialContext(ctx, s.url, nil)
	if res != nil && res.Body != nil {
		_ = res.Body.Close()
	}

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		s.releaseLocked()
		s.setStateLocked(StateDisconnected)
		s.scheduleReconnectLocked()
		s.mu.Unlock()

		s.logger.Warn().
			Err(err).
			Str(xglog.FieldEvent, "stream.dial_failed").
			Dur(xglog.FieldDelay, s.delay).
			Msg("stream dial failed, will retry")
		s.notify(s.handlers.OnDisconnect)
		return
	}
	s.conn = conn
	s.setStateLocked(StateOpen)
	s.mu.Unlock()

	s.logger.Info().Str(xglog.FieldEvent, "stream.open").Msg("stream connected")
	s.notify(s.handlers.OnConnect)

	s.readLoop(conn, gen)
}

func (s *Stream) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.closed(conn, gen, err)
			return
		}
		if !s.current(gen) {
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			metrics.IncStreamMessage(s.label, "malformed")
			s.logger.Warn().
				Err(err).
				Str(xglog.FieldEvent, "stream.malformed_message").
				Int("bytes", len(data)).
				Msg("dropping malformed push message")
			continue
		}
		metrics.IncStreamMessage(s.label, "delivered")
		if s.handlers.OnMessage != nil {
			s.handlers.OnMessage(msg)
		}
	}
}

func (s *Stream) closed(conn *websocket.Conn, gen uint64, cause error) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.releaseLocked()
	s.setStateLocked(StateDisconnected)
	s.scheduleReconnectLocked()
	s.mu.Unlock()

	_ = conn.Close()
	s.logger.Info().
		Err(cause).
		Str(xglog.FieldEvent, "stream.closed").
		Dur(xglog.FieldDelay, s.delay).
		Msg("stream closed, reconnect scheduled")
	s.notify(s.handlers.OnDisconnect)
}

// scheduleReconnectLocked replaces any pending attempt with one fired after
// the fixed delay. Callers hold s.mu.
func (s *Stream) scheduleReconnectLocked() {
	if s.timer != nil {
		s.timer.Stop()
	}
	gen := s.gen
	s.timer = s.sched.AfterFunc(s.delay, func() { s.reconnect(gen) })
	metrics.IncStreamReconnect(s.label)
	s.logger.Debug().
		Str(xglog.FieldEvent, "stream.reconnect_scheduled").
		Dur(xglog.FieldDelay, s.delay).
		Msg("reconnect scheduled")
}

func (s *Stream) reconnect(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.state != StateDisconnected {
		return
	}
	s.timer = nil
	s.logger.Debug().Str(xglog.FieldEvent, "stream.reconnecting").Msg("attempting reconnect")
	s.connectLocked()
}

func (s *Stream) releaseLocked() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

func (s *Stream) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return gen == s.gen
}

func (s *Stream) setStateLocked(st State) {
	if s.state == st {
		return
	}
	s.state = st
	metrics.SetStreamState(s.label, st.String())
}

func (s *Stream) notify(fn func()) {
	if fn != nil {
		fn()
	}
}
