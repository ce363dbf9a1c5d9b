// SPDX-License-Identifier: MIT

// Package logfeed follows the backend's /ws/log stream, keeps recent lines
// and mirrors them into the local logger.
package logfeed

import (
	"strings"
	"sync"

	"github.com/rs/zerolog"

	xglog "github.com/sylvester1001/zat/internal/log"
	"github.com/sylvester1001/zat/internal/protocol"
	"github.com/sylvester1001/zat/internal/stream"
)

// DefaultCapacity is the number of lines kept when none is configured.
const DefaultCapacity = 500

// Conn is the push stream the feed reads from.
type Conn interface {
	Connect()
	Disconnect()
	Send(v any) error
	State() stream.State
}

// StreamFactory builds the /ws/log stream.
type StreamFactory func(url string, h stream.Handlers) Conn

// Option customises a Feed.
type Option func(*Feed)

// WithCapacity sets the ring size.
func WithCapacity(n int) Option {
	return func(f *Feed) {
		if n > 0 {
			f.capacity = n
		}
	}
}

// WithStreamOptions passes options to the default stream.
func WithStreamOptions(opts ...stream.Option) Option {
	return func(f *Feed) {
		f.streamOpts = append(f.streamOpts, opts...)
	}
}

// WithStreamFactory replaces how the stream is built.
func WithStreamFactory(fn StreamFactory) Option {
	return func(f *Feed) {
		if fn != nil {
			f.newStream = fn
		}
	}
}

// Feed consumes backend log pushes.
type Feed struct {
	url        string
	capacity   int
	streamOpts []stream.Option
	newStream  StreamFactory
	ring       *Ring
	logger     zerolog.Logger

	mu      sync.Mutex
	conn    Conn
	subs    map[uint64]func(protocol.LogMessage)
	nextSub uint64
}

// New creates a feed for the stream at url. Nothing is dialed until Start.
func New(url string, opts ...Option) *Feed {
	f := &Feed{
		url:      url,
		capacity: DefaultCapacity,
		subs:     make(map[uint64]func(protocol.LogMessage)),
		logger:   xglog.WithComponent("backend_log"),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.newStream == nil {
		f.newStream = func(url string, h stream.Handlers) Conn {
			so := append([]stream.Option{stream.WithEndpointLabel(protocol.EndpointLog)}, f.streamOpts...)
			return stream.New(url, h, so...)
		}
	}
	f.ring = NewRing(f.capacity)
	return f
}

// Start opens the stream. Calling it while running does nothing.
func (f *Feed) Start() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn != nil {
		return
	}
	f.conn = f.newStream(f.url, stream.Handlers{OnMessage: f.handle})
	f.conn.Connect()
}

// Stop closes the stream. Safe to call repeatedly.
func (f *Feed) Stop() {
	f.mu.Lock()
	conn := f.conn
	f.conn = nil
	f.mu.Unlock()
	if conn != nil {
		conn.Disconnect()
	}
}

// State reports the stream state.
func (f *Feed) State() stream.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn == nil {
		return stream.StateDisconnected
	}
	return f.conn.State()
}

// Recent returns up to n lines, oldest first.
func (f *Feed) Recent(n int) []protocol.LogMessage {
	return f.ring.LastN(n)
}

// Subscribe registers fn for every new line.
func (f *Feed) Subscribe(fn func(protocol.LogMessage)) (unsubscribe func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextSub++
	id := f.nextSub
	f.subs[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subs, id)
	}
}

func (f *Feed) handle(msg protocol.Message) {
	switch msg.Type {
	case protocol.TypePing:
		f.mu.Lock()
		conn := f.conn
		f.mu.Unlock()
		if conn == nil {
			return
		}
		if err := conn.Send(protocol.Outbound{Type: protocol.TypePong}); err != nil {
			f.logger.Debug().Err(err).Str(xglog.FieldEvent, "logfeed.pong_failed").Msg("failed to answer ping")
		}
	case protocol.TypeLog:
		line, err := msg.Log()
		if err != nil {
			f.logger.Warn().Err(err).Str(xglog.FieldEvent, "logfeed.bad_line").Msg("dropping log push")
			return
		}
		f.ring.Add(line)
		f.relog(line)

		f.mu.Lock()
		subs := make([]func(protocol.LogMessage), 0, len(f.subs))
		for _, fn := range f.subs {
			subs = append(subs, fn)
		}
		f.mu.Unlock()
		for _, fn := range subs {
			fn(line)
		}
	}
}

func (f *Feed) relog(line protocol.LogMessage) {
	f.logger.WithLevel(Level(line.Level)).
		Str(xglog.FieldEvent, "backend.log").
		Str("logger", line.Logger).
		Str("ts", line.Timestamp).
		Msg(line.Message)
}

// Level maps a backend level name to a zerolog level.
func Level(name string) zerolog.Level {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "DEBUG":
		return zerolog.DebugLevel
	case "WARNING", "WARN":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	case "CRITICAL", "FATAL":
		// Fatal would exit the process; a backend crash is an error here.
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
