// SPDX-License-Identifier: MIT

package store

import (
	xglog "github.com/sylvester1001/zat/internal/log"
	"github.com/sylvester1001/zat/internal/protocol"
	"github.com/sylvester1001/zat/internal/stream"
)

// StartStateWebSocket opens the /ws/state stream. Calling it while the
// stream exists does nothing.
func (s *Store) StartStateWebSocket() {
	s.wsMu.Lock()
	defer s.wsMu.Unlock()
	if s.ws != nil {
		return
	}
	s.ws = s.newStream(s.backend.StreamURL(protocol.EndpointState), stream.Handlers{
		OnMessage: s.handlePush,
		OnConnect: func() {
			s.logger.Debug().Str(xglog.FieldEvent, "store.stream_open").Msg("state stream open")
		},
		OnDisconnect: func() {
			s.logger.Debug().Str(xglog.FieldEvent, "store.stream_closed").Msg("state stream closed")
		},
	})
	s.ws.Connect()
}

// StopStateWebSocket closes the stream and suppresses its reconnection.
// Safe to call repeatedly.
func (s *Store) StopStateWebSocket() {
	s.wsMu.Lock()
	ws := s.ws
	s.ws = nil
	s.wsMu.Unlock()
	if ws != nil {
		ws.Disconnect()
	}
}

// StreamState reports the state stream's lifecycle state.
func (s *Store) StreamState() stream.State {
	s.wsMu.Lock()
	defer s.wsMu.Unlock()
	if s.ws == nil {
		return stream.StateDisconnected
	}
	return s.ws.State()
}

func (s *Store) handlePush(msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeState:
		st, err := msg.State()
		if err != nil {
			s.logger.Warn().Err(err).Str(xglog.FieldEvent, "store.bad_state_push").Msg("dropping state push")
			return
		}
		s.applyState(st)
	case protocol.TypeNavigationFailure:
		nf, err := msg.NavigationFailure()
		if err != nil {
			s.logger.Warn().Err(err).Str(xglog.FieldEvent, "store.bad_navigation_push").Msg("dropping navigation failure")
			return
		}
		s.logger.Warn().
			Str(xglog.FieldEvent, "store.navigation_failure").
			Str("target", nf.Target).
			Str("reason", nf.Reason).
			Msg(nf.Message)
		s.mu.Lock()
		handlers := make([]func(protocol.NavigationFailure), 0, len(s.navSubs))
		for _, fn := range s.navSubs {
			handlers = append(handlers, fn)
		}
		s.mu.Unlock()
		for _, fn := range handlers {
			fn(nf)
		}
	default:
		s.logger.Debug().
			Str(xglog.FieldEvent, "store.ignored_push").
			Str("type", string(msg.Type)).
			Msg("ignoring push message")
	}
}

// applyState overwrites the push-owned fields. Absent fields arrive as
// zero values, which map to idle and false.
func (s *Store) applyState(st protocol.StateMessage) {
	s.update("push", func(a *AppState) bool {
		a.DungeonState = st.Phase()
		a.DungeonRunning = st.DungeonRunning
		a.TaskEngineRunning = st.TaskRunning
		a.CurrentState = st.CurrentState
		return true
	})
}
