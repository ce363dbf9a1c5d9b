// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"time"

	"github.com/sylvester1001/zat/internal/backend"
	xglog "github.com/sylvester1001/zat/internal/log"
	"github.com/sylvester1001/zat/internal/metrics"
)

// StartHeartbeat polls Status right away and then every interval. Calling
// it while running does nothing.
func (s *Store) StartHeartbeat() {
	s.hbMu.Lock()
	defer s.hbMu.Unlock()
	if s.hbCancel != nil {
		return
	}

	s.mu.Lock()
	s.hbGen++
	gen := s.hbGen
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.hbCancel = cancel
	s.hbDone = done

	s.logger.Info().
		Str(xglog.FieldEvent, "heartbeat.started").
		Dur(xglog.FieldInterval, s.interval).
		Msg("heartbeat started")
	go s.heartbeatLoop(ctx, gen, done)
}

// StopHeartbeat stops polling and waits for the loop to exit. The result of
// a poll still in flight is discarded. Safe to call repeatedly.
func (s *Store) StopHeartbeat() {
	s.hbMu.Lock()
	defer s.hbMu.Unlock()
	if s.hbCancel == nil {
		return
	}

	s.mu.Lock()
	s.hbGen++
	s.mu.Unlock()

	s.hbCancel()
	<-s.hbDone
	s.hbCancel = nil
	s.hbDone = nil
	s.logger.Info().Str(xglog.FieldEvent, "heartbeat.stopped").Msg("heartbeat stopped")
}

// HeartbeatRunning reports whether the poll loop is active.
func (s *Store) HeartbeatRunning() bool {
	s.hbMu.Lock()
	defer s.hbMu.Unlock()
	return s.hbCancel != nil
}

func (s *Store) heartbeatLoop(ctx context.Context, gen uint64, done chan struct{}) {
	defer close(done)

	s.poll(gen)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.poll(gen)
		}
	}
}

// poll runs one status request. The request is bounded by the poll timeout,
// not by StopHeartbeat.
func (s *Store) poll(gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), s.pollTimeout)
	defer cancel()

	st, err := s.backend.Status(ctx)
	s.applyPoll(gen, st, err)
}

// applyPoll reconciles one poll result. A failed poll or a connected to
// disconnected transition resets everything; otherwise only the connection
// and game flags are merged. The dungeon phase is left to the push stream.
func (s *Store) applyPoll(gen uint64, st backend.Status, err error) {
	switch {
	case err != nil:
		metrics.IncHeartbeatPoll("error")
		s.pollWarn.Do(func() {
			s.logger.Warn().
				Err(err).
				Str(xglog.FieldEvent, "heartbeat.poll_failed").
				Msg("status poll failed, treating backend as down")
		})
	case !st.Connected:
		metrics.IncHeartbeatPoll("disconnected")
	default:
		metrics.IncHeartbeatPoll("ok")
	}

	s.update("heartbeat", func(a *AppState) bool {
		if gen != s.hbGen {
			return false
		}
		if err != nil || (a.Connected && !st.Connected) {
			reset(a)
			return true
		}
		a.Connected = st.Connected
		a.GameRunning = st.GameRunning
		return true
	})
}
