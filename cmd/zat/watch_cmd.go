// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/sylvester1001/zat/internal/logfeed"
	"github.com/sylvester1001/zat/internal/protocol"
	"github.com/sylvester1001/zat/internal/store"
	"github.com/sylvester1001/zat/internal/stream"
)

// lineWriter serializes output from concurrent callbacks.
type lineWriter struct {
	mu   sync.Mutex
	w    io.Writer
	json bool
}

func (l *lineWriter) write(v any, human string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.json {
		_ = json.NewEncoder(l.w).Encode(v)
		return
	}
	fmt.Fprintln(l.w, human)
}

// runFor blocks until ctx is done or d elapses; d <= 0 waits for ctx only.
func runFor(ctx context.Context, d time.Duration) {
	if d <= 0 {
		<-ctx.Done()
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (a *app) newStore() *store.Store {
	return store.New(a.client(),
		store.WithHeartbeatInterval(a.cfg.Heartbeat.Interval),
		store.WithStreamOptions(stream.WithReconnectDelay(a.cfg.Stream.ReconnectDelay)),
	)
}

func (a *app) newLogFeed() *logfeed.Feed {
	return logfeed.New(a.client().StreamURL(protocol.EndpointLog),
		logfeed.WithCapacity(a.cfg.Log.Buffer),
		logfeed.WithStreamOptions(stream.WithReconnectDelay(a.cfg.Stream.ReconnectDelay)),
	)
}

func formatState(st store.AppState) string {
	res := ""
	if st.Resolution != "" {
		res = " " + st.Resolution
	}
	return fmt.Sprintf("#%d connected=%t device=%s%s task=%t game=%t dungeon=%s running=%t state=%s",
		st.Version, st.Connected, orDash(st.Device), res,
		st.TaskEngineRunning, st.GameRunning, st.DungeonState, st.DungeonRunning, orDash(st.CurrentState))
}

func newWatchCmd(a *app) *cobra.Command {
	var (
		noHeartbeat bool
		noPush      bool
		duration    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow backend state through the heartbeat and the state stream",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if noHeartbeat && noPush {
				return fmt.Errorf("nothing to watch: both --no-heartbeat and --no-push set")
			}
			out := &lineWriter{w: cmd.OutOrStdout(), json: a.jsonOut}
			s := a.newStore()
			defer s.Close()

			unsub := s.Subscribe(func(st store.AppState) {
				out.write(st, formatState(st))
			})
			defer unsub()
			unsubNav := s.OnNavigationFailure(func(nf protocol.NavigationFailure) {
				out.write(map[string]any{"type": protocol.TypeNavigationFailure, "data": nf},
					fmt.Sprintf("navigation failed: target=%s reason=%s %s", nf.Target, nf.Reason, nf.Message))
			})
			defer unsubNav()

			out.write(s.Snapshot(), formatState(s.Snapshot()))
			if !noHeartbeat {
				s.StartHeartbeat()
				defer s.StopHeartbeat()
			}
			if !noPush {
				s.StartStateWebSocket()
				defer s.StopStateWebSocket()
			}
			runFor(cmd.Context(), duration)
			return nil
		},
	}
	cmd.Flags().BoolVar(&noHeartbeat, "no-heartbeat", false, "do not poll /status")
	cmd.Flags().BoolVar(&noPush, "no-push", false, "do not open the state stream")
	cmd.Flags().DurationVar(&duration, "for", 0, "stop after this long (0 runs until interrupted)")
	return cmd
}

func newLogsCmd(a *app) *cobra.Command {
	var (
		minLevel string
		duration time.Duration
	)
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Follow the backend's log stream",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			threshold := logfeed.Level(minLevel)
			out := &lineWriter{w: cmd.OutOrStdout(), json: a.jsonOut}
			feed := a.newLogFeed()

			unsub := feed.Subscribe(func(line protocol.LogMessage) {
				if logfeed.Level(line.Level) < threshold {
					return
				}
				out.write(line, fmt.Sprintf("%s %-7s %s: %s",
					line.Timestamp, strings.ToUpper(line.Level), line.Logger, line.Message))
			})
			defer unsub()

			feed.Start()
			defer feed.Stop()
			runFor(cmd.Context(), duration)
			return nil
		},
	}
	cmd.Flags().StringVar(&minLevel, "level", "debug", "minimum level to print")
	cmd.Flags().DurationVar(&duration, "for", 0, "stop after this long (0 runs until interrupted)")
	return cmd
}
