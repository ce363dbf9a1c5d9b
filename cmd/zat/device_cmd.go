// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sylvester1001/zat/internal/backend"
	"github.com/sylvester1001/zat/internal/journal"
)

// errRejected marks a well-formed reply with success=false.
var errRejected = errors.New("rejected by backend")

func rejected(op string, reasons ...string) error {
	if r := firstNonEmpty(reasons...); r != "" {
		return fmt.Errorf("%s: %w: %s", op, errRejected, r)
	}
	return fmt.Errorf("%s: %w", op, errRejected)
}

func newConnectCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "connect",
		Short: "Connect the backend to its device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rec, done := a.recorder()
			defer done()

			var resp backend.ConnectResponse
			err := journal.Track(cmd.Context(), rec, "connect", nil, func(ctx context.Context) (journal.Outcome, error) {
				var err error
				if resp, err = a.client().Connect(ctx); err != nil {
					return journal.Outcome{}, err
				}
				return journal.Outcome{Success: resp.Success, Message: firstNonEmpty(resp.Device, string(resp.Detail))}, nil
			})
			if err != nil {
				return err
			}
			if err := a.emit(cmd.OutOrStdout(), resp, func(w io.Writer) {
				if resp.Success {
					fmt.Fprintf(w, "connected: %s %s\n", resp.Device, resp.ResolutionString())
				}
			}); err != nil {
				return err
			}
			if !resp.Success {
				return rejected("connect", string(resp.Detail))
			}
			return nil
		},
	}
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the backend status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := a.client().Status(cmd.Context())
			if err != nil {
				return err
			}
			if st.Detail != "" {
				return rejected("status", string(st.Detail))
			}
			return a.emit(cmd.OutOrStdout(), st, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintf(tw, "connected\t%t\n", st.Connected)
				fmt.Fprintf(tw, "device\t%s\n", orDash(st.Device))
				fmt.Fprintf(tw, "task engine\t%t\n", st.TaskRunning)
				fmt.Fprintf(tw, "game\t%t\n", st.GameRunning)
				fmt.Fprintf(tw, "current state\t%s\n", orDash(st.CurrentState))
				fmt.Fprintf(tw, "dungeon\t%s (running=%t)\n", orDash(st.DungeonState), st.DungeonRunning)
				fmt.Fprintf(tw, "capture\t%t (%.1f fps)\n", st.CaptureRunning, st.CaptureFPS)
				_ = tw.Flush()
			})
		},
	}
}

func newTaskCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Control the task engine",
	}

	var name string
	start := &cobra.Command{
		Use:   "start",
		Short: "Start the task engine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.simpleAction(cmd, "task_engine_start", params("task_name", name), func(ctx context.Context) (backend.ActionResponse, error) {
				return a.client().StartTaskEngine(ctx, name)
			})
		},
	}
	start.Flags().StringVar(&name, "name", "", "task to run (backend default when empty)")

	stop := &cobra.Command{
		Use:   "stop",
		Short: "Stop the task engine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.simpleAction(cmd, "task_engine_stop", nil, a.client().StopTaskEngine)
		},
	}

	cmd.AddCommand(start, stop)
	return cmd
}

func newGameCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "game",
		Short: "Start or stop the game on the device",
	}

	var (
		waitReady bool
		timeout   int
	)
	start := &cobra.Command{
		Use:   "start",
		Short: "Launch the game",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if timeout <= 0 {
				return fmt.Errorf("--timeout must be positive")
			}
			rec, done := a.recorder()
			defer done()

			var resp backend.StartGameResponse
			p := params("wait_ready", fmt.Sprint(waitReady), "timeout", fmt.Sprint(timeout))
			err := journal.Track(cmd.Context(), rec, "game_start", p, func(ctx context.Context) (journal.Outcome, error) {
				var err error
				if resp, err = a.client().StartGame(ctx, waitReady, timeout); err != nil {
					return journal.Outcome{}, err
				}
				return journal.Outcome{Success: resp.Success, Message: firstNonEmpty(resp.Message, string(resp.Detail))}, nil
			})
			if err != nil {
				return err
			}
			if err := a.emit(cmd.OutOrStdout(), resp, func(w io.Writer) {
				if resp.Success {
					fmt.Fprintf(w, "game started: %s (entered=%t)\n", orDash(resp.Package), resp.Entered)
				}
			}); err != nil {
				return err
			}
			if !resp.Success {
				return rejected("game start", resp.Message, string(resp.Detail))
			}
			return nil
		},
	}
	start.Flags().BoolVar(&waitReady, "wait-ready", false, "wait until the game reaches its main screen")
	start.Flags().IntVar(&timeout, "timeout", 60, "seconds to wait when --wait-ready is set")

	stop := &cobra.Command{
		Use:   "stop",
		Short: "Close the game",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.simpleAction(cmd, "game_stop", nil, a.client().StopGame)
		},
	}

	cmd.AddCommand(start, stop)
	return cmd
}

// simpleAction runs a {success} backend action through the journal and prints the outcome.
func (a *app) simpleAction(cmd *cobra.Command, op string, p map[string]string, call func(context.Context) (backend.ActionResponse, error)) error {
	rec, done := a.recorder()
	defer done()

	var resp backend.ActionResponse
	err := journal.Track(cmd.Context(), rec, op, p, func(ctx context.Context) (journal.Outcome, error) {
		var err error
		if resp, err = call(ctx); err != nil {
			return journal.Outcome{}, err
		}
		return journal.Outcome{Success: resp.Success, Message: firstNonEmpty(resp.Message, resp.Task, string(resp.Detail))}, nil
	})
	if err != nil {
		return err
	}
	if err := a.emit(cmd.OutOrStdout(), resp, func(w io.Writer) {
		if resp.Success {
			fmt.Fprintln(w, strings.TrimSpace(op+": ok "+firstNonEmpty(resp.Message, resp.Task)))
		}
	}); err != nil {
		return err
	}
	if !resp.Success {
		return rejected(op, resp.Message, string(resp.Detail))
	}
	return nil
}

// params builds a journal parameter map from key/value pairs, skipping empty values.
func params(kv ...string) map[string]string {
	m := make(map[string]string, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		if kv[i+1] != "" {
			m[kv[i]] = kv[i+1]
		}
	}
	if len(m) == 0 {
		return nil
	}
	return m
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
