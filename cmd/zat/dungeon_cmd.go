// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sylvester1001/zat/internal/backend"
	"github.com/sylvester1001/zat/internal/catalog"
	"github.com/sylvester1001/zat/internal/journal"
)

func newCatalogCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog [dungeon-id]",
		Short: "List the built-in dungeons, or one dungeon's difficulties",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				diffs := catalog.DifficultiesFor(args[0])
				return a.emit(cmd.OutOrStdout(), diffs, func(w io.Writer) {
					if len(diffs) == 0 {
						fmt.Fprintf(w, "no difficulties for %q\n", args[0])
						return
					}
					for _, d := range diffs {
						fmt.Fprintf(w, "%s\t%s\n", d.ID, d.Name)
					}
				})
			}

			ds := catalog.Dungeons()
			return a.emit(cmd.OutOrStdout(), ds, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tNAME\tDIFFICULTIES")
				for _, d := range ds {
					ids := make([]string, len(d.Difficulties))
					for i, id := range d.Difficulties {
						ids[i] = string(id)
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\n", d.ID, d.Name, strings.Join(ids, ","))
				}
				_ = tw.Flush()
			})
		},
	}

	check := &cobra.Command{
		Use:   "check",
		Short: "Compare the built-in catalog with the backend's dungeon list",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			remote, err := a.client().Dungeons(cmd.Context())
			if err != nil {
				return err
			}
			report := catalog.Reconcile(remote)
			if err := a.emit(cmd.OutOrStdout(), report, func(w io.Writer) {
				if report.Consistent() {
					fmt.Fprintln(w, "catalog matches backend")
					return
				}
				for _, id := range report.OnlyLocal {
					fmt.Fprintf(w, "only in catalog: %s\n", id)
				}
				for _, id := range report.OnlyRemote {
					fmt.Fprintf(w, "only on backend: %s\n", id)
				}
				for id, tiers := range report.DifficultyMismatch {
					fmt.Fprintf(w, "difficulty mismatch: %s backend=%s\n", id, strings.Join(tiers, ","))
				}
			}); err != nil {
				return err
			}
			if !report.Consistent() {
				return fmt.Errorf("catalog and backend disagree")
			}
			return nil
		},
	}

	cmd.AddCommand(check)
	return cmd
}

func newDungeonCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "dungeon",
		Aliases: []string{"dungeons"},
		Short:   "List, navigate to and run dungeons",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List dungeons known to the backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ds, err := a.client().Dungeons(cmd.Context())
			if err != nil {
				return err
			}
			return a.emit(cmd.OutOrStdout(), ds, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tNAME\tDIFFICULTIES")
				for _, d := range ds {
					fmt.Fprintf(tw, "%s\t%s\t%s\n", d.ID, d.Name, strings.Join(d.Difficulties, ","))
				}
				_ = tw.Flush()
			})
		},
	}

	var difficulty string
	navigate := &cobra.Command{
		Use:   "navigate <dungeon-id>",
		Short: "Walk the game UI to a dungeon's entrance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			if err := checkDifficulty(difficulty); err != nil {
				return err
			}
			rec, done := a.recorder()
			defer done()

			var resp backend.NavigateResponse
			p := params("dungeon_id", id, "difficulty", difficulty)
			err := journal.Track(cmd.Context(), rec, "navigate_dungeon", p, func(ctx context.Context) (journal.Outcome, error) {
				var err error
				if resp, err = a.client().NavigateToDungeon(ctx, id, difficulty); err != nil {
					return journal.Outcome{}, err
				}
				return journal.Outcome{Success: resp.Success, Message: firstNonEmpty(resp.Message, string(resp.Detail))}, nil
			})
			if err != nil {
				return err
			}
			if err := a.emit(cmd.OutOrStdout(), resp, func(w io.Writer) {
				if resp.Success {
					fmt.Fprintf(w, "arrived at %s (%s)\n", resp.Dungeon, resp.Difficulty)
				}
			}); err != nil {
				return err
			}
			if !resp.Success {
				return rejected("navigate", resp.Message, string(resp.Detail))
			}
			return nil
		},
	}
	navigate.Flags().StringVar(&difficulty, "difficulty", string(catalog.Normal), "difficulty tier")

	var (
		runDifficulty string
		count         int
	)
	run := &cobra.Command{
		Use:   "run <dungeon-id>",
		Short: "Run a dungeon once, N times, or forever with --count -1",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			if err := checkDifficulty(runDifficulty); err != nil {
				return err
			}
			if count == 0 || count < -1 {
				return fmt.Errorf("--count must be a positive number or -1 to loop")
			}
			rec, done := a.recorder()
			defer done()

			var resp backend.RunDungeonResponse
			p := params("dungeon_id", id, "difficulty", runDifficulty, "count", strconv.Itoa(count))
			err := journal.Track(cmd.Context(), rec, "run_dungeon", p, func(ctx context.Context) (journal.Outcome, error) {
				var err error
				if resp, err = a.client().RunDungeon(ctx, id, runDifficulty, count); err != nil {
					return journal.Outcome{}, err
				}
				if resp.Loop() {
					return journal.Outcome{
						Success: resp.Completed > 0,
						Message: fmt.Sprintf("%d/%d completed", resp.Completed, resp.Total),
					}, nil
				}
				return journal.Outcome{Success: resp.Success, Message: firstNonEmpty(resp.Rank, resp.Message, string(resp.Detail))}, nil
			})
			if err != nil {
				return err
			}
			if err := a.emit(cmd.OutOrStdout(), resp, func(w io.Writer) {
				switch {
				case resp.Loop():
					fmt.Fprintf(w, "%d/%d completed, %d failed (%.0f%%) ranks=%s\n",
						resp.Completed, resp.Total, resp.Failed, resp.SuccessRate*100, strings.Join(resp.Ranks, ","))
				case resp.Success:
					fmt.Fprintf(w, "completed rank=%s\n", orDash(resp.Rank))
				}
			}); err != nil {
				return err
			}
			if !resp.Loop() && !resp.Success {
				return rejected("run", resp.Message, string(resp.Detail))
			}
			return nil
		},
	}
	run.Flags().StringVar(&runDifficulty, "difficulty", string(catalog.Normal), "difficulty tier")
	run.Flags().IntVar(&count, "count", 1, "number of runs; -1 loops until stopped")

	stop := &cobra.Command{
		Use:   "stop",
		Short: "Stop a running dungeon loop",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.simpleAction(cmd, "stop_dungeon", nil, a.client().StopDungeon)
		},
	}

	history := &cobra.Command{
		Use:   "history",
		Short: "Show the backend's dungeon run history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			recs, err := a.client().DungeonHistory(cmd.Context())
			if err != nil {
				return err
			}
			return a.emit(cmd.OutOrStdout(), recs, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tTIME\tDUNGEON\tDIFFICULTY\tRANK\tSTATUS")
				for _, r := range recs {
					fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", r.ID, r.Time, r.Name, r.Difficulty, orDash(r.Rank), r.Status)
				}
				_ = tw.Flush()
			})
		},
	}

	cmd.AddCommand(list, navigate, run, stop, history)
	return cmd
}

func checkDifficulty(id string) error {
	if _, ok := catalog.Difficulty(catalog.DifficultyID(id)); !ok {
		return fmt.Errorf("unknown difficulty %q", id)
	}
	return nil
}
