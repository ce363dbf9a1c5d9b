// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/google/renameio/v2"
	"github.com/spf13/cobra"

	"github.com/sylvester1001/zat/internal/backend"
	"github.com/sylvester1001/zat/internal/journal"
	xglog "github.com/sylvester1001/zat/internal/log"
)

func newSceneCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "scene",
		Aliases: []string{"scenes"},
		Short:   "Inspect and walk the game's scene graph",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List the scenes the backend can recognise",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			scenes, err := a.client().Scenes(cmd.Context())
			if err != nil {
				return err
			}
			return a.emit(cmd.OutOrStdout(), scenes, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tNAME\tTRANSITIONS\tBACK")
				for _, s := range scenes {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.ID, s.Name, strings.Join(s.Transitions, ","), orDash(s.BackTo))
				}
				_ = tw.Flush()
			})
		},
	}

	current := &cobra.Command{
		Use:   "current",
		Short: "Show the scene on screen",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cur, err := a.client().CurrentScene(cmd.Context())
			if err != nil {
				return err
			}
			return a.emit(cmd.OutOrStdout(), cur, func(w io.Writer) {
				if !cur.Known() {
					fmt.Fprintln(w, "unknown scene")
					return
				}
				fmt.Fprintf(w, "%s %s\n", cur.SceneID, cur.SceneName)
			})
		},
	}

	goTo := &cobra.Command{
		Use:   "goto <scene-id>",
		Short: "Navigate to a scene",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			rec, done := a.recorder()
			defer done()

			var resp backend.SceneNavigateResponse
			err := journal.Track(cmd.Context(), rec, "navigate_scene", params("scene_id", id), func(ctx context.Context) (journal.Outcome, error) {
				var err error
				if resp, err = a.client().NavigateTo(ctx, id); err != nil {
					return journal.Outcome{}, err
				}
				return journal.Outcome{Success: resp.Success, Message: firstNonEmpty(resp.Message, string(resp.Detail))}, nil
			})
			if err != nil {
				return err
			}
			if err := a.emit(cmd.OutOrStdout(), resp, func(w io.Writer) {
				if resp.Success {
					fmt.Fprintf(w, "at %s\n", firstNonEmpty(resp.Scene, id))
				}
			}); err != nil {
				return err
			}
			if !resp.Success {
				return rejected("goto", resp.Message, string(resp.Detail))
			}
			return nil
		},
	}

	cmd.AddCommand(list, current, goTo)
	return cmd
}

func newScreenshotCmd(a *app) *cobra.Command {
	var (
		gray    bool
		out     string
		urlOnly bool
	)
	cmd := &cobra.Command{
		Use:   "screenshot",
		Short: "Save a JPEG capture of the device screen",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c := a.client()
			if urlOnly {
				u := c.ScreenshotURL(gray)
				return a.emit(cmd.OutOrStdout(), map[string]string{"url": u}, func(w io.Writer) {
					fmt.Fprintln(w, u)
				})
			}

			img, err := c.Screenshot(cmd.Context(), gray)
			if err != nil {
				return err
			}
			if out == "-" {
				_, err := cmd.OutOrStdout().Write(img)
				return err
			}
			if err := renameio.WriteFile(out, img, 0o644); err != nil {
				return fmt.Errorf("write screenshot: %w", err)
			}
			a.logger.Debug().
				Str(xglog.FieldEvent, "screenshot.saved").
				Str("path", out).
				Int("bytes", len(img)).
				Msg("screenshot saved")
			if a.jsonOut {
				return a.emit(cmd.OutOrStdout(), map[string]any{"path": out, "bytes": len(img)}, nil)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "saved %s (%d bytes)\n", out, len(img))
			return nil
		},
	}
	cmd.Flags().BoolVar(&gray, "gray", false, "request a grayscale capture")
	cmd.Flags().StringVarP(&out, "out", "o", "screenshot.jpg", "output file, or - for stdout")
	cmd.Flags().BoolVar(&urlOnly, "url", false, "print the capture URL instead of downloading")
	return cmd
}
