// SPDX-License-Identifier: MIT

package main

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sylvester1001/zat/internal/journal"
)

func newJournalCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect the local action journal",
	}

	open := func() (*journal.Journal, error) {
		if a.cfg.Journal.Path == "" {
			return nil, fmt.Errorf("journal disabled (empty journal path)")
		}
		return journal.Open(a.cfg.Journal.Path)
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "Show recent actions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			j, err := open()
			if err != nil {
				return err
			}
			defer func() { _ = j.Close() }()

			entries, err := j.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return a.emit(cmd.OutOrStdout(), entries, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "TIME\tACTION\tOK\tPARAMS\tMESSAGE")
				for _, e := range entries {
					msg := firstNonEmpty(e.Error, e.Message)
					fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\n",
						e.CreatedAt.Local().Format(time.DateTime), e.Action, e.Success, formatParams(e.Params), orDash(msg))
				}
				_ = tw.Flush()
			})
		},
	}
	list.Flags().IntVarP(&limit, "limit", "n", journal.DefaultListLimit, "maximum number of entries")

	var full bool
	verify := &cobra.Command{
		Use:   "verify",
		Short: "Run a SQLite integrity check on the journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			j, err := open()
			if err != nil {
				return err
			}
			defer func() { _ = j.Close() }()

			problems, err := j.Verify(full)
			if err != nil {
				return err
			}
			if err := a.emit(cmd.OutOrStdout(), map[string]any{"ok": len(problems) == 0, "problems": problems}, func(w io.Writer) {
				if len(problems) == 0 {
					fmt.Fprintln(w, "ok")
					return
				}
				for _, p := range problems {
					fmt.Fprintln(w, p)
				}
			}); err != nil {
				return err
			}
			if len(problems) > 0 {
				return fmt.Errorf("journal integrity check found %d problem(s)", len(problems))
			}
			return nil
		},
	}
	verify.Flags().BoolVar(&full, "full", false, "run integrity_check instead of quick_check")

	cmd.AddCommand(list, verify)
	return cmd
}

func formatParams(p map[string]string) string {
	if len(p) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + p[k]
	}
	return strings.Join(parts, " ")
}

func newHealthcheckCmd(a *app) *cobra.Command {
	var (
		live    bool
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "healthcheck",
		Short: "Probe a running panel's readiness (or liveness with --live)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := "/readyz"
			if live {
				path = "/healthz"
			}
			url := "http://" + a.cfg.Panel.ListenAddr + path
			client := http.Client{Timeout: timeout}

			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, url, nil)
			if err != nil {
				return err
			}
			resp, err := client.Do(req)
			if err != nil {
				return fmt.Errorf("healthcheck failed (network): %w", err)
			}
			defer func() { _ = resp.Body.Close() }()

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("healthcheck failed (status): %s", resp.Status)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "healthcheck ok (%s)\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&live, "live", false, "check /healthz instead of /readyz")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "request timeout")
	return cmd
}
