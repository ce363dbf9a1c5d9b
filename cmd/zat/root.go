// SPDX-License-Identifier: MIT

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/sylvester1001/zat/internal/backend"
	"github.com/sylvester1001/zat/internal/config"
	"github.com/sylvester1001/zat/internal/journal"
	xglog "github.com/sylvester1001/zat/internal/log"
	"github.com/sylvester1001/zat/internal/version"
)

// app carries state shared by every subcommand.
type app struct {
	configPath string
	backendURL string
	logLevel   string
	jsonOut    bool
	noJournal  bool

	loader *config.Loader
	cfg    config.AppConfig
	logger zerolog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "zat",
		Short: "Operate the game automation backend",
		Long: `zat talks to the automation backend over its REST and WebSocket API.

Configuration precedence: environment (ZAT_*) > YAML file (--config) > defaults.
A .env file in the working directory is loaded first when present.`,
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}

	f := root.PersistentFlags()
	f.StringVar(&a.configPath, "config", "", "path to config file (YAML); defaults to $"+config.EnvConfigPath)
	f.StringVar(&a.backendURL, "backend", "", "backend base URL (overrides config)")
	f.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error")
	f.BoolVar(&a.jsonOut, "json", false, "print raw JSON responses")
	f.BoolVar(&a.noJournal, "no-journal", false, "do not record actions in the journal")

	root.AddCommand(
		newConnectCmd(a),
		newStatusCmd(a),
		newTaskCmd(a),
		newGameCmd(a),
		newCatalogCmd(a),
		newDungeonCmd(a),
		newSceneCmd(a),
		newScreenshotCmd(a),
		newWatchCmd(a),
		newLogsCmd(a),
		newJournalCmd(a),
		newServeCmd(a),
		newHealthcheckCmd(a),
		newVersionCmd(),
	)
	return root
}

// setup loads .env and the configuration, then configures logging.
func (a *app) setup(cmd *cobra.Command) error {
	xglog.Configure(xglog.Config{
		Level:   firstNonEmpty(a.logLevel, "info"),
		Output:  cmd.ErrOrStderr(),
		Service: "zat",
		Version: version.Version,
	})
	a.logger = xglog.WithComponent("cli")

	if err := config.LoadDotEnv(".env"); err != nil {
		a.logger.Warn().Err(err).Str(xglog.FieldEvent, "config.dotenv_failed").Msg("failed to load .env")
	}

	path := strings.TrimSpace(a.configPath)
	if path == "" {
		path = config.ParseString(config.EnvConfigPath, "")
	}
	a.loader = config.NewLoader(path, version.Version)
	cfg, err := a.loader.Load()
	if err != nil {
		a.logger.Error().
			Err(err).
			Str(xglog.FieldEvent, "config.load_failed").
			Str("config_path", path).
			Msg("failed to load configuration")
		return fmt.Errorf("load config: %w", err)
	}

	if a.backendURL != "" {
		cfg.Backend.URL = strings.TrimRight(strings.TrimSpace(a.backendURL), "/")
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	a.cfg = cfg

	xglog.Configure(xglog.Config{
		Level:   cfg.Log.Level,
		Output:  cmd.ErrOrStderr(),
		Service: cfg.Log.Service,
		Version: cfg.Version,
	})
	a.logger = xglog.WithComponent("cli")
	a.logger.Debug().
		Str(xglog.FieldEvent, "config.loaded").
		Str(xglog.FieldBaseURL, cfg.Backend.URL).
		Str("config_path", path).
		Msg("configuration loaded")
	return nil
}

func (a *app) client() *backend.Client {
	return backend.New(a.cfg.Backend.URL, backend.WithTimeout(a.cfg.Backend.RequestTimeout))
}

// recorder opens the journal for one action. The returned close func is
// never nil. A journal that fails to open is logged and skipped.
func (a *app) recorder() (journal.Recorder, func()) {
	if a.noJournal || a.cfg.Journal.Path == "" {
		return nil, func() {}
	}
	j, err := journal.Open(a.cfg.Journal.Path)
	if err != nil {
		a.logger.Warn().
			Err(err).
			Str(xglog.FieldEvent, "journal.open_failed").
			Str("path", a.cfg.Journal.Path).
			Msg("action will not be journaled")
		return nil, func() {}
	}
	return j, func() { _ = j.Close() }
}

// emit prints v as JSON with --json, or through human otherwise.
func (a *app) emit(w io.Writer, v any, human func(w io.Writer)) error {
	if a.jsonOut {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	human(w)
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		// Skip config loading.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), "zat", version.String())
			return nil
		},
	}
}
