// SPDX-License-Identifier: MIT

package health

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/sylvester1001/zat/internal/config"
	"github.com/sylvester1001/zat/internal/log"
)

// PerformStartupChecks validates the environment before `zat serve` starts.
// An unreachable backend is not a startup failure.
func PerformStartupChecks(_ context.Context, cfg config.AppConfig) error {
	logger := log.WithComponent("startup-check")
	logger.Info().Msg("running pre-flight startup checks")

	if err := checkListenAddr(logger, cfg.Panel.ListenAddr); err != nil {
		return fmt.Errorf("panel address check failed: %w", err)
	}
	if err := checkBackendURL(logger, cfg.Backend.URL); err != nil {
		return fmt.Errorf("backend url check failed: %w", err)
	}
	if err := checkJournalDir(logger, cfg.Journal.Path); err != nil {
		return fmt.Errorf("journal directory check failed: %w", err)
	}

	logger.Info().Msg("all startup checks passed")
	return nil
}

func checkListenAddr(logger zerolog.Logger, addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	portNum, err := strconv.Atoi(port)
	if err != nil || portNum < 0 || portNum > 65535 {
		return fmt.Errorf("invalid listen port %q in %q", port, addr)
	}
	logger.Debug().Str("addr", addr).Msg("panel listen address is valid")
	return nil
}

func checkBackendURL(logger zerolog.Logger, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got: %s", u.Scheme)
	}
	logger.Debug().Str(log.FieldBaseURL, raw).Msg("backend url is valid")
	return nil
}

// checkJournalDir makes sure the journal's directory exists and is writable.
func checkJournalDir(logger zerolog.Logger, path string) error {
	if path == "" || path == ":memory:" {
		return nil
	}
	dir := filepath.Dir(path)
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("directory does not exist: %s", dir)
		}
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("path is not a directory: %s", dir)
	}

	testFile := filepath.Join(dir, ".zat_write_test")
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		return fmt.Errorf("directory is not writable: %s (error: %v)", dir, err)
	}
	_ = os.Remove(testFile)

	logger.Debug().Str("path", dir).Msg("journal directory is writable")
	return nil
}
