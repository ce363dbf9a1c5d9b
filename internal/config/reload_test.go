// SPDX-License-Identifier: MIT

package config

import (
	"context"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHolderReloadNotifiesListeners(t *testing.T) {
	path := writeConfig(t, "zat.yaml", "log:\n  level: info\n")
	loader := NewLoader(path, "")
	initial, err := loader.Load()
	require.NoError(t, err)

	h := NewHolder(initial, loader)
	var gotOld, gotNew string
	h.OnReload(func(old, updated AppConfig) {
		gotOld, gotNew = old.Log.Level, updated.Log.Level
	})

	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: debug\n"), 0o600))
	require.NoError(t, h.Reload(context.Background()))

	assert.Equal(t, "info", gotOld)
	assert.Equal(t, "debug", gotNew)
	assert.Equal(t, "debug", h.Get().Log.Level)
}

func TestHolderReloadKeepsOldConfigOnError(t *testing.T) {
	path := writeConfig(t, "zat.yaml", "log:\n  level: warn\n")
	loader := NewLoader(path, "")
	initial, err := loader.Load()
	require.NoError(t, err)
	h := NewHolder(initial, loader)

	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: shouting\n"), 0o600))
	require.Error(t, h.Reload(context.Background()))
	assert.Equal(t, "warn", h.Get().Log.Level)
}

func TestHolderWatcherReloadsOnWrite(t *testing.T) {
	path := writeConfig(t, "zat.yaml", "log:\n  level: info\n")
	loader := NewLoader(path, "")
	initial, err := loader.Load()
	require.NoError(t, err)
	h := NewHolder(initial, loader)

	var reloads atomic.Int32
	h.OnReload(func(_, _ AppConfig) { reloads.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, h.StartWatcher(ctx))
	defer h.Stop()

	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: error\n"), 0o600))

	require.Eventually(t, func() bool {
		return reloads.Load() > 0 && h.Get().Log.Level == "error"
	}, 5*time.Second, 50*time.Millisecond)
}

func TestHolderWatcherDisabledWithoutFile(t *testing.T) {
	h := NewHolder(Defaults(), NewLoader("", ""))
	require.NoError(t, h.StartWatcher(context.Background()))
	h.Stop()
}
