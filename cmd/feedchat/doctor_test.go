package main

import (
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"feedchat/internal/config"
	"feedchat/internal/relay"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckRelay(t *testing.T) {
	srv := relay.NewServer(relay.Config{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	clients, err := checkRelay("ws" + strings.TrimPrefix(ts.URL, "http") + "/")
	require.NoError(t, err)
	assert.Equal(t, 0, clients)

	ts.Close()
	_, err = checkRelay("ws" + strings.TrimPrefix(ts.URL, "http"))
	assert.Error(t, err)
}

func TestCheckDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "journal.db")
	assert.NoError(t, checkDatabase(path))
}

func TestSetupLogger_File(t *testing.T) {
	saved := logger
	t.Cleanup(func() { logger = saved })

	path := filepath.Join(t.TempDir(), "logs", "feedchat.log")
	closer, err := setupLogger(config.GeneralConfig{LogLevel: "debug", LogFile: path})
	require.NoError(t, err)
	defer closer.Close()

	assert.True(t, logger.Enabled(t.Context(), slog.LevelDebug))
	logger.Debug("hello")
	require.NoError(t, closer.Close())
	assert.FileExists(t, path)
}

func TestSetupLogger_DefaultsToInfo(t *testing.T) {
	saved := logger
	t.Cleanup(func() { logger = saved })

	closer, err := setupLogger(config.GeneralConfig{LogLevel: "loud"})
	require.NoError(t, err)
	defer closer.Close()

	assert.False(t, logger.Enabled(t.Context(), slog.LevelDebug))
	assert.True(t, logger.Enabled(t.Context(), slog.LevelInfo))
}
