package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerWritesLogFile(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "logs", "precache.log")
	var stdout bytes.Buffer

	logger, closer, err := newLogger(LogConfig{Level: "info", File: filename}, &stdout, false)
	require.NoError(t, err)
	logger.Debug().Msg("hidden")
	logger.Info().Str("version", "v1").Msg("Installed")
	require.NoError(t, closer.Close())

	content, err := os.ReadFile(filename)
	require.NoError(t, err)
	require.Contains(t, string(content), `"message":"Installed"`)
	require.Contains(t, string(content), `"build":"`)
	require.NotContains(t, string(content), "hidden")
	require.Contains(t, stdout.String(), "Installed")
}

func TestNewLoggerTrace(t *testing.T) {
	logger, closer, err := newLogger(LogConfig{Level: "error"}, &bytes.Buffer{}, true)
	require.NoError(t, err)
	require.NoError(t, closer.Close())
	require.Equal(t, zerolog.TraceLevel, logger.GetLevel())
}

func TestNewLoggerInvalidLevel(t *testing.T) {
	_, _, err := newLogger(LogConfig{Level: "loud"}, &bytes.Buffer{}, false)
	require.Error(t, err)
}
