package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synqronlabs/mailsink/internal/config"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"DEBUG":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"chatty":  slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestNewHandler(t *testing.T) {
	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		h, err := NewHandler(&buf, "json", "warn")
		require.NoError(t, err)

		log := slog.New(h)
		log.Info("hidden")
		log.Warn("client rejected", "remote", "192.0.2.1")

		var rec map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
		assert.Equal(t, "client rejected", rec["msg"])
		assert.Equal(t, "192.0.2.1", rec["remote"])
		assert.Equal(t, "WARN", rec["level"])
	})

	t.Run("text", func(t *testing.T) {
		var buf bytes.Buffer
		h, err := NewHandler(&buf, "text", "debug")
		require.NoError(t, err)

		slog.New(h).Debug("command", "verb", "EHLO")
		assert.Contains(t, buf.String(), "level=DEBUG")
		assert.Contains(t, buf.String(), "verb=EHLO")
	})

	t.Run("unknown format", func(t *testing.T) {
		_, err := NewHandler(&bytes.Buffer{}, "xml", "info")
		assert.Error(t, err)
	})
}

func TestNew_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mailsink.log")

	log, closer, err := New(config.LoggingConfig{Level: "info", Format: "text", Output: path})
	require.NoError(t, err)
	log.Info("SMTP server started", "addr", ":2525")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `msg="SMTP server started" addr=:2525`)
}

func TestNew_Errors(t *testing.T) {
	_, _, err := New(config.LoggingConfig{Output: filepath.Join(t.TempDir(), "missing", "dir", "log")})
	assert.Error(t, err)

	_, _, err = New(config.LoggingConfig{Output: "stdout", Format: "xml"})
	assert.Error(t, err)

	log, closer, err := New(config.LoggingConfig{Output: "stderr"})
	require.NoError(t, err)
	assert.NotNil(t, log)
	assert.NoError(t, closer.Close())
}
