package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrettyHandler_LineFormat(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo, AddSource: true}))

	log.Info("replica registered", "replica", "r-1", "seq", 7)
	log.Debug("hidden")

	out := buf.String()
	require.Equal(t, 1, strings.Count(out, "\n"))
	assert.Contains(t, out, "INFO")
	assert.Contains(t, out, "logger_test.go:")
	assert.Contains(t, out, "replica registered replica=r-1 seq=7")
}

func TestPrettyHandler_WithAttrsPrefixesRecords(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewPrettyHandler(&buf, nil)).With("role", "host")

	log.Warn("queue full", "replica", "r-2")

	assert.Contains(t, buf.String(), "queue full role=host replica=r-2")
}

func TestPrettyHandler_ErrorAddsStack(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewPrettyHandler(&buf, nil))

	log.Warn("send failed", "error", errors.New("boom"))
	assert.NotContains(t, buf.String(), "ERROR: boom")

	buf.Reset()
	log.Error("checkpoint failed", "error", errors.New("disk"))
	assert.Contains(t, buf.String(), "ERROR: disk")
	assert.Contains(t, buf.String(), "goroutine")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}
