package logging

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLevelFallback(t *testing.T) {
	New(Config{Level: "nonsense", Format: "json"})
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())

	New(Config{Level: "debug", Format: "json"})
	assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())
}

func TestRecoverPanic(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	require.NotPanics(t, func() {
		defer RecoverPanic(logger, "worker", map[string]any{"docId": "doc-1"})
		panic("boom")
	})

	out := buf.String()
	assert.Contains(t, out, "goroutine panic recovered")
	assert.Contains(t, out, "worker")
	assert.Contains(t, out, "boom")
	assert.Contains(t, out, "doc-1")
}

func TestRecoverPanicNoPanicIsQuiet(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	func() {
		defer RecoverPanic(logger, "worker", nil)
	}()

	assert.Empty(t, buf.String())
}
