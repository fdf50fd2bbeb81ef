package events_test

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyfold/keyfold/internal/events"
)

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := events.New(events.WarnLevel, "text", &buf)

	logger.Debug("not visible")
	logger.Info("not visible either")
	logger.Warn("visible warning")
	logger.Error("visible error")

	out := buf.String()
	assert.NotContains(t, out, "not visible")
	assert.Contains(t, out, "visible warning")
	assert.Contains(t, out, "visible error")
}

func TestLogger_Fields(t *testing.T) {
	var buf bytes.Buffer
	logger := events.New(events.InfoLevel, "text", &buf)

	logger.WithField("vault_id", "v1").WithField("attempt", 2).Info("syncing")

	out := buf.String()
	assert.Contains(t, out, "vault_id=v1")
	assert.Contains(t, out, "attempt=2")
}

func TestLogger_DerivedDoesNotMutateParent(t *testing.T) {
	var buf bytes.Buffer
	parent := events.New(events.InfoLevel, "text", &buf)
	_ = parent.WithField("child_only", true)

	parent.Info("from parent")
	assert.NotContains(t, buf.String(), "child_only")
}

func TestLogger_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := events.New(events.InfoLevel, "json", &buf)

	logger.WithField("component", "engine").Info("hello")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &entry))
	assert.Equal(t, "hello", entry["msg"])
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "engine", entry["component"])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, events.DebugLevel, events.ParseLevel("debug"))
	assert.Equal(t, events.WarnLevel, events.ParseLevel("WARN"))
	assert.Equal(t, events.InfoLevel, events.ParseLevel("bogus"))
}
