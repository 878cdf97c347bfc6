package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_ProductionWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	log := New(Options{Env: "production", Out: &buf})

	wlog := Component(log, "workerpool")
	wlog.Info().Str("task_id", "t1").Msg("dispatched")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "dispatched", entry["message"])
	assert.Equal(t, "workerpool", entry["component"])
	assert.Equal(t, "t1", entry["task_id"])
	assert.Contains(t, entry, "time")
}

func TestNew_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	log := New(Options{Env: "production", Level: "warn", Out: &buf})

	log.Info().Msg("hidden")
	assert.Empty(t, buf.String())

	log.Warn().Msg("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestNew_ConsoleIsNotJSON(t *testing.T) {
	var buf bytes.Buffer
	log := New(Options{Env: "development", Out: &buf})

	log.Info().Msg("hello")

	var entry map[string]any
	assert.Error(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Contains(t, buf.String(), "hello")
}
