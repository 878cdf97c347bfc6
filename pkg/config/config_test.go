package config

import (
	"testing"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse(map[string]string{})
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:6379", cfg.RedisAddr)
	assert.Equal(t, ":8080", cfg.MetricsAddr)
	assert.False(t, cfg.Production())
	assert.Equal(t, 1, cfg.Workers.Min)
	assert.Equal(t, 10, cfg.Workers.Max)
	assert.Equal(t, 30*time.Second, cfg.Workers.TaskTimeout)
	assert.Equal(t, time.Minute, cfg.Workers.IdleTimeout)
	assert.InDelta(t, 0.7, cfg.Scaler.TargetUtilization, 1e-9)
	assert.Equal(t, time.Minute, cfg.Scaler.Cooldown)
	assert.Equal(t, 10, cfg.Intake.RateLimit)
	assert.Equal(t, 20, cfg.Intake.RateBurst)
	assert.Empty(t, cfg.Intake.Schedules)
}

func TestParse_Overrides(t *testing.T) {
	cfg, err := Parse(map[string]string{
		"DOCFLOW_APP_ENV":            "production",
		"DOCFLOW_REDIS_ADDR":         "redis:6380",
		"DOCFLOW_MIN_WORKERS":        "2",
		"DOCFLOW_MAX_WORKERS":        "16",
		"DOCFLOW_TASK_TIMEOUT":       "5s",
		"DOCFLOW_TARGET_UTILIZATION": "0.5",
		"DOCFLOW_RATE_LIMIT":         "0",
		"DOCFLOW_SCHEDULES":          "@every 1m=cleanup;0 3 * * *=reindex",
		"REDIS_ADDR":                 "ignored-without-prefix:1",
	})
	require.NoError(t, err)

	assert.True(t, cfg.Production())
	assert.Equal(t, "redis:6380", cfg.RedisAddr)
	assert.Equal(t, 2, cfg.Workers.Min)
	assert.Equal(t, 16, cfg.Workers.Max)
	assert.Equal(t, 5*time.Second, cfg.Workers.TaskTimeout)
	assert.InDelta(t, 0.5, cfg.Scaler.TargetUtilization, 1e-9)
	assert.Zero(t, cfg.Intake.RateLimit)
	assert.Equal(t, map[string]string{"@every 1m": "cleanup", "0 3 * * *": "reindex"}, cfg.Intake.Schedules)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"min above max", map[string]string{"DOCFLOW_MIN_WORKERS": "5", "DOCFLOW_MAX_WORKERS": "2"}, "MAX_WORKERS"},
		{"zero min", map[string]string{"DOCFLOW_MIN_WORKERS": "0"}, "MIN_WORKERS"},
		{"utilization", map[string]string{"DOCFLOW_TARGET_UTILIZATION": "1.5"}, "TARGET_UTILIZATION"},
		{"burst", map[string]string{"DOCFLOW_RATE_LIMIT": "50"}, "RATE_BURST"},
		{"client pool", map[string]string{"DOCFLOW_CLIENT_POOL_MAX": "0"}, "CLIENT_POOL_MAX"},
		{"bad duration", map[string]string{"DOCFLOW_TASK_TIMEOUT": "soon"}, `field "TaskTimeout"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.env)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParse_BadValueKeepsParseError(t *testing.T) {
	_, err := Parse(map[string]string{"DOCFLOW_TASK_TIMEOUT": "soon"})
	require.Error(t, err)

	var perr env.ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "TaskTimeout", perr.Name)
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg, err := Parse(map[string]string{})
	require.NoError(t, err)

	cfg.RedisAddr = ""
	cfg.Workers.Min = 0
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REDIS_ADDR")
	assert.Contains(t, err.Error(), "MIN_WORKERS")
}
