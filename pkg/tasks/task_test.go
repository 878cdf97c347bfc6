package tasks

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriorityOrdering(t *testing.T) {
	assert.Greater(t, PriorityCritical, PriorityHigh)
	assert.Greater(t, PriorityHigh, PriorityMedium)
	assert.Greater(t, PriorityMedium, PriorityLow)
	assert.Equal(t, PriorityMedium, PriorityNormal)
	assert.Equal(t, []Priority{PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow}, Priorities)
}

func TestParsePriority(t *testing.T) {
	tests := []struct {
		in      string
		want    Priority
		wantErr bool
	}{
		{"critical", PriorityCritical, false},
		{"HIGH", PriorityHigh, false},
		{"normal", PriorityMedium, false},
		{" medium ", PriorityMedium, false},
		{"low", PriorityLow, false},
		{"", PriorityMedium, false},
		{"urgent", PriorityMedium, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePriority(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPriorityJSON(t *testing.T) {
	task := Task{ID: "t1", Type: "parse", Priority: PriorityHigh}
	data, err := json.Marshal(task)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"priority":"high"`)

	var decoded Task
	require.NoError(t, json.Unmarshal([]byte(`{"id":"t2","priority":3}`), &decoded))
	assert.Equal(t, PriorityCritical, decoded.Priority)

	assert.Error(t, json.Unmarshal([]byte(`{"priority":9}`), &decoded))
	assert.Error(t, json.Unmarshal([]byte(`{"priority":"urgent"}`), &decoded))
}

func TestTaskRetryAccounting(t *testing.T) {
	task := New("extract", map[string]string{"file": "a.pdf"})
	assert.NotEmpty(t, task.ID)
	assert.Equal(t, PriorityMedium, task.Priority)
	assert.False(t, task.CanRetry())

	task.RetriesAllowed = 2
	assert.True(t, task.CanRetry())
	task.RetriesUsed = 2
	assert.False(t, task.CanRetry())
	assert.Equal(t, 3, task.Attempts())

	clone := task.Clone()
	clone.RetriesUsed = 0
	assert.Equal(t, 2, task.RetriesUsed)
}
