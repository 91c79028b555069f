package logger

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/dmarsh/valet/internal/models"
)

func TestNilWriterIsSilent(t *testing.T) {
	cl := NewConsoleLogger(nil, "info")
	cl.Infof("should not panic")
	cl.StepStarted("s", "step", "desc")
	cl.SessionSummary("s", &models.ExecutionResult{})
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	cl := NewConsoleLogger(&buf, "warn")

	cl.Infof("hidden")
	cl.Warnf("visible")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "visible")
	assert.Contains(t, out, "[WARN]")
}

func TestInvalidLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	cl := NewConsoleLogger(&buf, "chatty")

	cl.Debugf("hidden")
	cl.Infof("visible")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "visible")
}

func TestStepLifecycleOutput(t *testing.T) {
	var buf bytes.Buffer
	cl := NewConsoleLogger(&buf, "info")

	cl.StepStarted("sess", "s1", "fetch the weather")
	cl.StepCompleted("sess", "s1", 1500*time.Millisecond)
	cl.StepFailed("sess", "s2", "connection refused")

	out := buf.String()
	assert.Contains(t, out, "Step s1: fetch the weather")
	assert.Contains(t, out, "Step s1 complete (1s)")
	assert.Contains(t, out, "Step s2 failed: connection refused")
}

func TestSessionSummaryFormat(t *testing.T) {
	var buf bytes.Buffer
	cl := NewConsoleLogger(&buf, "info")

	cl.SessionSummary("sess-1", &models.ExecutionResult{
		Success:        true,
		StepsCompleted: 3,
		TotalSteps:     4,
		StepsSkipped:   1,
		Duration:       2 * time.Second,
	})

	out := buf.String()
	assert.Contains(t, out, "Session sess-1: succeeded")
	assert.Contains(t, out, "3/4 steps completed")
	assert.Contains(t, out, "1 skipped")
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{340 * time.Millisecond, "340ms"},
		{5 * time.Second, "5s"},
		{90 * time.Second, "1m30s"},
		{2*time.Hour + 15*time.Minute, "2h15m"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatDuration(tt.d))
	}
}
