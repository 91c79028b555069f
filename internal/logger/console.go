// Package logger provides logging for valet session execution.
//
// ConsoleLogger writes execution progress at the step and session
// levels. It is thread-safe, supports log level filtering, and enables
// color automatically when writing to a TTY.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"

	"github.com/dmarsh/valet/internal/models"
)

// Log level constants for filtering
const (
	levelDebug int = 0
	levelInfo  int = 1
	levelWarn  int = 2
	levelError int = 3
)

// ConsoleLogger logs execution progress to a writer with [HH:MM:SS]
// timestamps. If the writer is nil, messages are silently discarded.
type ConsoleLogger struct {
	writer      io.Writer
	logLevel    string
	mutex       sync.Mutex
	colorOutput bool
}

// NewConsoleLogger creates a ConsoleLogger for the given writer.
// Valid levels: debug, info, warn, error (case-insensitive); empty or
// invalid defaults to "info". Color output is enabled when the writer
// is a TTY on stdout/stderr.
func NewConsoleLogger(writer io.Writer, logLevel string) *ConsoleLogger {
	return &ConsoleLogger{
		writer:      writer,
		logLevel:    normalizeLogLevel(logLevel),
		colorOutput: isTerminal(writer),
	}
}

// isTerminal reports whether the writer is a color-capable terminal.
func isTerminal(w io.Writer) bool {
	if w == nil {
		return false
	}
	if f, ok := w.(*os.File); ok && (f == os.Stdout || f == os.Stderr) {
		// color.NoColor also honors the NO_COLOR env var
		return isatty.IsTerminal(f.Fd()) && !color.NoColor
	}
	return false
}

// normalizeLogLevel lowercases and validates a level, defaulting to info.
func normalizeLogLevel(level string) string {
	normalized := strings.ToLower(strings.TrimSpace(level))
	switch normalized {
	case "debug", "info", "warn", "error":
		return normalized
	}
	return "info"
}

func logLevelToInt(level string) int {
	switch level {
	case "debug":
		return levelDebug
	case "warn":
		return levelWarn
	case "error":
		return levelError
	default:
		return levelInfo
	}
}

func (cl *ConsoleLogger) shouldLog(messageLevel string) bool {
	return logLevelToInt(messageLevel) >= logLevelToInt(cl.logLevel)
}

// Debugf logs a debug-level message.
func (cl *ConsoleLogger) Debugf(format string, args ...any) {
	cl.logWithLevel("DEBUG", fmt.Sprintf(format, args...))
}

// Infof logs an info-level message.
func (cl *ConsoleLogger) Infof(format string, args ...any) {
	cl.logWithLevel("INFO", fmt.Sprintf(format, args...))
}

// Warnf logs a warning-level message.
func (cl *ConsoleLogger) Warnf(format string, args ...any) {
	cl.logWithLevel("WARN", fmt.Sprintf(format, args...))
}

// Errorf logs an error-level message.
func (cl *ConsoleLogger) Errorf(format string, args ...any) {
	cl.logWithLevel("ERROR", fmt.Sprintf(format, args...))
}

func (cl *ConsoleLogger) logWithLevel(level, message string) {
	if cl.writer == nil || !cl.shouldLog(strings.ToLower(level)) {
		return
	}

	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	ts := timestamp()
	if cl.colorOutput {
		cl.writer.Write([]byte(fmt.Sprintf("[%s] [%s] %s\n", ts, colorLevel(level), message)))
		return
	}
	cl.writer.Write([]byte(fmt.Sprintf("[%s] [%s] %s\n", ts, level, message)))
}

func colorLevel(level string) string {
	switch level {
	case "DEBUG":
		return color.New(color.FgCyan).Sprint(level)
	case "INFO":
		return color.New(color.FgBlue).Sprint(level)
	case "WARN":
		return color.New(color.FgYellow).Sprint(level)
	case "ERROR":
		return color.New(color.FgRed).Sprint(level)
	}
	return level
}

// StepStarted logs the start of a step at INFO level.
// Format: "[HH:MM:SS] Step <id>: <description>"
func (cl *ConsoleLogger) StepStarted(sessionID, stepID, description string) {
	if cl.writer == nil || !cl.shouldLog("info") {
		return
	}

	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	name := stepID
	if cl.colorOutput {
		name = color.New(color.Bold).Sprint(stepID)
	}
	cl.writer.Write([]byte(fmt.Sprintf("[%s] Step %s: %s\n", timestamp(), name, description)))
}

// StepCompleted logs a completed step at INFO level.
// Format: "[HH:MM:SS] Step <id> complete (<duration>)"
func (cl *ConsoleLogger) StepCompleted(sessionID, stepID string, duration time.Duration) {
	if cl.writer == nil || !cl.shouldLog("info") {
		return
	}

	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	completeText := "complete"
	if cl.colorOutput {
		completeText = color.New(color.FgGreen).Sprint(completeText)
	}
	cl.writer.Write([]byte(fmt.Sprintf("[%s] Step %s %s (%s)\n",
		timestamp(), stepID, completeText, formatDuration(duration))))
}

// StepFailed logs a failed step at WARN level.
func (cl *ConsoleLogger) StepFailed(sessionID, stepID, errText string) {
	cl.logWithLevel("WARN", fmt.Sprintf("Step %s failed: %s", stepID, errText))
}

// CorrectionApplied logs the strategy chosen for a failed step.
func (cl *ConsoleLogger) CorrectionApplied(sessionID, stepID string, strategy models.CorrectionStrategy, reasoning string) {
	cl.logWithLevel("INFO", fmt.Sprintf("Step %s: applying %s (%s)", stepID, strategy, reasoning))
}

// SessionStatus logs a session state transition at DEBUG level.
func (cl *ConsoleLogger) SessionStatus(sessionID string, status models.SessionStatus) {
	cl.logWithLevel("DEBUG", fmt.Sprintf("Session %s -> %s", sessionID, status))
}

// SessionSummary logs the final result of a session at INFO level.
// Format: "[HH:MM:SS] Session <id>: <verdict> - 3/4 steps completed, 1 failed, 0 skipped (<duration>)"
func (cl *ConsoleLogger) SessionSummary(sessionID string, result *models.ExecutionResult) {
	if cl.writer == nil || result == nil || !cl.shouldLog("info") {
		return
	}

	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	verdict := "failed"
	if result.Success {
		verdict = "succeeded"
	}
	if cl.colorOutput {
		if result.Success {
			verdict = color.New(color.FgGreen).Sprint(verdict)
		} else {
			verdict = color.New(color.FgRed).Sprint(verdict)
		}
	}

	cl.writer.Write([]byte(fmt.Sprintf("[%s] Session %s: %s - %d/%d steps completed, %d failed, %d skipped (%s)\n",
		timestamp(), sessionID, verdict,
		result.StepsCompleted, result.TotalSteps, result.StepsFailed, result.StepsSkipped,
		formatDuration(result.Duration))))
}

// timestamp returns the current time formatted as "15:04:05".
func timestamp() string {
	return time.Now().Format("15:04:05")
}

// formatDuration converts a duration to a short human-readable string.
// Examples: "340ms", "5s", "1m30s", "2h15m"
func formatDuration(d time.Duration) string {
	switch {
	case d >= time.Hour:
		hours := d / time.Hour
		minutes := (d % time.Hour) / time.Minute
		if minutes == 0 {
			return fmt.Sprintf("%dh", hours)
		}
		return fmt.Sprintf("%dh%dm", hours, minutes)
	case d >= time.Minute:
		minutes := d / time.Minute
		seconds := (d % time.Minute) / time.Second
		if seconds == 0 {
			return fmt.Sprintf("%dm", minutes)
		}
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	case d >= time.Second:
		return fmt.Sprintf("%ds", d/time.Second)
	default:
		return fmt.Sprintf("%dms", d/time.Millisecond)
	}
}
