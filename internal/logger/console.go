// Package logger provides thread-safe console logging for engine progress.
// Output lines carry [HH:MM:SS] timestamps and a level tag, with ANSI color
// when writing to a TTY. Level filtering controls verbosity.
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

	"github.com/harrison/maestro/internal/models"
)

// Log level constants for filtering
const (
	levelTrace = iota
	levelDebug
	levelInfo
	levelWarn
	levelError
)

// Console logs engine progress to a writer. Safe for concurrent use.
// A nil writer silently discards all output.
type Console struct {
	mu       sync.Mutex
	writer   io.Writer
	logLevel int
	colored  bool
}

// NewConsole creates a Console writing to w. logLevel is one of trace, debug,
// info, warn, error (case-insensitive); empty or unknown defaults to info.
// Color is enabled automatically when w is a TTY and NO_COLOR is unset.
func NewConsole(w io.Writer, logLevel string) *Console {
	return &Console{
		writer:   w,
		logLevel: parseLevel(logLevel),
		colored:  isTerminal(w),
	}
}

// isTerminal reports whether w is a color-capable terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	if color.NoColor {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func parseLevel(level string) int {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return levelTrace
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

// LogTrace logs a trace-level message.
func (c *Console) LogTrace(message string) { c.log(levelTrace, "TRACE", message) }

// LogDebug logs a debug-level message.
func (c *Console) LogDebug(message string) { c.log(levelDebug, "DEBUG", message) }

// LogInfo logs an info-level message.
func (c *Console) LogInfo(message string) { c.log(levelInfo, "INFO", message) }

// LogWarn logs a warning-level message.
func (c *Console) LogWarn(message string) { c.log(levelWarn, "WARN", message) }

// LogError logs an error-level message.
func (c *Console) LogError(message string) { c.log(levelError, "ERROR", message) }

func (c *Console) log(level int, tag, message string) {
	if c.writer == nil || level < c.logLevel {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ts := time.Now().Format("15:04:05")
	if c.colored {
		tag = colorTag(tag)
	}
	fmt.Fprintf(c.writer, "[%s] [%s] %s\n", ts, tag, message)
}

func colorTag(tag string) string {
	switch tag {
	case "TRACE":
		return color.New(color.FgHiBlack).Sprint(tag)
	case "DEBUG":
		return color.New(color.FgCyan).Sprint(tag)
	case "INFO":
		return color.New(color.FgBlue).Sprint(tag)
	case "WARN":
		return color.New(color.FgYellow).Sprint(tag)
	case "ERROR":
		return color.New(color.FgRed).Sprint(tag)
	default:
		return tag
	}
}

// LogWaveStart logs the start of a wave at INFO level.
func (c *Console) LogWaveStart(wave, taskCount int) {
	c.LogInfo(fmt.Sprintf("Starting wave %d: %d tasks", wave, taskCount))
}

// LogWaveComplete logs wave completion with its duration.
func (c *Console) LogWaveComplete(wave int, duration time.Duration, counts models.BatchCounts) {
	c.LogInfo(fmt.Sprintf("Wave %d complete in %s: %d completed, %d failed, %d cancelled",
		wave, formatDuration(duration), counts.Completed, counts.Failed, counts.Cancelled))
}

// LogEscalation logs an escalation that needs human resolution at WARN level.
func (c *Console) LogEscalation(taskID string, attempts int) {
	c.LogWarn(fmt.Sprintf("Task %s escalated after %d attempts; awaiting resolution (retry/skip/abort)", taskID, attempts))
}

// LogBatch logs a flushed batch notification at DEBUG level.
func (c *Console) LogBatch(scope string, counts models.BatchCounts, allComplete bool) {
	c.LogDebug(fmt.Sprintf("Batch for %s: %d tasks (all complete: %v)", scope, counts.Total(), allComplete))
}

// formatDuration renders a duration for humans.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	if d < time.Hour {
		return fmt.Sprintf("%.1fm", d.Minutes())
	}
	return fmt.Sprintf("%.1fh", d.Hours())
}
