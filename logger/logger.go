// Package logger provides structured logging for the CastKit runtime.
//
// It wraps Go's standard log/slog with:
//   - a process-wide DefaultLogger and package-level convenience functions
//   - level control via the LOG_LEVEL environment variable or SetLevel
//   - automatic redaction of provider credentials before they reach a line
//   - task- and session-scoped helpers used across the pipeline
package logger

import (
	"context"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// DefaultLogger is the global structured logger instance.
// It is safe for concurrent use and initialized with slog.LevelInfo by default.
var DefaultLogger *slog.Logger

func init() {
	// Check LOG_LEVEL environment variable
	level := slog.LevelInfo
	if envLevel := os.Getenv("LOG_LEVEL"); envLevel != "" {
		switch strings.ToLower(envLevel) {
		case "debug":
			level = slog.LevelDebug
		case "info":
			level = slog.LevelInfo
		case "warn", "warning":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}

	// Text handler on stderr, wrapped so context-carried task fields
	// reach every line logged through a *Context function.
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	DefaultLogger = slog.New(NewContextHandler(handler))
}

// SetLevel changes the logging level for all subsequent log operations.
// This is safe for concurrent use as it replaces the entire logger instance.
func SetLevel(level slog.Level) {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	DefaultLogger = slog.New(NewContextHandler(handler))
}

// SetVerbose enables debug-level logging when verbose is true, otherwise sets info-level.
// This is a convenience wrapper around SetLevel for command-line verbose flags.
func SetVerbose(verbose bool) {
	if verbose {
		SetLevel(slog.LevelDebug)
	} else {
		SetLevel(slog.LevelInfo)
	}
}

// Info logs an informational message with structured key-value attributes.
// Args should be provided in key-value pairs: key1, value1, key2, value2, ...
func Info(msg string, args ...any) {
	DefaultLogger.Info(msg, args...)
}

// InfoContext logs an informational message with context and structured attributes.
func InfoContext(ctx context.Context, msg string, args ...any) {
	DefaultLogger.InfoContext(ctx, msg, args...)
}

// Debug logs a debug-level message with structured attributes.
// Debug messages are only output when the log level is set to LevelDebug or lower.
func Debug(msg string, args ...any) {
	DefaultLogger.Debug(msg, args...)
}

// DebugContext logs a debug message with context and structured attributes.
func DebugContext(ctx context.Context, msg string, args ...any) {
	DefaultLogger.DebugContext(ctx, msg, args...)
}

// Warn logs a warning message with structured attributes.
// Use for recoverable errors or unexpected but non-critical situations.
func Warn(msg string, args ...any) {
	DefaultLogger.Warn(msg, args...)
}

// WarnContext logs a warning message with context and structured attributes.
func WarnContext(ctx context.Context, msg string, args ...any) {
	DefaultLogger.WarnContext(ctx, msg, args...)
}

// Error logs an error message with structured attributes.
// Use for errors that affect operation but don't cause complete failure.
func Error(msg string, args ...any) {
	DefaultLogger.Error(msg, args...)
}

// ErrorContext logs an error message with context and structured attributes.
func ErrorContext(ctx context.Context, msg string, args ...any) {
	DefaultLogger.ErrorContext(ctx, msg, args...)
}

// TaskTransition logs a task lifecycle transition with structured fields.
// Additional attributes can be passed as key-value pairs.
func TaskTransition(textID, from, to string, attrs ...any) {
	allAttrs := make([]any, 0, 6+len(attrs))
	allAttrs = append(allAttrs,
		"text_id", textID,
		"from", from,
		"to", to,
	)
	allAttrs = append(allAttrs, attrs...)
	Info("task transition", allAttrs...)
}

// SegmentAttempt logs one segment synthesis attempt and its outcome. The
// text id and segment index ride in on the context (WithTextID,
// WithSegment).
func SegmentAttempt(ctx context.Context, attempt int, err error, attrs ...any) {
	allAttrs := make([]any, 0, 4+len(attrs))
	allAttrs = append(allAttrs, "attempt", attempt)
	if err != nil {
		allAttrs = append(allAttrs, "error", err.Error())
		allAttrs = append(allAttrs, attrs...)
		WarnContext(ctx, "segment attempt failed", allAttrs...)
		return
	}
	allAttrs = append(allAttrs, attrs...)
	DebugContext(ctx, "segment attempt succeeded", allAttrs...)
}

// ProviderSession logs a provider session lifecycle event at debug level.
// The session id rides in on the context (WithSessionID); the URL is
// redacted before logging.
func ProviderSession(ctx context.Context, event, url string, attrs ...any) {
	if !DefaultLogger.Enabled(ctx, slog.LevelDebug) {
		return
	}
	allAttrs := make([]any, 0, 4+len(attrs))
	allAttrs = append(allAttrs,
		"event", event,
		"url", RedactSensitiveData(url),
	)
	allAttrs = append(allAttrs, attrs...)
	DebugContext(ctx, "provider session", allAttrs...)
}

// sensitivePatterns contains compiled regular expressions for detecting
// credentials that must never reach a log line, paired with their
// replacement forms.
var sensitivePatterns = []struct {
	re   *regexp.Regexp
	repl string
}{
	{regexp.MustCompile(`Bearer\s+[a-zA-Z0-9._-]+`), "Bearer [REDACTED]"},                          // Bearer tokens
	{regexp.MustCompile(`(?i)(access[_-]?token=)[a-zA-Z0-9._-]+`), "${1}[REDACTED]"},               // token query params
	{regexp.MustCompile(`(?i)(x-api-access-token:\s*)[a-zA-Z0-9._-]+`), "${1}[REDACTED]"},          // provider auth header
	{regexp.MustCompile(`postgres(?:ql)?://[^:/@]+:[^@]+@`), "postgres://[REDACTED]@"},             // DSN passwords
}

// RedactSensitiveData removes credentials from strings before logging.
// Bearer tokens, access-token query parameters and headers, and DSN
// passwords are replaced with a redacted form.
//
// This function is safe for concurrent use as it only reads from the
// compiled patterns.
func RedactSensitiveData(input string) string {
	result := input
	for _, p := range sensitivePatterns {
		result = p.re.ReplaceAllString(result, p.repl)
	}
	return result
}
