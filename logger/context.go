package logger

import (
	"context"
)

// contextKey is a private type for context keys to avoid collisions.
type contextKey string

// Context keys for common logging fields.
// These keys are used to store values in context.Context that will be
// automatically extracted and added to log entries.
const (
	// ContextKeyTextID identifies the text whose task is being processed.
	ContextKeyTextID contextKey = "text_id"

	// ContextKeySegment identifies the segment index within a task.
	ContextKeySegment contextKey = "segment"

	// ContextKeySessionID identifies one provider synthesis session.
	ContextKeySessionID contextKey = "session_id"
)

// allContextKeys lists all context keys that should be extracted for logging.
// This is used by the handler to iterate over all possible context values.
var allContextKeys = []contextKey{
	ContextKeyTextID,
	ContextKeySegment,
	ContextKeySessionID,
}

// WithTextID returns a new context with the text id set.
func WithTextID(ctx context.Context, textID string) context.Context {
	return context.WithValue(ctx, ContextKeyTextID, textID)
}

// WithSegment returns a new context with the segment index set.
func WithSegment(ctx context.Context, index string) context.Context {
	return context.WithValue(ctx, ContextKeySegment, index)
}

// WithSessionID returns a new context with the provider session id set.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, ContextKeySessionID, sessionID)
}
