package log

import (
	"context"

	"github.com/rs/zerolog"
)

type ctxKey string

const draftIDKey ctxKey = "draft_id"

// ContextWithDraftID stores the active draft id in the context.
func ContextWithDraftID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, draftIDKey, id)
}

// DraftIDFromContext extracts the draft id from context if present.
func DraftIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(draftIDKey).(string); ok {
		return v
	}
	return ""
}

// WithContext enriches the supplied logger with correlation fields from ctx.
func WithContext(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	if id := DraftIDFromContext(ctx); id != "" {
		return logger.With().Str(FieldDraftID, id).Logger()
	}
	return logger
}
