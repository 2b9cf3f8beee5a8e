package log

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithContext_AddsDraftID(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	ctx := ContextWithDraftID(context.Background(), "d-1")
	l := WithContext(ctx, logger)
	l.Info().Msg("hello")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "d-1", entry[FieldDraftID])
}

func TestWithContext_NoDraftID(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	l := WithContext(context.Background(), logger)
	l.Info().Msg("hello")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	_, ok := entry[FieldDraftID]
	assert.False(t, ok)
	assert.Empty(t, DraftIDFromContext(nil))
}

func TestComponent_FallsBackToBase(t *testing.T) {
	l := Component(zerolog.Nop(), "upload")
	assert.NotEqual(t, zerolog.Disabled, l.GetLevel())
}
