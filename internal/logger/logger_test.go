package logger

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitWithWriter_JSON(t *testing.T) {
	t.Setenv("LOG_FORMAT", "json")
	t.Setenv("LOG_LEVEL", "warn")

	var buf bytes.Buffer
	InitWithWriter(&buf)

	Log.Info().Msg("hidden")
	Log.Warn().Msg("visible")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"message":"visible"`)
}

func TestCtx_AttachesSession(t *testing.T) {
	t.Setenv("LOG_FORMAT", "json")
	t.Setenv("LOG_LEVEL", "debug")

	var buf bytes.Buffer
	InitWithWriter(&buf)

	ctx := WithSession(context.Background(), Log, "sess-1")
	Ctx(ctx).Info().Msg("hello")
	Ctx(context.Background()).Info().Msg("bare")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"session_id":"sess-1"`)
	assert.NotContains(t, lines[1], "session_id")
	assert.Contains(t, lines[1], `"message":"bare"`)
}

func TestFrom_UsesSessionLoggerOverFallback(t *testing.T) {
	var session, fallback bytes.Buffer
	base := zerolog.New(&session)

	ctx := WithSession(context.Background(), base, "sess-2")
	l := From(ctx, zerolog.New(&fallback))
	l.Info().Str("file_key", "raw/k.jpg").Msg("transfer complete")

	assert.Contains(t, session.String(), `"session_id":"sess-2"`)
	assert.Contains(t, session.String(), `"file_key":"raw/k.jpg"`)
	assert.Empty(t, fallback.String())

	l = From(context.Background(), zerolog.New(&fallback))
	l.Info().Msg("no session")
	assert.Contains(t, fallback.String(), "no session")
}
