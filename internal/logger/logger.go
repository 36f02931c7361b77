package logger

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

var Log zerolog.Logger

type ctxKey struct{}

func Init() {
	InitWithWriter(os.Stdout)
}

func InitWithWriter(w io.Writer) {
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}
	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	format := os.Getenv("LOG_FORMAT") // "json" or "console"
	if format == "" {
		format = "console"
	}

	var l zerolog.Logger
	if format == "json" {
		l = zerolog.New(w).With().Timestamp().Logger().Level(level)
	} else {
		l = zerolog.New(zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger().Level(level)
	}

	Log = l
	zlog.Logger = l
}

// WithSession returns ctx carrying base tagged with the upload session id.
func WithSession(ctx context.Context, base zerolog.Logger, sessionID string) context.Context {
	l := base.With().Str("session_id", sessionID).Logger()
	return context.WithValue(ctx, ctxKey{}, &l)
}

// From returns the session logger carried by ctx, or fallback.
func From(ctx context.Context, fallback zerolog.Logger) zerolog.Logger {
	if l, ok := ctx.Value(ctxKey{}).(*zerolog.Logger); ok {
		return *l
	}
	return fallback
}

// Ctx returns the session logger carried by ctx, or the global logger.
func Ctx(ctx context.Context) *zerolog.Logger {
	l := From(ctx, Log)
	return &l
}
