package observability

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

type contextKey string

const (
	loggerKey    contextKey = "logger"
	operationKey contextKey = "operation_id"
)

// NewLogger builds the process logger. Format "json" emits structured
// lines for log shippers; "text" emits colored console output.
func NewLogger(w io.Writer, format, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", level, err)
	}

	switch strings.ToLower(format) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})), nil
	case "text", "":
		return slog.New(tint.NewHandler(w, &tint.Options{
			Level:      lvl,
			TimeFormat: time.TimeOnly,
		})), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}

func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

func ContextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// ContextWithOperationID tags ctx with the id of the KV operation being
// handled, and attaches it to the context logger.
func ContextWithOperationID(ctx context.Context, id string) context.Context {
	ctx = context.WithValue(ctx, operationKey, id)
	return ContextWithLogger(ctx, LoggerFromContext(ctx).With("operation_id", id))
}

func OperationIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(operationKey).(string); ok {
		return id
	}
	return ""
}
