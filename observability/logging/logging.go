// Package logging configures the process-wide structured logger. Every
// crowdwatch binary calls Setup once at start; everything downstream takes a
// *slog.Logger and never touches handler configuration again.
package logging

import (
	"log"
	"log/slog"
	"os"
	"strings"
)

// levelEnvVar selects the minimum level at runtime without a config change.
const levelEnvVar = "CROWDWATCH_LOG_LEVEL"

// Setup installs a JSON slog handler on stdout and returns the base logger,
// tagged with the service name and, when set, the deployment environment.
// The standard library logger is redirected through the same handler so
// third-party code logging via log.Printf lands in the same stream.
func Setup(service, env string) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:       minimumLevel(),
		ReplaceAttr: renameCoreAttrs,
	})

	args := []any{slog.String("service", strings.TrimSpace(service))}
	if env = strings.TrimSpace(env); env != "" {
		args = append(args, slog.String("env", env))
	}
	base := slog.New(handler).With(args...)
	slog.SetDefault(base)

	bridge := slog.NewLogLogger(base.Handler(), slog.LevelInfo)
	bridge.SetFlags(0)
	log.SetOutput(bridge.Writer())
	log.SetFlags(0)
	log.SetPrefix("")

	return base
}

// renameCoreAttrs maps slog's built-in keys onto the field names the rest of
// the fleet's log pipeline expects.
func renameCoreAttrs(_ []string, attr slog.Attr) slog.Attr {
	switch attr.Key {
	case slog.TimeKey:
		attr.Key = "timestamp"
	case slog.LevelKey:
		return slog.String("severity", strings.ToUpper(attr.Value.String()))
	case slog.MessageKey:
		attr.Key = "message"
	}
	return attr
}

func minimumLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(levelEnvVar))) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
