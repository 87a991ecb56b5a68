// Package telemetry initializes the process-wide structured logger and the
// OpenTelemetry tracer/meter providers, and supplies the two append-only
// JSON-lines sinks the external interface (agent.jsonl, metrics.jsonl) needs.
package telemetry

import (
	"log/slog"
	"os"
	"strings"
)

// InitLogging configures the global slog logger. JSON if TASKENGINE_JSON_LOG
// is 1/true/json, text otherwise.
func InitLogging(service string) *slog.Logger {
	mode := strings.ToLower(os.Getenv("TASKENGINE_JSON_LOG"))
	var handler slog.Handler
	if mode == "1" || mode == "true" || mode == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{AddSource: false, Level: levelFromEnv()})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{AddSource: false, Level: levelFromEnv()})
	}
	logger := slog.New(handler).With("service", service)
	slog.SetDefault(logger)
	logger.Info("logging initialized", "json", mode == "1" || mode == "true" || mode == "json")
	return logger
}

func levelFromEnv() slog.Leveler {
	switch strings.ToLower(os.Getenv("TASKENGINE_LOG_LEVEL")) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
