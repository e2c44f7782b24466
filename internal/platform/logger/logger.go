package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	slogmulti "github.com/samber/slog-multi"
	"go.opentelemetry.io/contrib/bridges/otelslog"

	"github.com/phrazzld/scry-ingest/internal/config"
)

// ParseLevel converts a configured level name (case-insensitive) into a
// slog.Level.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", name)
	}
}

// New builds a JSON logger writing to out. With telemetry export enabled the
// records are also sent to the OpenTelemetry log bridge.
func New(out io.Writer, level slog.Level, tel config.TelemetryConfig) *slog.Logger {
	var handler slog.Handler = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})

	if tel.OTLPEnabled {
		handler = slogmulti.Fanout(handler, otelslog.NewHandler(tel.ServiceName))
	}

	logger := slog.New(handler)
	if tel.ServiceName != "" {
		logger = logger.With(slog.String("service", tel.ServiceName))
	}
	return logger
}

// Setup initializes and configures the application's logging system based on
// the provided configuration. It creates a structured JSON logger on stdout,
// sets it as the default logger and returns it.
//
// An invalid level falls back to info and is reported with a warning.
func Setup(cfg config.ServerConfig, tel config.TelemetryConfig) (*slog.Logger, error) {
	level, err := ParseLevel(cfg.LogLevel)
	if err != nil {
		tmpLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))
		tmpLogger.Warn("invalid log level configured, using default level",
			"configured_level", cfg.LogLevel,
			"default_level", "info")
	}

	logger := New(os.Stdout, level, tel)
	slog.SetDefault(logger)
	return logger, nil
}
