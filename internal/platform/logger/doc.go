// Package logger provides structured logging functionality for the application.
//
// It utilizes Go's standard library log/slog package to implement structured JSON logging
// with configurable log levels. When OTLP export is enabled the JSON handler is
// fanned out to the OpenTelemetry log bridge. Request and task scoped loggers
// travel in a context.Context via WithContext and FromContext.
package logger
