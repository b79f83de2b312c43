// Package logger provides structured logging for CubeStore
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger wraps zerolog with CubeStore-specific functionality
type Logger struct {
	zlog zerolog.Logger
}

// Config holds logger configuration
type Config struct {
	Level      string // trace, debug, info, warn, error
	Pretty     bool   // pretty-print for development
	Output     io.Writer
	WithCaller bool
}

// ParseLevel maps a level name to a zerolog level, defaulting to info
func ParseLevel(name string) zerolog.Level {
	switch name {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	}
	return zerolog.InfoLevel
}

// NewLogger creates a new structured logger
func NewLogger(cfg Config) *Logger {
	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	// Pretty printing for development
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	zlog := zerolog.New(output).
		Level(ParseLevel(cfg.Level)).
		With().
		Timestamp().
		Str("service", "cubestore").
		Logger()

	if cfg.WithCaller {
		zlog = zlog.With().Caller().Logger()
	}

	return &Logger{zlog: zlog}
}

// Nop returns a logger that discards everything
func Nop() *Logger {
	return &Logger{zlog: zerolog.Nop()}
}

// GetZerolog returns the underlying zerolog logger
func (l *Logger) GetZerolog() *zerolog.Logger {
	return &l.zlog
}

// Info logs an info message
func (l *Logger) Info(msg string) *zerolog.Event {
	return l.zlog.Info().Str("msg", msg)
}

// Debug logs a debug message
func (l *Logger) Debug(msg string) *zerolog.Event {
	return l.zlog.Debug().Str("msg", msg)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string) *zerolog.Event {
	return l.zlog.Warn().Str("msg", msg)
}

// Error logs an error message
func (l *Logger) Error(msg string) *zerolog.Event {
	return l.zlog.Error().Str("msg", msg)
}

// Fatal logs a fatal message and exits
func (l *Logger) Fatal(msg string) *zerolog.Event {
	return l.zlog.Fatal().Str("msg", msg)
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	ctx := l.zlog.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return &Logger{zlog: ctx.Logger()}
}

// GrpcLogger returns a logger for gRPC operations
func (l *Logger) GrpcLogger(method string) *Logger {
	return &Logger{
		zlog: l.zlog.With().
			Str("component", "grpc").
			Str("method", method).
			Logger(),
	}
}

// RepoLogger returns a logger for repository operations
func (l *Logger) RepoLogger(operation string) *Logger {
	return &Logger{
		zlog: l.zlog.With().
			Str("component", "repository").
			Str("operation", operation).
			Logger(),
	}
}

// EngineLogger returns a logger for one engine operation on one cube
func (l *Logger) EngineLogger(operation, cube string) *Logger {
	return &Logger{
		zlog: l.zlog.With().
			Str("component", "engine").
			Str("operation", operation).
			Str("cube", cube).
			Logger(),
	}
}

// LogGrpcRequest logs a completed gRPC request. Call it on a logger from
// GrpcLogger, which carries the method.
func (l *Logger) LogGrpcRequest(code string, duration time.Duration, err error) {
	event := l.zlog.Info().
		Str("code", code).
		Dur("duration_ms", duration)

	if err != nil {
		event = l.zlog.Error().
			Str("code", code).
			Dur("duration_ms", duration).
			Err(err)
	}

	event.Msg("gRPC request completed")
}

// LogRepoOperation logs a repository operation with structured fields
func (l *Logger) LogRepoOperation(operation string, duration time.Duration, recordCount int, err error) {
	event := l.zlog.Debug().
		Str("component", "repository").
		Str("operation", operation).
		Dur("duration_ms", duration).
		Int("record_count", recordCount)

	if err != nil {
		event = l.zlog.Error().
			Str("component", "repository").
			Str("operation", operation).
			Dur("duration_ms", duration).
			Err(err)
	}

	event.Msg("Repository operation completed")
}

// LogEvaluation logs one top-level cell evaluation
func (l *Logger) LogEvaluation(cube string, hops int, duration time.Duration, err error) {
	event := l.zlog.Debug().
		Str("component", "eval").
		Str("cube", cube).
		Int("hops", hops).
		Dur("duration_ms", duration)

	if err != nil {
		event = l.zlog.Warn().
			Str("component", "eval").
			Str("cube", cube).
			Dur("duration_ms", duration).
			Err(err)
	}

	event.Msg("Evaluation completed")
}

// LogRelease logs a lifecycle transition of a whole version
func (l *Logger) LogRelease(app, version, snapshot string, cubes int, err error) {
	event := l.zlog.Info().
		Str("event", "release").
		Str("app", app).
		Str("version", version).
		Str("snapshot", snapshot).
		Int("cubes", cubes)

	if err != nil {
		event = l.zlog.Error().
			Str("event", "release").
			Str("app", app).
			Str("version", version).
			Err(err)
	}

	event.Msg("Release completed")
}

// LogServerStart logs server startup
func (l *Logger) LogServerStart(port int, store string) {
	l.zlog.Info().
		Str("event", "server_start").
		Int("port", port).
		Str("store", store).
		Msg("CubeStore server starting")
}

// LogServerReady logs when server is ready
func (l *Logger) LogServerReady(port int) {
	l.zlog.Info().
		Str("event", "server_ready").
		Int("port", port).
		Msg("CubeStore server ready to accept connections")
}

// LogServerShutdown logs server shutdown
func (l *Logger) LogServerShutdown() {
	l.zlog.Info().
		Str("event", "server_shutdown").
		Msg("CubeStore server shutting down")
}

// Global logger instance
var globalLogger *Logger

// InitGlobalLogger initializes the global logger
func InitGlobalLogger(cfg Config) {
	globalLogger = NewLogger(cfg)
	log.Logger = *globalLogger.GetZerolog()
}

// GetGlobalLogger returns the global logger instance
func GetGlobalLogger() *Logger {
	if globalLogger == nil {
		// Initialize with defaults if not set
		InitGlobalLogger(Config{
			Level:  "info",
			Pretty: true,
		})
	}
	return globalLogger
}
