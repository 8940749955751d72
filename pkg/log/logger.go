// Package log provides structured logging for the FPGA proxy.
// It wraps slog with field helpers for pool, job and device context.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

type ctxKey string

// SessionKey is the context key under which the pool session epoch is stored.
const SessionKey ctxKey = "session_epoch"

// Logger wraps slog.Logger with additional context and convenience methods
type Logger struct {
	*slog.Logger
	service string
	version string
}

// New creates a new logger writing to stdout.
func New(service, version, level, format string) *Logger {
	return NewWithWriter(os.Stdout, service, version, level, format)
}

// NewWithWriter creates a logger writing to w.
func NewWithWriter(w io.Writer, service, version, level, format string) *Logger {
	logLevel := ParseLevel(level)

	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	return &Logger{
		Logger:  slog.New(handler).With("service", service, "version", version),
		service: service,
		version: version,
	}
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *Logger {
	return &Logger{
		Logger:  slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1})),
		service: "discard",
	}
}

// ParseLevel maps a level name to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// WithContext returns a logger carrying the session epoch if ctx has one.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if epoch := ctx.Value(SessionKey); epoch != nil {
		return l.WithFields("session_epoch", epoch)
	}
	return l
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger:  l.With(fields...),
		service: l.service,
		version: l.version,
	}
}

// WithComponent returns a logger with a component field
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithPool returns a logger tagged with the upstream pool address and worker.
func (l *Logger) WithPool(addr, worker string) *Logger {
	return l.WithFields("pool", addr, "worker", worker)
}

// WithDevice returns a logger tagged with the serial port path.
func (l *Logger) WithDevice(port string) *Logger {
	return l.WithFields("device", port)
}

// WithJob returns a logger with job-specific fields
func (l *Logger) WithJob(jobID string) *Logger {
	return l.WithFields("job_id", jobID)
}

// WithError returns a logger with error context
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields("error", err.Error())
}

// LogDuration logs the duration of an operation
func (l *Logger) LogDuration(operation string, d time.Duration) {
	l.Debug("operation completed",
		"operation", operation,
		"duration_ms", float64(d)/float64(time.Millisecond),
	)
}

// LogConnection logs connection events
func (l *Logger) LogConnection(event, remoteAddr string) {
	l.Info("connection event",
		"event", event,
		"remote_addr", remoteAddr,
	)
}

// LogStratumMessage logs Stratum protocol lines (debug level)
func (l *Logger) LogStratumMessage(direction, message string) {
	l.Debug("stratum message",
		"direction", direction,
		"message", message,
	)
}

// LogDeviceCommand logs a serial command and its filtered reply (debug level)
func (l *Logger) LogDeviceCommand(command, reply string) {
	if len(command) > 32 {
		command = command[:32] + "..."
	}
	l.Debug("device command",
		"command", command,
		"reply", reply,
	)
}

// LogShareSubmission logs a share handed to the pool
func (l *Logger) LogShareSubmission(jobID, nonce string, submitID int64) {
	l.Info("share submitted",
		"job_id", jobID,
		"nonce", nonce,
		"submit_id", submitID,
	)
}

// LogShareResult logs the pool's verdict on a submitted share
func (l *Logger) LogShareResult(submitID int64, jobID string, accepted bool, reason string) {
	if accepted {
		l.Info("share accepted", "submit_id", submitID, "job_id", jobID)
		return
	}
	l.Warn("share rejected", "submit_id", submitID, "job_id", jobID, "reason", reason)
}

// LogHashrate logs a hashrate sample in both raw and human units
func (l *Logger) LogHashrate(jobID string, hashes uint64, elapsed time.Duration, rate float64, human string) {
	l.Info("hashrate",
		"job_id", jobID,
		"hashes", hashes,
		"elapsed_ms", elapsed.Milliseconds(),
		"hashes_per_sec", rate,
		"hashrate", human,
	)
}

// LogJobDispatch logs a job handed to the device
func (l *Logger) LogJobDispatch(jobID string, cleanJobs bool, target string) {
	l.Info("job dispatched",
		"job_id", jobID,
		"clean_jobs", cleanJobs,
		"target", target,
	)
}
