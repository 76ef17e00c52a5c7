// Package logging provides structured logging for the Chaski-Confluent node runtime.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// New creates a new structured logger with the specified level and format.
// Supported levels: debug, info, warn, error
// Supported formats: text, json
func New(level, format string) *slog.Logger {
	return NewWithWriter(level, format, os.Stderr)
}

// NewWithWriter creates a new structured logger with a custom writer.
func NewWithWriter(level, format string, w io.Writer) *slog.Logger {
	lvl := parseLevel(level)

	opts := &slog.HandlerOptions{
		Level: lvl,
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// parseLevel converts a string log level to slog.Level.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Nop returns a logger that discards all output.
func Nop() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Common attribute keys for consistent logging across the node runtime.
const (
	KeyEdge       = "edge"
	KeyPeer       = "peer"
	KeyTopic      = "topic"
	KeyCommand    = "command"
	KeyEnvelopeID = "envelope_id"
	KeyFileID     = "file_id"
	KeySerial     = "serial"
	KeyAddress    = "address"
	KeyTransport  = "transport"
	KeyTTL        = "ttl"
	KeyError      = "error"
	KeyComponent  = "component"
	KeyRemoteAddr = "remote_addr"
	KeyLocalAddr  = "local_addr"
	KeyDuration   = "duration"
	KeyCount      = "count"
	KeyIndex      = "index"
	KeyModule     = "module_path"
)
