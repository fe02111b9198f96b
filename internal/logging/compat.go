package logging

import (
	"bytes"
	"context"
	"log"
	"log/slog"
	"strings"
)

// BridgeWriter wraps slog as an io.Writer so that *log.Logger consumers
// (net/http's ErrorLog, third-party libraries) flow through structured logging.
// A leading "http: " style prefix is lifted into the component field.
type BridgeWriter struct {
	component string
	level     slog.Level
}

// NewBridgeWriter creates a writer that forwards each line to slog at warn level.
// The defaultComponent is used when no recognised prefix is found.
func NewBridgeWriter(defaultComponent string) *BridgeWriter {
	return &BridgeWriter{
		component: defaultComponent,
		level:     slog.LevelWarn,
	}
}

// NewStdLogger returns a *log.Logger that writes through a BridgeWriter.
func NewStdLogger(component string) *log.Logger {
	return log.New(NewBridgeWriter(component), "", 0)
}

// Write implements io.Writer. Each write is treated as one log line.
func (bw *BridgeWriter) Write(p []byte) (int, error) {
	n := len(p)
	msg := string(bytes.TrimSpace(p))
	if msg == "" {
		return n, nil
	}

	msg = stripLogTimestamp(msg)

	component := bw.component
	if idx := strings.Index(msg, ": "); idx > 0 && idx <= 16 && !strings.ContainsAny(msg[:idx], " \t") {
		if c := canonicalComponent(strings.ToLower(msg[:idx])); c != "" {
			component = c
			msg = msg[idx+2:]
		}
	}

	Logger().Log(context.Background(), bw.level, msg, slog.String("component", component))
	return n, nil
}

// stripLogTimestamp removes the time prefix added by log.SetFlags(log.Ltime|log.Lmicroseconds).
func stripLogTimestamp(s string) string {
	if len(s) > 16 && s[2] == ':' && s[5] == ':' && s[8] == '.' && s[15] == ' ' {
		return s[16:]
	}
	if len(s) > 9 && s[2] == ':' && s[5] == ':' && s[8] == ' ' {
		return s[9:]
	}
	return s
}

// canonicalComponent maps known library prefixes to component names.
// Unknown prefixes return "" so the message is left untouched.
func canonicalComponent(prefix string) string {
	switch prefix {
	case "http", "http2", "httputil":
		return CompHTTP
	case "websocket", "driver":
		return CompDriver
	case "sqlite", "store":
		return CompStore
	case "webpush", "webhook":
		return CompEvents
	default:
		return ""
	}
}
