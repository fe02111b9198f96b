package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Component constants for structured logging.
const (
	CompRegistry = "registry"
	CompLock     = "lock"
	CompPoll     = "poll"
	CompSession  = "session"
	CompDriver   = "driver"
	CompHTTP     = "http"
	CompAdmin    = "admin"
	CompEvents   = "events"
	CompStore    = "store"
	CompConfig   = "config"
	CompMain     = "main"
)

// LogFileName is the rotated log file written under Config.LogDir.
const LogFileName = "wa-deck.log"

// Config holds logging configuration.
type Config struct {
	// LogDir is the directory for the rotated log file. Empty disables file output.
	LogDir string

	// Level is the minimum log level: "debug", "info", "warn", "error"
	Level string

	// Format is "json" (default) or "text"
	Format string

	// MaxSizeMB is the max size in MB before rotation (default: 10)
	MaxSizeMB int

	// MaxBackups is rotated files to keep (default: 5)
	MaxBackups int

	// MaxAgeDays is days to keep rotated files (default: 10)
	MaxAgeDays int

	// Compress rotated files
	Compress bool

	// RingBufferSize is the in-memory ring buffer size in bytes (default: 10MB)
	RingBufferSize int

	// AggregateIntervalSecs is the aggregation flush interval (default: 30)
	AggregateIntervalSecs int

	// PprofEnabled starts pprof server on localhost:6060
	PprofEnabled bool

	// Stderr mirrors every record to stderr. Always on when LogDir is empty.
	Stderr bool

	// Discard drops all output (used by tests and one-shot CLI commands).
	Discard bool
}

// outputs is everything one Init call built. It is swapped atomically so
// component loggers never observe a half-initialised state.
type outputs struct {
	logger *slog.Logger
	level  *slog.LevelVar
	ring   *RingBuffer
	agg    *Aggregator
	file   *lumberjack.Logger
}

var (
	current atomic.Pointer[outputs]
	initMu  sync.Mutex

	discardLogger = slog.New(slog.NewJSONHandler(io.Discard, nil))
)

// ParseLevel maps a config string to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// fanout writes every record to all writers. A failing writer (a closed
// stderr pipe, a full disk) does not stop the others.
type fanout []io.Writer

func (f fanout) Write(p []byte) (int, error) {
	for _, w := range f {
		_, _ = w.Write(p)
	}
	return len(p), nil
}

// Init replaces the global logging outputs. Calling it again shuts the
// previous outputs down first.
func Init(cfg Config) {
	initMu.Lock()
	defer initMu.Unlock()

	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 10
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = 5
	}
	if cfg.MaxAgeDays <= 0 {
		cfg.MaxAgeDays = 10
	}
	if cfg.RingBufferSize <= 0 {
		cfg.RingBufferSize = 10 * 1024 * 1024
	}

	out := &outputs{level: new(slog.LevelVar)}
	out.level.Set(ParseLevel(cfg.Level))

	if cfg.Discard {
		out.logger = discardLogger
		out.ring = NewRingBuffer(1024)
		out.agg = NewAggregator(nil, cfg.AggregateIntervalSecs)
		out.agg.Start()
		closeOutputs(current.Swap(out))
		return
	}

	out.ring = NewRingBuffer(cfg.RingBufferSize)
	writers := fanout{out.ring}
	if cfg.LogDir != "" {
		out.file = &lumberjack.Logger{
			Filename:   filepath.Join(cfg.LogDir, LogFileName),
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		writers = append(writers, out.file)
	}
	if cfg.Stderr || cfg.LogDir == "" {
		writers = append(writers, os.Stderr)
	}

	opts := &slog.HandlerOptions{Level: out.level}
	if cfg.Format == "text" {
		out.logger = slog.New(slog.NewTextHandler(writers, opts))
	} else {
		out.logger = slog.New(slog.NewJSONHandler(writers, opts))
	}

	out.agg = NewAggregator(out.logger, cfg.AggregateIntervalSecs)
	out.agg.Start()
	closeOutputs(current.Swap(out))

	if cfg.PprofEnabled {
		startPprof()
	}
}

// SetLevel changes the minimum level of the running logger. It is a no-op
// before Init.
func SetLevel(level string) {
	if out := current.Load(); out != nil {
		out.level.Set(ParseLevel(level))
	}
}

// Logger returns the global logger. Safe to call before Init (returns a discard logger).
func Logger() *slog.Logger {
	if out := current.Load(); out != nil {
		return out.logger
	}
	return discardLogger
}

// ForComponent returns a logger tagged with component. Package-level
// component loggers pick up the real handler once Init runs.
func ForComponent(name string) *slog.Logger {
	return slog.New(&dynamicHandler{component: name})
}

// dynamicHandler resolves the global handler on every record and replays
// the WithAttrs/WithGroup calls made on it, in order.
type dynamicHandler struct {
	component string
	chain     []func(slog.Handler) slog.Handler
}

func (h *dynamicHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return Logger().Handler().Enabled(ctx, level)
}

func (h *dynamicHandler) Handle(ctx context.Context, r slog.Record) error {
	handler := Logger().Handler().WithAttrs([]slog.Attr{slog.String("component", h.component)})
	for _, step := range h.chain {
		handler = step(handler)
	}
	return handler.Handle(ctx, r)
}

func (h *dynamicHandler) with(step func(slog.Handler) slog.Handler) *dynamicHandler {
	chain := make([]func(slog.Handler) slog.Handler, len(h.chain), len(h.chain)+1)
	copy(chain, h.chain)
	return &dynamicHandler{component: h.component, chain: append(chain, step)}
}

func (h *dynamicHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	return h.with(func(next slog.Handler) slog.Handler { return next.WithAttrs(attrs) })
}

func (h *dynamicHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return h.with(func(next slog.Handler) slog.Handler { return next.WithGroup(name) })
}

// Aggregate counts a high-frequency per-client event for the next summary.
func Aggregate(component, event, clientID string) {
	if out := current.Load(); out != nil {
		out.agg.Record(component, event, clientID)
	}
}

// DumpRingBuffer writes the retained records to path.
func DumpRingBuffer(path string) error {
	out := current.Load()
	if out == nil {
		return nil
	}
	return out.ring.DumpToFile(path)
}

// RecentLogs returns the newest whole records fitting in n bytes.
func RecentLogs(n int) []byte {
	out := current.Load()
	if out == nil {
		return nil
	}
	return out.ring.Tail(n)
}

// Shutdown flushes pending summaries and closes the log file.
func Shutdown() {
	initMu.Lock()
	defer initMu.Unlock()
	closeOutputs(current.Swap(nil))
}

func closeOutputs(out *outputs) {
	if out == nil {
		return
	}
	out.agg.Stop()
	if out.file != nil {
		_ = out.file.Close()
	}
}
