// Package logging provides structured logging for the KCI engine.
package logging

import (
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog.Logger with KCI-specific structured fields.
type Logger struct {
	zlog zerolog.Logger
}

var (
	defaultLogger *Logger
	mu            sync.RWMutex
)

// Level represents the available log levels.
type Level int

const (
	LevelDebug Level = Level(zerolog.DebugLevel)
	LevelInfo  Level = Level(zerolog.InfoLevel)
	LevelWarn  Level = Level(zerolog.WarnLevel)
	LevelError Level = Level(zerolog.ErrorLevel)
)

// Config holds logging configuration.
type Config struct {
	Level   Level
	Format  string // "json" or "text"
	Output  io.Writer
	Sync    bool // if true, writes are synchronous (useful for testing)
	NoColor bool // if true, disables ANSI color codes
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() *Config {
	return &Config{
		Level:  LevelInfo,
		Format: "text",
		Output: os.Stderr,
	}
}

// asyncWriter decouples log emission from the hot paths. The response
// drain worker and reverse dispatcher log from latency-sensitive loops;
// a full buffer drops the message rather than blocking them.
type asyncWriter struct {
	out    io.Writer
	ch     chan []byte
	done   chan struct{}
	mu     sync.Mutex
	closed bool
}

func newAsyncWriter(w io.Writer, bufferSize int) *asyncWriter {
	aw := &asyncWriter{
		out:  w,
		ch:   make(chan []byte, bufferSize),
		done: make(chan struct{}),
	}
	go aw.run()
	return aw
}

func (aw *asyncWriter) run() {
	defer close(aw.done)
	for msg := range aw.ch {
		aw.out.Write(msg)
	}
}

func (aw *asyncWriter) Write(p []byte) (int, error) {
	aw.mu.Lock()
	if aw.closed {
		aw.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	aw.mu.Unlock()

	// zerolog reuses p after Write returns.
	msg := make([]byte, len(p))
	copy(msg, p)

	select {
	case aw.ch <- msg:
	default: // buffer full, drop
	}
	return len(p), nil
}

func (aw *asyncWriter) Close() error {
	aw.mu.Lock()
	if !aw.closed {
		aw.closed = true
		close(aw.ch)
	}
	aw.mu.Unlock()
	<-aw.done
	return nil
}

// NewLogger creates a new structured logger.
func NewLogger(config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}

	var output io.Writer = config.Output
	if !config.Sync {
		output = newAsyncWriter(config.Output, 1000)
	}

	var zlog zerolog.Logger
	switch config.Format {
	case "json":
		zlog = zerolog.New(output).With().Timestamp().Logger()
	default:
		consoleWriter := zerolog.ConsoleWriter{Out: output, NoColor: config.NoColor}
		zlog = zerolog.New(consoleWriter).With().Timestamp().Logger()
	}

	return &Logger{zlog: zlog.Level(zerolog.Level(config.Level))}
}

// Default returns the default logger, creating it if necessary.
func Default() *Logger {
	mu.RLock()
	if defaultLogger != nil {
		defer mu.RUnlock()
		return defaultLogger
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if defaultLogger == nil {
		defaultLogger = NewLogger(nil)
	}
	return defaultLogger
}

// SetDefault sets the default logger.
func SetDefault(logger *Logger) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = logger
}

// WithMailbox returns a logger with mailbox ID context.
func (l *Logger) WithMailbox(id uint) *Logger {
	return &Logger{zlog: l.zlog.With().Uint("mailbox", id).Logger()}
}

// WithSeq returns a logger with command sequence number context.
func (l *Logger) WithSeq(seq uint64) *Logger {
	return &Logger{zlog: l.zlog.With().Uint64("seq", seq).Logger()}
}

// WithOpcode returns a logger with command opcode context.
func (l *Logger) WithOpcode(code string) *Logger {
	return &Logger{zlog: l.zlog.With().Str("opcode", code).Logger()}
}

// WithError returns a logger with error context.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{zlog: l.zlog.With().Err(err).Logger()}
}

func (l *Logger) emit(event *zerolog.Event, msg string, args []any) {
	for i := 0; i+1 < len(args); i += 2 {
		if key, ok := args[i].(string); ok {
			event = event.Interface(key, args[i+1])
		}
	}
	event.Msg(msg)
}

func (l *Logger) Debug(msg string, args ...any) { l.emit(l.zlog.Debug(), msg, args) }
func (l *Logger) Info(msg string, args ...any)  { l.emit(l.zlog.Info(), msg, args) }
func (l *Logger) Warn(msg string, args ...any)  { l.emit(l.zlog.Warn(), msg, args) }
func (l *Logger) Error(msg string, args ...any) { l.emit(l.zlog.Error(), msg, args) }

// Printf-style variants.
func (l *Logger) Debugf(format string, args ...any) { l.zlog.Debug().Msgf(format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.zlog.Info().Msgf(format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.zlog.Warn().Msgf(format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.zlog.Error().Msgf(format, args...) }

// Convenience functions for the default logger.
func Debug(msg string, args ...any) { Default().Debug(msg, args...) }
func Info(msg string, args ...any)  { Default().Info(msg, args...) }
func Warn(msg string, args ...any)  { Default().Warn(msg, args...) }
func Error(msg string, args ...any) { Default().Error(msg, args...) }
