// Package logging provides structured logging for go-nvmeq
package logging

import (
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/ehrlich-b/go-nvmeq/internal/nvme"
)

// Logger wraps zerolog.Logger with controller, queue and command fields
type Logger struct {
	zlog zerolog.Logger
	out  *queuedWriter // nil in Sync mode
}

var (
	defaultLogger *Logger
	mu            sync.RWMutex
)

// LogLevel represents the available log levels
type LogLevel int

const (
	LevelDebug LogLevel = LogLevel(zerolog.DebugLevel)
	LevelInfo  LogLevel = LogLevel(zerolog.InfoLevel)
	LevelWarn  LogLevel = LogLevel(zerolog.WarnLevel)
	LevelError LogLevel = LogLevel(zerolog.ErrorLevel)
)

// ParseLevel maps "debug", "info", "warn" or "error" to a LogLevel.
func ParseLevel(s string) (LogLevel, error) {
	lvl, err := zerolog.ParseLevel(s)
	if err != nil {
		return LevelInfo, err
	}
	return LogLevel(lvl), nil
}

// Config holds logging configuration
type Config struct {
	Level   LogLevel
	Format  string // "json" or "text"
	Output  io.Writer
	Sync    bool // write on the calling goroutine
	NoColor bool
	Backlog int // queued lines before new ones are dropped; 0 means 1000
}

// DefaultConfig returns the configuration used by Default
func DefaultConfig() *Config {
	return &Config{
		Level:  LevelInfo,
		Format: "text",
		Output: os.Stderr,
	}
}

// queuedWriter moves writes off the completion path. Lines are dropped
// rather than blocking the poller when the queue is full.
type queuedWriter struct {
	out     io.Writer
	ch      chan []byte
	done    chan struct{}
	dropped atomic.Uint64

	mu     sync.Mutex
	closed bool
}

func newQueuedWriter(w io.Writer, depth int) *queuedWriter {
	qw := &queuedWriter{
		out:  w,
		ch:   make(chan []byte, depth),
		done: make(chan struct{}),
	}
	go qw.drain()
	return qw
}

func (qw *queuedWriter) drain() {
	defer close(qw.done)
	for line := range qw.ch {
		_, _ = qw.out.Write(line)
	}
}

func (qw *queuedWriter) Write(p []byte) (int, error) {
	qw.mu.Lock()
	defer qw.mu.Unlock()
	if qw.closed {
		return 0, io.ErrClosedPipe
	}

	// zerolog reuses p after Write returns
	line := append([]byte(nil), p...)
	select {
	case qw.ch <- line:
	default:
		qw.dropped.Add(1)
	}
	return len(p), nil
}

func (qw *queuedWriter) close() {
	qw.mu.Lock()
	if !qw.closed {
		qw.closed = true
		close(qw.ch)
	}
	qw.mu.Unlock()
	<-qw.done
}

// NewLogger creates a new structured logger
func NewLogger(config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}
	output := config.Output
	if output == nil {
		output = os.Stderr
	}

	l := &Logger{}
	if !config.Sync {
		depth := config.Backlog
		if depth <= 0 {
			depth = 1000
		}
		l.out = newQueuedWriter(output, depth)
		output = l.out
	}

	if config.Format != "json" {
		output = zerolog.ConsoleWriter{Out: output, NoColor: config.NoColor}
	}
	l.zlog = zerolog.New(output).With().Timestamp().Logger().Level(zerolog.Level(config.Level))
	return l
}

// Close flushes queued lines. Loggers derived with the With methods share
// the writer, so close only the root logger.
func (l *Logger) Close() {
	if l.out != nil {
		l.out.close()
	}
}

// Dropped returns how many lines were discarded because the writer fell
// behind.
func (l *Logger) Dropped() uint64 {
	if l.out == nil {
		return 0
	}
	return l.out.dropped.Load()
}

// Default returns the process logger, creating it if necessary
func Default() *Logger {
	mu.RLock()
	l := defaultLogger
	mu.RUnlock()
	if l != nil {
		return l
	}

	mu.Lock()
	defer mu.Unlock()
	if defaultLogger == nil {
		defaultLogger = NewLogger(nil)
	}
	return defaultLogger
}

// SetDefault sets the process logger
func SetDefault(logger *Logger) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = logger
}

func (l *Logger) derive(zl zerolog.Logger) *Logger {
	return &Logger{zlog: zl, out: l.out}
}

// WithController returns a logger with controller context
func (l *Logger) WithController(ctrlrID int) *Logger {
	return l.derive(l.zlog.With().Int("ctrlr_id", ctrlrID).Logger())
}

// WithQueue returns a logger with queue pair context
func (l *Logger) WithQueue(qid int) *Logger {
	return l.derive(l.zlog.With().Int("qid", qid).Logger())
}

// WithCommand returns a logger with command context
func (l *Logger) WithCommand(cid uint16, op string) *Logger {
	return l.derive(l.zlog.With().Uint16("cid", cid).Str("op", op).Logger())
}

// WithError returns a logger with error context
func (l *Logger) WithError(err error) *Logger {
	return l.derive(l.zlog.With().Err(err).Logger())
}

// Enabled reports whether messages at lvl would be written.
func (l *Logger) Enabled(lvl LogLevel) bool {
	return l.zlog.GetLevel() <= zerolog.Level(lvl)
}

// PrintCommand logs cmd at error level as the one-line decoding printed
// next to a failed completion.
func (l *Logger) PrintCommand(qid uint16, cmd *nvme.Command) {
	l.zlog.Error().
		Uint16("cid", cmd.CID).
		Uint8("opc", cmd.OPC).
		Uint32("nsid", cmd.NSID).
		Msg(nvme.FormatCommand(qid, cmd))
}

// PrintCompletion logs cpl at error level with its status fields.
func (l *Logger) PrintCompletion(cpl *nvme.Completion) {
	l.zlog.Error().
		Uint16("cid", cpl.CID).
		Uint16("sqhd", cpl.SQHead).
		Uint8("sct", uint8(cpl.SCT())).
		Uint8("sc", uint8(cpl.SC())).
		Bool("dnr", cpl.DNR()).
		Msg(nvme.FormatCompletion(cpl))
}

// Debug, Info, Warn and Error take alternating key/value pairs after msg.
// A trailing key without a value is dropped.
func (l *Logger) Debug(msg string, args ...any) {
	withFields(l.zlog.Debug(), args).Msg(msg)
}

func (l *Logger) Info(msg string, args ...any) {
	withFields(l.zlog.Info(), args).Msg(msg)
}

func (l *Logger) Warn(msg string, args ...any) {
	withFields(l.zlog.Warn(), args).Msg(msg)
}

func (l *Logger) Error(msg string, args ...any) {
	withFields(l.zlog.Error(), args).Msg(msg)
}

func withFields(event *zerolog.Event, args []any) *zerolog.Event {
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			continue
		}
		event = event.Interface(key, args[i+1])
	}
	return event
}

func (l *Logger) Debugf(format string, args ...any) {
	l.zlog.Debug().Msgf(format, args...)
}

func (l *Logger) Errorf(format string, args ...any) {
	l.zlog.Error().Msgf(format, args...)
}

// Package-level helpers log through Default.
func Debug(msg string, args ...any) { Default().Debug(msg, args...) }
func Info(msg string, args ...any)  { Default().Info(msg, args...) }
func Warn(msg string, args ...any)  { Default().Warn(msg, args...) }
func Error(msg string, args ...any) { Default().Error(msg, args...) }
