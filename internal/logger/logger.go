package logger

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/diode"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

const timeFormat = "2006-01-02 15:04:05"

// Config selects where and how log lines are written.
type Config struct {
	// Level is one of DEBUG, INFO, WARN, ERROR (case-insensitive).
	Level string

	// Format is "text" (human readable) or "json".
	Format string

	// Output is "stdout", "stderr" or a file path.
	Output string

	// Async hands log lines to a background writer so that request
	// handling never blocks on the log sink. Lines may be dropped when
	// the buffer overflows.
	Async bool
}

var (
	currentLevel atomic.Int32
	current      atomic.Pointer[zerolog.Logger]

	mu     sync.Mutex
	format = "text"
	closer io.Closer
)

func init() {
	currentLevel.Store(int32(LevelInfo))
	l := build(os.Stdout, format)
	current.Store(&l)
}

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l Level) zerolog() zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelInfo:
		return zerolog.InfoLevel
	case LevelWarn:
		return zerolog.WarnLevel
	default:
		return zerolog.ErrorLevel
	}
}

func SetLevel(level string) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		currentLevel.Store(int32(LevelDebug))
	case "INFO":
		currentLevel.Store(int32(LevelInfo))
	case "WARN":
		currentLevel.Store(int32(LevelWarn))
	case "ERROR":
		currentLevel.Store(int32(LevelError))
	}
}

// Enabled reports whether messages at level would be written.
func Enabled(level Level) bool {
	return level >= Level(currentLevel.Load())
}

// Init configures the process-wide logger.
//
// It must be called before the server starts; an error here is a startup
// error. Calling Init again replaces the previous sink and closes it.
func Init(cfg Config) error {
	if cfg.Level != "" {
		SetLevel(cfg.Level)
	}

	f := strings.ToLower(cfg.Format)
	if f == "" {
		f = "text"
	}
	if f != "text" && f != "json" {
		return fmt.Errorf("unsupported log format %q", cfg.Format)
	}

	var w io.Writer
	var c io.Closer
	switch strings.ToLower(cfg.Output) {
	case "", "stdout":
		w = struct{ io.Writer }{os.Stdout}
	case "stderr":
		w = struct{ io.Writer }{os.Stderr}
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file %q: %w", cfg.Output, err)
		}
		w = file
		c = file
	}

	if cfg.Async {
		dw := diode.NewWriter(w, 10000, 10*time.Millisecond, func(missed int) {
			fmt.Fprintf(os.Stderr, "logger dropped %d messages\n", missed)
		})
		w = dw
		c = dw
	}

	replace(w, f, c)
	return nil
}

// SetOutput redirects log output to w using the current format.
// Mostly useful in tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	f := format
	mu.Unlock()
	replace(w, f, nil)
}

// Close flushes and releases the current sink. Subsequent log calls go to
// stdout.
func Close() error {
	mu.Lock()
	c := closer
	closer = nil
	format = "text"
	l := build(os.Stdout, format)
	current.Store(&l)
	mu.Unlock()

	if c != nil {
		return c.Close()
	}
	return nil
}

func replace(w io.Writer, f string, c io.Closer) {
	mu.Lock()
	old := closer
	format = f
	closer = c
	l := build(w, f)
	current.Store(&l)
	mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
}

func build(w io.Writer, f string) zerolog.Logger {
	if f == "json" {
		return zerolog.New(w).Level(zerolog.DebugLevel).With().Timestamp().Logger()
	}
	cw := zerolog.ConsoleWriter{
		Out:        w,
		NoColor:    true,
		TimeFormat: timeFormat,
	}
	return zerolog.New(cw).Level(zerolog.DebugLevel).With().Timestamp().Logger()
}

func log(level Level, format string, v ...any) {
	if !Enabled(level) {
		return
	}
	current.Load().WithLevel(level.zerolog()).Msgf(format, v...)
}

func Debug(format string, v ...any) {
	log(LevelDebug, format, v...)
}

func Info(format string, v ...any) {
	log(LevelInfo, format, v...)
}

func Warn(format string, v ...any) {
	log(LevelWarn, format, v...)
}

func Error(format string, v ...any) {
	log(LevelError, format, v...)
}

// Writer returns an io.Writer that logs every line written to it at the
// given level. Applications receive one as their error stream.
func Writer(level Level) io.Writer {
	return &lineWriter{level: level}
}

type lineWriter struct {
	level Level
	mu    sync.Mutex
	buf   []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		line := string(w.buf[:i])
		w.buf = w.buf[i+1:]
		if line != "" {
			log(w.level, "%s", line)
		}
	}
	return len(p), nil
}
