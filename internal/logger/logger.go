// Package logger wraps zerolog behind a small package-level API so call sites
// stay one-liners. Output goes through a diode writer: logging never blocks the
// caller, and lines are dropped when the buffer is full.
package logger

import (
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

const asyncBufferSize = 8192

var (
	mu     sync.RWMutex
	prefix string
	base   zerolog.Logger
	// tagged is base with the service tag; rebuilt whenever either changes.
	tagged zerolog.Logger
	once   sync.Once
	ready  atomic.Bool
)

// retag must be called with mu held.
func retag() {
	if prefix == "" {
		tagged = base
		return
	}
	tagged = base.With().Str("svc", prefix).Logger()
}

func defaultInit() {
	Init(os.Getenv("APP_ENV"), os.Getenv("LOG_LEVEL"))
}

// Init configures the global logger. env "development" switches to a console
// writer; level is a zerolog level name ("debug", "info", ...).
func Init(env, level string) {
	var out io.Writer = os.Stdout
	if env == "development" || env == "dev" {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	w := diode.NewWriter(out, asyncBufferSize, 10*time.Millisecond, func(missed int) {
		fmt.Fprintf(os.Stderr, "logger: dropped %d messages\n", missed)
	})
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	if level == "trace" {
		lvl = zerolog.DebugLevel
	}
	zerolog.TimeFieldFormat = time.RFC3339

	mu.Lock()
	base = zerolog.New(w).Level(lvl).With().Timestamp().Logger()
	retag()
	mu.Unlock()
	ready.Store(true)
}

// SetOutput replaces the sink with a synchronous writer. Used by tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	base = zerolog.New(w).With().Timestamp().Logger()
	retag()
	mu.Unlock()
	ready.Store(true)
}

// SetPrefix sets the service tag attached to every line (e.g. "api").
func SetPrefix(p string) {
	mu.Lock()
	prefix = p
	retag()
	mu.Unlock()
}

// L returns the configured logger with the service tag applied.
func L() *zerolog.Logger {
	once.Do(func() {
		if !ready.Load() {
			defaultInit()
		}
	})
	mu.RLock()
	l := tagged
	mu.RUnlock()
	return &l
}

func Info(v ...any) {
	L().Info().Msg(fmt.Sprint(v...))
}

func Infof(format string, v ...any) {
	L().Info().Msgf(format, v...)
}

func Debugf(format string, v ...any) {
	L().Debug().Msgf(format, v...)
}

func Error(v ...any) {
	L().Error().Msg(fmt.Sprint(v...))
}

func Errorf(format string, v ...any) {
	L().Error().Msgf(format, v...)
}

// LogDuration logs fn and its elapsed time. At info level only calls slower
// than 100ms are reported; at debug level every call is.
func LogDuration(fn string, start time.Time) {
	elapsed := time.Since(start)
	l := L()
	if l.GetLevel() <= zerolog.DebugLevel || elapsed >= 100*time.Millisecond {
		l.WithLevel(zerolog.InfoLevel).Str("fn", fn).Int64("duration_ms", elapsed.Milliseconds()).Send()
	}
}

// DeferLogDuration is meant for defer: defer logger.DeferLogDuration("chat.Create", time.Now())().
func DeferLogDuration(fn string, start time.Time) func() {
	return func() { LogDuration(fn, start) }
}
