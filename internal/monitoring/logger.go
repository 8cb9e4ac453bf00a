// Package monitoring owns the process loggers: the diagnostic logger used by
// every package and the plain mote log that records what the sensor node prints.
package monitoring

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Environment overrides applied by Configure.
const (
	EnvLogLevel = "UNDERPASS_LOG_LEVEL"
	EnvLogJSON  = "UNDERPASS_LOG_JSON"
)

var (
	mu     sync.RWMutex
	logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
	mote = zerolog.New(os.Stdout)
)

// Logf is the package-level diagnostic logger. It logs at info level through
// the configured zerolog logger but may be replaced by SetLogger so tests can
// redirect or mute it.
var Logf func(format string, v ...interface{}) = func(format string, v ...interface{}) {
	L().Info().Msgf(format, v...)
}

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Options configures the loggers.
type Options struct {
	App   string
	Level string // trace, debug, info, warn, error
	JSON  bool
	Out   io.Writer
	// MoteOut receives one plain line per diagnostic line from the node.
	// Nil keeps the current writer.
	MoteOut io.Writer
}

// Configure builds the diagnostic logger from opts after applying the
// environment overrides, and returns it.
func Configure(opts Options) (zerolog.Logger, error) {
	if v := os.Getenv(EnvLogLevel); v != "" {
		opts.Level = v
	}
	if v := os.Getenv(EnvLogJSON); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return zerolog.Logger{}, fmt.Errorf("%s: %w", EnvLogJSON, err)
		}
		opts.JSON = b
	}

	level := zerolog.InfoLevel
	if opts.Level != "" {
		l, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
		if err != nil {
			return zerolog.Logger{}, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
		level = l
	}

	out := opts.Out
	if out == nil {
		out = os.Stderr
	}
	if !opts.JSON {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	ctx := zerolog.New(out).Level(level).With().Timestamp()
	if opts.App != "" {
		ctx = ctx.Str("app", opts.App)
	}
	l := ctx.Logger()

	mu.Lock()
	logger = l
	if opts.MoteOut != nil {
		mote = zerolog.New(zerolog.ConsoleWriter{
			Out:              opts.MoteOut,
			NoColor:          true,
			TimeFormat:       "2006-01-02 15:04:05",
			PartsOrder:       []string{zerolog.TimestampFieldName, zerolog.MessageFieldName},
			FormatFieldName:  func(interface{}) string { return "" },
			FormatFieldValue: func(interface{}) string { return "" },
		}).With().Timestamp().Logger()
	}
	mu.Unlock()
	return l, nil
}

// L returns the current diagnostic logger for structured fields.
func L() *zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	l := logger
	return &l
}

// MoteLogf records one line printed by the sensor node.
func MoteLogf(format string, v ...interface{}) {
	mu.RLock()
	m := mote
	mu.RUnlock()
	m.Log().Msgf(format, v...)
}
