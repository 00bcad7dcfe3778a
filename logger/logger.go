// Package logger provides the process-wide zerolog logger.
package logger

import (
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Options configures the logger.
type Options struct {
	Level   string // trace, debug, info, warn, error
	Format  string // console or json
	Service string
	Writer  io.Writer
}

// Logger is the project-wide logging type.
type Logger = zerolog.Logger

var (
	once   sync.Once
	root   atomic.Pointer[zerolog.Logger]
	inited atomic.Bool
)

// Init configures the root logger. Only the first call has an effect.
func Init(opt Options) {
	once.Do(func() {
		zerolog.TimeFieldFormat = time.RFC3339Nano

		var w io.Writer = os.Stderr
		if opt.Writer != nil {
			w = opt.Writer
		}
		if strings.ToLower(opt.Format) != "json" {
			w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
		}

		ctx := zerolog.New(w).Level(ParseLevel(opt.Level)).With().Timestamp()
		if opt.Service != "" {
			ctx = ctx.Str("service", opt.Service)
		}
		log := ctx.Logger()

		root.Store(&log)
		inited.Store(true)
	})
}

// Get returns the root logger, initializing it with defaults on first use.
func Get() *Logger {
	if !inited.Load() {
		Init(Options{Level: "info"})
	}
	return root.Load()
}

// Named returns a child logger with a component field.
func Named(component string) *Logger {
	if component == "" {
		return Get()
	}
	l := Get().With().Str("component", component).Logger()
	return &l
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	l := zerolog.Nop()
	return &l
}

// ParseLevel maps a level name to zerolog. Unknown names fall back to info.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}
