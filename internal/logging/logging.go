// Package logging configures the process-wide zerolog logger and hands out
// component-scoped loggers.
package logging

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	root     zerolog.Logger
	initOnce sync.Once
)

// Setup initializes the root logger. Safe to call more than once; only the
// first call takes effect.
func Setup(devMode bool) {
	initOnce.Do(func() {
		level := zerolog.InfoLevel
		if devMode {
			level = zerolog.DebugLevel
		}
		if v := os.Getenv("LOG_LEVEL"); v != "" {
			if parsed, err := zerolog.ParseLevel(strings.ToLower(v)); err == nil {
				level = parsed
			}
		}

		writer := zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.TimeOnly,
		}
		root = zerolog.New(writer).Level(level).With().Timestamp().Logger()
	})
}

// For returns a logger tagged with the given component name.
func For(component string) zerolog.Logger {
	Setup(false)
	return root.With().Str("component", component).Logger()
}

// Root returns the untagged root logger.
func Root() zerolog.Logger {
	Setup(false)
	return root
}
