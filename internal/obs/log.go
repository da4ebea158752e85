package obs

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	loggerOnce sync.Once
	logger     zerolog.Logger
)

// InitLogger configures the process logger. env "local" gets a console
// writer; everything else emits JSON lines. Safe to call more than once.
func InitLogger(env, level string) {
	loggerOnce.Do(func() {
		lvl, err := zerolog.ParseLevel(strings.ToLower(level))
		if err != nil || lvl == zerolog.NoLevel {
			lvl = zerolog.InfoLevel
		}
		zerolog.TimeFieldFormat = time.RFC3339Nano
		var out = zerolog.New(os.Stdout)
		if env == "local" {
			out = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout})
		}
		logger = out.Level(lvl).With().Timestamp().Logger()
	})
}

// Logger returns the shared structured logger used across the service.
func Logger() zerolog.Logger {
	InitLogger("", "")
	return logger
}

// Component returns a child logger tagged with the component name.
func Component(name string) zerolog.Logger {
	return Logger().With().Str("component", name).Logger()
}
