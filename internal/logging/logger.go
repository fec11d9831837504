// Package logging builds the hclog loggers shared by every genhub component.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
)

const (
	EnvLogLevel = "GENHUB_LOG_LEVEL"
	EnvJSONLog  = "GENHUB_JSON_LOG"
)

// New creates a logger with genhub's standard settings. An empty level
// falls back to Level().
func New(name string, level string, output io.Writer) hclog.Logger {
	if output == nil {
		output = os.Stderr
	}
	if level == "" {
		level = Level()
	}

	return hclog.New(&hclog.LoggerOptions{
		Name:       name,
		Level:      hclog.LevelFromString(level),
		JSONFormat: JSONEnabled(),
		Output:     output,
		TimeFormat: "2006-01-02T15:04:05Z",
		TimeFn: func() time.Time {
			return time.Now().UTC()
		},
	})
}

// Level returns the configured level from the environment, "info" when unset.
func Level() string {
	level := strings.TrimSpace(os.Getenv(EnvLogLevel))
	if level == "" {
		return "info"
	}
	return level
}

func JSONEnabled() bool {
	return os.Getenv(EnvJSONLog) == "1"
}

// OrNull returns l, or a discarding logger when l is nil.
func OrNull(l hclog.Logger) hclog.Logger {
	if l == nil {
		return hclog.NewNullLogger()
	}
	return l
}
