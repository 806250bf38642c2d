// pkg/utils/logger.go
package utils

import (
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// Config controls logger construction.
type Config struct {
	LogLevel  string
	LogFormat string
	Pretty    bool
}

// Logger wraps logrus with the engine's call-site conventions.
type Logger struct {
	*logrus.Logger
}

// NewLogger builds a Logger from Config, defaulting to info/text.
func NewLogger(cfg Config) *Logger {
	l := logrus.New()

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	if cfg.LogFormat == "json" {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			DisableColors:   !cfg.Pretty,
			ForceColors:     cfg.Pretty,
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		})
	}

	return &Logger{Logger: l}
}

// WithFunc attaches the calling function's short name as a "func" field,
// matching the teacher's call-site-tagged logging idiom.
func (log *Logger) WithFunc() *logrus.Entry {
	name := "unknown"
	if pc, _, _, ok := runtime.Caller(1); ok {
		if fn := runtime.FuncForPC(pc); fn != nil {
			full := fn.Name()
			if idx := strings.LastIndex(full, "."); idx >= 0 {
				name = full[idx+1:]
			} else {
				name = full
			}
		}
	}
	return log.Logger.WithField("func", name)
}
