// Package log provides the structured logger used across every core
// component. It mirrors the "Modular" logger built once at startup from a
// config section and an io.Writer that the teacher repo constructs in
// internal/cli/common/logger.go, backed by logrus instead of a bespoke
// writer so call sites stay a single Printf-shaped line.
package log

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Modular is the logging surface consumed by every core component. Fields
// attached with WithFields are carried onto every subsequent call.
type Modular interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
	WithFields(fields map[string]any) Modular
}

// Config controls how New constructs a Modular logger.
type Config struct {
	Level string `yaml:"level"`

	// File, when non-empty, rotates logs through lumberjack instead of
	// writing to the stream passed to New.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// NewConfig returns a Config populated with default values.
func NewConfig() Config {
	return Config{
		Level:      "INFO",
		MaxSizeMB:  100,
		MaxBackups: 3,
		MaxAgeDays: 28,
	}
}

type logrusLogger struct {
	entry *logrus.Entry
}

// New builds a Modular logger from conf, writing to stream unless conf.File
// is set, in which case it rotates through lumberjack instead.
func New(stream io.Writer, conf Config) Modular {
	logger := logrus.New()

	var out io.Writer = stream
	if conf.File != "" {
		out = &lumberjack.Logger{
			Filename:   conf.File,
			MaxSize:    conf.MaxSizeMB,
			MaxBackups: conf.MaxBackups,
			MaxAge:     conf.MaxAgeDays,
		}
	}
	if out == nil {
		out = os.Stdout
	}
	logger.SetOutput(out)

	if lvl, err := logrus.ParseLevel(strings.ToLower(conf.Level)); err == nil {
		logger.SetLevel(lvl)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}

	return &logrusLogger{entry: logrus.NewEntry(logger)}
}

// Noop returns a Modular logger that discards everything, for tests and
// callers that don't want to wire a real logger.
func Noop() Modular {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return &logrusLogger{entry: logrus.NewEntry(logger)}
}

func (l *logrusLogger) Debugf(format string, args ...any) { l.entry.Debugf(format, args...) }
func (l *logrusLogger) Infof(format string, args ...any)  { l.entry.Infof(format, args...) }
func (l *logrusLogger) Warnf(format string, args ...any)  { l.entry.Warnf(format, args...) }
func (l *logrusLogger) Errorf(format string, args ...any) { l.entry.Errorf(format, args...) }

func (l *logrusLogger) WithFields(fields map[string]any) Modular {
	return &logrusLogger{entry: l.entry.WithFields(logrus.Fields(fields))}
}
