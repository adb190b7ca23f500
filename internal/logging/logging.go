// Package logging configures the process-wide slog handler and hands out
// per-module loggers whose levels can be overridden from configuration.
//
// Initialize once at startup:
//
//	logging.Initialize(logging.Config{
//		Level:   "info",
//		Format:  "text",
//		Modules: map[string]string{"mux": "debug"},
//	})
//
// Then take a logger per module:
//
//	log := logging.For("pipeline")
//	log.Info("started", "source", src)
//
// Libraries that log through logrus (the RTMP client) get a logger at the
// same level from Logrus.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Config is the logging section of the configuration.
type Config struct {
	Level   string
	Format  string
	Modules map[string]string
}

var (
	mutex       sync.RWMutex
	output      io.Writer = os.Stderr
	config      Config
	globalLevel = &slog.LevelVar{}
	modules     = make(map[string]*slog.Logger)
	moduleVars  = make(map[string]*slog.LevelVar)
)

// Initialize sets the global level and format and installs the default
// slog logger. Module loggers created earlier pick up the new settings.
func Initialize(c Config) {
	mutex.Lock()
	defer mutex.Unlock()

	config = c
	level, ok := ParseLevel(c.Level)
	if !ok {
		level = slog.LevelInfo
	}
	globalLevel.Set(level)

	for module, v := range moduleVars {
		v.Set(moduleLevel(module))
		modules[module] = slog.New(newHandler(c.Format, v)).With("module", module)
	}
	slog.SetDefault(slog.New(newHandler(c.Format, globalLevel)))
}

// SetOutput redirects all handlers created afterwards. Tests use it to
// capture log output.
func SetOutput(w io.Writer) {
	mutex.Lock()
	defer mutex.Unlock()
	output = w
}

// For returns the logger for module, creating it on first use.
func For(module string) *slog.Logger {
	mutex.RLock()
	if l, ok := modules[module]; ok {
		mutex.RUnlock()
		return l
	}
	mutex.RUnlock()

	mutex.Lock()
	defer mutex.Unlock()
	if l, ok := modules[module]; ok {
		return l
	}
	v := &slog.LevelVar{}
	v.Set(moduleLevel(module))
	l := slog.New(newHandler(config.Format, v)).With("module", module)
	modules[module] = l
	moduleVars[module] = v
	return l
}

// Logrus returns a logrus logger for module with the level and format the
// slog side uses.
func Logrus(module string) logrus.FieldLogger {
	mutex.RLock()
	defer mutex.RUnlock()

	l := logrus.New()
	l.SetOutput(output)
	l.SetLevel(logrusLevel(moduleLevel(module)))
	if config.Format == "json" {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{DisableColors: true, FullTimestamp: true})
	}
	return l.WithField("module", module)
}

// moduleLevel must be called with mutex held.
func moduleLevel(module string) slog.Level {
	if s, ok := config.Modules[module]; ok {
		if l, ok := ParseLevel(s); ok {
			return l
		}
	}
	return globalLevel.Level()
}

func newHandler(format string, level slog.Leveler) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.NewJSONHandler(output, opts)
	}
	return slog.NewTextHandler(output, opts)
}

// ParseLevel converts a level name to a slog.Level.
func ParseLevel(s string) (slog.Level, bool) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, true
	case "info", "":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return 0, false
	}
}

func logrusLevel(l slog.Level) logrus.Level {
	switch {
	case l <= slog.LevelDebug:
		return logrus.DebugLevel
	case l <= slog.LevelInfo:
		return logrus.InfoLevel
	case l <= slog.LevelWarn:
		return logrus.WarnLevel
	default:
		return logrus.ErrorLevel
	}
}

// reset restores the package state. Used by tests.
func reset() {
	mutex.Lock()
	defer mutex.Unlock()
	output = os.Stderr
	config = Config{}
	globalLevel.Set(slog.LevelInfo)
	modules = make(map[string]*slog.Logger)
	moduleVars = make(map[string]*slog.LevelVar)
}
