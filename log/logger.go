// Copyright 2024 Gustavo C. Viegas. All rights reserved.

// Package log provides leveled, module-named loggers.
package log

import (
	"io"
	"os"
	"sync"

	"github.com/op/go-logging"
)

// Level is the type of a logging level.
type Level int

// Levels accepted by SetLevel.
const (
	Debug Level = iota
	Info
	Notice
	Warning
	Error
)

var format = logging.MustStringFormatter(
	`%{color}[%{time:15:04:05.000}] [%{module}] [%{level:.4s}]%{color:reset} %{message}`,
)

var (
	mu      sync.Mutex
	backend logging.LeveledBackend
	level   = Notice
)

// Logger is the interface of a named logger.
type Logger interface {
	Debug(v ...any)
	Debugf(format string, v ...any)

	Info(v ...any)
	Infof(format string, v ...any)

	Notice(v ...any)
	Noticef(format string, v ...any)

	Warning(v ...any)
	Warningf(format string, v ...any)

	Error(v ...any)
	Errorf(format string, v ...any)
}

// New creates a new logger for the given module.
func New(module string) Logger { return logging.MustGetLogger(module) }

// SetSink replaces the output of every logger.
// The current level is preserved.
func SetSink(sink io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	fmtd := logging.NewBackendFormatter(logging.NewLogBackend(sink, "", 0), format)
	backend = logging.AddModuleLevel(fmtd)
	backend.SetLevel(toLogging(level), "")
	logging.SetBackend(backend)
}

// SetLevel sets the verbosity of every logger.
func SetLevel(lvl Level) {
	mu.Lock()
	defer mu.Unlock()
	level = lvl
	backend.SetLevel(toLogging(lvl), "")
}

func toLogging(lvl Level) logging.Level {
	switch lvl {
	case Debug:
		return logging.DEBUG
	case Info:
		return logging.INFO
	case Warning:
		return logging.WARNING
	case Error:
		return logging.ERROR
	}
	return logging.NOTICE
}

func init() { SetSink(os.Stderr) }
