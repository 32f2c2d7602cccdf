// Package telemetry holds the process-wide logging and metrics plumbing.
package telemetry

import (
	logging "github.com/ipfs/go-log/v2"
)

// Logger is the leveled logger components accept. *logging.ZapEventLogger
// satisfies it.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// NewLogger returns the named go-log logger.
func NewLogger(name string) Logger {
	return logging.Logger(name)
}

// SetDebug switches every named logger between debug and info.
func SetDebug(debug bool) {
	if debug {
		logging.SetAllLoggers(logging.LevelDebug)
		return
	}
	logging.SetAllLoggers(logging.LevelInfo)
}

type nopLogger struct{}

func (nopLogger) Debugf(string, ...any) {}
func (nopLogger) Infof(string, ...any)  {}
func (nopLogger) Warnf(string, ...any)  {}
func (nopLogger) Errorf(string, ...any) {}

// Nop discards everything.
func Nop() Logger { return nopLogger{} }
