// Package sklogimpl defines the interface for the logging implementation used
// by sklog. Applications select an implementation at startup via SetLogger.
package sklogimpl

import (
	"sync/atomic"
)

// Severity identifies the sort of log: info, warning etc.
type Severity int

const (
	Debug Severity = iota
	Info
	Warning
	Error
	Fatal
)

// String implements the Stringer interface.
func (s Severity) String() string {
	switch s {
	case Debug:
		return "Debug"
	case Info:
		return "Info"
	case Warning:
		return "Warning"
	case Error:
		return "Error"
	case Fatal:
		return "Fatal"
	default:
		return "Unknown"
	}
}

// Logger is the interface implemented by all logging implementations.
type Logger interface {
	// Log at the given severity. If format is the empty string the args
	// are formatted with fmt.Sprint, otherwise with fmt.Sprintf. depth is
	// the number of stack frames to skip when reporting the call site.
	Log(depth int, severity Severity, format string, args ...interface{})

	// Flush any buffered log lines.
	Flush()
}

var logger atomic.Value

// SetLogger changes the package to use the given Logger.
func SetLogger(l Logger) {
	logger.Store(&l)
}

// Log records one log line with the current Logger. Does nothing if
// SetLogger has never been called.
func Log(depth int, severity Severity, format string, args ...interface{}) {
	l := logger.Load()
	if l == nil {
		return
	}
	(*(l.(*Logger))).Log(depth+1, severity, format, args...)
}

// Flush flushes the current Logger.
func Flush() {
	l := logger.Load()
	if l == nil {
		return
	}
	(*(l.(*Logger))).Flush()
}
