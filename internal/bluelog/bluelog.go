// Package bluelog provides the toolkit's diagnostic logging: a thin wrapper
// around the standard library log.Logger that tags every line with the
// emitting component, the same way the teacher codebase prefixes its own
// log.Printf calls with "[TELNET]"/"[ZMODEM]" rather than reaching for a
// structured logging library.
package bluelog

import (
	"io"
	"log"
	"os"
)

// Logger tags every message with a component name, e.g. "[UART]".
type Logger struct {
	tag string
	out *log.Logger
}

// New creates a Logger writing to os.Stderr, tagged with component.
func New(component string) *Logger {
	return &Logger{
		tag: "[" + component + "] ",
		out: log.New(os.Stderr, "", log.LstdFlags),
	}
}

// NewTo creates a Logger writing to an arbitrary writer — used by tests that
// want to capture log output.
func NewTo(component string, w io.Writer) *Logger {
	return &Logger{
		tag: "[" + component + "] ",
		out: log.New(w, "", 0),
	}
}

func (l *Logger) Printf(format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.out.Printf(l.tag+format, args...)
}

func (l *Logger) Println(args ...interface{}) {
	if l == nil {
		return
	}
	l.out.Println(append([]interface{}{l.tag}, args...)...)
}

// Discard is a Logger that drops every message — used as the default when
// callers don't care about diagnostics.
var Discard = NewTo("", io.Discard)
