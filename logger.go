package resilient

import (
	"fmt"
	"log"
	"os"
	"strings"
)

// Logger receives structured debug output as a message plus alternating
// key/value pairs. Implementations must be safe for concurrent use.
type Logger interface {
	Debug(msg string, keysAndValues ...interface{})
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

// SimpleLogger writes levelled key=value lines to standard error.
type SimpleLogger struct {
	l *log.Logger
}

// NewSimpleLogger creates a console logger suitable for development use.
func NewSimpleLogger() *SimpleLogger {
	return &SimpleLogger{
		l: log.New(os.Stderr, "resilient ", log.LstdFlags),
	}
}

// Debug implements the Logger interface.
func (s *SimpleLogger) Debug(msg string, keysAndValues ...interface{}) {
	s.logf("DEBUG", msg, keysAndValues...)
}

// Info implements the Logger interface.
func (s *SimpleLogger) Info(msg string, keysAndValues ...interface{}) {
	s.logf("INFO", msg, keysAndValues...)
}

// Warn implements the Logger interface.
func (s *SimpleLogger) Warn(msg string, keysAndValues ...interface{}) {
	s.logf("WARN", msg, keysAndValues...)
}

// Error implements the Logger interface.
func (s *SimpleLogger) Error(msg string, keysAndValues ...interface{}) {
	s.logf("ERROR", msg, keysAndValues...)
}

func (s *SimpleLogger) logf(level, msg string, keysAndValues ...interface{}) {
	var b strings.Builder
	fmt.Fprintf(&b, "level=%s msg=%q", level, msg)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fmt.Fprintf(&b, " %v=%v", keysAndValues[i], keysAndValues[i+1])
	}
	s.l.Print(b.String())
}
