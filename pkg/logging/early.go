package logging

import (
	"fmt"
	"io"
	"os"
)

// EarlyLog writes plain lines to stderr before the configured logger exists.
type EarlyLog struct {
	out    io.Writer
	prefix string
}

func NewEarlyLog() *EarlyLog {
	return &EarlyLog{out: os.Stderr}
}

// WithService prefixes every line with the service name.
func (l *EarlyLog) WithService(name string) *EarlyLog {
	return &EarlyLog{out: l.out, prefix: "[" + name + "] "}
}

func (l *EarlyLog) Error(msg string, args ...interface{}) {
	l.write("ERROR", msg, args...)
}

func (l *EarlyLog) Fatal(msg string, args ...interface{}) {
	l.write("FATAL", msg, args...)
	os.Exit(1)
}

func (l *EarlyLog) Warn(msg string, args ...interface{}) {
	l.write("WARN", msg, args...)
}

func (l *EarlyLog) Info(msg string, args ...interface{}) {
	l.write("INFO", msg, args...)
}

func (l *EarlyLog) write(level, msg string, args ...interface{}) {
	fmt.Fprintf(l.out, "%s: %s%s\n", level, l.prefix, fmt.Sprintf(msg, args...))
}
