package logger

import (
	"fmt"
	"io"
	"log"
	"strings"
	"sync/atomic"
)

const (
	fatalLabel = "[FATAL] "
	errorLabel = "[ERROR] "
	warnLabel  = "[WARN ] "
	infoLabel  = "[INFO ] "
	debugLabel = "[DEBUG] "
)

// Level orders the labels; messages below the current level are dropped.
type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var level atomic.Int32

func init() {
	level.Store(int32(LevelInfo))
}

// SetLevel sets the lowest level that is printed.
func SetLevel(l Level) {
	level.Store(int32(l))
}

// ParseLevel maps "debug", "info", "warn" and "error" to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// SetOutput redirects the standard logger.
func SetOutput(w io.Writer) {
	log.SetOutput(w)
}

// mylog prepends the level string to log.Printf.
// Arguments are handled in the manner of [fmt.Printf].
func mylog(l Level, label string, format string, args ...interface{}) {
	if int32(l) < level.Load() {
		return
	}
	log.Printf(label+format, args...)
}

// Fatal calls [log.Fatalf], adding a fatal label.
// Arguments are handled in the manner of [fmt.Printf].
func Fatal(format string, args ...interface{}) {
	log.Fatalf(fatalLabel+format, args...)
}

// Error prints to the standard logger, adding an error label.
// Arguments are handled in the manner of [fmt.Printf].
func Error(format string, args ...interface{}) {
	mylog(LevelError, errorLabel, format, args...)
}

// Warn prints to the standard logger, adding a warn label.
// Arguments are handled in the manner of [fmt.Printf].
func Warn(format string, args ...interface{}) {
	mylog(LevelWarn, warnLabel, format, args...)
}

// Info prints to the standard logger, adding an info label.
// Arguments are handled in the manner of [fmt.Printf].
func Info(format string, args ...interface{}) {
	mylog(LevelInfo, infoLabel, format, args...)
}

// Debug prints to the standard logger, adding a debug label.
// Arguments are handled in the manner of [fmt.Printf].
func Debug(format string, args ...interface{}) {
	mylog(LevelDebug, debugLabel, format, args...)
}
