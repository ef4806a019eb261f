package interledger

import log "github.com/sirupsen/logrus"

// Level aliases so callers outside this package never need to import
// logrus directly just to pick a log level for Engine options.
const (
	DebugLevel = log.DebugLevel
	InfoLevel  = log.InfoLevel
	WarnLevel  = log.WarnLevel
	ErrorLevel = log.ErrorLevel
)

// Logger is an injectable sink for the engine's structured log events. The
// engine never calls logrus directly, so tests can substitute a buffering
// sink without touching global logrus state.
type Logger interface {
	Log(level log.Level, fields log.Fields, message string)
}

// logrusLogger is the production Logger, wrapping the package-level logrus
// logger the way the rest of the surrounding tooling does.
type logrusLogger struct{}

// NewLogrusLogger returns a Logger that forwards every event to the
// package-level logrus logger, for use by callers wiring up a real daemon.
func NewLogrusLogger() Logger { return logrusLogger{} }

func (logrusLogger) Log(level log.Level, fields log.Fields, message string) {
	log.WithFields(fields).Log(level, message)
}

// discardLogger drops every event; used as the zero-value default so Engine
// never has to nil-check its logger.
type discardLogger struct{}

func (discardLogger) Log(log.Level, log.Fields, string) {}
