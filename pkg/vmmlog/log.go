// Package vmmlog wires up the structured logger shared by every
// introspection component.
package vmmlog

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// New returns a logger configured for production use: JSON formatted,
// WARN level and above, writing to stderr.
func New() *logrus.Entry {
	log := logrus.New()
	log.Out = os.Stderr
	log.Formatter = &logrus.JSONFormatter{}
	log.SetLevel(logrus.WarnLevel)
	return log.WithField("component", "wintrace")
}

// NewVerbose returns a logger at DEBUG level, used when a caller wants
// per-record skip/anomaly detail (spec §7: DEBUG for per-record skips,
// VERBOSE for PEB/PID anomalies — logrus has no VERBOSE level so both
// map to Debug here, distinguished by message prefix).
func NewVerbose() *logrus.Entry {
	log := logrus.New()
	log.Out = os.Stderr
	log.Formatter = &logrus.TextFormatter{FullTimestamp: true}
	log.SetLevel(logrus.DebugLevel)
	return log.WithField("component", "wintrace")
}

// NewDiscard returns a logger that drops everything, for tests and
// dummy constructors (mirrors the teacher's NewDummyLog).
func NewDiscard() *logrus.Entry {
	log := logrus.New()
	log.Out = io.Discard
	return log.WithField("component", "test")
}

// WithProcess scopes a logger to one process, the way handle/thread/module
// components need to tag every line with the PID they're working on.
func WithProcess(log *logrus.Entry, pid uint32) *logrus.Entry {
	return log.WithField("pid", pid)
}
