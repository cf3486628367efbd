// Package logging configures the structured logger shared by the
// scheduler, engine, adapters, and API. The teacher repo logs via the
// stdlib "log" package (cmd/server/main.go); this generalizes the same
// call sites to structured fields without changing their intent.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// New builds the process-wide logger. Level is read from LOG_LEVEL
// (debug|info|warn|error), defaulting to info.
func New() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})

	level, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)
	return l
}

// Component returns a child logger tagged with a "component" field, the
// way each L1-L6 subsystem gets its own named logger.
func Component(l *logrus.Logger, name string) *logrus.Entry {
	return l.WithField("component", name)
}
