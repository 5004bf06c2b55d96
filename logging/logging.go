// Package logging configures logrus for the discovery server
package logging

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

// Supported log formats
const (
	FormatJSON = "json"
	FormatText = "text"
)

// Configure sets the level and format of logger. The JSON format carries a
// GCP-compatible severity field on every entry
func Configure(logger *log.Logger, format, level string) error {
	if logger == nil {
		return nil
	}

	lvl, err := log.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	logger.SetLevel(lvl)

	switch format {
	case FormatJSON:
		ConfigureLogrusJSON(logger)
	case FormatText, "":
		logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	default:
		return fmt.Errorf("invalid log format %q, expected %v or %v", format, FormatJSON, FormatText)
	}

	return nil
}

// ConfigureLogrusJSON sets the logger to emit JSON logs with a GCP severity field.
func ConfigureLogrusJSON(logger *log.Logger) {
	if logger == nil {
		return
	}

	logger.SetFormatter(&log.JSONFormatter{})
	logger.AddHook(SeverityHook{})
}

// SeverityHook adds a GCP-compatible severity field to log entries that
// don't already have one
type SeverityHook struct{}

func (SeverityHook) Levels() []log.Level {
	return log.AllLevels
}

func (SeverityHook) Fire(entry *log.Entry) error {
	if entry == nil {
		return nil
	}
	if _, ok := entry.Data["severity"]; ok {
		return nil
	}

	entry.Data["severity"] = severityForLevel(entry.Level)
	return nil
}

func severityForLevel(level log.Level) string {
	switch level {
	case log.PanicLevel:
		return "EMERGENCY"
	case log.FatalLevel:
		return "CRITICAL"
	case log.ErrorLevel:
		return "ERROR"
	case log.WarnLevel:
		return "WARNING"
	case log.InfoLevel:
		return "INFO"
	case log.DebugLevel, log.TraceLevel:
		return "DEBUG"
	default:
		return "DEFAULT"
	}
}
