package cmd

import (
	log "github.com/sirupsen/logrus"
)

// loggedError is an error that should be logged with extra context when the
// command exits
type loggedError struct {
	err     error
	fields  log.Fields
	message string
}

func (le loggedError) Error() string {
	return le.message + ": " + le.err.Error()
}

func (le loggedError) Unwrap() error {
	return le.err
}

// flagError is returned when the command line is wrong. It is printed with
// the usage rather than logged
type flagError struct {
	usage string
}

func (fe flagError) Error() string {
	return fe.usage
}
