package main

import (
	stderrors "errors"
	"fmt"

	gwerrors "github.com/odvcencio/listopia/pkg/errors"
)

// Process exit codes.
const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
	exitConfig  = 2
	// exitUnavailable means a backing service (storage, event bus, upstream
	// client) could not be brought up.
	exitUnavailable = 3
)

// codedError pins the exit code main reports for err.
type codedError struct {
	err  error
	code int
}

func (e *codedError) Error() string { return e.err.Error() }
func (e *codedError) Unwrap() error { return e.err }

func withExitCode(err error, code int) error {
	if err == nil {
		return nil
	}
	return &codedError{err: err, code: code}
}

func usageError(format string, args ...any) error {
	return withExitCode(fmt.Errorf(format, args...), exitUsage)
}

// exitCodeForError prefers an explicit code. Untagged configuration errors
// still exit with exitConfig.
func exitCodeForError(err error) int {
	if err == nil {
		return exitOK
	}
	var coded *codedError
	if stderrors.As(err, &coded) && coded.code != exitOK {
		return coded.code
	}
	if gwerrors.IsCode(err, gwerrors.ErrCodeConfigInvalid) {
		return exitConfig
	}
	return exitFailure
}
