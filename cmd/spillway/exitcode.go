package main

import (
	"errors"

	"github.com/spf13/pflag"

	"github.com/kk-code-lab/spillway/internal/ops"
	"github.com/kk-code-lab/spillway/internal/storage/engine"
	"github.com/kk-code-lab/spillway/internal/storage/upload"
)

const (
	exitOK        = 0
	exitFailure   = 1
	exitUsage     = 2
	exitNotFound  = 3
	exitBadRange  = 4
	exitIntegrity = 5
	exitUpload    = 6
)

type exitCodeError struct {
	code  int
	msg   string
	quiet bool
}

func (e *exitCodeError) Error() string {
	return e.msg
}

func (e *exitCodeError) ExitCode() int {
	return e.code
}

func (e *exitCodeError) Quiet() bool {
	return e.quiet
}

func usageError(msg string) error {
	return &exitCodeError{code: exitUsage, msg: msg}
}

// exitCode maps an error returned by a command to the process exit status.
func exitCode(err error) int {
	var codeErr *exitCodeError
	var rangeErr *engine.InvalidRangeError
	var mismatch *engine.ChunkSizeMismatchError
	var upErr *upload.UploadError
	switch {
	case err == nil, errors.Is(err, pflag.ErrHelp):
		return exitOK
	case errors.As(err, &codeErr):
		return codeErr.ExitCode()
	case errors.Is(err, engine.ErrObjectNotFound):
		return exitNotFound
	case errors.As(err, &rangeErr):
		return exitBadRange
	case errors.As(err, &mismatch):
		return exitIntegrity
	case errors.As(err, &upErr):
		return exitUpload
	case errors.Is(err, ops.ErrNotForced):
		return exitUsage
	default:
		return exitFailure
	}
}
