// Package errors provides error handling for dbgcopilot.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - Hints for user-facing remediation
//
// Usage:
//
//	// Create new error
//	err := errors.New("something went wrong")
//
//	// Wrap with context
//	if err := doSomething(); err != nil {
//	    return errors.Wrap(err, "failed to do something")
//	}
//
//	// Check errors
//	if errors.Is(err, errors.ErrTimeout) {
//	    // handle timeout
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details
var (
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
)

// Error inspection
var (
	Is     = crdb.Is
	IsAny  = crdb.IsAny
	As     = crdb.As
	Unwrap = crdb.Unwrap
)

// Sentinel errors for the debugger transport layer.
// Backends map these onto the inline [<name> timeout|eof|error] markers;
// use errors.Is() to classify a transport failure.
var (
	// ErrTimeout indicates the debugger did not produce its prompt in time
	ErrTimeout = New("operation timed out")

	// ErrEOF indicates the debugger child exited while we were reading
	ErrEOF = New("unexpected end of stream")

	// ErrClosed indicates the backend has shut down and could not restart
	ErrClosed = New("backend closed")

	// ErrNotFound indicates the requested provider or resource does not exist
	ErrNotFound = New("not found")
)
