// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// Copyright (c) 2018-2021, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package sessionerror implements the error taxonomy of spec.md §7: a small
// set of typed errors, each knowing whether it is session-fatal (unwinds to
// the caller and recursively removes any tmp-XXXXXX the session created) or
// a degraded warning (logged, session continues).
package sessionerror

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind names one of the seven error categories from §7.
type Kind int

const (
	// ConfigError: inconsistent flags, missing executor when required. Always fatal.
	ConfigError Kind = iota
	// SourceError: archive not regular/.tar.gz, malformed build-id, missing
	// runtime directories. Always fatal.
	SourceError
	// LockContention: GC downgrades to "skip GC" (non-fatal); unpack retries
	// under a blocking lock instead of failing; session-setup contention is
	// fatal. Fatality is decided by the caller choosing LockContentionSkip
	// or LockContentionFatal.
	LockContention
	// IoError: unexpected ENOENT, permission denied on a path that must
	// exist. Fatal unless the step is explicitly best-effort.
	IoError
	// ArchitectureUnsupported: not fatal per architecture; the session layer
	// escalates to fatal only when every architecture is unsupported.
	ArchitectureUnsupported
	// DriverSkip: a single ICD/layer rejected. Never fatal; info-level log,
	// counter incremented, other drivers proceed.
	DriverSkip
	// ShadowRemovalWarning: unreadable ELF, unknown SONAME, unlinkat
	// failure. Never fatal.
	ShadowRemovalWarning
)

func (k Kind) String() string {
	switch k {
	case ConfigError:
		return "config error"
	case SourceError:
		return "source error"
	case LockContention:
		return "lock contention"
	case IoError:
		return "I/O error"
	case ArchitectureUnsupported:
		return "architecture unsupported"
	case DriverSkip:
		return "driver skipped"
	case ShadowRemovalWarning:
		return "shadow removal warning"
	default:
		return "unknown error"
	}
}

// Error wraps an underlying cause with its §7 taxonomy kind, the operation
// that was being attempted, and whether it is session-fatal.
type Error struct {
	Kind  Kind
	Op    string
	Cause error
	fatal bool
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return errors.Wrap(e.Cause, fmt.Sprintf("%s: %s", e.Kind, e.Op)).Error()
}

func (e *Error) Unwrap() error { return e.Cause }

// StackTrace formats the cause with github.com/pkg/errors' frame capture.
// The frames are captured when StackTrace is called, so they show the
// caller of StackTrace, not where the error was created.
func (e *Error) StackTrace() string {
	if e.Cause == nil {
		return ""
	}
	return fmt.Sprintf("%+v", errors.WithStack(e.Cause))
}

// Fatal reports whether this error should unwind the session (true) or be
// logged as a warning and the session continue (false).
func (e *Error) Fatal() bool { return e.fatal }

// Config wraps a configuration inconsistency. Always fatal.
func Config(op string, cause error) *Error {
	return &Error{Kind: ConfigError, Op: op, Cause: cause, fatal: true}
}

// Source wraps a malformed or missing runtime source. Always fatal.
func Source(op string, cause error) *Error {
	return &Error{Kind: SourceError, Op: op, Cause: cause, fatal: true}
}

// LockContentionSkip wraps a non-blocking lock acquisition that failed in a
// context where the caller degrades to skipping the operation (GC).
func LockContentionSkip(op string, cause error) *Error {
	return &Error{Kind: LockContention, Op: op, Cause: cause, fatal: false}
}

// LockContentionFatal wraps lock contention in a context where the caller
// cannot proceed without the lock (session setup).
func LockContentionFatal(op string, cause error) *Error {
	return &Error{Kind: LockContention, Op: op, Cause: cause, fatal: true}
}

// IO wraps an I/O failure. bestEffort marks steps that spec.md §7 lists as
// explicitly best-effort (debug-symbol unpack, alias creation, locale/
// executable imports, post-capture symlink cleanup): those are warnings.
func IO(op string, cause error, bestEffort bool) *Error {
	return &Error{Kind: IoError, Op: op, Cause: cause, fatal: !bestEffort}
}

// ArchUnsupported wraps a single architecture's activation failure. Never
// fatal by itself; the session layer promotes it once every architecture
// has failed (the "no-common-architecture" case).
func ArchUnsupported(tuple string, cause error) *Error {
	return &Error{Kind: ArchitectureUnsupported, Op: tuple, Cause: cause, fatal: false}
}

// NoCommonArchitecture is the fatal error raised when every architecture
// failed to activate.
func NoCommonArchitecture() *Error {
	return &Error{Kind: ArchitectureUnsupported, Op: "no architecture activated", fatal: true}
}

// Skip wraps a single rejected driver (loader error, unresolvable dynamic
// tokens, wrong ABI after capture). Never fatal.
func Skip(driverName, reason string) *Error {
	return &Error{Kind: DriverSkip, Op: driverName, Cause: fmt.Errorf("%s", reason), fatal: false}
}

// ShadowWarning wraps a non-fatal Shadow Remover failure.
func ShadowWarning(op string, cause error) *Error {
	return &Error{Kind: ShadowRemovalWarning, Op: op, Cause: cause, fatal: false}
}
