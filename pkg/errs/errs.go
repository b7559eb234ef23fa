// Package errs defines Concourse's error taxonomy (§7). Each kind is its
// own exported struct type, following the teacher's pkg/errors style
// (TableNotFoundError, DuplicateKeyError, ...) rather than sentinel
// values, so callers can type-switch on the concrete kind.
//
// Storage-layer I/O errors are wrapped with cockroachdb/errors at the
// point they cross into a Fatal condition, so a disk-full or
// unreadable-block failure keeps its originating stack trace all the way
// up to the client boundary.
package errs

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// RetryError signals that an AtomicOperation lost a version race during
// commit validation (§4.5 step 2). executeWithRetry recovers from this.
type RetryError struct {
	Reason string
}

func (e *RetryError) Error() string { return fmt.Sprintf("retry: %s", e.Reason) }

// TransactionAbortedError signals a staged Transaction was invalidated,
// either by a version conflict at commit or an explicit client abort.
type TransactionAbortedError struct {
	Token  string
	Reason string
}

func (e *TransactionAbortedError) Error() string {
	return fmt.Sprintf("transaction %s aborted: %s", e.Token, e.Reason)
}

// ParseError wraps a CCL or JSON parse failure. The core does not parse
// CCL itself (out of scope, §1); it raises this kind when a JSON
// document or a `@...@` link literal fails to parse or resolve.
type ParseError struct {
	Input string
	Cause error
}

func (e *ParseError) Error() string { return fmt.Sprintf("parse error in %q: %v", e.Input, e.Cause) }
func (e *ParseError) Unwrap() error { return e.Cause }

// DuplicateEntryError signals findOrAdd/findOrInsert matched more than
// one record.
type DuplicateEntryError struct {
	Key    string
	Value  string
	Count  int
}

func (e *DuplicateEntryError) Error() string {
	return fmt.Sprintf("duplicate entry: %d records match %s = %s", e.Count, e.Key, e.Value)
}

// SecurityError signals invalid credentials or insufficient permission.
// The core never raises this itself (auth is out of scope, §1) but the
// type exists so Engine-embedding callers have a place to plug it in.
type SecurityError struct {
	Reason string
}

func (e *SecurityError) Error() string { return fmt.Sprintf("security error: %s", e.Reason) }

// InvalidArgumentError covers self-links, value type mismatches, and
// malformed timestamps.
type InvalidArgumentError struct {
	Reason string
}

func (e *InvalidArgumentError) Error() string { return fmt.Sprintf("invalid argument: %s", e.Reason) }

// FatalError covers System ID mismatch, an unreadable block file, or a
// Buffer that cannot accept a Write because its disk is exhausted. It is
// always wrapped with cockroachdb/errors so its origin is recoverable
// from logs.
type FatalError struct {
	Cause error
}

func (e *FatalError) Error() string { return fmt.Sprintf("fatal: %v", e.Cause) }
func (e *FatalError) Unwrap() error { return e.Cause }

// Fatal wraps cause into a FatalError, attaching a stack trace via
// cockroachdb/errors so the failure can be diagnosed after propagation
// aborts startup or the in-flight operation.
func Fatal(cause error, format string, args ...interface{}) *FatalError {
	return &FatalError{Cause: errors.Wrapf(cause, format, args...)}
}

// EnvironmentNotFoundError is raised by Engine.Lookup when asked about
// an environment that has not been opened: metadata bookkeeping, not
// the fact store itself, is asked about something absent.
type EnvironmentNotFoundError struct {
	Name string
}

func (e *EnvironmentNotFoundError) Error() string {
	return fmt.Sprintf("environment %q not found", e.Name)
}

// SelfLinkError is the concrete InvalidArgument raised when a Write would
// make a record link to itself (§3 invariant 7).
type SelfLinkError struct {
	Record uint64
	Key    string
}

func (e *SelfLinkError) Error() string {
	return fmt.Sprintf("record %d cannot link to itself via key %q", e.Record, e.Key)
}
