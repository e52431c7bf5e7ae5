// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package oplog

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the operation log.
var (
	// ErrNotFound indicates a store record is absent.
	ErrNotFound = errors.New("not found")

	// ErrContention indicates bounded reconciliation retries were exhausted
	// because other processes kept advancing the head set. Transient; no
	// state was corrupted and the command can simply be re-run.
	ErrContention = errors.New("operation log contention: retries exhausted")

	// ErrAbandonRoot indicates an attempt to abandon the root operation,
	// which is immutable.
	ErrAbandonRoot = errors.New("cannot abandon the root operation")

	// ErrAtOpWithAbandon indicates --at-op was combined with op abandon,
	// which always operates relative to the live head.
	ErrAtOpWithAbandon = errors.New("--at-op is not respected")
)

// Hinter is implemented by errors that carry a remediation hint for the
// user, printed on a separate "Hint:" line by the CLI.
type Hinter interface {
	Hint() string
}

// NotFoundError reports an absent store record.
type NotFoundError struct {
	Kind string // "operation", "view", "commit"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// InvalidFormatError reports malformed operation-id text.
type InvalidFormatError struct {
	Text string
}

func (e *InvalidFormatError) Error() string {
	return fmt.Sprintf("Operation ID %q is not a valid hexadecimal prefix", e.Text)
}

// NoMatchingOperationError reports a well-formed hex prefix that matches no
// known operation.
type NoMatchingOperationError struct {
	Prefix string
}

func (e *NoMatchingOperationError) Error() string {
	return fmt.Sprintf("No operation ID matching %q", e.Prefix)
}

// AmbiguousPrefixError reports a hex prefix matching more than one
// operation. Candidates are sorted so the hint is deterministic.
type AmbiguousPrefixError struct {
	Prefix     string
	Candidates []OperationID
}

func (e *AmbiguousPrefixError) Error() string {
	return fmt.Sprintf("Operation ID prefix %q is ambiguous", e.Prefix)
}

func (e *AmbiguousPrefixError) Hint() string {
	return "Try specifying one of the operations by ID: " + joinShortIDs(e.Candidates)
}

// AmbiguousExpressionError reports an expression that resolved to several
// operations where a single one was required (typically "@" while the head
// set is divergent).
type AmbiguousExpressionError struct {
	Expr       string
	Candidates []OperationID
}

func (e *AmbiguousExpressionError) Error() string {
	return fmt.Sprintf("The %q expression resolved to more than one operation", e.Expr)
}

func (e *AmbiguousExpressionError) Hint() string {
	return "Try specifying one of the operations by ID: " + joinShortIDs(e.Candidates)
}

// NoOperationsError reports an expression that resolved to nothing, e.g.
// stepping past the root operation.
type NoOperationsError struct {
	Expr string
}

func (e *NoOperationsError) Error() string {
	return fmt.Sprintf("The %q expression resolved to no operations", e.Expr)
}

// CannotAbandonCurrentError reports an attempt to abandon an operation that
// is itself a current head.
type CannotAbandonCurrentError struct {
	ID OperationID
}

func (e *CannotAbandonCurrentError) Error() string {
	return fmt.Sprintf("Cannot abandon the current operation %s", e.ID.Short())
}

func (e *CannotAbandonCurrentError) Hint() string {
	return "Run `kelp undo` to revert the current operation, then use `kelp op abandon`"
}

// ObjectNotFoundError reports a view reference to a content object that no
// longer exists in the backing object store. This is a data error, not a
// user error: it indicates store corruption. Graph-only reads never produce
// it because they never dereference content.
type ObjectNotFoundError struct {
	Operation OperationID
	Object    string
	Type      string
}

func (e *ObjectNotFoundError) Error() string {
	return fmt.Sprintf("Object %s of type %s not found", e.Object, e.Type)
}

func (e *ObjectNotFoundError) Unwrap() error { return ErrNotFound }

func joinShortIDs(ids []OperationID) string {
	short := make([]string, len(ids))
	for i, id := range ids {
		short[i] = id.Short()
	}
	return strings.Join(short, ", ")
}
