// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package resolver parses user-facing operation-id expressions into
// concrete operation ids.
//
// Grammar:
//
//	@           the current head set, verbatim (may be more than one id)
//	<hex>       a unique hex prefix of a known operation id
//	<atom>-     one parent step back from each id in the atom (repeatable)
//	A..B        ancestors of B, excluding ancestors of A
//	..B         ancestors of B, excluding the root operation
//	A..         operations reachable from the current heads that are not
//	            ancestors of A
//
// An empty computed range is a valid, empty result; callers treat it as a
// no-op, not a failure.
package resolver

import (
	"sort"
	"strings"

	"github.com/AleutianAI/kelp/oplog"
)

// Source is the store surface the resolver needs: operation reads for
// graph walks and prefix scans for hex lookup.
type Source interface {
	oplog.OpReader
	ScanOperationPrefix(prefix string) ([]oplog.OperationID, error)
}

// Resolve evaluates an expression against the given head set.
//
// Outputs:
//
//	[]oplog.OperationID - Matching ids, sorted lexicographically. May be
//	empty only for range expressions.
//	error - One of the oplog error types: InvalidFormatError,
//	NoMatchingOperationError, AmbiguousPrefixError,
//	AmbiguousExpressionError (range endpoint resolving to several ids) or
//	NoOperationsError.
func Resolve(src Source, heads []oplog.OperationID, expr string) ([]oplog.OperationID, error) {
	if idx := strings.Index(expr, ".."); idx >= 0 {
		return resolveRange(src, heads, expr, expr[:idx], expr[idx+2:])
	}
	ids, err := resolveAtom(src, heads, expr)
	if err != nil {
		return nil, err
	}
	return sorted(ids), nil
}

// ResolveLive evaluates an expression against the live, possibly
// divergent head set. Any "@"-based expression requires the head set to
// be singular: a command operating relative to the current operation
// must not guess between divergent heads, so plural heads make "@"
// ambiguous before any parent steps or range arithmetic apply. Explicit
// hex prefixes resolve as usual.
func ResolveLive(src Source, heads []oplog.OperationID, expr string) ([]oplog.OperationID, error) {
	if len(heads) > 1 && strings.Contains(expr, "@") {
		return nil, &oplog.AmbiguousExpressionError{
			Expr:       "@",
			Candidates: sorted(append([]oplog.OperationID(nil), heads...)),
		}
	}
	return Resolve(src, heads, expr)
}

// ResolveSingle evaluates an expression that must name exactly one
// operation. Several matches yield an AmbiguousExpressionError whose hint
// lists every candidate in deterministic order.
func ResolveSingle(src Source, heads []oplog.OperationID, expr string) (oplog.OperationID, error) {
	ids, err := Resolve(src, heads, expr)
	if err != nil {
		return "", err
	}
	switch len(ids) {
	case 0:
		return "", &oplog.NoOperationsError{Expr: expr}
	case 1:
		return ids[0], nil
	default:
		return "", &oplog.AmbiguousExpressionError{Expr: expr, Candidates: ids}
	}
}

// resolveAtom evaluates a non-range expression: a base ("@" or hex prefix)
// followed by zero or more "-" parent steps.
func resolveAtom(src Source, heads []oplog.OperationID, expr string) ([]oplog.OperationID, error) {
	base := expr
	steps := 0
	for strings.HasSuffix(base, "-") {
		base = base[:len(base)-1]
		steps++
	}

	var ids []oplog.OperationID
	if base == "@" {
		ids = append(ids, heads...)
	} else {
		id, err := resolvePrefix(src, base)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	for i := 0; i < steps; i++ {
		next := make(map[oplog.OperationID]bool)
		for _, id := range ids {
			op, err := src.ReadOperation(id)
			if err != nil {
				return nil, err
			}
			for _, p := range op.Parents {
				next[p] = true
			}
		}
		ids = ids[:0]
		for id := range next {
			ids = append(ids, id)
		}
		if len(ids) == 0 {
			return nil, &oplog.NoOperationsError{Expr: expr}
		}
	}
	return ids, nil
}

// resolvePrefix resolves a hex prefix to the unique operation id it names.
func resolvePrefix(src Source, prefix string) (oplog.OperationID, error) {
	if prefix == "" || !isHex(prefix) || len(prefix) > oplog.IDHexLen {
		return "", &oplog.InvalidFormatError{Text: prefix}
	}
	candidates, err := src.ScanOperationPrefix(strings.ToLower(prefix))
	if err != nil {
		return "", err
	}
	switch len(candidates) {
	case 0:
		return "", &oplog.NoMatchingOperationError{Prefix: prefix}
	case 1:
		return candidates[0], nil
	default:
		return "", &oplog.AmbiguousPrefixError{Prefix: prefix, Candidates: candidates}
	}
}

// resolveRange evaluates "A..B" and its open-ended forms.
func resolveRange(src Source, heads []oplog.OperationID, expr, left, right string) ([]oplog.OperationID, error) {
	// Included set: ancestors of B, or of every current head for "A..".
	var include map[oplog.OperationID]bool
	var err error
	if right == "" {
		include, err = oplog.Ancestors(src, heads...)
	} else {
		var b oplog.OperationID
		b, err = resolveRangeEndpoint(src, heads, right)
		if err != nil {
			return nil, err
		}
		include, err = oplog.Ancestors(src, b)
	}
	if err != nil {
		return nil, err
	}

	// Excluded set: ancestors of A, or just the root for "..B".
	exclude := map[oplog.OperationID]bool{oplog.RootOperationID: true}
	if left != "" {
		a, err := resolveRangeEndpoint(src, heads, left)
		if err != nil {
			return nil, err
		}
		exclude, err = oplog.Ancestors(src, a)
		if err != nil {
			return nil, err
		}
	}

	var ids []oplog.OperationID
	for id := range include {
		if !exclude[id] {
			ids = append(ids, id)
		}
	}
	return sorted(ids), nil
}

// resolveRangeEndpoint resolves one side of a range to a single id.
func resolveRangeEndpoint(src Source, heads []oplog.OperationID, atom string) (oplog.OperationID, error) {
	ids, err := resolveAtom(src, heads, atom)
	if err != nil {
		return "", err
	}
	if len(ids) > 1 {
		return "", &oplog.AmbiguousExpressionError{Expr: atom, Candidates: sorted(ids)}
	}
	return ids[0], nil
}

func sorted(ids []oplog.OperationID) []oplog.OperationID {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func isHex(s string) bool {
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}
