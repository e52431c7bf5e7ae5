// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package abandon removes operations from the reachable set while
// preserving graph connectivity.
//
// An abandoned operation's record is never mutated or deleted here; its
// descendants are rewritten as new operations whose parent sets substitute
// the abandoned operation with its own parents, applied as an iterative
// fixed-point so a contiguous chain abandoned in one call collapses
// correctly. The old records simply become unreachable, eligible for
// separate garbage collection.
package abandon

import (
	"fmt"
	"log/slog"

	"github.com/AleutianAI/kelp/oplog"
)

// OpStore is the persistence surface the engine needs. Abandon is a
// graph-only path: it never dereferences content objects.
type OpStore interface {
	oplog.OpReader
	WriteOperation(op *oplog.Operation) (oplog.OperationID, error)
}

// HeadPublisher mutates the persisted head set.
type HeadPublisher interface {
	Publish(newOp oplog.OperationID, consumed []oplog.OperationID) error
}

// Result reports what an abandon call did.
type Result struct {
	// Abandoned is the number of operations removed from the reachable
	// set.
	Abandoned int
	// Reparented is the number of descendant operations rewritten with a
	// substituted parent set.
	Reparented int
	// NewHeads maps each current head that was itself reparented to its
	// replacement. Heads absent from the map were untouched.
	NewHeads map[oplog.OperationID]oplog.OperationID
	// Remapped maps every rewritten operation (heads included) to its
	// replacement id.
	Remapped map[oplog.OperationID]oplog.OperationID
}

// NothingChanged reports whether the call was a no-op.
func (r *Result) NothingChanged() bool {
	return r.Abandoned == 0 && r.Reparented == 0
}

// Engine removes operation ranges and reparents their descendants.
type Engine struct {
	ops    OpStore
	heads  HeadPublisher
	logger *slog.Logger
}

// New creates an abandon engine.
func New(ops OpStore, heads HeadPublisher, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{ops: ops, heads: heads, logger: logger}
}

// Abandon removes the target operations relative to the given live heads.
//
// Description:
//
//	Every operation reachable from the heads whose parent set intersects
//	the target set (transitively) is rewritten with the abandoned parents
//	replaced by their own surviving ancestors. Heads that were rewritten
//	are republished, consuming their old ids. Either the whole publish
//	succeeds or the head set is left untouched: all replacement operations
//	are written to the append-only store before the first head mutation,
//	so a failure midway leaves only unreferenced records behind.
//
// Inputs:
//
//	targets - Operations to remove. An empty set is a valid no-op.
//	heads - The live head set; abandon always operates relative to it.
//
// Outputs:
//
//	*Result - Counts and the head replacement mapping.
//	error - oplog.ErrAbandonRoot, *oplog.CannotAbandonCurrentError, or a
//	store failure.
func (e *Engine) Abandon(targets []oplog.OperationID, heads []oplog.OperationID) (*Result, error) {
	res := &Result{
		NewHeads: make(map[oplog.OperationID]oplog.OperationID),
		Remapped: make(map[oplog.OperationID]oplog.OperationID),
	}
	if len(targets) == 0 {
		return res, nil
	}

	targetSet := make(map[oplog.OperationID]bool, len(targets))
	for _, id := range targets {
		if id.IsRoot() {
			return nil, oplog.ErrAbandonRoot
		}
		targetSet[id] = true
	}
	for _, head := range heads {
		if targetSet[head] {
			return nil, &oplog.CannotAbandonCurrentError{ID: head}
		}
	}

	order, err := oplog.TopoOrder(e.ops, heads...)
	if err != nil {
		return nil, err
	}

	// expansions maps each abandoned operation to the parent list that
	// replaces it. Processing in topological order makes the substitution
	// a fixed-point: an abandoned parent of an abandoned operation has
	// already been expanded by the time it is consulted.
	expansions := make(map[oplog.OperationID][]oplog.OperationID)
	abandonedReachable := 0

	for _, id := range order {
		op, err := e.ops.ReadOperation(id)
		if err != nil {
			return nil, err
		}
		newParents, changed := e.substituteParents(op.Parents, targetSet, expansions, res.Remapped)

		if targetSet[id] {
			abandonedReachable++
			expansions[id] = newParents
			continue
		}
		if !changed {
			continue
		}

		rewritten := &oplog.Operation{
			Parents:  newParents,
			ViewID:   op.ViewID,
			Metadata: op.Metadata,
		}
		newID, err := e.ops.WriteOperation(rewritten)
		if err != nil {
			return nil, fmt.Errorf("reparenting operation %s: %w", id.Short(), err)
		}
		res.Remapped[id] = newID
		res.Reparented++
		e.logger.Debug("reparented operation",
			"old", id.Short(),
			"new", newID.Short())
	}

	res.Abandoned = abandonedReachable

	// Publish replacements for every head that changed. The store writes
	// above are already durable, so each publish is a pure head swap.
	for _, head := range heads {
		newHead, ok := res.Remapped[head]
		if !ok {
			continue
		}
		if err := e.heads.Publish(newHead, []oplog.OperationID{head}); err != nil {
			return nil, err
		}
		res.NewHeads[head] = newHead
	}

	e.logger.Info("abandoned operations",
		"abandoned", res.Abandoned,
		"reparented", res.Reparented)
	return res, nil
}

// substituteParents replaces abandoned parents with their expansions and
// already-reparented parents with their rewritten ids. The returned flag
// reports whether anything differs from the original list.
func (e *Engine) substituteParents(parents []oplog.OperationID, targets map[oplog.OperationID]bool, expansions map[oplog.OperationID][]oplog.OperationID, remapped map[oplog.OperationID]oplog.OperationID) ([]oplog.OperationID, bool) {
	out := make([]oplog.OperationID, 0, len(parents))
	seen := make(map[oplog.OperationID]bool, len(parents))
	changed := false
	add := func(id oplog.OperationID) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, p := range parents {
		switch {
		case targets[p]:
			changed = true
			for _, sub := range expansions[p] {
				add(sub)
			}
		default:
			if np, ok := remapped[p]; ok {
				changed = true
				add(np)
			} else {
				add(p)
			}
		}
	}
	if len(out) != len(parents) {
		changed = true
	}
	return out, changed
}
