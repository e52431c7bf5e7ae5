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
	"sort"
)

// OpReader is the read-only operation access the graph walkers and the
// engines built on them consume. Only graph metadata is touched; content
// objects are never dereferenced here.
type OpReader interface {
	ReadOperation(id OperationID) (*Operation, error)
}

// Ancestors returns every operation reachable from the given start ids by
// following parent edges, including the start ids themselves.
func Ancestors(r OpReader, starts ...OperationID) (map[OperationID]bool, error) {
	seen := make(map[OperationID]bool)
	queue := append([]OperationID(nil), starts...)
	for len(queue) > 0 {
		id := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		if seen[id] {
			continue
		}
		seen[id] = true
		op, err := r.ReadOperation(id)
		if err != nil {
			return nil, err
		}
		queue = append(queue, op.Parents...)
	}
	return seen, nil
}

// TopoOrder returns the operations reachable from the given heads in
// topological order, ancestors before descendants. The order is
// deterministic: ties are broken lexicographically by id.
func TopoOrder(r OpReader, heads ...OperationID) ([]OperationID, error) {
	reachable, err := Ancestors(r, heads...)
	if err != nil {
		return nil, err
	}

	// Count in-DAG children so operations are emitted only after every
	// reachable parent has been emitted.
	pending := make(map[OperationID]int, len(reachable))
	children := make(map[OperationID][]OperationID, len(reachable))
	for id := range reachable {
		op, err := r.ReadOperation(id)
		if err != nil {
			return nil, err
		}
		for _, p := range op.Parents {
			if reachable[p] {
				pending[id]++
				children[p] = append(children[p], id)
			}
		}
	}

	var ready []OperationID
	for id := range reachable {
		if pending[id] == 0 {
			ready = append(ready, id)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i] < ready[j] })

	order := make([]OperationID, 0, len(reachable))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		next := append([]OperationID(nil), children[id]...)
		sort.Slice(next, func(i, j int) bool { return next[i] < next[j] })
		for _, c := range next {
			pending[c]--
			if pending[c] == 0 {
				ready = append(ready, c)
			}
		}
		sort.Slice(ready, func(i, j int) bool { return ready[i] < ready[j] })
	}
	return order, nil
}

// NearestCommonAncestor returns the merge base of two operations: a common
// ancestor that is not a proper ancestor of any other common ancestor.
// When several candidates qualify (criss-cross histories), the
// lexicographically smallest id is chosen so reconciliation stays
// deterministic across processes.
func NearestCommonAncestor(r OpReader, a, b OperationID) (OperationID, error) {
	ancA, err := Ancestors(r, a)
	if err != nil {
		return "", err
	}
	ancB, err := Ancestors(r, b)
	if err != nil {
		return "", err
	}

	common := make(map[OperationID]bool)
	for id := range ancA {
		if ancB[id] {
			common[id] = true
		}
	}
	if len(common) == 0 {
		// Every operation descends from the root, so this only happens on
		// a corrupted graph.
		return "", &NotFoundError{Kind: "common ancestor", ID: string(a.Short()) + ".." + string(b.Short())}
	}

	// Mark every common ancestor that is a strict ancestor of another
	// common ancestor; what remains are the nearest candidates.
	dominated := make(map[OperationID]bool)
	for id := range common {
		op, err := r.ReadOperation(id)
		if err != nil {
			return "", err
		}
		queue := append([]OperationID(nil), op.Parents...)
		for len(queue) > 0 {
			p := queue[len(queue)-1]
			queue = queue[:len(queue)-1]
			if dominated[p] {
				continue
			}
			dominated[p] = true
			pop, err := r.ReadOperation(p)
			if err != nil {
				return "", err
			}
			queue = append(queue, pop.Parents...)
		}
	}

	var best OperationID
	for id := range common {
		if dominated[id] {
			continue
		}
		if best == "" || id < best {
			best = id
		}
	}
	if best == "" {
		// Unreachable on an acyclic graph; the root is always a valid base.
		best = RootOperationID
	}
	return best, nil
}
