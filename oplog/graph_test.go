// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package oplog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memReader is an in-memory OpReader for graph tests. The root operation
// is always present.
type memReader map[OperationID]*Operation

func (m memReader) ReadOperation(id OperationID) (*Operation, error) {
	if id.IsRoot() {
		return &Operation{Parents: []OperationID{}, ViewID: RootViewID}, nil
	}
	op, ok := m[id]
	if !ok {
		return nil, &NotFoundError{Kind: "operation", ID: string(id)}
	}
	return op, nil
}

func (m memReader) add(id OperationID, parents ...OperationID) {
	m[id] = &Operation{Parents: parents, ViewID: RootViewID}
}

// TestAncestors_LinearChain verifies a linear chain's full ancestry,
// including the start and the root.
func TestAncestors_LinearChain(t *testing.T) {
	r := memReader{}
	r.add("a1", RootOperationID)
	r.add("b2", "a1")
	r.add("c3", "b2")

	anc, err := Ancestors(r, "c3")
	require.NoError(t, err)
	assert.Len(t, anc, 4)
	assert.True(t, anc["c3"])
	assert.True(t, anc["a1"])
	assert.True(t, anc[RootOperationID])
	assert.False(t, anc["zz"])
}

// TestAncestors_Merge verifies that ancestry through a merge operation
// covers both sides.
func TestAncestors_Merge(t *testing.T) {
	r := memReader{}
	r.add("a1", RootOperationID)
	r.add("b2", "a1")
	r.add("c3", "a1")
	r.add("d4", "b2", "c3")

	anc, err := Ancestors(r, "d4")
	require.NoError(t, err)
	assert.Len(t, anc, 5)
	assert.True(t, anc["b2"])
	assert.True(t, anc["c3"])
}

// TestTopoOrder_AncestorsFirst verifies every operation appears after all
// of its parents.
func TestTopoOrder_AncestorsFirst(t *testing.T) {
	r := memReader{}
	r.add("a1", RootOperationID)
	r.add("b2", "a1")
	r.add("c3", "a1")
	r.add("d4", "b2", "c3")

	order, err := TopoOrder(r, "d4")
	require.NoError(t, err)
	require.Len(t, order, 5)

	pos := make(map[OperationID]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	for id, op := range r {
		for _, p := range op.Parents {
			assert.Less(t, pos[p], pos[id], "parent %s must precede %s", p, id)
		}
	}
	assert.Equal(t, RootOperationID, order[0])
}

// TestTopoOrder_Deterministic verifies that sibling ties break
// lexicographically, so every process computes the same order.
func TestTopoOrder_Deterministic(t *testing.T) {
	r := memReader{}
	r.add("a1", RootOperationID)
	r.add("f6", "a1")
	r.add("b2", "a1")
	r.add("d4", "f6", "b2")

	first, err := TopoOrder(r, "d4")
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := TopoOrder(r, "d4")
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	// b2 < f6 lexicographically.
	pos := map[OperationID]int{}
	for i, id := range first {
		pos[id] = i
	}
	assert.Less(t, pos["b2"], pos["f6"])
}

// TestNearestCommonAncestor_Linear verifies the base of an ancestor and
// its descendant is the ancestor itself.
func TestNearestCommonAncestor_Linear(t *testing.T) {
	r := memReader{}
	r.add("a1", RootOperationID)
	r.add("b2", "a1")
	r.add("c3", "b2")

	base, err := NearestCommonAncestor(r, "a1", "c3")
	require.NoError(t, err)
	assert.Equal(t, OperationID("a1"), base)
}

// TestNearestCommonAncestor_Fork verifies two divergent branches meet at
// their fork point, not at the root.
func TestNearestCommonAncestor_Fork(t *testing.T) {
	r := memReader{}
	r.add("a1", RootOperationID)
	r.add("b2", "a1")
	r.add("c3", "b2")
	r.add("d4", "b2")

	base, err := NearestCommonAncestor(r, "c3", "d4")
	require.NoError(t, err)
	assert.Equal(t, OperationID("b2"), base)
}

// TestNearestCommonAncestor_CrissCross verifies the lexicographic
// tiebreak when several nearest candidates exist.
func TestNearestCommonAncestor_CrissCross(t *testing.T) {
	r := memReader{}
	r.add("a1", RootOperationID)
	r.add("b2", "a1")
	r.add("c3", "a1")
	// Each side merged the other once already.
	r.add("d4", "b2", "c3")
	r.add("e5", "b2", "c3")

	base, err := NearestCommonAncestor(r, "d4", "e5")
	require.NoError(t, err)
	assert.Equal(t, OperationID("b2"), base)
}

// TestNearestCommonAncestor_RootFallback verifies siblings with nothing
// in common but the root resolve to the root.
func TestNearestCommonAncestor_RootFallback(t *testing.T) {
	r := memReader{}
	r.add("a1", RootOperationID)
	r.add("b2", RootOperationID)

	base, err := NearestCommonAncestor(r, "a1", "b2")
	require.NoError(t, err)
	assert.Equal(t, RootOperationID, base)
}
