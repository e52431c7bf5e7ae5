// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package oplog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestHashOperation_Deterministic verifies that identical content always
// hashes to the same id.
func TestHashOperation_Deterministic(t *testing.T) {
	op := &Operation{
		Parents: []OperationID{RootOperationID},
		ViewID:  RootViewID,
		Metadata: Metadata{
			Description: "initialize repo",
			Username:    "alice",
			StartTime:   time.Unix(1700000000, 0).UTC(),
		},
	}
	a, err := HashOperation(op)
	require.NoError(t, err)
	b, err := HashOperation(op)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, string(a), IDHexLen)
}

// TestHashOperation_ContentSensitive verifies that any field change
// produces a different id.
func TestHashOperation_ContentSensitive(t *testing.T) {
	base := &Operation{
		Parents:  []OperationID{RootOperationID},
		ViewID:   RootViewID,
		Metadata: Metadata{Description: "new empty commit"},
	}
	baseID, err := HashOperation(base)
	require.NoError(t, err)

	changed := &Operation{
		Parents:  []OperationID{RootOperationID},
		ViewID:   RootViewID,
		Metadata: Metadata{Description: "describe commit abc"},
	}
	changedID, err := HashOperation(changed)
	require.NoError(t, err)
	assert.NotEqual(t, baseID, changedID)
}

// TestHashOperation_ParentOrderMatters verifies parent order is part of
// the identity.
func TestHashOperation_ParentOrderMatters(t *testing.T) {
	a := &Operation{Parents: []OperationID{"aa", "bb"}, ViewID: RootViewID}
	b := &Operation{Parents: []OperationID{"bb", "aa"}, ViewID: RootViewID}
	idA, err := HashOperation(a)
	require.NoError(t, err)
	idB, err := HashOperation(b)
	require.NoError(t, err)
	assert.NotEqual(t, idA, idB)
}

// TestHashView_MapOrderIrrelevant verifies that map iteration order does
// not affect a view's id.
func TestHashView_MapOrderIrrelevant(t *testing.T) {
	a := NewView()
	a.LocalBranches["main"] = NormalRef("c1")
	a.LocalBranches["dev"] = NormalRef("c2")
	a.Workspaces["default"] = "c1"

	b := NewView()
	b.Workspaces["default"] = "c1"
	b.LocalBranches["dev"] = NormalRef("c2")
	b.LocalBranches["main"] = NormalRef("c1")

	idA, err := HashView(a)
	require.NoError(t, err)
	idB, err := HashView(b)
	require.NoError(t, err)
	assert.Equal(t, idA, idB)
}

// TestHashKindsDisjoint verifies the type tag keeps different record
// kinds in disjoint id spaces even for superficially similar content.
func TestHashKindsDisjoint(t *testing.T) {
	viewID, err := HashView(NewView())
	require.NoError(t, err)
	commitID, err := HashCommit(&Commit{})
	require.NoError(t, err)
	assert.NotEqual(t, string(viewID), string(commitID))
}
