// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package resolver

import (
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/kelp/oplog"
)

// fakeSource is an in-memory resolver source.
type fakeSource struct {
	ops map[oplog.OperationID]*oplog.Operation
}

func newFakeSource() *fakeSource {
	return &fakeSource{ops: make(map[oplog.OperationID]*oplog.Operation)}
}

func (f *fakeSource) add(id oplog.OperationID, parents ...oplog.OperationID) {
	f.ops[id] = &oplog.Operation{Parents: parents, ViewID: oplog.RootViewID}
}

func (f *fakeSource) ReadOperation(id oplog.OperationID) (*oplog.Operation, error) {
	if id.IsRoot() {
		return &oplog.Operation{Parents: []oplog.OperationID{}, ViewID: oplog.RootViewID}, nil
	}
	op, ok := f.ops[id]
	if !ok {
		return nil, &oplog.NotFoundError{Kind: "operation", ID: string(id)}
	}
	return op, nil
}

func (f *fakeSource) ScanOperationPrefix(prefix string) ([]oplog.OperationID, error) {
	var out []oplog.OperationID
	if strings.HasPrefix(string(oplog.RootOperationID), prefix) {
		out = append(out, oplog.RootOperationID)
	}
	for id := range f.ops {
		if strings.HasPrefix(string(id), prefix) {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func id(c byte) oplog.OperationID {
	return oplog.OperationID(strings.Repeat(string(c), oplog.IDHexLen))
}

// linearSource builds root <- a <- b <- c and returns heads {c}.
func linearSource() (*fakeSource, []oplog.OperationID) {
	src := newFakeSource()
	src.add(id('a'), oplog.RootOperationID)
	src.add(id('b'), id('a'))
	src.add(id('c'), id('b'))
	return src, []oplog.OperationID{id('c')}
}

// TestResolve_AtSymbol verifies "@" returns the head set verbatim.
func TestResolve_AtSymbol(t *testing.T) {
	src, heads := linearSource()
	got, err := Resolve(src, heads, "@")
	require.NoError(t, err)
	assert.Equal(t, heads, got)
}

// TestResolve_AtSymbolDivergent verifies "@" with several heads returns
// all of them and ResolveSingle rejects it with the candidate hint.
func TestResolve_AtSymbolDivergent(t *testing.T) {
	src := newFakeSource()
	src.add(id('a'), oplog.RootOperationID)
	src.add(id('b'), id('a'))
	src.add(id('c'), id('a'))
	heads := []oplog.OperationID{id('b'), id('c')}

	got, err := Resolve(src, heads, "@")
	require.NoError(t, err)
	assert.Equal(t, heads, got)

	_, err = ResolveSingle(src, heads, "@")
	require.Error(t, err)
	assert.Equal(t, `The "@" expression resolved to more than one operation`, err.Error())
	var amb *oplog.AmbiguousExpressionError
	require.ErrorAs(t, err, &amb)
	assert.Equal(t, "Try specifying one of the operations by ID: "+id('b').Short()+", "+id('c').Short(), amb.Hint())
}

// TestResolveLive_DivergentHeads verifies "@"-based expressions are
// rejected outright while the head set is plural, while explicit
// prefixes still resolve.
func TestResolveLive_DivergentHeads(t *testing.T) {
	src := newFakeSource()
	src.add(id('a'), oplog.RootOperationID)
	src.add(id('b'), id('a'))
	src.add(id('c'), id('a'))
	heads := []oplog.OperationID{id('b'), id('c')}

	_, err := ResolveLive(src, heads, "@-")
	require.Error(t, err)
	assert.Equal(t, `The "@" expression resolved to more than one operation`, err.Error())

	_, err = ResolveLive(src, heads, "..@")
	require.Error(t, err)
	assert.Equal(t, `The "@" expression resolved to more than one operation`, err.Error())

	got, err := ResolveLive(src, heads, string(id('a')[:4]))
	require.NoError(t, err)
	assert.Equal(t, []oplog.OperationID{id('a')}, got)

	got, err = ResolveLive(src, []oplog.OperationID{id('b')}, "@")
	require.NoError(t, err)
	assert.Equal(t, []oplog.OperationID{id('b')}, got)
}

// TestResolve_ParentSteps verifies trailing "-" walks parents.
func TestResolve_ParentSteps(t *testing.T) {
	src, heads := linearSource()

	got, err := ResolveSingle(src, heads, "@-")
	require.NoError(t, err)
	assert.Equal(t, id('b'), got)

	got, err = ResolveSingle(src, heads, "@--")
	require.NoError(t, err)
	assert.Equal(t, id('a'), got)

	got, err = ResolveSingle(src, heads, "@---")
	require.NoError(t, err)
	assert.Equal(t, oplog.RootOperationID, got)
}

// TestResolve_StepPastRoot verifies stepping beyond the root resolves to
// nothing with the exact message.
func TestResolve_StepPastRoot(t *testing.T) {
	src, heads := linearSource()
	_, err := Resolve(src, heads, "@----")
	require.Error(t, err)
	assert.Equal(t, `The "@----" expression resolved to no operations`, err.Error())
}

// TestResolve_HexPrefix verifies unique prefix resolution and
// case folding.
func TestResolve_HexPrefix(t *testing.T) {
	src, heads := linearSource()

	got, err := ResolveSingle(src, heads, "aa")
	require.NoError(t, err)
	assert.Equal(t, id('a'), got)

	got, err = ResolveSingle(src, heads, "AA")
	require.NoError(t, err)
	assert.Equal(t, id('a'), got)

	got, err = ResolveSingle(src, heads, string(id('b')))
	require.NoError(t, err)
	assert.Equal(t, id('b'), got)
}

// TestResolve_InvalidPrefix verifies non-hex text is rejected with the
// exact message.
func TestResolve_InvalidPrefix(t *testing.T) {
	src, heads := linearSource()
	for _, expr := range []string{"foo", "", strings.Repeat("a", oplog.IDHexLen+1)} {
		_, err := Resolve(src, heads, expr)
		require.Error(t, err, "expr %q", expr)
		var inv *oplog.InvalidFormatError
		require.ErrorAs(t, err, &inv)
	}
	_, err := Resolve(src, heads, "foo")
	assert.Equal(t, `Operation ID "foo" is not a valid hexadecimal prefix`, err.Error())
}

// TestResolve_NoMatch verifies a well-formed prefix matching nothing.
func TestResolve_NoMatch(t *testing.T) {
	src, heads := linearSource()
	_, err := Resolve(src, heads, "dddd")
	require.Error(t, err)
	assert.Equal(t, `No operation ID matching "dddd"`, err.Error())
}

// TestResolve_AmbiguousPrefix verifies a prefix matching several ids is
// rejected with sorted candidates.
func TestResolve_AmbiguousPrefix(t *testing.T) {
	src := newFakeSource()
	one := oplog.OperationID("ab" + strings.Repeat("1", oplog.IDHexLen-2))
	two := oplog.OperationID("ab" + strings.Repeat("2", oplog.IDHexLen-2))
	src.add(one, oplog.RootOperationID)
	src.add(two, oplog.RootOperationID)

	_, err := Resolve(src, []oplog.OperationID{one, two}, "ab")
	require.Error(t, err)
	var amb *oplog.AmbiguousPrefixError
	require.ErrorAs(t, err, &amb)
	assert.Equal(t, []oplog.OperationID{one, two}, amb.Candidates)
}

// TestResolve_Range verifies A..B semantics: ancestors of B minus
// ancestors of A.
func TestResolve_Range(t *testing.T) {
	src, heads := linearSource()

	got, err := Resolve(src, heads, "aa..cc")
	require.NoError(t, err)
	assert.Equal(t, []oplog.OperationID{id('b'), id('c')}, got)

	// Open left: everything below B except the root.
	got, err = Resolve(src, heads, "..bb")
	require.NoError(t, err)
	assert.Equal(t, []oplog.OperationID{id('a'), id('b')}, got)

	// Open right: everything from the heads back, above A.
	got, err = Resolve(src, heads, "bb..")
	require.NoError(t, err)
	assert.Equal(t, []oplog.OperationID{id('c')}, got)
}

// TestResolve_EmptyRange verifies a range that computes to nothing is a
// valid empty result, not an error.
func TestResolve_EmptyRange(t *testing.T) {
	src, heads := linearSource()
	got, err := Resolve(src, heads, "cc..cc")
	require.NoError(t, err)
	assert.Empty(t, got)
}

// TestResolve_RangeWithParentSteps verifies atoms inside ranges accept
// parent steps, as in "..@-".
func TestResolve_RangeWithParentSteps(t *testing.T) {
	src, heads := linearSource()
	got, err := Resolve(src, heads, "..@-")
	require.NoError(t, err)
	assert.Equal(t, []oplog.OperationID{id('a'), id('b')}, got)
}
