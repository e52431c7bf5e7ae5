// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package repo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/kelp/oplog"
	"github.com/AleutianAI/kelp/workingcopy"
)

// testClock hands out strictly increasing timestamps so content-addressed
// records never collide across steps.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newTestRepo(t *testing.T) (*Repo, *bytes.Buffer) {
	t.Helper()
	clk := &testClock{now: time.Unix(1700000000, 0)}
	r, err := Init(t.TempDir(), Options{Clock: clk.Now})
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })

	notices := &bytes.Buffer{}
	r.Notices = notices
	return r, notices
}

func (r *Repo) headView(t *testing.T, ctx context.Context) *oplog.View {
	t.Helper()
	head, err := r.CurrentHead(ctx)
	require.NoError(t, err)
	op, err := r.Ops.ReadOperation(head)
	require.NoError(t, err)
	v, err := r.Ops.ReadView(op.ViewID)
	require.NoError(t, err)
	return v
}

// TestInit verifies the initial operation chain and working-copy state.
func TestInit(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()

	entries, err := r.OpLog(ctx, "")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "add workspace 'default'", entries[0].Description())
	assert.Equal(t, "initialize repo", entries[1].Description())
	assert.Equal(t, "root()", entries[2].Description())

	heads, err := r.Heads.Heads()
	require.NoError(t, err)
	require.Len(t, heads, 1)
	assert.Equal(t, entries[0].ID, heads[0])

	ptr, err := r.WC.OperationID(workingcopy.DefaultWorkspace)
	require.NoError(t, err)
	assert.Equal(t, heads[0], ptr)

	v := r.headView(t, ctx)
	require.Len(t, v.HeadCommits, 1)
	assert.Equal(t, v.HeadCommits[0], v.Workspaces[workingcopy.DefaultWorkspace])
}

// TestDescribe verifies the working-copy commit is rewritten in place
// and the operation records the old commit id.
func TestDescribe(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()

	before := r.headView(t, ctx)
	oldWC := before.Workspaces[workingcopy.DefaultWorkspace]

	opID, err := r.Describe(ctx, "working on the parser", "", []string{"kelp", "describe", "-m", "working on the parser"})
	require.NoError(t, err)

	op, err := r.Ops.ReadOperation(opID)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("describe commit %s", oldWC), op.Metadata.Description)
	assert.Equal(t, []string{"kelp", "describe", "-m", "working on the parser"}, op.Metadata.Args)

	after := r.headView(t, ctx)
	newWC := after.Workspaces[workingcopy.DefaultWorkspace]
	assert.NotEqual(t, oldWC, newWC)

	c, err := r.Objects.Commit(newWC)
	require.NoError(t, err)
	assert.Equal(t, "working on the parser", c.Description)
	assert.Equal(t, []oplog.CommitID{oldWC}, c.Predecessors)
}

// TestCommit verifies the finalize-and-open-fresh shape: the old
// working-copy commit keeps the message, a new empty commit sits on top.
func TestCommit(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()

	opID, err := r.Commit(ctx, "add lexer", "", nil)
	require.NoError(t, err)

	v := r.headView(t, ctx)
	wc := v.Workspaces[workingcopy.DefaultWorkspace]
	fresh, err := r.Objects.Commit(wc)
	require.NoError(t, err)
	assert.Empty(t, fresh.Description)
	require.Len(t, fresh.Parents, 1)

	finalized, err := r.Objects.Commit(fresh.Parents[0])
	require.NoError(t, err)
	assert.Equal(t, "add lexer", finalized.Description)

	op, err := r.Ops.ReadOperation(opID)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("commit %s", fresh.Parents[0]), op.Metadata.Description)

	// Only the fresh commit is a tip.
	assert.Equal(t, []oplog.CommitID{wc}, v.HeadCommits)
}

// TestNewChange verifies stacking an empty change on the working copy.
func TestNewChange(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()

	before := r.headView(t, ctx)
	parent := before.Workspaces[workingcopy.DefaultWorkspace]

	opID, err := r.NewChange(ctx, "", nil)
	require.NoError(t, err)
	op, err := r.Ops.ReadOperation(opID)
	require.NoError(t, err)
	assert.Equal(t, "new empty commit", op.Metadata.Description)

	after := r.headView(t, ctx)
	wc := after.Workspaces[workingcopy.DefaultWorkspace]
	c, err := r.Objects.Commit(wc)
	require.NoError(t, err)
	assert.Equal(t, []oplog.CommitID{parent}, c.Parents)
}

// TestUndo verifies undo restores the previous operation's view through
// a new operation rather than by rewriting history.
func TestUndo(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()

	clean := r.headView(t, ctx)
	described, err := r.Describe(ctx, "a mistake", "", nil)
	require.NoError(t, err)

	undoID, err := r.Undo(ctx, "", "", nil)
	require.NoError(t, err)
	op, err := r.Ops.ReadOperation(undoID)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("undo operation %s", described), op.Metadata.Description)

	restored := r.headView(t, ctx)
	assert.Equal(t, clean.Workspaces, restored.Workspaces)
	assert.Equal(t, clean.HeadCommits, restored.HeadCommits)

	// History kept both the mistake and its undo.
	entries, err := r.OpLog(ctx, "")
	require.NoError(t, err)
	require.Len(t, entries, 5)
	assert.Equal(t, undoID, entries[0].ID)
	assert.Equal(t, described, entries[1].ID)
}

// TestDivergenceReconciled verifies a second head created from a pinned
// operation is merged automatically with the exact notice line.
func TestDivergenceReconciled(t *testing.T) {
	r, notices := newTestRepo(t)
	ctx := context.Background()

	_, err := r.Describe(ctx, "mainline work", "", nil)
	require.NoError(t, err)

	// A writer that had loaded the previous operation publishes too.
	tx, err := r.StartTransactionAt(ctx, "@-", nil)
	require.NoError(t, err)
	_, err = tx.Commit(ctx, "concurrent work")
	require.NoError(t, err)

	heads, err := r.Heads.Heads()
	require.NoError(t, err)
	require.Len(t, heads, 2)

	notices.Reset()
	head, err := r.CurrentHead(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Concurrent modification detected, resolving automatically.\n", notices.String())

	mergeOp, err := r.Ops.ReadOperation(head)
	require.NoError(t, err)
	assert.Len(t, mergeOp.Parents, 2)
	assert.Equal(t, "reconcile divergent operations", mergeOp.Metadata.Description)

	heads, err = r.Heads.Heads()
	require.NoError(t, err)
	assert.Equal(t, []oplog.OperationID{head}, heads)

	ptr, err := r.WC.OperationID(workingcopy.DefaultWorkspace)
	require.NoError(t, err)
	assert.Equal(t, head, ptr)
}

// TestDivergenceRebaseNotice verifies the rebase count line when one
// side rewrote a commit the other side built on.
func TestDivergenceRebaseNotice(t *testing.T) {
	r, notices := newTestRepo(t)
	ctx := context.Background()

	// Pin the pre-describe operation, then grow a child of the old
	// working-copy commit there while the mainline rewrites it.
	tx, err := r.StartTransactionAt(ctx, "@", nil)
	require.NoError(t, err)

	_, err = r.Describe(ctx, "rewritten under them", "", nil)
	require.NoError(t, err)

	oldWC := tx.View.Workspaces[workingcopy.DefaultWorkspace]
	if _, err := r.openEmptyCommit(tx.View, oldWC); err != nil {
		t.Fatal(err)
	}
	_, err = tx.Commit(ctx, "new empty commit")
	require.NoError(t, err)

	notices.Reset()
	_, err = r.CurrentHead(ctx)
	require.NoError(t, err)
	assert.Contains(t, notices.String(), "Concurrent modification detected, resolving automatically.\n")
	assert.Contains(t, notices.String(), "Rebased 1 descendant commits onto commits rewritten by other operation\n")
}

// TestDescribe_AtOp verifies a describe pinned to an earlier operation
// publishes a second head instead of consuming the current one, and
// never advances the working-copy pointer.
func TestDescribe_AtOp(t *testing.T) {
	r, notices := newTestRepo(t)
	ctx := context.Background()

	mainline, err := r.Describe(ctx, "mainline", "", nil)
	require.NoError(t, err)

	pinned, err := r.Describe(ctx, "pinned", "@-", nil)
	require.NoError(t, err)
	assert.NotEqual(t, mainline, pinned)

	heads, err := r.Heads.Heads()
	require.NoError(t, err)
	assert.ElementsMatch(t, []oplog.OperationID{mainline, pinned}, heads)

	ptr, err := r.WC.OperationID(workingcopy.DefaultWorkspace)
	require.NoError(t, err)
	assert.Equal(t, mainline, ptr)

	notices.Reset()
	_, err = r.CurrentHead(ctx)
	require.NoError(t, err)
	assert.Contains(t, notices.String(), "Concurrent modification detected, resolving automatically.\n")
}

// TestOpAbandon verifies the reparenting summary text and the advanced
// working-copy pointer.
func TestOpAbandon(t *testing.T) {
	r, notices := newTestRepo(t)
	ctx := context.Background()

	_, err := r.Describe(ctx, "first", "", nil)
	require.NoError(t, err)
	_, err = r.Describe(ctx, "second", "", nil)
	require.NoError(t, err)

	notices.Reset()
	res, err := r.OpAbandon(ctx, "@-", "", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Abandoned)
	assert.Equal(t, 1, res.Reparented)
	assert.Equal(t, "Abandoned 1 operations and reparented 1 descendant operations.\n", notices.String())

	heads, err := r.Heads.Heads()
	require.NoError(t, err)
	require.Len(t, heads, 1)
	ptr, err := r.WC.OperationID(workingcopy.DefaultWorkspace)
	require.NoError(t, err)
	assert.Equal(t, heads[0], ptr)
}

// TestOpAbandon_Range verifies abandoning a whole chain with a range
// expression.
func TestOpAbandon_Range(t *testing.T) {
	r, notices := newTestRepo(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := r.Describe(ctx, fmt.Sprintf("draft %d", i), "", nil)
		require.NoError(t, err)
	}

	notices.Reset()
	res, err := r.OpAbandon(ctx, "..@-", "", nil)
	require.NoError(t, err)
	// Everything below the head: init, add-workspace and two describes.
	assert.Equal(t, 4, res.Abandoned)
	assert.Equal(t, 1, res.Reparented)
	assert.Equal(t, "Abandoned 4 operations and reparented 1 descendant operations.\n", notices.String())

	entries, err := r.OpLog(ctx, "")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "root()", entries[1].Description())
}

// TestOpAbandon_NothingChanged verifies the no-op text for an empty
// range.
func TestOpAbandon_NothingChanged(t *testing.T) {
	r, notices := newTestRepo(t)
	ctx := context.Background()

	notices.Reset()
	res, err := r.OpAbandon(ctx, "@..@", "", nil)
	require.NoError(t, err)
	assert.True(t, res.NothingChanged())
	assert.Equal(t, "Nothing changed.\n", notices.String())
}

// TestOpAbandon_CurrentOperation verifies abandoning the live head is
// rejected.
func TestOpAbandon_CurrentOperation(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()

	_, err := r.OpAbandon(ctx, "@", "", nil)
	require.Error(t, err)
	var cur *oplog.CannotAbandonCurrentError
	assert.ErrorAs(t, err, &cur)
}

// TestOpAbandon_DivergentHeads verifies abandon operates on the live,
// still divergent head set: head ids are protected, "@" is ambiguous,
// and abandoning a shared ancestor reparents every head.
func TestOpAbandon_DivergentHeads(t *testing.T) {
	r, notices := newTestRepo(t)
	ctx := context.Background()

	shared, err := r.Describe(ctx, "shared work", "", nil)
	require.NoError(t, err)
	left, err := r.Describe(ctx, "left side", "", nil)
	require.NoError(t, err)
	right, err := r.Describe(ctx, "right side", "@-", nil)
	require.NoError(t, err)

	heads, err := r.Heads.Heads()
	require.NoError(t, err)
	require.Len(t, heads, 2)

	// Either divergent head is a current operation and stays protected.
	_, err = r.OpAbandon(ctx, string(left[:12]), "", nil)
	var cur *oplog.CannotAbandonCurrentError
	require.ErrorAs(t, err, &cur)
	_, err = r.OpAbandon(ctx, string(right[:12]), "", nil)
	require.ErrorAs(t, err, &cur)

	// "@"-based expressions cannot pick between the heads.
	_, err = r.OpAbandon(ctx, "@-", "", nil)
	require.Error(t, err)
	assert.Equal(t, `The "@" expression resolved to more than one operation`, err.Error())

	// Nothing above reconciled: the head set is still plural.
	heads, err = r.Heads.Heads()
	require.NoError(t, err)
	require.Len(t, heads, 2)

	notices.Reset()
	res, err := r.OpAbandon(ctx, string(shared[:12]), "", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Abandoned)
	assert.Equal(t, 2, res.Reparented)
	assert.Equal(t, "Abandoned 1 operations and reparented 2 descendant operations.\n", notices.String())

	heads, err = r.Heads.Heads()
	require.NoError(t, err)
	require.Len(t, heads, 2)
	assert.ElementsMatch(t, []oplog.OperationID{res.Remapped[left], res.Remapped[right]}, heads)

	ptr, err := r.WC.OperationID(workingcopy.DefaultWorkspace)
	require.NoError(t, err)
	assert.Equal(t, res.Remapped[left], ptr)
}

// TestOpAbandon_StalePointer verifies a working-copy pointer naming an
// abandoned operation is left alone with a warning rather than guessed
// at.
func TestOpAbandon_StalePointer(t *testing.T) {
	var logs bytes.Buffer
	clk := &testClock{now: time.Unix(1700000000, 0)}
	r, err := Init(t.TempDir(), Options{
		Clock:  clk.Now,
		Logger: slog.New(slog.NewTextHandler(&logs, nil)),
	})
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	ctx := context.Background()

	_, err = r.Describe(ctx, "first", "", nil)
	require.NoError(t, err)
	_, err = r.Describe(ctx, "second", "", nil)
	require.NoError(t, err)

	// An interrupted command left the pointer on the operation about to
	// be abandoned.
	entries, err := r.OpLog(ctx, "")
	require.NoError(t, err)
	stale := entries[1].ID
	require.NoError(t, r.WC.SetOperationID(workingcopy.DefaultWorkspace, stale))

	res, err := r.OpAbandon(ctx, "@-", "", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Abandoned)

	ptr, err := r.WC.OperationID(workingcopy.DefaultWorkspace)
	require.NoError(t, err)
	assert.Equal(t, stale, ptr)
	assert.Contains(t, logs.String(), "references an abandoned operation")
}

// TestOpAbandon_AtOpRejected verifies --at-op cannot be combined with
// abandon.
func TestOpAbandon_AtOpRejected(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()

	_, err := r.OpAbandon(ctx, "@-", "@-", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, oplog.ErrAtOpWithAbandon))
	assert.Equal(t, "--at-op is not respected", err.Error())
}

// TestOpLog_AtOp verifies pinning op log to an earlier operation shows
// only that operation's ancestry and never publishes a merge.
func TestOpLog_AtOp(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()

	first, err := r.Describe(ctx, "first", "", nil)
	require.NoError(t, err)
	_, err = r.Describe(ctx, "second", "", nil)
	require.NoError(t, err)

	entries, err := r.OpLog(ctx, string(first[:10]))
	require.NoError(t, err)
	require.Len(t, entries, 4)
	assert.Equal(t, first, entries[0].ID)
}

// TestReindex verifies the corruption report wraps the missing object
// with the operation being indexed.
func TestReindex(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, r.Reindex(ctx, ""))

	v := r.headView(t, ctx)
	victim := v.HeadCommits[0]
	require.NoError(t, r.Objects.DeleteCommit(victim))

	head, err := r.CurrentHead(ctx)
	require.NoError(t, err)

	err = r.Reindex(ctx, "")
	require.Error(t, err)
	assert.Equal(t,
		fmt.Sprintf("Failed to index commits at operation %s: Object %s of type commit not found", head, victim),
		err.Error())
	assert.True(t, errors.Is(err, oplog.ErrNotFound))
}

// TestOpen_Existing verifies a repository survives close and reopen.
func TestOpen_Existing(t *testing.T) {
	dir := t.TempDir()
	clk := &testClock{now: time.Unix(1700000000, 0)}
	r, err := Init(dir, Options{Clock: clk.Now})
	require.NoError(t, err)
	_, err = r.Describe(context.Background(), "persisted", "", nil)
	require.NoError(t, err)
	require.NoError(t, r.Close())

	reopened, err := Open(dir, Options{Clock: clk.Now})
	require.NoError(t, err)
	defer reopened.Close()

	entries, err := reopened.OpLog(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, entries, 4)
	assert.Contains(t, entries[0].Description(), "describe commit ")
}

// TestOpen_NotARepo verifies opening a plain directory fails.
func TestOpen_NotARepo(t *testing.T) {
	_, err := Open(t.TempDir(), Options{})
	require.Error(t, err)
}
