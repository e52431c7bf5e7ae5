// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package repo

import (
	"context"
	"fmt"

	"github.com/AleutianAI/kelp/objectstore"
	"github.com/AleutianAI/kelp/oplog"
	"github.com/AleutianAI/kelp/oplog/abandon"
	"github.com/AleutianAI/kelp/oplog/integrity"
	"github.com/AleutianAI/kelp/oplog/resolver"
	"github.com/AleutianAI/kelp/workingcopy"
)

// Commit finalizes the working-copy commit with the given message and
// opens a fresh empty commit on top of it. A non-empty atOp pins the
// transaction to that operation instead of the reconciled head.
func (r *Repo) Commit(ctx context.Context, message, atOp string, args []string) (oplog.OperationID, error) {
	tx, err := r.StartTransactionAt(ctx, atOp, args)
	if err != nil {
		return "", err
	}
	wcID, err := r.workspaceCommit(tx.View)
	if err != nil {
		tx.Abort()
		return "", err
	}
	finalID, err := r.rewriteDescription(tx.View, wcID, message)
	if err != nil {
		tx.Abort()
		return "", err
	}
	if _, err := r.openEmptyCommit(tx.View, finalID); err != nil {
		tx.Abort()
		return "", err
	}
	return tx.Commit(ctx, fmt.Sprintf("commit %s", finalID))
}

// Describe rewrites the working-copy commit's description. A non-empty
// atOp pins the transaction to that operation instead of the reconciled
// head.
func (r *Repo) Describe(ctx context.Context, message, atOp string, args []string) (oplog.OperationID, error) {
	tx, err := r.StartTransactionAt(ctx, atOp, args)
	if err != nil {
		return "", err
	}
	wcID, err := r.workspaceCommit(tx.View)
	if err != nil {
		tx.Abort()
		return "", err
	}
	if _, err := r.rewriteDescription(tx.View, wcID, message); err != nil {
		tx.Abort()
		return "", err
	}
	return tx.Commit(ctx, fmt.Sprintf("describe commit %s", wcID))
}

// NewChange opens a fresh empty commit on top of the working-copy
// commit. A non-empty atOp pins the transaction to that operation.
func (r *Repo) NewChange(ctx context.Context, atOp string, args []string) (oplog.OperationID, error) {
	tx, err := r.StartTransactionAt(ctx, atOp, args)
	if err != nil {
		return "", err
	}
	wcID, err := r.workspaceCommit(tx.View)
	if err != nil {
		tx.Abort()
		return "", err
	}
	if _, err := r.openEmptyCommit(tx.View, wcID); err != nil {
		tx.Abort()
		return "", err
	}
	return tx.Commit(ctx, "new empty commit")
}

// Undo reverts the effect of one operation by publishing a new operation
// that restores the view of the target's parent. History is preserved;
// nothing is deleted.
//
// Inputs:
//
//	expr - Operation expression naming what to undo. Empty means the
//	current operation.
//	atOp - A non-empty value pins the transaction to that operation.
func (r *Repo) Undo(ctx context.Context, expr, atOp string, args []string) (oplog.OperationID, error) {
	tx, err := r.StartTransactionAt(ctx, atOp, args)
	if err != nil {
		return "", err
	}
	target := tx.Base()
	if expr != "" {
		target, err = resolver.ResolveSingle(r.Ops, []oplog.OperationID{tx.Base()}, expr)
		if err != nil {
			tx.Abort()
			return "", err
		}
	}
	if target.IsRoot() {
		tx.Abort()
		return "", fmt.Errorf("cannot undo the root operation")
	}
	targetOp, err := r.Ops.ReadOperation(target)
	if err != nil {
		tx.Abort()
		return "", err
	}
	// The restored state is the target's first parent. A merge operation
	// undone this way goes back to the side the fold started from.
	parentOp, err := r.Ops.ReadOperation(targetOp.Parents[0])
	if err != nil {
		tx.Abort()
		return "", err
	}
	restored, err := r.Ops.ReadView(parentOp.ViewID)
	if err != nil {
		tx.Abort()
		return "", err
	}
	tx.View = restored
	return tx.Commit(ctx, fmt.Sprintf("undo operation %s", target))
}

// OpLogEntry is one row of the operation log listing.
type OpLogEntry struct {
	ID        oplog.OperationID
	Operation *oplog.Operation
}

// Description renders the entry's description, with the root operation
// rendered as "root()".
func (e OpLogEntry) Description() string {
	if e.ID.IsRoot() {
		return "root()"
	}
	return e.Operation.Metadata.Description
}

// OpLog lists every operation reachable from the head named by atOp
// (empty means the live head), newest first.
func (r *Repo) OpLog(ctx context.Context, atOp string) ([]OpLogEntry, error) {
	head, err := r.ResolveAtOp(ctx, atOp)
	if err != nil {
		return nil, err
	}
	order, err := oplog.TopoOrder(r.Ops, head)
	if err != nil {
		return nil, err
	}
	entries := make([]OpLogEntry, 0, len(order))
	for i := len(order) - 1; i >= 0; i-- {
		op, err := r.Ops.ReadOperation(order[i])
		if err != nil {
			return nil, err
		}
		entries = append(entries, OpLogEntry{ID: order[i], Operation: op})
	}
	return entries, nil
}

// OpAbandon removes the operations named by expr from the reachable
// history, reparenting descendants. The summary line ("Nothing changed."
// or the abandoned/reparented counts) is written to r.Notices.
//
// Inputs:
//
//	expr - Operation expression; empty defaults to "@-". Single ids and
//	ranges are both accepted; an empty range is a no-op.
//	atOp - Must be empty: abandon always operates relative to the live
//	head set, so a pinned operation is rejected with ErrAtOpWithAbandon.
func (r *Repo) OpAbandon(ctx context.Context, expr, atOp string, args []string) (*abandon.Result, error) {
	if atOp != "" {
		return nil, oplog.ErrAtOpWithAbandon
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// Abandon never reconciles: a divergent head set stays divergent, every
	// head is reparented, and "@"-based expressions are rejected while the
	// heads are plural.
	heads, err := r.Heads.Heads()
	if err != nil {
		return nil, err
	}
	if expr == "" {
		expr = "@-"
	}
	targets, err := resolver.ResolveLive(r.Ops, heads, expr)
	if err != nil {
		return nil, err
	}
	targetSet := make(map[oplog.OperationID]bool, len(targets))
	for _, id := range targets {
		targetSet[id] = true
	}

	eng := abandon.New(r.Ops, r.Heads, r.logger)
	res, err := eng.Abandon(targets, heads)
	if err != nil {
		return nil, err
	}

	if res.NothingChanged() {
		fmt.Fprintln(r.Notices, "Nothing changed.")
		return res, nil
	}
	fmt.Fprintf(r.Notices, "Abandoned %d operations and reparented %d descendant operations.\n",
		res.Abandoned, res.Reparented)

	// The working-copy pointer follows its operation to the rewritten id.
	// A pointer naming an abandoned operation has no replacement; it is
	// left untouched and the divergence is surfaced as a warning.
	if ptr, err := r.WC.OperationID(workingcopy.DefaultWorkspace); err == nil {
		if repl, ok := res.Remapped[ptr]; ok {
			if _, err := r.WC.Advance(workingcopy.DefaultWorkspace, ptr, repl); err != nil {
				r.logger.Warn("could not advance working-copy pointer after abandon",
					"error", err)
			}
		} else if targetSet[ptr] {
			r.logger.Warn("working-copy pointer references an abandoned operation; leaving untouched",
				"workspace", workingcopy.DefaultWorkspace,
				"op", ptr.Short())
		}
	}
	return res, nil
}

// Reindex validates that every commit referenced by the head operation's
// view still exists, as a commit-index rebuild would require.
func (r *Repo) Reindex(ctx context.Context, atOp string) error {
	head, err := r.ResolveAtOp(ctx, atOp)
	if err != nil {
		return err
	}
	checker := integrity.New(r.Ops, r.Objects, r.logger)
	if err := checker.ValidateView(head); err != nil {
		return fmt.Errorf("Failed to index commits at operation %s: %w", head, err)
	}
	return nil
}

// workspaceCommit returns the default workspace's current commit id.
func (r *Repo) workspaceCommit(v *oplog.View) (oplog.CommitID, error) {
	id, ok := v.Workspaces[workingcopy.DefaultWorkspace]
	if !ok {
		return "", &oplog.NotFoundError{Kind: "workspace", ID: workingcopy.DefaultWorkspace}
	}
	return id, nil
}

// rewriteDescription rewrites a commit with a new description, recording
// the old version as a predecessor, and substitutes the new id throughout
// the view.
func (r *Repo) rewriteDescription(v *oplog.View, id oplog.CommitID, message string) (oplog.CommitID, error) {
	orig, err := r.Objects.Commit(id)
	if err != nil {
		return "", err
	}
	rewritten := &oplog.Commit{
		Parents:      append([]oplog.CommitID(nil), orig.Parents...),
		Predecessors: []oplog.CommitID{id},
		TreeID:       orig.TreeID,
		Description:  message,
		Author:       orig.Author,
		Timestamp:    orig.Timestamp,
	}
	newID, err := r.Objects.WriteCommit(rewritten)
	if err != nil {
		return "", err
	}
	v.ReplaceCommit(id, newID)
	return newID, nil
}

// openEmptyCommit creates an empty commit on top of parent and makes it
// the workspace commit. The parent stops being a tip; the new commit
// takes its place in the head set.
func (r *Repo) openEmptyCommit(v *oplog.View, parent oplog.CommitID) (oplog.CommitID, error) {
	parentCommit, err := r.Objects.Commit(parent)
	if err != nil {
		return "", err
	}
	fresh := objectstore.NewCommit([]oplog.CommitID{parent}, parentCommit.TreeID, "", r.author(), r.clock())
	newID, err := r.Objects.WriteCommit(fresh)
	if err != nil {
		return "", err
	}
	v.RemoveHeadCommit(parent)
	v.AddHeadCommit(newID)
	v.Workspaces[workingcopy.DefaultWorkspace] = newID
	return newID, nil
}
