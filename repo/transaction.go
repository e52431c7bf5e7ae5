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
	"time"

	"github.com/AleutianAI/kelp/oplog"
	"github.com/AleutianAI/kelp/workingcopy"
)

// Transaction is one command's mutation of the repository.
//
// Description:
//
//	A transaction captures a base operation (the single head after
//	reconciliation, or the operation --at-op pinned), a mutable copy of
//	its view, and the command's argv. Commit writes the new view and one
//	new operation whose parent is the base, publishes it, and advances
//	the working-copy pointer. Nothing is visible to other processes
//	before Commit; Abort discards the transaction without a trace.
type Transaction struct {
	r      *Repo
	base   oplog.OperationID
	baseOp *oplog.Operation
	View   *oplog.View
	args   []string
	start  time.Time
	pinned bool

	stopWatch func()
}

// StartTransactionAt begins a transaction. An empty atOp means the
// current head, reconciling divergent heads first. Any other value pins
// the transaction to that operation: a pinned transaction never
// reconciles and never consumes heads it was not built on, so committing
// one from a non-head operation legitimately produces divergence.
func (r *Repo) StartTransactionAt(ctx context.Context, atOp string, args []string) (*Transaction, error) {
	base, err := r.ResolveAtOp(ctx, atOp)
	if err != nil {
		return nil, err
	}
	return r.startTransactionOn(base, args, atOp != "")
}

func (r *Repo) startTransactionOn(base oplog.OperationID, args []string, pinned bool) (*Transaction, error) {
	baseOp, err := r.Ops.ReadOperation(base)
	if err != nil {
		return nil, err
	}
	view, err := r.Ops.ReadView(baseOp.ViewID)
	if err != nil {
		return nil, err
	}
	tx := &Transaction{
		r:      r,
		base:   base,
		baseOp: baseOp,
		View:   view,
		args:   args,
		start:  r.clock(),
		pinned: pinned,
	}
	// External edits of the working-copy pointer during the transaction
	// only warrant a warning; the watch never blocks the command.
	if stop, err := r.WC.Watch(workingcopy.DefaultWorkspace, nil); err == nil {
		tx.stopWatch = stop
	} else {
		r.logger.Debug("working-copy watch unavailable", "error", err)
	}
	return tx, nil
}

// Base returns the operation the transaction was started on.
func (t *Transaction) Base() oplog.OperationID {
	return t.base
}

// Commit persists the transaction's view as a new operation and makes it
// a head.
//
// Outputs:
//
//	oplog.OperationID - The id of the published operation.
//	error - Store or head-set failure; the head set is untouched on error
//	because all store writes precede the publish.
func (t *Transaction) Commit(ctx context.Context, description string) (oplog.OperationID, error) {
	// Stop watching before our own pointer update, which would otherwise
	// be reported as an external change.
	t.stop()
	if err := ctx.Err(); err != nil {
		return "", err
	}

	viewID, err := t.r.Ops.WriteView(t.View)
	if err != nil {
		return "", err
	}
	op := &oplog.Operation{
		Parents:  []oplog.OperationID{t.base},
		ViewID:   viewID,
		Metadata: t.r.metadata(description, t.args, t.start, t.r.clock()),
	}
	opID, err := t.r.Ops.WriteOperation(op)
	if err != nil {
		return "", err
	}
	// For a pinned base that is no longer a head, the consumed removal is
	// a no-op and the new operation becomes an extra head. That is the
	// divergence a later reconciliation resolves.
	if err := t.r.Heads.Publish(opID, []oplog.OperationID{t.base}); err != nil {
		return "", err
	}
	if !t.pinned {
		t.r.advanceWorkingCopy(opID)
	}
	t.r.logger.Info("operation published",
		"op", opID.Short(),
		"description", description)
	return opID, nil
}

// Abort discards the transaction.
func (t *Transaction) Abort() {
	t.stop()
}

func (t *Transaction) stop() {
	if t.stopWatch != nil {
		t.stopWatch()
		t.stopWatch = nil
	}
}
