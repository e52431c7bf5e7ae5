// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package integrity validates that an operation's view only references
// content objects that still exist in the backing object store.
//
// Validation is read-only and reports the first missing object precisely:
// the operation id, the missing object id, and its expected type. It never
// touches the head set or any operation record, so recovery stays a
// separate, explicit step (abandoning the range that introduced the
// missing object). Purely structural paths (op log, op abandon) never call
// into this package because they never dereference content.
package integrity

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/kelp/oplog"
)

// ViewSource reads operations and views.
type ViewSource interface {
	oplog.OpReader
	ReadView(id oplog.ViewID) (*oplog.View, error)
}

// Checker validates view-to-object references.
type Checker struct {
	ops     ViewSource
	objects oplog.CommitReader
	logger  *slog.Logger
}

// New creates a checker.
func New(ops ViewSource, objects oplog.CommitReader, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{ops: ops, objects: objects, logger: logger}
}

// ValidateView checks every commit referenced by the operation's view and
// every commit reachable from the view's heads.
//
// Outputs:
//
//	error - A *oplog.ObjectNotFoundError naming the operation, the first
//	missing object and its type; nil when every reference resolves.
func (c *Checker) ValidateView(opID oplog.OperationID) error {
	op, err := c.ops.ReadOperation(opID)
	if err != nil {
		return err
	}
	view, err := c.ops.ReadView(op.ViewID)
	if err != nil {
		return err
	}

	// Direct references first: precise failures beat traversal order.
	for _, id := range view.HeadCommits {
		if err := c.requireCommit(opID, id); err != nil {
			return err
		}
	}
	for _, target := range view.LocalBranches {
		if err := c.requireTarget(opID, target); err != nil {
			return err
		}
	}
	for _, remotes := range view.RemoteBranches {
		for _, ref := range remotes {
			if err := c.requireTarget(opID, ref.Target); err != nil {
				return err
			}
		}
	}
	for _, id := range view.Workspaces {
		if err := c.requireCommit(opID, id); err != nil {
			return err
		}
	}

	// Then the ancestry of every visible head: building a commit index
	// needs the full reachable graph.
	seen := make(map[oplog.CommitID]bool)
	queue := append([]oplog.CommitID(nil), view.HeadCommits...)
	for len(queue) > 0 {
		id := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		if seen[id] {
			continue
		}
		seen[id] = true
		commit, err := c.objects.Commit(id)
		if err != nil {
			if errors.Is(err, oplog.ErrNotFound) {
				return c.missing(opID, id)
			}
			return fmt.Errorf("reading commit %s: %w", id.Short(), err)
		}
		queue = append(queue, commit.Parents...)
	}

	c.logger.Debug("view validated",
		"op", opID.Short(),
		"commits", len(seen))
	return nil
}

func (c *Checker) requireTarget(opID oplog.OperationID, target oplog.RefTarget) error {
	for _, id := range target.Adds {
		if err := c.requireCommit(opID, id); err != nil {
			return err
		}
	}
	return nil
}

func (c *Checker) requireCommit(opID oplog.OperationID, id oplog.CommitID) error {
	ok, err := c.objects.HasCommit(id)
	if err != nil {
		return fmt.Errorf("checking commit %s: %w", id.Short(), err)
	}
	if !ok {
		return c.missing(opID, id)
	}
	return nil
}

func (c *Checker) missing(opID oplog.OperationID, id oplog.CommitID) error {
	objErr := &oplog.ObjectNotFoundError{
		Operation: opID,
		Object:    string(id),
		Type:      "commit",
	}
	c.logger.Warn("missing content object",
		"op", opID.Short(),
		"object", id.Short(),
		"type", "commit")
	return objErr
}
