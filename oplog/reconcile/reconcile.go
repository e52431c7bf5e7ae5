// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package reconcile merges divergent operation heads into a single current
// view.
//
// Divergence is the normal outcome of two processes racing on the head
// set; nothing prevents the race up front. Instead, the next command that
// needs a single view finds several heads and merges them here: the views
// are combined by 3-way merge against their nearest common ancestor,
// commits rewritten by one writer have their descendants from the other
// writer rebased onto the new version, and one merge operation whose
// parents are exactly the divergent heads is published in their place.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/AleutianAI/kelp/oplog"
)

// ReconcileDescription is the description recorded on every merge
// operation.
const ReconcileDescription = "reconcile divergent operations"

// DefaultMaxRetries bounds how many times a merge is re-attempted when
// other processes keep publishing while we merge.
const DefaultMaxRetries = 5

// OpStore is the operation/view persistence surface the engine needs.
type OpStore interface {
	oplog.OpReader
	WriteOperation(op *oplog.Operation) (oplog.OperationID, error)
	ReadView(id oplog.ViewID) (*oplog.View, error)
	WriteView(v *oplog.View) (oplog.ViewID, error)
}

// HeadPublisher is the head-set surface the engine needs.
type HeadPublisher interface {
	Heads() ([]oplog.OperationID, error)
	Publish(newOp oplog.OperationID, consumed []oplog.OperationID) error
}

// CommitSource reads commits and computes rebased copies. Reconciliation
// is the one operation-log path that dereferences content objects, and it
// tolerates missing ones (see rebase.go) so a corrupted object store never
// blocks merging the operation graph itself.
type CommitSource interface {
	oplog.CommitReader
	oplog.CommitRebaser
}

// MetadataFunc builds the metadata for a merge operation. The caller
// supplies it so the engine stays free of config and clock concerns.
type MetadataFunc func(description string) oplog.Metadata

// Outcome reports what reconciliation did.
type Outcome struct {
	// Head is the single current head after reconciliation.
	Head oplog.OperationID
	// MergedHeads is the number of divergent heads merged, summed over
	// every attempt when contention forces retries; zero means the head
	// set was already singular and nothing was published.
	MergedHeads int
	// RebasedCommits is the number of descendant commits rebased onto
	// commits rewritten by another operation.
	RebasedCommits int
}

// Divergent reports whether a merge actually happened.
func (o *Outcome) Divergent() bool {
	return o.MergedHeads > 0
}

// Engine merges divergent heads.
type Engine struct {
	ops        OpStore
	heads      HeadPublisher
	objects    CommitSource
	meta       MetadataFunc
	logger     *slog.Logger
	maxRetries int
}

// New creates a reconciliation engine.
func New(ops OpStore, heads HeadPublisher, objects CommitSource, meta MetadataFunc, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		ops:        ops,
		heads:      heads,
		objects:    objects,
		meta:       meta,
		logger:     logger,
		maxRetries: DefaultMaxRetries,
	}
}

// SetMaxRetries overrides the retry bound. Values below one are clamped.
func (e *Engine) SetMaxRetries(n int) {
	if n < 1 {
		n = 1
	}
	e.maxRetries = n
}

// Reconcile ensures the head set contains exactly one head, merging as
// many times as contention requires within the retry bound.
//
// Outputs:
//
//	*Outcome - The final head plus merge statistics. MergedHeads == 0
//	means no divergence was found.
//	error - oplog.ErrContention when retries are exhausted; the head set
//	is never left worse than it was found.
func (e *Engine) Reconcile(ctx context.Context) (*Outcome, error) {
	out := &Outcome{}
	for attempt := 0; attempt < e.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("reconciliation cancelled: %w", err)
		}
		heads, err := e.heads.Heads()
		if err != nil {
			return nil, err
		}
		if len(heads) == 0 {
			// The publish protocol makes this unreachable short of manual
			// deletion of the head directory contents.
			return nil, &oplog.NotFoundError{Kind: "operation head", ID: "(none)"}
		}
		if len(heads) == 1 {
			out.Head = heads[0]
			return out, nil
		}

		e.logger.Info("divergent operation heads detected",
			"heads", len(heads),
			"attempt", attempt+1)

		mergedID, rebased, err := e.mergeOnce(heads)
		if err != nil {
			return nil, err
		}
		out.MergedHeads += len(heads)
		out.RebasedCommits += rebased
		out.Head = mergedID
	}
	return nil, oplog.ErrContention
}

// mergeOnce merges one observed head set into a single published merge
// operation. heads is sorted (headset.Heads guarantees it) so the merge
// parents and the pairwise fold order are deterministic across processes.
func (e *Engine) mergeOnce(heads []oplog.OperationID) (oplog.OperationID, int, error) {
	leftID := heads[0]
	leftOp, err := e.ops.ReadOperation(leftID)
	if err != nil {
		return "", 0, err
	}
	merged, err := e.ops.ReadView(leftOp.ViewID)
	if err != nil {
		return "", 0, err
	}

	totalRebased := 0
	for _, rightID := range heads[1:] {
		rightOp, err := e.ops.ReadOperation(rightID)
		if err != nil {
			return "", 0, err
		}
		rightView, err := e.ops.ReadView(rightOp.ViewID)
		if err != nil {
			return "", 0, err
		}
		baseID, err := oplog.NearestCommonAncestor(e.ops, leftID, rightID)
		if err != nil {
			return "", 0, err
		}
		baseOp, err := e.ops.ReadOperation(baseID)
		if err != nil {
			return "", 0, err
		}
		baseView, err := e.ops.ReadView(baseOp.ViewID)
		if err != nil {
			return "", 0, err
		}

		next := mergeViews(baseView, merged, rightView)
		rebased, err := e.rebaseDivergentRewrites(baseView, merged, rightView, next)
		if err != nil {
			return "", 0, err
		}
		totalRebased += rebased
		merged = next
	}

	e.normalizeHeadCommits(merged)

	viewID, err := e.ops.WriteView(merged)
	if err != nil {
		return "", 0, err
	}
	mergeOp := &oplog.Operation{
		Parents:  append([]oplog.OperationID(nil), heads...),
		ViewID:   viewID,
		Metadata: e.meta(ReconcileDescription),
	}
	mergeID, err := e.ops.WriteOperation(mergeOp)
	if err != nil {
		return "", 0, err
	}
	if err := e.heads.Publish(mergeID, heads); err != nil {
		return "", 0, err
	}

	e.logger.Info("published merge operation",
		"op", mergeID.Short(),
		"merged_heads", len(heads),
		"rebased_commits", totalRebased)
	return mergeID, totalRebased, nil
}

// normalizeHeadCommits drops head entries that are ancestors of other head
// entries, so the merged view's head set holds only tips. Missing commit
// objects terminate the walk at that point rather than failing; graph
// hygiene must not depend on content integrity.
func (e *Engine) normalizeHeadCommits(v *oplog.View) {
	heads := append([]oplog.CommitID(nil), v.HeadCommits...)
	ancestors := make(map[oplog.CommitID]bool)
	for _, h := range heads {
		c, err := e.objects.Commit(h)
		if err != nil {
			continue
		}
		queue := append([]oplog.CommitID(nil), c.Parents...)
		for len(queue) > 0 {
			id := queue[len(queue)-1]
			queue = queue[:len(queue)-1]
			if ancestors[id] {
				continue
			}
			ancestors[id] = true
			ac, err := e.objects.Commit(id)
			if err != nil {
				continue
			}
			queue = append(queue, ac.Parents...)
		}
	}
	kept := heads[:0]
	for _, h := range heads {
		if !ancestors[h] {
			kept = append(kept, h)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i] < kept[j] })
	v.HeadCommits = kept
}
