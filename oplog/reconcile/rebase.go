// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package reconcile

import (
	"errors"
	"sort"

	"github.com/AleutianAI/kelp/oplog"
)

// rebaseDivergentRewrites handles commits rewritten by one head while the
// other head grew descendants on the old version: each such descendant is
// rebased onto the new version, preserving its own tree. Returns the
// number of distinct commits rebased.
//
// Missing commit objects are tolerated throughout: a corrupted object
// store degrades rewrite detection, it never fails the operation-graph
// merge.
func (e *Engine) rebaseDivergentRewrites(base, left, right, merged *oplog.View) (int, error) {
	baseVisible := e.visibleCommits(base)

	leftRewrites := e.rewrites(baseVisible, left)
	rightRewrites := e.rewrites(baseVisible, right)

	count := 0
	// Descendants created on the left of commits rewritten on the right,
	// and vice versa.
	n, err := e.rebaseDescendants(baseVisible, left, rightRewrites, merged)
	if err != nil {
		return 0, err
	}
	count += n
	n, err = e.rebaseDescendants(baseVisible, right, leftRewrites, merged)
	if err != nil {
		return 0, err
	}
	count += n
	return count, nil
}

// rewrites maps base-visible commits to the final version they were
// rewritten to on one side. Chained rewrites within the side (describe,
// then amend) are collapsed to the last version.
func (e *Engine) rewrites(baseVisible map[oplog.CommitID]bool, side *oplog.View) map[oplog.CommitID]oplog.CommitID {
	sideVisible := e.visibleCommits(side)

	// Predecessor edges introduced by the side's new commits.
	successor := make(map[oplog.CommitID]oplog.CommitID)
	for id := range sideVisible {
		if baseVisible[id] {
			continue
		}
		c, err := e.objects.Commit(id)
		if err != nil {
			e.logMissingCommit(id, err)
			continue
		}
		for _, pred := range c.Predecessors {
			successor[pred] = id
		}
	}

	out := make(map[oplog.CommitID]oplog.CommitID)
	for old := range successor {
		if !baseVisible[old] {
			continue
		}
		final := successor[old]
		for {
			next, ok := successor[final]
			if !ok {
				break
			}
			final = next
		}
		out[old] = final
	}
	return out
}

// rebaseDescendants rebases side-visible descendants of rewritten commits
// onto the rewrite targets, updating the merged view to reference the
// rebased copies.
func (e *Engine) rebaseDescendants(baseVisible map[oplog.CommitID]bool, side *oplog.View, rewritten map[oplog.CommitID]oplog.CommitID, merged *oplog.View) (int, error) {
	if len(rewritten) == 0 {
		return 0, nil
	}
	sideVisible := e.visibleCommits(side)

	mapping := make(map[oplog.CommitID]oplog.CommitID, len(rewritten))
	for old, repl := range rewritten {
		mapping[old] = repl
	}

	count := 0
	for _, id := range e.topoCommits(sideVisible) {
		if _, isRewritten := mapping[id]; isRewritten {
			continue
		}
		if baseVisible[id] {
			continue
		}
		c, err := e.objects.Commit(id)
		if err != nil {
			e.logMissingCommit(id, err)
			continue
		}
		changed := false
		newParents := make([]oplog.CommitID, len(c.Parents))
		for i, p := range c.Parents {
			if np, ok := mapping[p]; ok && np != p {
				newParents[i] = np
				changed = true
			} else {
				newParents[i] = p
			}
		}
		if !changed {
			continue
		}
		newID, err := e.objects.Rebase(id, newParents)
		if err != nil {
			return count, err
		}
		mapping[id] = newID
		count++
		merged.ReplaceCommit(id, newID)
	}

	// The old version of a rewritten commit must not survive as a head
	// next to its replacement.
	for old, repl := range rewritten {
		if merged.HasHeadCommit(old) {
			merged.RemoveHeadCommit(old)
			merged.AddHeadCommit(repl)
		}
	}
	return count, nil
}

// visibleCommits collects every commit reachable from the view's heads.
// Missing objects terminate that branch of the walk.
func (e *Engine) visibleCommits(v *oplog.View) map[oplog.CommitID]bool {
	seen := make(map[oplog.CommitID]bool)
	queue := append([]oplog.CommitID(nil), v.HeadCommits...)
	for len(queue) > 0 {
		id := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		if seen[id] {
			continue
		}
		seen[id] = true
		c, err := e.objects.Commit(id)
		if err != nil {
			e.logMissingCommit(id, err)
			continue
		}
		queue = append(queue, c.Parents...)
	}
	return seen
}

// topoCommits orders a commit set parents-first, deterministically.
func (e *Engine) topoCommits(visible map[oplog.CommitID]bool) []oplog.CommitID {
	pending := make(map[oplog.CommitID]int, len(visible))
	children := make(map[oplog.CommitID][]oplog.CommitID, len(visible))
	for id := range visible {
		c, err := e.objects.Commit(id)
		if err != nil {
			continue
		}
		for _, p := range c.Parents {
			if visible[p] {
				pending[id]++
				children[p] = append(children[p], id)
			}
		}
	}
	var ready []oplog.CommitID
	for id := range visible {
		if pending[id] == 0 {
			ready = append(ready, id)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i] < ready[j] })

	order := make([]oplog.CommitID, 0, len(visible))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		next := append([]oplog.CommitID(nil), children[id]...)
		sort.Slice(next, func(i, j int) bool { return next[i] < next[j] })
		for _, c := range next {
			pending[c]--
			if pending[c] == 0 {
				ready = append(ready, c)
			}
		}
		sort.Slice(ready, func(i, j int) bool { return ready[i] < ready[j] })
	}
	return order
}

func (e *Engine) logMissingCommit(id oplog.CommitID, err error) {
	if errors.Is(err, oplog.ErrNotFound) {
		e.logger.Warn("commit object missing during reconciliation",
			"commit", id.Short())
		return
	}
	e.logger.Warn("commit object unreadable during reconciliation",
		"commit", id.Short(),
		"error", err)
}
