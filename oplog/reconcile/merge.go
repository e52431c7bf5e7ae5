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
	"sort"

	"github.com/AleutianAI/kelp/oplog"
)

// mergeViews performs a 3-way merge of two views against their common
// base. Entries changed on one side are taken as-is, identical changes
// collapse, and conflicting changes become explicit divergent values (for
// branches) rather than silently picking a winner.
func mergeViews(base, left, right *oplog.View) *oplog.View {
	out := oplog.NewView()
	out.HeadCommits = mergeCommitSets(base.HeadCommits, left.HeadCommits, right.HeadCommits)
	mergeLocalBranches(out, base, left, right)
	mergeRemoteBranches(out, base, left, right)
	mergeWorkspaces(out, base, left, right)
	return out
}

// mergeCommitSets merges set membership: a commit is present when both
// sides kept it, or when either side added it relative to the base.
func mergeCommitSets(base, left, right []oplog.CommitID) []oplog.CommitID {
	b := commitSet(base)
	l := commitSet(left)
	r := commitSet(right)
	all := make(map[oplog.CommitID]bool, len(b)+len(l)+len(r))
	for id := range b {
		all[id] = true
	}
	for id := range l {
		all[id] = true
	}
	for id := range r {
		all[id] = true
	}
	var out []oplog.CommitID
	for id := range all {
		switch {
		case l[id] && r[id]:
			out = append(out, id)
		case l[id] && !b[id]:
			out = append(out, id)
		case r[id] && !b[id]:
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func mergeLocalBranches(out, base, left, right *oplog.View) {
	for name := range branchNames(base.LocalBranches, left.LocalBranches, right.LocalBranches) {
		merged := mergeRefTargets(base.LocalBranches[name], left.LocalBranches[name], right.LocalBranches[name])
		if !merged.IsAbsent() || len(merged.Removes) > 0 {
			out.LocalBranches[name] = merged
		}
	}
}

func mergeRemoteBranches(out, base, left, right *oplog.View) {
	names := make(map[string]bool)
	for name := range base.RemoteBranches {
		names[name] = true
	}
	for name := range left.RemoteBranches {
		names[name] = true
	}
	for name := range right.RemoteBranches {
		names[name] = true
	}
	for name := range names {
		remotes := make(map[string]bool)
		for remote := range base.RemoteBranches[name] {
			remotes[remote] = true
		}
		for remote := range left.RemoteBranches[name] {
			remotes[remote] = true
		}
		for remote := range right.RemoteBranches[name] {
			remotes[remote] = true
		}
		for remote := range remotes {
			b := base.RemoteBranches[name][remote]
			l := left.RemoteBranches[name][remote]
			r := right.RemoteBranches[name][remote]
			target := mergeRefTargets(b.Target, l.Target, r.Target)
			if target.IsAbsent() && len(target.Removes) == 0 {
				continue
			}
			if out.RemoteBranches[name] == nil {
				out.RemoteBranches[name] = make(map[string]oplog.RemoteRef)
			}
			out.RemoteBranches[name][remote] = oplog.RemoteRef{
				Target:  target,
				Tracked: mergeBool(b.Tracked, l.Tracked, r.Tracked),
			}
		}
	}
}

// mergeWorkspaces merges working-copy pointers per workspace. A workspace
// pointer cannot hold a divergent value, so when both sides moved the same
// workspace to different commits the left (lowest-id head) side wins; both
// commits remain visible in the merged head set, so nothing is lost.
func mergeWorkspaces(out, base, left, right *oplog.View) {
	names := make(map[string]bool)
	for name := range base.Workspaces {
		names[name] = true
	}
	for name := range left.Workspaces {
		names[name] = true
	}
	for name := range right.Workspaces {
		names[name] = true
	}
	for name := range names {
		b, inB := base.Workspaces[name]
		l, inL := left.Workspaces[name]
		r, inR := right.Workspaces[name]
		leftChanged := inL != inB || (inL && l != b)
		rightChanged := inR != inB || (inR && r != b)
		switch {
		case !leftChanged && !rightChanged:
			if inB {
				out.Workspaces[name] = b
			}
		case leftChanged && !rightChanged:
			if inL {
				out.Workspaces[name] = l
			}
		case rightChanged && !leftChanged:
			if inR {
				out.Workspaces[name] = r
			}
		default:
			// Both sides changed. Identical changes collapse; conflicting
			// changes keep the left (lowest-id head) pointer, and a
			// change always beats a deletion.
			switch {
			case inL && inR:
				out.Workspaces[name] = l
			case inL:
				out.Workspaces[name] = l
			case inR:
				out.Workspaces[name] = r
			}
		}
	}
}

// mergeRefTargets is the 3-way merge of one branch ref. Conflicting moves
// produce a divergent target carrying every candidate in Adds; display
// layers surface both as "added" rather than the core resolving the
// conflict.
func mergeRefTargets(base, left, right oplog.RefTarget) oplog.RefTarget {
	if left.Equal(right) {
		return left
	}
	if left.Equal(base) {
		return right
	}
	if right.Equal(base) {
		return left
	}
	adds := dedupCommits(append(append([]oplog.CommitID(nil), left.Adds...), right.Adds...))
	removes := dedupCommits(append([]oplog.CommitID(nil), base.Adds...))
	return oplog.RefTarget{Adds: adds, Removes: removes}
}

func mergeBool(base, left, right bool) bool {
	if left == right {
		return left
	}
	if left == base {
		return right
	}
	return left
}

func branchNames(maps ...map[string]oplog.RefTarget) map[string]bool {
	names := make(map[string]bool)
	for _, m := range maps {
		for name := range m {
			names[name] = true
		}
	}
	return names
}

func commitSet(ids []oplog.CommitID) map[oplog.CommitID]bool {
	set := make(map[oplog.CommitID]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

func dedupCommits(ids []oplog.CommitID) []oplog.CommitID {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := ids[:0]
	var prev oplog.CommitID
	for i, id := range ids {
		if i == 0 || id != prev {
			out = append(out, id)
		}
		prev = id
	}
	return out
}
