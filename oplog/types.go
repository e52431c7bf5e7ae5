// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package oplog defines the data model for kelp's operation log: the
// append-only, content-addressed history of every state-changing action
// performed on a repository.
//
// An Operation is an immutable DAG node whose id is the hash of its content.
// Because the content includes the parent ids, the DAG is acyclic by
// construction: no operation can reference itself as an ancestor. "Mutation"
// is always expressed as writing a new node whose parent list references the
// old one; nothing is ever updated in place.
package oplog

import (
	"sort"
	"strings"
	"time"
)

// IDHexLen is the length of a full hex-encoded operation/view/commit id
// (sha256, 32 bytes).
const IDHexLen = 64

// ShortIDLen is the number of hex digits shown to users.
const ShortIDLen = 12

// OperationID identifies an Operation by the hex-encoded hash of its content.
type OperationID string

// ViewID identifies a View by the hex-encoded hash of its content.
type ViewID string

// CommitID identifies a commit object in the backing object store.
type CommitID string

// RootOperationID is the distinguished id of the synthetic root operation.
// It is the only operation with zero parents and is never written to storage.
var RootOperationID = OperationID(strings.Repeat("0", IDHexLen))

// RootViewID is the view id of the synthetic root operation (an empty view).
var RootViewID = ViewID(strings.Repeat("0", IDHexLen))

// Short returns the truncated display form of the id.
func (id OperationID) Short() string {
	if len(id) < ShortIDLen {
		return string(id)
	}
	return string(id[:ShortIDLen])
}

// IsRoot reports whether the id names the synthetic root operation.
func (id OperationID) IsRoot() bool {
	return id == RootOperationID
}

// Short returns the truncated display form of the id.
func (id CommitID) Short() string {
	if len(id) < ShortIDLen {
		return string(id)
	}
	return string(id[:ShortIDLen])
}

// Metadata carries the who/when/why of an operation.
type Metadata struct {
	StartTime   time.Time         `json:"start_time"`
	EndTime     time.Time         `json:"end_time"`
	Description string            `json:"description"`
	Hostname    string            `json:"hostname"`
	Username    string            `json:"username"`
	Args        []string          `json:"args,omitempty"`
	Tags        map[string]string `json:"tags,omitempty"`
}

// Operation is one immutable node of the operation DAG.
//
// Description:
//
//	Parents is the ordered set of parent operation ids: empty only for the
//	root operation, one entry for a normal linear step, and two or more for
//	a reconciliation step that merged divergent heads. ViewID references the
//	repository state produced by the operation. Operations are deduplicated
//	by content: two operations with identical fields hash to the same id.
type Operation struct {
	Parents  []OperationID `json:"parents"`
	ViewID   ViewID        `json:"view_id"`
	Metadata Metadata      `json:"metadata"`
}

// RefTarget is the (possibly divergent) target of a branch ref.
//
// Description:
//
//	A normal ref has exactly one entry in Adds and none in Removes. An absent
//	ref has neither. A divergent ref, produced when two reconciled heads moved
//	the same branch to different commits, records every candidate target in
//	Adds and the replaced target in Removes. Divergence is an explicit state
//	surfaced to the user; the core never silently picks a winner.
type RefTarget struct {
	Adds    []CommitID `json:"adds,omitempty"`
	Removes []CommitID `json:"removes,omitempty"`
}

// NormalRef returns a non-divergent target pointing at the given commit.
func NormalRef(id CommitID) RefTarget {
	return RefTarget{Adds: []CommitID{id}}
}

// IsAbsent reports whether the ref points at nothing.
func (t RefTarget) IsAbsent() bool {
	return len(t.Adds) == 0
}

// IsDivergent reports whether the ref has more than one candidate target.
func (t RefTarget) IsDivergent() bool {
	return len(t.Adds) > 1
}

// Equal reports whether two targets have identical adds and removes.
func (t RefTarget) Equal(other RefTarget) bool {
	if len(t.Adds) != len(other.Adds) || len(t.Removes) != len(other.Removes) {
		return false
	}
	for i, id := range t.Adds {
		if other.Adds[i] != id {
			return false
		}
	}
	for i, id := range t.Removes {
		if other.Removes[i] != id {
			return false
		}
	}
	return true
}

// RemoteRef is a branch ref as seen on a remote, plus its tracking state.
type RemoteRef struct {
	Target  RefTarget `json:"target"`
	Tracked bool      `json:"tracked"`
}

// View is the materialized repository state at one operation.
//
// Description:
//
//	HeadCommits holds the tips of the visible commit graph, sorted. Remote
//	branches are keyed branch name first, then remote name. Workspaces maps
//	each workspace name to its working-copy commit. A View is fully derived
//	from exactly one Operation and is content-addressed like operations are.
type View struct {
	HeadCommits    []CommitID                      `json:"head_commits"`
	LocalBranches  map[string]RefTarget            `json:"local_branches,omitempty"`
	RemoteBranches map[string]map[string]RemoteRef `json:"remote_branches,omitempty"`
	Workspaces     map[string]CommitID             `json:"workspaces,omitempty"`
}

// NewView returns an empty view with all maps allocated.
func NewView() *View {
	return &View{
		LocalBranches:  make(map[string]RefTarget),
		RemoteBranches: make(map[string]map[string]RemoteRef),
		Workspaces:     make(map[string]CommitID),
	}
}

// AddHeadCommit inserts a commit into the sorted head set if not present.
func (v *View) AddHeadCommit(id CommitID) {
	for _, h := range v.HeadCommits {
		if h == id {
			return
		}
	}
	v.HeadCommits = append(v.HeadCommits, id)
	sort.Slice(v.HeadCommits, func(i, j int) bool { return v.HeadCommits[i] < v.HeadCommits[j] })
}

// RemoveHeadCommit deletes a commit from the head set if present.
func (v *View) RemoveHeadCommit(id CommitID) {
	for i, h := range v.HeadCommits {
		if h == id {
			v.HeadCommits = append(v.HeadCommits[:i], v.HeadCommits[i+1:]...)
			return
		}
	}
}

// HasHeadCommit reports whether the commit is a visible head.
func (v *View) HasHeadCommit(id CommitID) bool {
	for _, h := range v.HeadCommits {
		if h == id {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the view.
func (v *View) Clone() *View {
	out := &View{
		HeadCommits:    append([]CommitID(nil), v.HeadCommits...),
		LocalBranches:  make(map[string]RefTarget, len(v.LocalBranches)),
		RemoteBranches: make(map[string]map[string]RemoteRef, len(v.RemoteBranches)),
		Workspaces:     make(map[string]CommitID, len(v.Workspaces)),
	}
	for name, t := range v.LocalBranches {
		out.LocalBranches[name] = RefTarget{
			Adds:    append([]CommitID(nil), t.Adds...),
			Removes: append([]CommitID(nil), t.Removes...),
		}
	}
	for name, remotes := range v.RemoteBranches {
		m := make(map[string]RemoteRef, len(remotes))
		for remote, ref := range remotes {
			m[remote] = RemoteRef{
				Target: RefTarget{
					Adds:    append([]CommitID(nil), ref.Target.Adds...),
					Removes: append([]CommitID(nil), ref.Target.Removes...),
				},
				Tracked: ref.Tracked,
			}
		}
		out.RemoteBranches[name] = m
	}
	for name, id := range v.Workspaces {
		out.Workspaces[name] = id
	}
	return out
}

// ReplaceCommit substitutes one commit id for another everywhere the view
// refers to it: head set, branch targets (adds and removes), and workspace
// pointers.
func (v *View) ReplaceCommit(old, repl CommitID) {
	if v.HasHeadCommit(old) {
		v.RemoveHeadCommit(old)
		v.AddHeadCommit(repl)
	}
	replace := func(t RefTarget) RefTarget {
		for i, id := range t.Adds {
			if id == old {
				t.Adds[i] = repl
			}
		}
		for i, id := range t.Removes {
			if id == old {
				t.Removes[i] = repl
			}
		}
		return t
	}
	for name, t := range v.LocalBranches {
		v.LocalBranches[name] = replace(t)
	}
	for name, remotes := range v.RemoteBranches {
		for remote, ref := range remotes {
			ref.Target = replace(ref.Target)
			v.RemoteBranches[name][remote] = ref
		}
	}
	for name, id := range v.Workspaces {
		if id == old {
			v.Workspaces[name] = repl
		}
	}
}

// Commit is the subset of a commit object the operation log core needs:
// graph structure (Parents), the rewrite chain (Predecessors), and the
// payload identity (TreeID) preserved across rebases. Everything else about
// commits belongs to the object store.
type Commit struct {
	Parents      []CommitID `json:"parents"`
	Predecessors []CommitID `json:"predecessors,omitempty"`
	TreeID       string     `json:"tree_id"`
	Description  string     `json:"description"`
	Author       string     `json:"author"`
	Timestamp    time.Time  `json:"timestamp"`
}

// CommitReader is the existence/lookup surface the core consumes from the
// external object store. Graph-only paths never call it.
type CommitReader interface {
	// HasCommit reports whether the commit object exists.
	HasCommit(id CommitID) (bool, error)
	// Commit reads a commit object. Returns a *NotFoundError if absent.
	Commit(id CommitID) (*Commit, error)
}

// CommitRebaser computes a rebased commit given the original and its new
// parents, preserving the original's tree. The returned commit records the
// original as a predecessor.
type CommitRebaser interface {
	Rebase(id CommitID, newParents []CommitID) (CommitID, error)
}

// OperationRenderer turns an operation into display text. Rendering is a
// capability handed a finished operation, never consulted by the core.
type OperationRenderer func(id OperationID, op *Operation) string
