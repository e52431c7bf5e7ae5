// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package repo wires the operation log components into a repository: one
// Badger database for operations, views and commit objects, a head
// directory, a working-copy pointer per workspace, and the engines that
// operate on them.
package repo

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/kelp/config"
	"github.com/AleutianAI/kelp/objectstore"
	"github.com/AleutianAI/kelp/oplog"
	"github.com/AleutianAI/kelp/oplog/headset"
	"github.com/AleutianAI/kelp/oplog/reconcile"
	"github.com/AleutianAI/kelp/oplog/resolver"
	"github.com/AleutianAI/kelp/oplog/store"
	"github.com/AleutianAI/kelp/storage/badgerstore"
	"github.com/AleutianAI/kelp/workingcopy"
)

// KelpDirName is the repository metadata directory.
const KelpDirName = ".kelp"

// Repo is an open kelp repository.
type Repo struct {
	root    string
	kelpDir string
	cfg     *config.Config
	db      *badger.DB
	logger  *slog.Logger

	Ops     *store.Store
	Heads   *headset.HeadSet
	Objects *objectstore.Store
	WC      *workingcopy.Manager

	// Notices receives the user-facing side-effect lines commands print
	// on stderr ("Concurrent modification detected, ...").
	Notices io.Writer

	// clock is a test seam for operation timestamps.
	clock func() time.Time
}

// Options tweak how a repository is opened. The zero value is production
// behavior.
type Options struct {
	// InMemory uses an in-memory Badger instance (tests).
	InMemory bool
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Init creates a new repository at root.
//
// Description:
//
//	Creates the .kelp directory, an initial empty commit, and the
//	operation chain the head set starts from: the root operation
//	(synthetic, never stored), an "initialize repo" operation with an
//	empty view, and an "add workspace 'default'" operation whose view
//	holds the initial commit. The head set ends up containing only the
//	last of these.
func Init(root string, opts Options) (*Repo, error) {
	kelpDir := filepath.Join(root, KelpDirName)
	if _, err := os.Stat(kelpDir); err == nil {
		return nil, fmt.Errorf("%s already contains a kelp repository", root)
	}
	r, err := open(root, opts, true)
	if err != nil {
		return nil, err
	}

	now := r.clock()

	initOp := &oplog.Operation{
		Parents:  []oplog.OperationID{oplog.RootOperationID},
		ViewID:   oplog.RootViewID,
		Metadata: r.metadata("initialize repo", nil, now, now),
	}
	initID, err := r.Ops.WriteOperation(initOp)
	if err != nil {
		r.Close()
		return nil, err
	}

	initial := objectstore.NewCommit(nil, "tree:empty", "", r.author(), now)
	commitID, err := r.Objects.WriteCommit(initial)
	if err != nil {
		r.Close()
		return nil, err
	}
	view := oplog.NewView()
	view.AddHeadCommit(commitID)
	view.Workspaces[workingcopy.DefaultWorkspace] = commitID
	viewID, err := r.Ops.WriteView(view)
	if err != nil {
		r.Close()
		return nil, err
	}
	wsOp := &oplog.Operation{
		Parents:  []oplog.OperationID{initID},
		ViewID:   viewID,
		Metadata: r.metadata(fmt.Sprintf("add workspace '%s'", workingcopy.DefaultWorkspace), nil, now, now),
	}
	wsID, err := r.Ops.WriteOperation(wsOp)
	if err != nil {
		r.Close()
		return nil, err
	}

	if err := r.Heads.Add(initID); err != nil {
		r.Close()
		return nil, err
	}
	if err := r.Heads.Publish(wsID, []oplog.OperationID{initID}); err != nil {
		r.Close()
		return nil, err
	}
	if err := r.WC.SetOperationID(workingcopy.DefaultWorkspace, wsID); err != nil {
		r.Close()
		return nil, err
	}

	r.logger.Info("initialized repository",
		"root", root,
		"head", wsID.Short())
	return r, nil
}

// Open opens an existing repository at root.
func Open(root string, opts Options) (*Repo, error) {
	kelpDir := filepath.Join(root, KelpDirName)
	if _, err := os.Stat(kelpDir); err != nil {
		return nil, fmt.Errorf("no kelp repository at %s: %w", root, err)
	}
	return open(root, opts, false)
}

func open(root string, opts Options, initializing bool) (*Repo, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	kelpDir := filepath.Join(root, KelpDirName)

	cfg, err := config.LoadForRepo(kelpDir)
	if err != nil {
		return nil, err
	}

	var db *badger.DB
	if opts.InMemory {
		db, err = badgerstore.OpenInMemory()
	} else {
		db, err = badgerstore.OpenWithPath(filepath.Join(kelpDir, "store"), logger)
	}
	if err != nil {
		return nil, err
	}

	ops, err := store.New(db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	heads, err := headset.Open(filepath.Join(kelpDir, "op_heads"), logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	wc, err := workingcopy.NewManager(filepath.Join(kelpDir, "working_copy"), logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	r := &Repo{
		root:    root,
		kelpDir: kelpDir,
		cfg:     cfg,
		db:      db,
		logger:  logger,
		Ops:     ops,
		Heads:   heads,
		Objects: objectstore.New(db, logger),
		WC:      wc,
		Notices: io.Discard,
		clock:   clock,
	}

	if !initializing {
		if existing, err := heads.Heads(); err == nil && len(existing) == 0 {
			db.Close()
			return nil, fmt.Errorf("repository at %s has no operation heads; run `kelp init`", root)
		}
	}
	return r, nil
}

// Close releases the repository, running one round of store GC.
func (r *Repo) Close() error {
	badgerstore.RunGC(r.db, 0.5, r.logger)
	return r.db.Close()
}

// Config returns the loaded configuration.
func (r *Repo) Config() *config.Config {
	return r.cfg
}

// CurrentHead returns the single current head, reconciling divergent
// heads first. Divergence resolution prints its notice lines to
// r.Notices.
func (r *Repo) CurrentHead(ctx context.Context) (oplog.OperationID, error) {
	eng := reconcile.New(r.Ops, r.Heads, r.Objects, r.mergeMetadata, r.logger)
	eng.SetMaxRetries(r.cfg.Operation.MaxReconcileRetries)
	out, err := eng.Reconcile(ctx)
	if err != nil {
		return "", err
	}
	if out.Divergent() {
		fmt.Fprintln(r.Notices, "Concurrent modification detected, resolving automatically.")
		if out.RebasedCommits > 0 {
			fmt.Fprintf(r.Notices, "Rebased %d descendant commits onto commits rewritten by other operation\n", out.RebasedCommits)
		}
		r.advanceWorkingCopy(out.Head)
	}
	return out.Head, nil
}

// ResolveAtOp resolves an --at-op expression to a single operation.
// An empty expression means the live head, reconciling if divergent; any
// other expression (including "@") is resolved against the head set as it
// stands, so a pinned command never publishes a merge.
func (r *Repo) ResolveAtOp(ctx context.Context, expr string) (oplog.OperationID, error) {
	if expr == "" {
		return r.CurrentHead(ctx)
	}
	heads, err := r.Heads.Heads()
	if err != nil {
		return "", err
	}
	return resolver.ResolveSingle(r.Ops, heads, expr)
}

// advanceWorkingCopy best-effort points the default workspace at a new
// head after reconciliation. Failures warn; they never fail the command.
func (r *Repo) advanceWorkingCopy(head oplog.OperationID) {
	if err := r.WC.SetOperationID(workingcopy.DefaultWorkspace, head); err != nil {
		r.logger.Warn("could not advance working-copy pointer",
			"op", head.Short(),
			"error", err)
	}
}

// metadata builds operation metadata from config identity plus the
// command's argv and timing.
func (r *Repo) metadata(description string, args []string, start, end time.Time) oplog.Metadata {
	return oplog.Metadata{
		StartTime:   start.UTC(),
		EndTime:     end.UTC(),
		Description: description,
		Hostname:    r.cfg.Hostname,
		Username:    r.cfg.User.Name,
		Args:        args,
	}
}

func (r *Repo) mergeMetadata(description string) oplog.Metadata {
	now := r.clock()
	return r.metadata(description, nil, now, now)
}

func (r *Repo) author() string {
	if r.cfg.User.Email != "" {
		return fmt.Sprintf("%s <%s>", r.cfg.User.Name, r.cfg.User.Email)
	}
	return r.cfg.User.Name
}
