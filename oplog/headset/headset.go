// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package headset persists the set of current head operation ids as a
// directory with one file per id: presence of a file is membership.
//
// The protocol tolerates independent processes racing on ordinary
// filesystem primitives without any locking:
//
//   - Insertion is an atomic file create. New ids are unique content
//     hashes, so insert can never collide with a different writer's insert
//     in a harmful way.
//   - Removal is a delete that treats "already gone" as success, absorbing
//     the race where two processes retire the same stale head.
//   - Publish inserts the new head before removing the consumed ones, so a
//     crash between the two steps leaves extra heads (resolved later by
//     reconciliation) and no reader ever observes an empty set.
//
// A head set with more than one member is the divergence signal, not an
// error: it means a concurrent writer advanced the log without seeing the
// other's write.
package headset

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/AleutianAI/kelp/oplog"
)

// HeadSet reads and mutates the persisted head directory.
//
// Thread Safety:
//
//	Safe for concurrent use from multiple goroutines and from multiple
//	independent processes opening the same directory.
type HeadSet struct {
	dir    string
	logger *slog.Logger
}

// Open opens (creating if necessary) the head directory.
func Open(dir string, logger *slog.Logger) (*HeadSet, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("creating head directory %s: %w", dir, err)
	}
	return &HeadSet{dir: dir, logger: logger}, nil
}

// Dir returns the head directory path.
func (h *HeadSet) Dir() string {
	return h.dir
}

// Heads returns the current head ids, sorted lexicographically.
//
// The result is a point-in-time snapshot; by the time the caller acts on
// it, another process may already have published. All callers must treat a
// multi-element result as divergence to reconcile, never as corruption.
func (h *HeadSet) Heads() ([]oplog.OperationID, error) {
	entries, err := os.ReadDir(h.dir)
	if err != nil {
		return nil, fmt.Errorf("reading head directory %s: %w", h.dir, err)
	}
	ids := make([]oplog.OperationID, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !isHexID(name) {
			h.logger.Warn("ignoring unexpected file in head directory", "name", name)
			continue
		}
		ids = append(ids, oplog.OperationID(name))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// Publish atomically records a new head and retires the heads it was built
// from.
//
// Description:
//
//	The new id is inserted and made durable before any consumed id is
//	removed, so a reader can never observe an empty set. Removing an id a
//	concurrent writer already removed is not an error. If the directory
//	still contains ids other than newOp afterwards, another process
//	published concurrently; that is the legitimate divergence state and is
//	not reported here.
func (h *HeadSet) Publish(newOp oplog.OperationID, consumed []oplog.OperationID) error {
	if err := h.Add(newOp); err != nil {
		return err
	}
	for _, id := range consumed {
		if id == newOp {
			continue
		}
		if err := h.remove(id); err != nil {
			return err
		}
	}
	return nil
}

// Add inserts a head id and syncs the directory so the insert is durable
// before any subsequent removal can be observed.
func (h *HeadSet) Add(id oplog.OperationID) error {
	path := filepath.Join(h.dir, string(id))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0640)
	if err != nil {
		return fmt.Errorf("adding head %s: %w", id.Short(), err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("adding head %s: %w", id.Short(), err)
	}
	h.syncDir()
	h.logger.Debug("added operation head", "op", id.Short())
	return nil
}

// remove deletes a head id, tolerating an id another process already
// removed.
func (h *HeadSet) remove(id oplog.OperationID) error {
	path := filepath.Join(h.dir, string(id))
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing head %s: %w", id.Short(), err)
	}
	if os.IsNotExist(err) {
		h.logger.Debug("head already removed by concurrent writer", "op", id.Short())
	}
	return nil
}

// syncDir fsyncs the head directory. Best effort: some filesystems do not
// support syncing directories, and the publish protocol degrades safely to
// the filesystem's own ordering guarantees.
func (h *HeadSet) syncDir() {
	d, err := os.Open(h.dir)
	if err != nil {
		h.logger.Debug("cannot open head directory for sync", "error", err)
		return
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		h.logger.Debug("head directory sync not supported", "error", err)
	}
}

func isHexID(name string) bool {
	if len(name) != oplog.IDHexLen {
		return false
	}
	for _, c := range name {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
