// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package workingcopy tracks, per workspace, which operation the working
// copy was last synchronized to.
//
// The pointer is one small file per workspace holding an operation id.
// It is the external collaborator the abandon engine must notify: when
// the operation it names is reparented, the pointer advances to the
// replacement; when the pointer no longer matches what the repository
// expects, it is left untouched and a warning is surfaced instead of
// guessing.
package workingcopy

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/kelp/lock"
	"github.com/AleutianAI/kelp/oplog"
)

// DefaultWorkspace is the workspace created at repository init.
const DefaultWorkspace = "default"

// Manager reads and writes working-copy pointers under an exclusive lock.
type Manager struct {
	dir    string
	lk     *lock.Lock
	logger *slog.Logger
}

// NewManager opens (creating if necessary) the working-copy directory.
func NewManager(dir string, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("creating working-copy directory %s: %w", dir, err)
	}
	return &Manager{
		dir:    dir,
		lk:     lock.New(filepath.Join(dir, "lock"), logger),
		logger: logger,
	}, nil
}

// OperationID returns the operation the workspace's working copy points
// at.
func (m *Manager) OperationID(workspace string) (oplog.OperationID, error) {
	data, err := os.ReadFile(m.pointerPath(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return "", &oplog.NotFoundError{Kind: "working-copy pointer", ID: workspace}
		}
		return "", fmt.Errorf("reading working-copy pointer for %s: %w", workspace, err)
	}
	return oplog.OperationID(strings.TrimSpace(string(data))), nil
}

// SetOperationID points the workspace's working copy at an operation.
// The write is atomic (temp file + rename) and taken under the
// working-copy lock.
func (m *Manager) SetOperationID(workspace string, id oplog.OperationID) error {
	if err := m.lk.Acquire("update working-copy pointer"); err != nil {
		return err
	}
	defer m.lk.Release()
	return m.writePointer(workspace, id)
}

// Advance moves the pointer from expected to replacement.
//
// Description:
//
//	Used after abandon/reparent: the pointer advances only when it still
//	matches the operation the repository expects. A mismatch means the
//	working copy state diverged from the operation log (another tool or
//	an interrupted command); the pointer is left untouched and the caller
//	receives false so it can surface a warning.
func (m *Manager) Advance(workspace string, expected, replacement oplog.OperationID) (bool, error) {
	if err := m.lk.Acquire("advance working-copy pointer"); err != nil {
		return false, err
	}
	defer m.lk.Release()

	current, err := m.OperationID(workspace)
	if err != nil {
		return false, err
	}
	if current != expected {
		m.logger.Warn("working-copy pointer diverged; leaving untouched",
			"workspace", workspace,
			"expected", expected.Short(),
			"found", current.Short())
		return false, nil
	}
	if err := m.writePointer(workspace, replacement); err != nil {
		return false, err
	}
	return true, nil
}

// Watch reports external modifications to a workspace's pointer file
// while the returned stop function has not been called. Detection is best
// effort; it exists to warn, not to block.
func (m *Manager) Watch(workspace string, onChange func()) (stop func(), err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating working-copy watcher: %w", err)
	}
	if err := watcher.Add(m.dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watching working-copy directory: %w", err)
	}
	target := m.pointerPath(workspace)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != target {
					continue
				}
				// Atomic replacement via rename arrives as Create on the
				// destination path.
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				m.logger.Warn("external modification of working-copy pointer",
					"workspace", workspace,
					"event", event.Op.String())
				if onChange != nil {
					onChange()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				m.logger.Debug("working-copy watcher error", "error", err)
			case <-done:
				return
			}
		}
	}()
	return func() {
		close(done)
		watcher.Close()
	}, nil
}

func (m *Manager) writePointer(workspace string, id oplog.OperationID) error {
	path := m.pointerPath(workspace)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(id+"\n"), 0640); err != nil {
		return fmt.Errorf("writing working-copy pointer for %s: %w", workspace, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("publishing working-copy pointer for %s: %w", workspace, err)
	}
	m.logger.Debug("working-copy pointer updated",
		"workspace", workspace,
		"op", id.Short())
	return nil
}

func (m *Manager) pointerPath(workspace string) string {
	return filepath.Join(m.dir, workspace)
}
