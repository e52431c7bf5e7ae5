// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package objectstore is the content-addressed store for commit objects.
//
// From the operation log's point of view this is an external collaborator:
// the core only asks whether a referenced object exists, reads graph
// structure, and requests rebased copies of rewritten commits. Commits are
// immutable and keyed by content hash, so writes are idempotent and
// concurrent writers of identical content are harmless.
package objectstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/kelp/oplog"
)

const commitPrefix = "commit/"

// Store persists commit objects in the repository database.
type Store struct {
	db     *badger.DB
	logger *slog.Logger
}

// New creates a commit object store on top of an open Badger database.
func New(db *badger.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}
}

// WriteCommit persists a commit and returns its content address.
// Idempotent: identical content returns the existing id.
func (s *Store) WriteCommit(c *oplog.Commit) (oplog.CommitID, error) {
	id, err := oplog.HashCommit(c)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encoding commit %s: %w", id.Short(), err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		key := []byte(commitPrefix + string(id))
		if _, err := txn.Get(key); err == nil {
			return nil
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, data)
	})
	if err != nil {
		return "", fmt.Errorf("writing commit %s: %w", id.Short(), err)
	}
	return id, nil
}

// Commit reads a commit object by id.
func (s *Store) Commit(id oplog.CommitID) (*oplog.Commit, error) {
	var c oplog.Commit
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(commitPrefix + string(id)))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &c)
		})
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, &oplog.NotFoundError{Kind: "commit", ID: string(id)}
		}
		return nil, fmt.Errorf("reading commit %s: %w", id.Short(), err)
	}
	return &c, nil
}

// HasCommit reports whether the commit object exists. Used by the
// corruption detector; never mutates anything.
func (s *Store) HasCommit(id oplog.CommitID) (bool, error) {
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(commitPrefix + string(id)))
		return err
	})
	if err == nil {
		return true, nil
	}
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return false, fmt.Errorf("checking commit %s: %w", id.Short(), err)
}

// Rebase computes a copy of the commit on new parents, preserving its tree
// and description. The original is recorded as a predecessor so later
// reconciliations can follow the rewrite chain.
func (s *Store) Rebase(id oplog.CommitID, newParents []oplog.CommitID) (oplog.CommitID, error) {
	orig, err := s.Commit(id)
	if err != nil {
		return "", err
	}
	rebased := &oplog.Commit{
		Parents:      append([]oplog.CommitID(nil), newParents...),
		Predecessors: []oplog.CommitID{id},
		TreeID:       orig.TreeID,
		Description:  orig.Description,
		Author:       orig.Author,
		Timestamp:    orig.Timestamp,
	}
	newID, err := s.WriteCommit(rebased)
	if err != nil {
		return "", err
	}
	s.logger.Debug("rebased commit", "old", id.Short(), "new", newID.Short())
	return newID, nil
}

// DeleteCommit removes a commit object. Only used by tests and recovery
// tooling to simulate or repair store corruption; regular command paths
// never delete objects.
func (s *Store) DeleteCommit(id oplog.CommitID) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(commitPrefix + string(id)))
	})
}

// NewCommit is a convenience for building a commit with the given payload.
func NewCommit(parents []oplog.CommitID, treeID, description, author string, ts time.Time) *oplog.Commit {
	return &oplog.Commit{
		Parents:     append([]oplog.CommitID(nil), parents...),
		TreeID:      treeID,
		Description: description,
		Author:      author,
		Timestamp:   ts.UTC(),
	}
}
