// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store persists operations and views in BadgerDB, keyed by their
// content address. The store is append-only: there is no update or delete,
// and writing identical content twice is a no-op that returns the existing
// id. Concurrent writers racing on the same content are therefore naturally
// idempotent.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/dgraph-io/badger/v4"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/AleutianAI/kelp/oplog"
)

const (
	opPrefix   = "op/"
	viewPrefix = "view/"

	// readCacheSize bounds each of the operation and view read caches.
	readCacheSize = 1024
)

// Store is a content-addressed store for operations and views.
//
// Thread Safety:
//
//	All methods are safe for concurrent use. Reads are served from an LRU
//	cache in front of Badger; cache entries are immutable records, and
//	views are cloned on the way out so callers can mutate freely.
type Store struct {
	db     *badger.DB
	logger *slog.Logger
	ops    *lru.Cache[oplog.OperationID, *oplog.Operation]
	views  *lru.Cache[oplog.ViewID, *oplog.View]
}

// New creates a store on top of an open Badger database.
func New(db *badger.DB, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ops, err := lru.New[oplog.OperationID, *oplog.Operation](readCacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating operation cache: %w", err)
	}
	views, err := lru.New[oplog.ViewID, *oplog.View](readCacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating view cache: %w", err)
	}
	return &Store{db: db, logger: logger, ops: ops, views: views}, nil
}

// WriteOperation persists an operation and returns its content address.
// Writing identical content again returns the existing id without touching
// storage.
func (s *Store) WriteOperation(op *oplog.Operation) (oplog.OperationID, error) {
	id, err := oplog.HashOperation(op)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(op)
	if err != nil {
		return "", fmt.Errorf("encoding operation %s: %w", id.Short(), err)
	}
	if err := s.writeIfAbsent([]byte(opPrefix+string(id)), data); err != nil {
		return "", fmt.Errorf("writing operation %s: %w", id.Short(), err)
	}
	s.ops.Add(id, op)
	return id, nil
}

// ReadOperation reads an operation by id. The synthetic root operation is
// served without touching storage.
func (s *Store) ReadOperation(id oplog.OperationID) (*oplog.Operation, error) {
	if id.IsRoot() {
		return rootOperation(), nil
	}
	if op, ok := s.ops.Get(id); ok {
		return op, nil
	}
	var op oplog.Operation
	if err := s.read([]byte(opPrefix+string(id)), &op); err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, &oplog.NotFoundError{Kind: "operation", ID: string(id)}
		}
		return nil, fmt.Errorf("reading operation %s: %w", id.Short(), err)
	}
	s.ops.Add(id, &op)
	return &op, nil
}

// WriteView persists a view and returns its content address. Idempotent
// like WriteOperation.
func (s *Store) WriteView(v *oplog.View) (oplog.ViewID, error) {
	id, err := oplog.HashView(v)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encoding view: %w", err)
	}
	if err := s.writeIfAbsent([]byte(viewPrefix+string(id)), data); err != nil {
		return "", fmt.Errorf("writing view: %w", err)
	}
	s.views.Add(id, v.Clone())
	return id, nil
}

// ReadView reads a view by id. The returned view is the caller's to mutate.
func (s *Store) ReadView(id oplog.ViewID) (*oplog.View, error) {
	if id == oplog.RootViewID {
		return oplog.NewView(), nil
	}
	if v, ok := s.views.Get(id); ok {
		return v.Clone(), nil
	}
	var v oplog.View
	if err := s.read([]byte(viewPrefix+string(id)), &v); err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, &oplog.NotFoundError{Kind: "view", ID: string(id)}
		}
		return nil, fmt.Errorf("reading view: %w", err)
	}
	if v.LocalBranches == nil {
		v.LocalBranches = make(map[string]oplog.RefTarget)
	}
	if v.RemoteBranches == nil {
		v.RemoteBranches = make(map[string]map[string]oplog.RemoteRef)
	}
	if v.Workspaces == nil {
		v.Workspaces = make(map[string]oplog.CommitID)
	}
	s.views.Add(id, v.Clone())
	return &v, nil
}

// ScanOperationPrefix lists all operation ids starting with the given hex
// prefix, sorted. The root operation id participates like any other id.
func (s *Store) ScanOperationPrefix(prefix string) ([]oplog.OperationID, error) {
	var ids []oplog.OperationID
	if strings.HasPrefix(string(oplog.RootOperationID), prefix) {
		ids = append(ids, oplog.RootOperationID)
	}
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(opPrefix + prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			key := string(it.Item().Key())
			ids = append(ids, oplog.OperationID(strings.TrimPrefix(key, opPrefix)))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning operations with prefix %q: %w", prefix, err)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// writeIfAbsent sets key to value unless the key already exists. Existing
// content is never rewritten; content-addressing guarantees it is identical.
func (s *Store) writeIfAbsent(key, value []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if err == nil {
			s.logger.Debug("store record already present", "key", string(key))
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, value)
	})
}

func (s *Store) read(key []byte, out any) error {
	return s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, out)
		})
	})
}

// rootOperation builds the synthetic root operation. It exists so every
// real operation has an ancestor chain ending in a stable, well-known id.
func rootOperation() *oplog.Operation {
	return &oplog.Operation{
		Parents: []oplog.OperationID{},
		ViewID:  oplog.RootViewID,
	}
}
