// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lock provides the advisory file lock guarding a repository's
// working-copy state.
//
// The operation log itself needs no locking: its stores are append-only
// and content-addressed, and head-set races are absorbed by
// reconciliation. The working-copy pointer is the one place where two
// processes mutating the same bytes would clobber each other, so updates
// take an exclusive flock (Unix) or LockFileEx (Windows) lock, with a
// side-car info file for stale-lock diagnosis and cleanup.
package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors.
var (
	// ErrLocked indicates another live process holds the lock.
	ErrLocked = errors.New("working copy is locked by another process")

	// ErrNotHeld indicates a release without a matching acquire.
	ErrNotHeld = errors.New("lock not held")
)

// DefaultTTL is how long a lock is honored before being considered stale
// even when its holding process cannot be probed.
const DefaultTTL = time.Hour

// acquireRetries and acquireBackoff bound how long Acquire waits for a
// contended lock before giving up with ErrLocked.
const (
	acquireRetries = 20
	acquireBackoff = 50 * time.Millisecond
)

// FileLocker abstracts platform file locking: flock(2) on Unix,
// LockFileEx on Windows. Non-blocking; Lock returns ErrLocked when the
// file is held elsewhere.
type FileLocker interface {
	Lock(f *os.File) error
	Unlock(f *os.File) error
}

// Info is the side-car metadata written next to the lock for visibility
// and stale-lock cleanup.
type Info struct {
	PID       int       `json:"pid"`
	SessionID string    `json:"session_id"`
	LockedAt  time.Time `json:"locked_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Reason    string    `json:"reason"`
}

// IsExpired reports whether the lock's TTL has elapsed.
func (i *Info) IsExpired() bool {
	return time.Now().After(i.ExpiresAt)
}

// Lock is an exclusive lock on one file path.
//
// Thread Safety:
//
//	A Lock guards against other processes. Sharing one Lock between
//	goroutines requires external synchronization.
type Lock struct {
	path      string
	infoPath  string
	sessionID string
	ttl       time.Duration
	locker    FileLocker
	logger    *slog.Logger
	file      *os.File
}

// New creates an unacquired lock for the given path.
func New(path string, logger *slog.Logger) *Lock {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lock{
		path:      path,
		infoPath:  path + ".info",
		sessionID: uuid.NewString(),
		ttl:       DefaultTTL,
		locker:    newPlatformLocker(),
		logger:    logger,
	}
}

// Acquire takes the lock, waiting briefly for a contended one and
// clearing stale locks from dead or expired holders.
func (l *Lock) Acquire(reason string) error {
	if l.file != nil {
		return nil
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0640)
	if err != nil {
		return fmt.Errorf("opening lock file %s: %w", l.path, err)
	}

	for attempt := 0; ; attempt++ {
		err = l.locker.Lock(f)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrLocked) {
			f.Close()
			return fmt.Errorf("acquiring lock on %s: %w", l.path, err)
		}
		if l.clearStale() {
			continue
		}
		if attempt >= acquireRetries {
			f.Close()
			return ErrLocked
		}
		time.Sleep(acquireBackoff)
	}

	now := time.Now()
	info := &Info{
		PID:       os.Getpid(),
		SessionID: l.sessionID,
		LockedAt:  now,
		ExpiresAt: now.Add(l.ttl),
		Reason:    reason,
	}
	if err := l.writeInfo(info); err != nil {
		l.locker.Unlock(f)
		f.Close()
		return fmt.Errorf("writing lock info: %w", err)
	}

	l.file = f
	l.logger.Debug("acquired working-copy lock",
		"path", l.path,
		"reason", reason)
	return nil
}

// Release drops the lock. Safe to call once per Acquire; a second call
// returns ErrNotHeld.
func (l *Lock) Release() error {
	if l.file == nil {
		return ErrNotHeld
	}
	if err := l.locker.Unlock(l.file); err != nil {
		l.logger.Warn("failed to unlock working copy",
			"path", l.path,
			"error", err)
	}
	if err := l.file.Close(); err != nil {
		l.logger.Warn("failed to close lock file",
			"path", l.path,
			"error", err)
	}
	l.file = nil
	if err := os.Remove(l.infoPath); err != nil && !os.IsNotExist(err) {
		l.logger.Warn("failed to remove lock info",
			"path", l.infoPath,
			"error", err)
	}
	l.logger.Debug("released working-copy lock", "path", l.path)
	return nil
}

// Holder returns the current lock holder's info, or nil when unheld or
// the info file is unreadable.
func (l *Lock) Holder() *Info {
	data, err := os.ReadFile(l.infoPath)
	if err != nil {
		return nil
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil
	}
	return &info
}

// clearStale removes the info file of a dead or expired holder. The flock
// itself dies with the process; only the info file can linger.
func (l *Lock) clearStale() bool {
	info := l.Holder()
	if info == nil {
		return false
	}
	if !info.IsExpired() && isProcessAlive(info.PID) {
		return false
	}
	l.logger.Info("removing stale working-copy lock",
		"path", l.path,
		"old_pid", info.PID,
		"expired", info.IsExpired())
	if err := os.Remove(l.infoPath); err != nil && !os.IsNotExist(err) {
		return false
	}
	return true
}

func (l *Lock) writeInfo(info *Info) error {
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(l.infoPath, data, 0640)
}
