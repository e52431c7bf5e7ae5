// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package oplog

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// hashContent computes the content address of a record.
//
// The canonical encoding is JSON: encoding/json emits struct fields in
// declaration order and map keys sorted, so identical content always
// produces identical bytes. A short type tag is prepended so an operation
// and a view with coincidentally equal encodings can never collide.
func hashContent(kind string, v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encoding %s for hashing: %w", kind, err)
	}
	h := sha256.New()
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashOperation computes the content-addressed id of an operation.
func HashOperation(op *Operation) (OperationID, error) {
	sum, err := hashContent("operation", op)
	if err != nil {
		return "", err
	}
	return OperationID(sum), nil
}

// HashView computes the content-addressed id of a view.
func HashView(v *View) (ViewID, error) {
	sum, err := hashContent("view", v)
	if err != nil {
		return "", err
	}
	return ViewID(sum), nil
}

// HashCommit computes the content-addressed id of a commit object.
func HashCommit(c *Commit) (CommitID, error) {
	sum, err := hashContent("commit", c)
	if err != nil {
		return "", err
	}
	return CommitID(sum), nil
}
