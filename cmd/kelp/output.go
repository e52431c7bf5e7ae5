// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/mattn/go-isatty"

	"github.com/AleutianAI/kelp/oplog"
)

const (
	ansiRed    = "\x1b[31m"
	ansiYellow = "\x1b[33m"
	ansiReset  = "\x1b[0m"
)

// colorEnabled reports whether stderr is an interactive terminal.
func colorEnabled() bool {
	fd := os.Stderr.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// printError writes "Error: ..." and, when the error carries one, a
// "Hint: ..." line beneath it.
func printError(err error) {
	if colorEnabled() {
		fmt.Fprintf(os.Stderr, "%sError:%s %v\n", ansiRed, ansiReset, err)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	var hinter oplog.Hinter
	if errors.As(err, &hinter) {
		if colorEnabled() {
			fmt.Fprintf(os.Stderr, "%sHint:%s %s\n", ansiYellow, ansiReset, hinter.Hint())
		} else {
			fmt.Fprintf(os.Stderr, "Hint: %s\n", hinter.Hint())
		}
	}
}
