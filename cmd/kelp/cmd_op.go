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
	"fmt"

	"github.com/spf13/cobra"
)

var (
	opLogCmd = &cobra.Command{
		Use:   "log",
		Short: "List the operations, newest first",
		Args:  cobra.NoArgs,
		RunE:  runOpLog,
	}

	opAbandonCmd = &cobra.Command{
		Use:   "abandon [operation]",
		Short: "Abandon operations, reparenting their descendants",
		Long: `Abandon the named operation, or a range of operations (A..B syntax).
Descendant operations are rewritten onto the abandoned operations'
parents. Without an argument the parent of the current operation is
abandoned.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runOpAbandon,
	}

	opReindexCmd = &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the commit index, verifying object references",
		Args:  cobra.NoArgs,
		RunE:  runOpReindex,
	}
)

func runOpLog(cmd *cobra.Command, args []string) error {
	r, err := openRepo()
	if err != nil {
		return err
	}
	defer r.Close()
	entries, err := r.OpLog(cmd.Context(), atOp)
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Printf("%s %s\n", e.ID.Short(), e.Description())
	}
	return nil
}

func runOpAbandon(cmd *cobra.Command, args []string) error {
	r, err := openRepo()
	if err != nil {
		return err
	}
	defer r.Close()
	expr := ""
	if len(args) == 1 {
		expr = args[0]
	}
	_, err = r.OpAbandon(cmd.Context(), expr, atOp, argv())
	return err
}

func runOpReindex(cmd *cobra.Command, args []string) error {
	r, err := openRepo()
	if err != nil {
		return err
	}
	defer r.Close()
	if err := r.Reindex(cmd.Context(), atOp); err != nil {
		return err
	}
	fmt.Println("Finished indexing commits.")
	return nil
}
