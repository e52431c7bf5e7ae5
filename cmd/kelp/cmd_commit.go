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
	commitCmd = &cobra.Command{
		Use:   "commit",
		Short: "Finalize the working-copy change and start a new one",
		Args:  cobra.NoArgs,
		RunE:  runCommit,
	}

	describeCmd = &cobra.Command{
		Use:   "describe",
		Short: "Set the description of the working-copy change",
		Args:  cobra.NoArgs,
		RunE:  runDescribe,
	}

	newCmd = &cobra.Command{
		Use:   "new",
		Short: "Start a new empty change on top of the working-copy change",
		Args:  cobra.NoArgs,
		RunE:  runNew,
	}

	undoCmd = &cobra.Command{
		Use:   "undo [operation]",
		Short: "Undo an operation (the most recent one by default)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runUndo,
	}
)

func runCommit(cmd *cobra.Command, args []string) error {
	r, err := openRepo()
	if err != nil {
		return err
	}
	defer r.Close()
	opID, err := r.Commit(cmd.Context(), message, atOp, argv())
	if err != nil {
		return err
	}
	fmt.Printf("Committed as operation %s\n", opID.Short())
	return nil
}

func runDescribe(cmd *cobra.Command, args []string) error {
	r, err := openRepo()
	if err != nil {
		return err
	}
	defer r.Close()
	if _, err := r.Describe(cmd.Context(), message, atOp, argv()); err != nil {
		return err
	}
	return nil
}

func runNew(cmd *cobra.Command, args []string) error {
	r, err := openRepo()
	if err != nil {
		return err
	}
	defer r.Close()
	if _, err := r.NewChange(cmd.Context(), atOp, argv()); err != nil {
		return err
	}
	return nil
}

func runUndo(cmd *cobra.Command, args []string) error {
	r, err := openRepo()
	if err != nil {
		return err
	}
	defer r.Close()
	expr := ""
	if len(args) == 1 {
		expr = args[0]
	}
	if _, err := r.Undo(cmd.Context(), expr, atOp, argv()); err != nil {
		return err
	}
	return nil
}
