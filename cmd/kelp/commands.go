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
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/kelp/repo"
)

// --- Global Command Variables ---
var (
	repoPath  string // Repository root (defaults to the working directory)
	atOp      string // Operation to load the repo at instead of the head
	debugMode bool
	message   string // -m for commit/describe

	rootCmd = &cobra.Command{
		Use:   "kelp",
		Short: "A version control tool with an undoable operation log",
		Long: `Kelp records every repository-mutating command as an operation in an
append-only log. Any operation can be inspected, undone, or abandoned;
concurrent commands from several processes are merged automatically.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			configureLogging(debugMode)
		},
	}

	opCmd = &cobra.Command{
		Use:   "op",
		Short: "Inspect and edit the operation log",
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&repoPath, "repository", "R", ".",
		"Path to the repository root")
	rootCmd.PersistentFlags().StringVar(&atOp, "at-op", "",
		"Operation to load the repo at (id prefix, or expression like @-)")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false,
		"Enable debug logging")

	rootCmd.AddCommand(initCmd)

	rootCmd.AddCommand(commitCmd)
	commitCmd.Flags().StringVarP(&message, "message", "m", "",
		"Description for the finalized change")

	rootCmd.AddCommand(describeCmd)
	describeCmd.Flags().StringVarP(&message, "message", "m", "",
		"New description for the working-copy change")

	rootCmd.AddCommand(newCmd)
	rootCmd.AddCommand(undoCmd)

	rootCmd.AddCommand(opCmd)
	opCmd.AddCommand(opLogCmd)
	opCmd.AddCommand(opAbandonCmd)
	opCmd.AddCommand(opReindexCmd)
}

// openRepo opens the repository named by --repository, routing notice
// lines to stderr.
func openRepo() (*repo.Repo, error) {
	r, err := repo.Open(repoPath, repo.Options{})
	if err != nil {
		return nil, err
	}
	r.Notices = os.Stderr
	return r, nil
}

// argv reconstructs the command line recorded in operation metadata.
func argv() []string {
	return append([]string{"kelp"}, os.Args[1:]...)
}
