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

	"github.com/AleutianAI/kelp/repo"
)

var initCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Create a new kelp repository",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	root := repoPath
	if len(args) == 1 {
		root = args[0]
	}
	r, err := repo.Init(root, repo.Options{})
	if err != nil {
		return err
	}
	defer r.Close()
	fmt.Printf("Initialized kelp repository in %s\n", root)
	return nil
}
