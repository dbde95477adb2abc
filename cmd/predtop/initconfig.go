// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/predtop/internal/config"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var flagForce bool

var initConfigCmd = &cobra.Command{
	Use:   "init-config <path>",
	Short: "Writes the default configuration to a YAML file, to be edited",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		exists, err := fsutil.FileExists(path)
		if err != nil {
			return err
		}
		if exists && !flagForce {
			return errors.Errorf("%q already exists, use --force to overwrite it", path)
		}
		if err := config.Default().Save(path); err != nil {
			return err
		}
		fmt.Printf("Default configuration written to %s\n", path)
		return nil
	},
}

func init() {
	initConfigCmd.Flags().BoolVar(&flagForce, "force", false, "Overwrite an existing file.")
}
