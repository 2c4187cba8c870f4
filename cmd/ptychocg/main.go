// Copyright ©2024 The ptychocg Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command ptychocg reconstructs the object and probe of ptychography
// measurements stored as NumPy .npy files.
//
// Usage:
//  ptychocg config init [path]
//  ptychocg solve --config ptychocg.yaml [flags]
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tekinbicer/ptychocg/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "ptychocg:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := config.New()
	var configPath string

	root := &cobra.Command{
		Use:   "ptychocg",
		Short: "Conjugate gradient ptychography reconstruction",
		Long: `ptychocg refines a complex object, and optionally the probe, from far-field
diffraction intensities recorded at overlapping scan positions.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "configuration file (YAML)")

	root.AddCommand(newSolveCmd(v, &configPath), newConfigCmd())
	return root
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration files",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "ptychocg.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.Default().Save(path); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "wrote", path)
			return nil
		},
	})
	return cmd
}

// bindFlags binds the flags of cmd to the configuration keys of v.
func bindFlags(v *viper.Viper, cmd *cobra.Command, keys map[string]string) error {
	for flag, key := range keys {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return fmt.Errorf("binding --%s: %w", flag, err)
		}
	}
	return nil
}
