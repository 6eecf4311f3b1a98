package main

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

const flagHome = "home"

func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "rivald",
		Short: "Rival Agent Daemon",
	}

	rootCmd.PersistentFlags().String(flagHome, defaultHome(), "agent home directory")

	InitRootCmd(rootCmd) // add subcommands like `start` and `version`

	return rootCmd
}

func defaultHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".rival"
	}
	return filepath.Join(home, ".rival")
}
