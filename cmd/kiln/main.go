package main

import (
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "kiln",
		Short:        "kiln compiles submitted C and C++ programs and runs them interactively",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newSweepCmd(),
		newVersionCmd(),
	)
	return rootCmd
}
