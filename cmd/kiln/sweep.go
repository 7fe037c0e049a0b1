package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/seantiz/kiln/internal/config"
)

func newSweepCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Remove workspaces and registry entries left by expired sessions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := wireApp()
			if err != nil {
				return err
			}
			defer a.Close()

			// An in-memory registry is empty in this process, so every old
			// workspace would look orphaned, including a running server's.
			if a.cfg.Registry == config.RegistryMemory && !force {
				return errors.New("sweep needs a shared registry (redis or sqlite); pass --force to sweep anyway")
			}

			report, err := a.engine.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "purged %d registry entries, removed %d workspaces, pruned %d streams\n",
				report.Purged, len(report.Removed), report.Pruned)
			return err
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "sweep even with the in-memory registry")
	return cmd
}
