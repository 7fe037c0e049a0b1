package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/seantiz/kiln/internal/api"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP and websocket API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := wireApp()
			if err != nil {
				return err
			}
			defer a.Close()

			a.logger.Info("kiln: starting",
				"version", version,
				"listen_addr", a.cfg.ListenAddr,
				"db_path", a.cfg.DBPath,
				"registry", a.cfg.Registry,
				"workspace_root", a.cfg.WorkspaceRoot,
			)

			ctx, cancel := context.WithCancel(context.Background())
			a.engine.StartSweeper(ctx, a.cfg.SweepInterval)

			srv := api.NewServer(a.cfg.ListenAddr, a.store, a.engine, a.logger, a.cfg.SendBuffer)
			runErr := srv.Run()

			cancel()
			a.engine.Shutdown()
			a.engine.Wait()
			a.logger.Info("kiln: live sessions cleaned up")
			return runErr
		},
	}
}
