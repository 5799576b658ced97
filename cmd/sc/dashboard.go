package main

import (
	"github.com/spf13/cobra"

	"github.com/zulandar/stagecoach/internal/dashboard"
)

func newDashboardCmd() *cobra.Command {
	var configPath string
	var port int

	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Serve the status dashboard without the sync daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), configPath, false)
			if err != nil {
				return err
			}
			defer a.close()

			if port == 0 {
				port = a.cfg.Dashboard.Port
			}
			return dashboard.Start(cmd.Context(), dashboard.StartOpts{
				Store:   a.store,
				Queue:   a.queue,
				Monitor: a.monitor,
				Port:    port,
				Out:     cmd.OutOrStdout(),
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to config file")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (defaults to config)")
	return cmd
}
