package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zulandar/stagecoach/internal/connectivity"
	"github.com/zulandar/stagecoach/internal/dashboard"
	"github.com/zulandar/stagecoach/internal/housekeeping"
)

func newDaemonCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the sync daemon",
		Long: "Watches connectivity, drains the offline queue when the network returns,\n" +
			"prunes old cached history, and serves the status dashboard.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to config file")
	return cmd
}

func runDaemon(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, configPath, false)
	if err != nil {
		return err
	}
	defer a.close()

	// Reachability probe feeds the monitor's raw signal.
	probe := connectivity.NewProbe(connectivity.ProbeOpts{Addr: a.cfg.Sync.ProbeAddr})
	samples := probe.Run(ctx)
	go func() {
		for s := range samples {
			select {
			case a.raw <- s:
			case <-ctx.Done():
				return
			}
		}
	}()

	// Queue flushes follow settled connectivity.
	events := a.monitor.Run(ctx)
	go a.engine.Retrier().Watch(ctx, events)

	// Retention sweep.
	sweeper, err := housekeeping.NewSweeper(housekeeping.SweeperOpts{
		Store:     a.store,
		Retention: time.Duration(a.cfg.Retention.Days) * 24 * time.Hour,
		Schedule:  a.cfg.Retention.Schedule,
	})
	if err != nil {
		return err
	}
	go sweeper.Run(ctx)

	fmt.Fprintf(out, "Stagecoach daemon running (user %s, relay %s)\n",
		a.cfg.UserID, a.cfg.Relay.Platform)

	// The dashboard server blocks until ctx is cancelled.
	return dashboard.Start(ctx, dashboard.StartOpts{
		Store:   a.store,
		Queue:   a.queue,
		Monitor: a.monitor,
		Port:    a.cfg.Dashboard.Port,
		Out:     out,
	})
}
