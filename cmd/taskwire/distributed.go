package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/taskwire/taskwire/pkg/client"
	"github.com/taskwire/taskwire/pkg/fabric"
	"github.com/taskwire/taskwire/pkg/log"
	"github.com/taskwire/taskwire/pkg/server"
)

// Distributed mode: each rank is its own process, meshed over NATS.
// All ranks must share workers/servers counts and the cluster id.

var flagRank int

func init() {
	serverCmd.Flags().IntVar(&flagRank, "rank", -1, "This process's rank")
	workerCmd.Flags().IntVar(&flagRank, "rank", -1, "This process's rank")
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run one server rank over NATS",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		l, err := cfg.Layout()
		if err != nil {
			return err
		}
		if !l.IsServer(flagRank) {
			return fmt.Errorf("rank %d is not a server rank in a %d/%d layout",
				flagRank, l.Workers, l.Servers)
		}
		if cfg.ClusterID == "" {
			return fmt.Errorf("distributed mode requires a cluster id")
		}

		fab, err := fabric.NewNATS(l.Size(), fabric.NATSOptions{
			URL:       cfg.NATSURL,
			ClusterID: cfg.ClusterID,
		})
		if err != nil {
			return err
		}
		defer fab.Close()

		ep, err := fab.Endpoint(flagRank)
		if err != nil {
			return err
		}
		srv := server.New(l, flagRank, ep, server.Options{
			WorkTypes:       cfg.WorkTypes,
			ReadRefcEnabled: cfg.ReadRefcEnabled,
			ReportLeaks:     cfg.ReportLeaks,
			Logger:          log.WithComponent("server"),
		})
		return srv.Run(ctx)
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run one worker rank over NATS with the demo workload",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		l, err := cfg.Layout()
		if err != nil {
			return err
		}
		if !l.IsWorker(flagRank) {
			return fmt.Errorf("rank %d is not a worker rank in a %d/%d layout",
				flagRank, l.Workers, l.Servers)
		}
		if cfg.ClusterID == "" {
			return fmt.Errorf("distributed mode requires a cluster id")
		}

		fab, err := fabric.NewNATS(l.Size(), fabric.NATSOptions{
			URL:       cfg.NATSURL,
			ClusterID: cfg.ClusterID,
		})
		if err != nil {
			return err
		}
		defer fab.Close()

		ep, err := fab.Endpoint(flagRank)
		if err != nil {
			return err
		}
		c := client.New(l, flagRank, ep)
		return demoWorker(ctx, c, flagRunTasks, nil)
	},
}
