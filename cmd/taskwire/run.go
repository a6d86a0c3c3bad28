package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/taskwire/taskwire/pkg/checkpoint"
	"github.com/taskwire/taskwire/pkg/client"
	"github.com/taskwire/taskwire/pkg/codec"
	"github.com/taskwire/taskwire/pkg/fabric"
	"github.com/taskwire/taskwire/pkg/layout"
	"github.com/taskwire/taskwire/pkg/log"
	"github.com/taskwire/taskwire/pkg/server"
	"github.com/taskwire/taskwire/pkg/types"
	"golang.org/x/sync/errgroup"
)

var flagRunTasks int

func init() {
	runCmd.Flags().IntVar(&flagRunTasks, "tasks", 16, "Tasks the demo workload submits")
}

// runCmd launches a complete cluster inside one process over the
// channel fabric and drives a small future-passing workload through
// it. Useful as a smoke test of the whole dispatch and data path.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run an in-process cluster with a demo workload",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		l, err := cfg.Layout()
		if err != nil {
			return err
		}

		// Every rank of an in-process cluster shares one host.
		host, err := os.Hostname()
		if err != nil {
			host = "localhost"
		}
		hostnames := make([]string, l.Size())
		for i := range hostnames {
			hostnames[i] = host
		}
		if cfg.DebugRanks {
			layout.ReportRanks(log.WithComponent("layout"), hostnames)
		}
		if cfg.Hostmap != layout.HostmapDisabled && cfg.Hostmap != "" {
			hm := layout.NewHostmap(cfg.Hostmap, hostnames)
			count, _ := hm.Stats()
			log.WithComponent("layout").Info().
				Int("hosts", count).
				Str("mode", string(cfg.Hostmap)).
				Msg("hostmap ready")
		}

		var xpt *checkpoint.Writer
		var xptIndex *checkpoint.Index
		if cfg.CheckpointDir != "" {
			if err := os.MkdirAll(cfg.CheckpointDir, 0o755); err != nil {
				return fmt.Errorf("failed to create checkpoint dir: %w", err)
			}
			xpt, err = checkpoint.Create(filepath.Join(cfg.CheckpointDir, "taskwire.xpt"), 0, 1)
			if err != nil {
				return err
			}
			defer xpt.Close()
			xptIndex, err = checkpoint.OpenIndex(cfg.CheckpointDir)
			if err != nil {
				return err
			}
			defer xptIndex.Close()
		}

		fab := fabric.NewChannel(l.Size())
		defer fab.Close()

		g, ctx := errgroup.WithContext(ctx)

		for i := 0; i < l.Servers; i++ {
			rank := l.ServerRank(i)
			ep, err := fab.Endpoint(rank)
			if err != nil {
				return err
			}
			srv := server.New(l, rank, ep, server.Options{
				WorkTypes:       cfg.WorkTypes,
				ReadRefcEnabled: cfg.ReadRefcEnabled,
				ReportLeaks:     cfg.ReportLeaks,
				Logger:          log.WithComponent("server"),
			})
			g.Go(func() error { return srv.Run(ctx) })
		}

		// Resolved futures can be checkpointed; the log writer is not
		// concurrency-safe, so serialize the workers' records.
		var record func(id, val int64) error
		if xpt != nil {
			var mu sync.Mutex
			record = func(id, val int64) error {
				mu.Lock()
				defer mu.Unlock()
				key := []byte(strconv.FormatInt(id, 10))
				offset, err := xpt.WriteRecord(key, []byte(strconv.FormatInt(val, 10)))
				if err != nil {
					return err
				}
				return xptIndex.Put(key, checkpoint.Entry{Rank: 0, Offset: offset})
			}
		}

		for rank := 0; rank < l.Workers; rank++ {
			ep, err := fab.Endpoint(rank)
			if err != nil {
				return err
			}
			c := client.New(l, rank, ep)
			g.Go(func() error { return demoWorker(ctx, c, flagRunTasks, record) })
		}

		if err := g.Wait(); err != nil {
			return err
		}
		if xpt != nil {
			return xpt.WriteEOF()
		}
		return nil
	},
}

// demoWorker is the built-in workload: rank 0 submits one future per
// task plus a task computing it; every worker serves tasks until
// shutdown. record, when set, checkpoints each resolved future.
func demoWorker(ctx context.Context, c *client.Client, tasks int, record func(id, val int64) error) error {
	logger := log.WithRank(c.Rank())

	if c.Rank() == 0 {
		for i := 0; i < tasks; i++ {
			id, err := c.Create(ctx, types.NullID, types.TypeInteger, types.TypeExtra{},
				types.DefaultCreateProps())
			if err != nil {
				return fmt.Errorf("failed to create future: %w", err)
			}
			err = c.Put(ctx, client.PutSpec{
				Type:        1,
				Target:      types.AnyRank,
				Answer:      types.NullRank,
				Parallelism: 1,
				Payload:     []byte(fmt.Sprintf("compute %d %d", id, i*i)),
			})
			if err != nil {
				return fmt.Errorf("failed to put task: %w", err)
			}
		}
	}

	for {
		task, err := c.Get(ctx, 1)
		if err != nil {
			if types.IsStatus(err, types.ErrShutdown) {
				logger.Info().Msg("worker released")
				return nil
			}
			return err
		}
		if err := serveDemoTask(ctx, c, logger, task, record); err != nil {
			return err
		}
	}
}

// serveDemoTask resolves one "compute <id> <value>" task: store the
// value into the future, then read it back consuming the read ref.
func serveDemoTask(ctx context.Context, c *client.Client, logger zerolog.Logger,
	task *client.Task, record func(id, val int64) error) error {

	fields := strings.Fields(string(task.Payload))
	if len(fields) != 3 || fields[0] != "compute" {
		return nil
	}
	id, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return err
	}
	val, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return err
	}
	if err := c.Store(ctx, types.ID(id), "", codec.Integer(val), types.WriteRefc); err != nil {
		return err
	}
	v, _, err := c.Retrieve(ctx, types.ID(id), "", types.RetrieveReadRefc)
	if err != nil {
		return err
	}
	resolved := int64(v.(codec.Integer))
	logger.Info().Int64("id", id).Int64("value", resolved).Msg("future resolved")
	if record != nil {
		return record(id, resolved)
	}
	return nil
}
