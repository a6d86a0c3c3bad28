package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/taskwire/taskwire/pkg/config"
	"github.com/taskwire/taskwire/pkg/log"
	"github.com/taskwire/taskwire/pkg/metrics"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	flagConfig   string
	flagLogLevel string
	flagLogJSON  bool

	cfg config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "taskwire",
	Short: "Taskwire - asynchronous dataflow load balancer",
	Long: `Taskwire balances task-parallel work across a fixed set of worker
and server processes connected by a message fabric. Servers queue and
dispatch tasks, steal work from each other, and host a sharded store
of single-assignment future data with reference-counted lifetimes and
subscription notifications.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Taskwire version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&flagLogJSON, "log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initRuntime)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(workerCmd)
}

// initRuntime loads the environment, configuration and logging before
// any command body runs.
func initRuntime() {
	// .env is optional; ignore a missing file.
	_ = godotenv.Load()

	var err error
	cfg, err = config.Load(flagConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	level := log.Level(flagLogLevel)
	if cfg.Debug {
		level = log.DebugLevel
	}
	log.Init(log.Config{Level: level, JSONOutput: flagLogJSON})

	metrics.Init(cfg.PerfCounters)
	if cfg.PerfCounters && cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				log.WithComponent("metrics").Error().Err(err).Msg("metrics listener failed")
			}
		}()
	}
}
