package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/taskwire/taskwire/pkg/layout"
	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration. Values come from a YAML
// file overlaid with TASKWIRE_* environment variables. No field is set
// from command-line flags.
type Config struct {
	// Topology
	Workers   int `yaml:"workers"`
	Servers   int `yaml:"servers"`
	WorkTypes int `yaml:"work_types"`

	// Fabric
	NATSURL   string `yaml:"nats_url"`
	ClusterID string `yaml:"cluster_id"`

	// Behavior toggles
	Debug           bool               `yaml:"debug"`
	PerfCounters    bool               `yaml:"perf_counters"`
	ReadRefcEnabled bool               `yaml:"read_refcounts"`
	Hostmap         layout.HostmapMode `yaml:"hostmap"`
	DebugRanks      bool               `yaml:"debug_ranks"`
	ReportLeaks     bool               `yaml:"report_leaks"`

	// MetricsAddr serves prometheus counters when perf counters are
	// on; empty disables the listener.
	MetricsAddr string `yaml:"metrics_addr"`

	// Checkpoint log; empty disables checkpointing.
	CheckpointDir string `yaml:"checkpoint_dir"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Workers:         1,
		Servers:         1,
		WorkTypes:       2,
		ReadRefcEnabled: true,
		Hostmap:         layout.HostmapDisabled,
	}
}

// Load reads the YAML file (optional) and applies the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	cfg.applyEnv()
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() {
	envInt("TASKWIRE_WORKERS", &c.Workers)
	envInt("TASKWIRE_SERVERS", &c.Servers)
	envInt("TASKWIRE_WORK_TYPES", &c.WorkTypes)
	envStr("TASKWIRE_NATS_URL", &c.NATSURL)
	envStr("TASKWIRE_CLUSTER_ID", &c.ClusterID)
	envBool("TASKWIRE_DEBUG", &c.Debug)
	envBool("TASKWIRE_PERF_COUNTERS", &c.PerfCounters)
	envBool("TASKWIRE_READ_REFCOUNTS", &c.ReadRefcEnabled)
	envBool("TASKWIRE_DEBUG_RANKS", &c.DebugRanks)
	envBool("TASKWIRE_REPORT_LEAKS", &c.ReportLeaks)
	envStr("TASKWIRE_METRICS_ADDR", &c.MetricsAddr)
	envStr("TASKWIRE_CHECKPOINT_DIR", &c.CheckpointDir)
	if v, ok := os.LookupEnv("TASKWIRE_HOSTMAP"); ok {
		c.Hostmap = layout.HostmapMode(v)
	}
}

// Validate checks invariant-level configuration errors.
func (c *Config) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("at least one worker required, got %d", c.Workers)
	}
	if c.Servers < 1 {
		return fmt.Errorf("at least one server required, got %d", c.Servers)
	}
	if c.WorkTypes < 1 {
		return fmt.Errorf("at least one work type required, got %d", c.WorkTypes)
	}
	switch c.Hostmap {
	case layout.HostmapEnabled, layout.HostmapLeaders, layout.HostmapDisabled, "":
	default:
		return fmt.Errorf("unknown hostmap mode %q", c.Hostmap)
	}
	return nil
}

// Layout builds the rank layout for this configuration.
func (c *Config) Layout() (layout.Layout, error) {
	return layout.New(c.Workers, c.Servers)
}

func envStr(key string, out *string) {
	if v, ok := os.LookupEnv(key); ok {
		*out = v
	}
}

func envInt(key string, out *int) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*out = n
		}
	}
}

func envBool(key string, out *bool) {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*out = b
		}
	}
}
