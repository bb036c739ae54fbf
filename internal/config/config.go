// Package config loads jetstream's runtime configuration from a YAML
// file, a local .env file, and environment variables (prefixed
// JETSTREAM_), in that order of increasing precedence: a .env entry never
// overrides a variable already set in the environment.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Config holds every tunable the runner, and its backends, need.
type Config struct {
	// Backend selects which backend drives task execution: "local" or
	// "slurm".
	Backend string `mapstructure:"backend"`

	// LogDir is where default stdout/stderr files are written.
	LogDir string `mapstructure:"log_dir"`
	// WorkflowFile is the path to the YAML task list defining the
	// workflow to run.
	WorkflowFile string `mapstructure:"workflow_file"`
	// StateFile is where the workflow's running state is periodically
	// saved, so a crashed run can be resumed.
	StateFile string `mapstructure:"state_file"`

	// LoggingInterval is how often the runner logs a workflow status
	// summary while tasks are in flight.
	LoggingInterval time.Duration `mapstructure:"logging_interval"`

	Local LocalConfig `mapstructure:"local"`
	Slurm SlurmConfig `mapstructure:"slurm"`
}

// LocalConfig configures the local subprocess backend.
type LocalConfig struct {
	MaxCPUs           int64         `mapstructure:"max_cpus"`
	BlockingIOPenalty time.Duration `mapstructure:"blocking_io_penalty"`
	Shell             string        `mapstructure:"shell"`
}

// SlurmConfig configures the Slurm batch backend.
type SlurmConfig struct {
	MaxConcurrency  int64         `mapstructure:"max_concurrency"`
	SbatchDelay     time.Duration `mapstructure:"sbatch_delay"`
	SacctFrequency  time.Duration `mapstructure:"sacct_frequency"`
	ChunkSize       int           `mapstructure:"chunk_size"`
	ExtraSbatchArgs []string      `mapstructure:"extra_sbatch_args"`
	ScriptDir       string        `mapstructure:"script_dir"`
}

// Load reads configuration from an optional file at path (if non-empty),
// then overlays environment variables prefixed JETSTREAM_. A .env file in
// the working directory, if one exists, is loaded into the environment
// first, without replacing variables that are already set.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "load .env file")
	}

	v := viper.New()
	v.SetEnvPrefix("JETSTREAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config file %q", path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("backend", "local")
	v.SetDefault("log_dir", "logs")
	v.SetDefault("state_file", "workflow.yaml")
	v.SetDefault("logging_interval", 3*time.Second)

	v.SetDefault("local.max_cpus", 1)
	v.SetDefault("local.blocking_io_penalty", 10*time.Second)
	v.SetDefault("local.shell", "/bin/bash")

	v.SetDefault("slurm.max_concurrency", 500)
	v.SetDefault("slurm.sbatch_delay", 200*time.Millisecond)
	v.SetDefault("slurm.sacct_frequency", 10*time.Second)
	v.SetDefault("slurm.chunk_size", 1000)
}
