// Command jetstream runs a task workflow against a local or Slurm
// backend.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/bryce-turner/jetstream/internal/backend"
	"github.com/bryce-turner/jetstream/internal/backend/local"
	"github.com/bryce-turner/jetstream/internal/backend/slurm"
	"github.com/bryce-turner/jetstream/internal/config"
	"github.com/bryce-turner/jetstream/internal/fingerprint"
	"github.com/bryce-turner/jetstream/internal/metrics"
	"github.com/bryce-turner/jetstream/internal/runner"
	"github.com/bryce-turner/jetstream/internal/task"
	"github.com/bryce-turner/jetstream/internal/version"
	"github.com/bryce-turner/jetstream/internal/workflow"
)

var configPath string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		slog.Error("jetstream failed", "error", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "jetstream",
		Short: "Run a task workflow against a local or Slurm backend",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a jetstream config file")
	root.AddCommand(newRunCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version.Full())
			return nil
		},
	}
}

func newRunCmd() *cobra.Command {
	var workflowFile string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the workflow described by a task list file until it completes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkflow(cmd.Context(), workflowFile)
		},
	}
	cmd.Flags().StringVar(&workflowFile, "workflow", "", "path to a YAML task list (overrides config)")
	return cmd
}

func runWorkflow(ctx context.Context, workflowFileFlag string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return errors.Wrap(err, "load config")
	}

	workflowFile := cfg.WorkflowFile
	if workflowFileFlag != "" {
		workflowFile = workflowFileFlag
	}
	if workflowFile == "" {
		return errors.New("no workflow file given: pass --workflow or set workflow_file in config")
	}

	raw, err := os.ReadFile(workflowFile)
	if err != nil {
		return errors.Wrapf(err, "read task list %q", workflowFile)
	}
	var taskList []task.Directives
	if err := yaml.Unmarshal(raw, &taskList); err != nil {
		return errors.Wrapf(err, "parse task list %q", workflowFile)
	}
	wf, err := workflow.Build(taskList)
	if err != nil {
		return errors.Wrapf(err, "build workflow from %q", workflowFile)
	}

	runID := fingerprint.New(time.Now())
	slog.Info("starting run", "run_id", runID, "backend", cfg.Backend, "tasks", wf.Len())

	m := metrics.New()

	var be backend.Backend
	switch cfg.Backend {
	case "local":
		be = local.New(local.Config{
			MaxCPUs:           cfg.Local.MaxCPUs,
			LogDir:            cfg.LogDir,
			Shell:             cfg.Local.Shell,
			BlockingIOPenalty: cfg.Local.BlockingIOPenalty,
		})
	case "slurm":
		be = slurm.New(slurm.Config{
			MaxConcurrency:  cfg.Slurm.MaxConcurrency,
			SbatchDelay:     cfg.Slurm.SbatchDelay,
			SacctFrequency:  cfg.Slurm.SacctFrequency,
			ChunkSize:       cfg.Slurm.ChunkSize,
			RunID:           runID,
			ExtraSbatchArgs: cfg.Slurm.ExtraSbatchArgs,
			ScriptDir:       cfg.Slurm.ScriptDir,
			LogDir:          cfg.LogDir,
		})
	default:
		return errors.Errorf("unknown backend %q", cfg.Backend)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	r := runner.New(wf, be, cfg.Backend, runner.Config{
		LoggingInterval: cfg.LoggingInterval,
		StatePath:       cfg.StateFile,
	}, m)

	code, err := r.Run(ctx)
	if err != nil {
		return errors.Wrap(err, "run workflow")
	}

	if err := wf.Save(cfg.StateFile); err != nil {
		slog.Error("save final workflow state", "error", err)
	}

	counts := wf.Status()
	fmt.Printf("workflow finished: %v\n", counts)

	if code != 0 {
		os.Exit(code)
	}
	return nil
}
