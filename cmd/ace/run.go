package main

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/RawleySM/agentic-context-engine/internal/config"
	"github.com/RawleySM/agentic-context-engine/internal/delta"
	"github.com/RawleySM/agentic-context-engine/internal/loop"
	"github.com/RawleySM/agentic-context-engine/internal/playbook"
	"github.com/RawleySM/agentic-context-engine/internal/proof"
	"github.com/RawleySM/agentic-context-engine/internal/subagent"
	"github.com/RawleySM/agentic-context-engine/internal/transcript"
)

var runCmd = &cobra.Command{
	Use:   "run <objective>",
	Short: "Execute one run for the given objective",
	Long: `Execute one run through the full phase loop and print its terminal state.

The run uses the built-in dry-run invoker: each phase body succeeds
immediately with full coverage, which exercises the whole loop, transcript
and governance path without invoking a model runtime. Embedders plug a real
AgentInvoker in through the library API.

Examples:
  # Run with transcripts under the configured directory
  ace run "add input validation"

  # Run with a config file
  ace run --config ace.yaml "add input validation"`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	tel, err := initTelemetry(cmd.Context(), rootCmd.Version)
	if err != nil {
		return err
	}
	defer func() {
		_ = tel.Shutdown(context.Background())
	}()

	recorder, err := buildRecorder(cfg, logger)
	if err != nil {
		return err
	}

	if cfg.NATS.Enabled {
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name("ace"))
		if err != nil {
			return fmt.Errorf("connect to NATS at %s: %w", cfg.NATS.URL, err)
		}
		defer nc.Close()
		logger.Info("connected to NATS", zap.String("url", cfg.NATS.URL))
		recorder = transcript.WithPublisher(recorder, nc, logger)
	}

	store := playbook.NewInMemory()
	governor, err := delta.NewGovernor(&delta.GovernorConfig{
		Thresholds:    proof.Thresholds(cfg.Loop.Thresholds),
		MinConfidence: cfg.Loop.MinConfidence,
	}, store, recorder, logger)
	if err != nil {
		return err
	}

	coordinator, err := subagent.NewCoordinator(subagent.Config{
		MaxDepth:       cfg.Subagent.MaxDepth,
		DefaultTimeout: cfg.Subagent.DefaultTimeout.Duration(),
	}, recorder, dryRunTask, logger)
	if err != nil {
		return err
	}

	driver, err := loop.NewDriver(loop.DriverConfig{
		MaxRetries: cfg.Loop.MaxRetries,
		RunTimeout: cfg.Loop.RunTimeout.Duration(),
		Permission: cfg.PermissionMode(),
	}, recorder, governor, coordinator, &dryRunInvoker{}, logger)
	if err != nil {
		return err
	}

	run, runErr := driver.Run(cmd.Context(), args[0], nil)
	fmt.Printf("run %s finished: %s", run.ID, run.Outcome)
	if run.Reason != "" {
		fmt.Printf(" (%s)", run.Reason)
	}
	fmt.Println()
	return runErr
}

// buildRecorder returns the file recorder when a transcript directory is
// configured, otherwise an in-memory one.
func buildRecorder(cfg *config.Config, logger *zap.Logger) (transcript.Recorder, error) {
	if cfg.Loop.TranscriptDir == "" {
		return transcript.NewInMemory(), nil
	}
	return transcript.NewFileRecorder(cfg.Loop.TranscriptDir, logger)
}

// dryRunTask completes any delegated task immediately.
func dryRunTask(_ context.Context, task subagent.Task) (*subagent.Result, error) {
	return &subagent.Result{Success: true, Payload: task.Description}, nil
}

// dryRunInvoker drives the loop without a model runtime. Every phase body
// succeeds with full coverage.
type dryRunInvoker struct{}

func (i *dryRunInvoker) Plan(_ context.Context, run *loop.TaskRun, _ []*playbook.Entry) (*delta.Proposal, error) {
	return delta.NewProposal("plan", "plans/"+run.ID, run.Objective, nil, []string{"phase=plan"}), nil
}

func (i *dryRunInvoker) Build(_ context.Context, run *loop.TaskRun, _ int, _ []loop.ReviewRecord) ([]*delta.Proposal, error) {
	entry, err := playbook.NewEntry("objectives/"+run.ID, run.Objective, nil)
	if err != nil {
		return nil, err
	}
	p := delta.NewProposal("build", entry.Key, "dry-run proposal", entry, []string{delta.TagRequiresProof})
	return []*delta.Proposal{p}, nil
}

func (i *dryRunInvoker) Test(_ context.Context, _ *loop.TaskRun, _ []*delta.Proposal) (*loop.TestResult, error) {
	return &loop.TestResult{
		Passed:   true,
		Coverage: map[string]float64{"branch": 1.0, "lines": 1.0},
	}, nil
}
