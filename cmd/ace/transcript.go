package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/RawleySM/agentic-context-engine/internal/transcript"
)

var (
	// transcriptFrom resumes the read at this sequence number
	transcriptFrom uint64
	// transcriptState folds the events into run state instead of listing them
	transcriptState bool
)

var transcriptCmd = &cobra.Command{
	Use:   "transcript <run-id>",
	Short: "Print a run's transcript or its replayed state",
	Long: `Print a run's transcript events as NDJSON, or fold them into the run's
final state with --state.

Examples:
  # Dump all events of a run
  ace transcript 4f7c2e

  # Resume from a sequence number
  ace transcript --from 12 4f7c2e

  # Show the replayed run state
  ace transcript --state 4f7c2e`,
	Args: cobra.ExactArgs(1),
	RunE: runTranscript,
}

func init() {
	transcriptCmd.Flags().Uint64Var(&transcriptFrom, "from", 0, "first sequence number to print")
	transcriptCmd.Flags().BoolVar(&transcriptState, "state", false, "print the replayed run state instead of events")
}

func runTranscript(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	if cfg.Loop.TranscriptDir == "" {
		return fmt.Errorf("loop.transcript_dir is not configured")
	}
	recorder, err := transcript.NewFileRecorder(cfg.Loop.TranscriptDir, logger)
	if err != nil {
		return err
	}

	runID := args[0]
	if transcriptState {
		events, err := recorder.Read(cmd.Context(), runID, 0)
		if err != nil {
			return err
		}
		state, err := transcript.Replay(events)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(state)
	}

	events, err := recorder.Read(cmd.Context(), runID, transcriptFrom)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			return err
		}
	}
	return nil
}
