package loop

import (
	"errors"
	"time"

	"github.com/RawleySM/agentic-context-engine/internal/delta"
	"github.com/RawleySM/agentic-context-engine/internal/permission"
	"github.com/RawleySM/agentic-context-engine/internal/proof"
)

var (
	// ErrRetryLimitExceeded aborts a run whose retry counter passed the
	// configured maximum.
	ErrRetryLimitExceeded = errors.New("retry limit exceeded")

	// ErrInvalidTransition rejects an input event the current phase does
	// not accept.
	ErrInvalidTransition = errors.New("invalid phase transition")

	// ErrRunTerminal rejects further input once a run is Complete or
	// Aborted.
	ErrRunTerminal = errors.New("run already reached a terminal state")
)

// Abort reasons preserved in the final transcript event.
const (
	ReasonRetryLimitExceeded = "retry-limit-exceeded"
	ReasonRunTimeout         = "run-timeout"
	ReasonStorageUnavailable = "storage-unavailable"
)

// Phase is one stage of the run loop.
type Phase string

const (
	PhasePlan     Phase = "plan"
	PhaseBuild    Phase = "build"
	PhaseTest     Phase = "test"
	PhaseReview   Phase = "review"
	PhaseDocument Phase = "document"
	PhaseComplete Phase = "complete"
	PhaseAborted  Phase = "aborted"
)

// Terminal reports whether the phase ends the run.
func (p Phase) Terminal() bool {
	return p == PhaseComplete || p == PhaseAborted
}

// Outcome is a run's terminal result.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeAborted Outcome = "aborted"
	OutcomeFailed  Outcome = "failed"
)

// TaskRun is one end-to-end execution. The driver creates it at run start,
// mutates it only through phase transitions, and freezes it once terminal.
type TaskRun struct {
	ID          string          `json:"id"`
	Objective   string          `json:"objective"`
	Phase       Phase           `json:"phase"`
	Retries     map[Phase]int   `json:"retries"`
	Permission  permission.Mode `json:"permission"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt time.Time       `json:"completed_at,omitempty"`
	Outcome     Outcome         `json:"outcome,omitempty"`
	Reason      string          `json:"reason,omitempty"`
}

// TestResult is the artifact the Test phase attaches before Review.
type TestResult struct {
	// Passed reports whether the test execution succeeded.
	Passed bool `json:"passed"`

	// Coverage maps ratio names to 0.0 through 1.0 values.
	Coverage map[string]float64 `json:"coverage,omitempty"`

	// Artifacts references produced files such as reports.
	Artifacts []string `json:"artifacts,omitempty"`

	// Mode records whether the run executed in full or degraded mode.
	// Empty is treated as full.
	Mode proof.Mode `json:"mode,omitempty"`

	// Output is a short human-readable excerpt of the test run.
	Output string `json:"output,omitempty"`

	// Duration is the wall-clock time of the test execution.
	Duration time.Duration `json:"duration,omitempty"`
}

// ReviewRecord pairs a proposal with its governor decision for the run
// summary.
type ReviewRecord struct {
	Proposal *delta.Proposal
	Decision *delta.Decision
}
