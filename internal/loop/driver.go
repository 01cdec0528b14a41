package loop

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/RawleySM/agentic-context-engine/internal/delta"
	"github.com/RawleySM/agentic-context-engine/internal/permission"
	"github.com/RawleySM/agentic-context-engine/internal/playbook"
	"github.com/RawleySM/agentic-context-engine/internal/proof"
	"github.com/RawleySM/agentic-context-engine/internal/subagent"
	"github.com/RawleySM/agentic-context-engine/internal/transcript"
)

// AgentInvoker is the model-invocation boundary. The driver calls it for
// each phase body; implementations talk to the actual agent runtime, tests
// supply deterministic fakes.
type AgentInvoker interface {
	// Plan produces the plan artifact for the run objective.
	Plan(ctx context.Context, run *TaskRun, snapshot []*playbook.Entry) (*delta.Proposal, error)

	// Build produces candidate knowledge-base deltas. On a retry the
	// previous review records are passed back so the agent can revise.
	Build(ctx context.Context, run *TaskRun, revision int, feedback []ReviewRecord) ([]*delta.Proposal, error)

	// Test executes the verification step for the build's proposals.
	Test(ctx context.Context, run *TaskRun, proposals []*delta.Proposal) (*TestResult, error)
}

// DriverConfig bounds a run.
type DriverConfig struct {
	MaxRetries int
	RunTimeout time.Duration
	Permission permission.Mode
}

// DefaultDriverConfig returns driver limits matching the shipped config
// defaults.
func DefaultDriverConfig() DriverConfig {
	return DriverConfig{
		MaxRetries: 3,
		RunTimeout: 30 * time.Minute,
		Permission: permission.ModeAcceptEdits,
	}
}

// Validate checks configuration bounds.
func (c DriverConfig) Validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative, got %d", c.MaxRetries)
	}
	if c.RunTimeout < 0 {
		return fmt.Errorf("run_timeout must not be negative, got %s", c.RunTimeout)
	}
	if !c.Permission.Valid() {
		return fmt.Errorf("invalid permission mode %q", c.Permission)
	}
	return nil
}

// Driver executes runs: it owns the TaskRun, feeds phase-body outcomes
// into the pure transition function, and executes the resulting effects.
type Driver struct {
	config      DriverConfig
	recorder    transcript.Recorder
	governor    *delta.Governor
	coordinator *subagent.Coordinator
	invoker     AgentInvoker
	logger      *zap.Logger
}

// NewDriver wires a driver from its collaborators.
func NewDriver(config DriverConfig, recorder transcript.Recorder, governor *delta.Governor, coordinator *subagent.Coordinator, invoker AgentInvoker, logger *zap.Logger) (*Driver, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid driver config: %w", err)
	}
	if recorder == nil {
		return nil, fmt.Errorf("recorder is required")
	}
	if governor == nil {
		return nil, fmt.Errorf("governor is required")
	}
	if invoker == nil {
		return nil, fmt.Errorf("invoker is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{
		config:      config,
		recorder:    recorder,
		governor:    governor,
		coordinator: coordinator,
		invoker:     invoker,
		logger:      logger,
	}, nil
}

// Run executes one run to its terminal state. The returned TaskRun is
// always terminal; the error reports why an Aborted run aborted.
func (d *Driver) Run(ctx context.Context, objective string, snapshot []*playbook.Entry) (*TaskRun, error) {
	run := &TaskRun{
		ID:         uuid.New().String(),
		Objective:  objective,
		Phase:      PhasePlan,
		Retries:    make(map[Phase]int),
		Permission: d.config.Permission,
		CreatedAt:  time.Now().UTC(),
	}
	if d.config.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.config.RunTimeout)
		defer cancel()
	}

	d.logger.Info("run started",
		zap.String("run_id", run.ID),
		zap.String("objective", objective),
		zap.String("permission", string(run.Permission)))

	state := NewState(d.config.MaxRetries)
	var (
		proposals  []*delta.Proposal
		testResult *TestResult
		reviews    []ReviewRecord
		summary    string
		runErr     error
	)

	for !state.Phase.Terminal() {
		var in Input
		switch state.Phase {
		case PhasePlan:
			in = d.runPlan(ctx, run, snapshot)
		case PhaseBuild:
			proposals, in = d.runBuild(ctx, run, state.Retries[PhaseBuild], reviews)
		case PhaseTest:
			testResult, in = d.runTest(ctx, run, proposals)
		case PhaseReview:
			reviews, in = d.runReview(ctx, run, proposals)
		case PhaseDocument:
			summary = Summarize(run, testResult, reviews)
			in = Input{Kind: EventSummaryRecorded}
		}
		if in.Kind != EventFatal && ctx.Err() != nil {
			in = Input{Kind: EventFatal, Reason: ReasonRunTimeout}
		}

		next, effects, err := Transition(state, in)
		if err != nil {
			// the machine only errors on driver bugs; fail the run rather
			// than looping
			run.Phase = PhaseAborted
			run.Outcome = OutcomeFailed
			run.Reason = err.Error()
			run.CompletedAt = time.Now().UTC()
			return run, err
		}
		state = next
		run.Phase = state.Phase
		run.Retries = state.Retries

		if err := d.apply(ctx, run, effects, summary); err != nil {
			run.Outcome = OutcomeFailed
			run.Reason = ReasonStorageUnavailable
			run.Phase = PhaseAborted
			run.CompletedAt = time.Now().UTC()
			return run, err
		}
		if state.Phase == PhaseAborted {
			runErr = fmt.Errorf("run aborted: %s", state.Reason)
			if state.Reason == ReasonRetryLimitExceeded {
				runErr = fmt.Errorf("run aborted: %w", ErrRetryLimitExceeded)
			}
		}
	}

	d.logger.Info("run finished",
		zap.String("run_id", run.ID),
		zap.String("outcome", string(run.Outcome)),
		zap.String("reason", run.Reason))
	return run, runErr
}

func (d *Driver) runPlan(ctx context.Context, run *TaskRun, snapshot []*playbook.Entry) Input {
	plan, err := d.invoker.Plan(ctx, run, snapshot)
	if err != nil {
		return fatalInput(err)
	}
	if plan != nil {
		ev := transcript.NewDeltaProposed(run.ID, plan.ID, plan.TargetKey, plan.Tags)
		if _, err := d.recorder.Append(ctx, run.ID, ev); err != nil {
			return fatalInput(err)
		}
	}
	return Input{Kind: EventPlanFinalized}
}

func (d *Driver) runBuild(ctx context.Context, run *TaskRun, revision int, feedback []ReviewRecord) ([]*delta.Proposal, Input) {
	proposals, err := d.invoker.Build(ctx, run, revision, feedback)
	if err != nil {
		return nil, fatalInput(err)
	}
	for _, p := range proposals {
		ev := transcript.NewDeltaProposed(run.ID, p.ID, p.TargetKey, p.Tags)
		if _, err := d.recorder.Append(ctx, run.ID, ev); err != nil {
			return nil, fatalInput(err)
		}
	}
	return proposals, Input{Kind: EventBuildCompleted}
}

// runTest executes tests and attaches the proof bundle to every proposal
// that requires one.
func (d *Driver) runTest(ctx context.Context, run *TaskRun, proposals []*delta.Proposal) (*TestResult, Input) {
	result, err := d.invoker.Test(ctx, run, proposals)
	if err != nil {
		return nil, fatalInput(err)
	}
	if result == nil {
		return nil, fatalInput(fmt.Errorf("test phase produced no result"))
	}
	mode := result.Mode
	if mode == "" {
		mode = proof.ModeFull
	}
	bundle := &proof.Bundle{
		Passed:    result.Passed,
		Coverage:  result.Coverage,
		Artifacts: result.Artifacts,
		Mode:      mode,
	}
	for _, p := range proposals {
		if p.RequiresProof() && p.Proof == nil {
			p.Proof = bundle
		}
	}
	if !result.Passed {
		return result, Input{Kind: EventTestFailed}
	}
	return result, Input{Kind: EventTestPassed}
}

// runReview routes every build proposal through the governor. A rejection
// in a category that requests revision sends the run back to Build; a
// permission-denied governor call is logged and recorded without a
// decision, per the blocked-operation rule.
func (d *Driver) runReview(ctx context.Context, run *TaskRun, proposals []*delta.Proposal) ([]ReviewRecord, Input) {
	reviews := make([]ReviewRecord, 0, len(proposals))
	revision := false
	for _, p := range proposals {
		decision, err := d.governor.Decide(ctx, run.ID, run.Permission, p)
		switch {
		case errors.Is(err, delta.ErrPermissionDenied):
			reviews = append(reviews, ReviewRecord{Proposal: p})
			continue
		case err != nil:
			return reviews, fatalInput(err)
		}
		reviews = append(reviews, ReviewRecord{Proposal: p, Decision: decision})
		if !decision.Accepted && decision.Category.RequestsRevision() {
			revision = true
		}
	}
	if revision {
		return reviews, Input{Kind: EventReviewRevision}
	}
	return reviews, Input{Kind: EventReviewApproved}
}

func (d *Driver) apply(ctx context.Context, run *TaskRun, effects []Effect, summary string) error {
	// effects still record after the deadline fired
	ctx = context.WithoutCancel(ctx)
	for _, effect := range effects {
		switch e := effect.(type) {
		case RecordTransition:
			ev := transcript.NewPhaseTransition(run.ID, string(e.From), string(e.To), e.Retry, e.Reason)
			if _, err := d.recorder.Append(ctx, run.ID, ev); err != nil {
				return fmt.Errorf("record transition: %w", err)
			}
			phaseTransitionsTotal.WithLabelValues(string(e.From), string(e.To)).Inc()
			if e.To == PhaseBuild && e.Retry > 0 {
				retriesTotal.Inc()
			}
			d.logger.Debug("phase transition",
				zap.String("run_id", run.ID),
				zap.String("from", string(e.From)),
				zap.String("to", string(e.To)),
				zap.Int("retry", e.Retry))
		case CancelSubagents:
			if d.coordinator != nil {
				d.coordinator.CancelAll()
			}
		case FinalizeRun:
			run.Outcome = e.Outcome
			run.Reason = e.Reason
			run.CompletedAt = time.Now().UTC()
			ev := transcript.NewRunFinalized(run.ID, string(e.Outcome), e.Reason, summary)
			if _, err := d.recorder.Append(ctx, run.ID, ev); err != nil {
				return fmt.Errorf("finalize run: %w", err)
			}
			runsTotal.WithLabelValues(string(e.Outcome)).Inc()
			runDuration.Observe(run.CompletedAt.Sub(run.CreatedAt).Seconds())
		}
	}
	return nil
}

func fatalInput(err error) Input {
	reason := err.Error()
	switch {
	case errors.Is(err, transcript.ErrStorageUnavailable):
		reason = ReasonStorageUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		reason = ReasonRunTimeout
	}
	return Input{Kind: EventFatal, Reason: reason}
}
