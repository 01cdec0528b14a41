// Package command is the thin external surface in front of the run core.
// Each command is validated against the run's current phase and permission
// before being forwarded; an invalid command is rejected with a
// descriptive error and advances no state.
package command

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/RawleySM/agentic-context-engine/internal/delta"
	"github.com/RawleySM/agentic-context-engine/internal/loop"
	"github.com/RawleySM/agentic-context-engine/internal/subagent"
)

var (
	// ErrUnknownCommand rejects command names outside the closed set.
	ErrUnknownCommand = errors.New("unknown command")

	// ErrInvalidForPhase rejects a command the run's current phase does
	// not accept.
	ErrInvalidForPhase = errors.New("command not valid in current phase")

	// ErrMissingField rejects a command lacking a required field.
	ErrMissingField = errors.New("missing required command field")
)

// Name identifies a command. The set is closed.
type Name string

const (
	NameAcceptDelta Name = "accept-delta"
	NameRejectDelta Name = "reject-delta"
	NameDelegate    Name = "delegate"
	NameHandoff     Name = "handoff"
	NameConverge    Name = "converge"
	NameFork        Name = "fork"
	NameDocument    Name = "document"
)

// allowedPhases maps each command to the phases that accept it. Delta
// commands belong to Review; subagent commands to Build and Test; document
// closes the Document phase.
var allowedPhases = map[Name][]loop.Phase{
	NameAcceptDelta: {loop.PhaseReview},
	NameRejectDelta: {loop.PhaseReview},
	NameDelegate:    {loop.PhaseBuild, loop.PhaseTest},
	NameHandoff:     {loop.PhaseBuild, loop.PhaseTest},
	NameConverge:    {loop.PhaseBuild, loop.PhaseTest},
	NameFork:        {loop.PhaseBuild, loop.PhaseTest},
	NameDocument:    {loop.PhaseDocument},
}

// Command carries one externally issued operation. Only the fields the
// named command uses need to be set.
type Command struct {
	Name Name `json:"name"`

	// delta commands
	Proposal  *delta.Proposal `json:"proposal,omitempty"`
	Category  delta.Category  `json:"category,omitempty"`
	Rationale string          `json:"rationale,omitempty"`

	// subagent commands
	Spawn           *subagent.Spawn        `json:"spawn,omitempty"`
	ParentSessionID string                 `json:"parent_session_id,omitempty"`
	Policy          subagent.FailurePolicy `json:"policy,omitempty"`
	SessionIDs      []string               `json:"session_ids,omitempty"`
	Strategy        subagent.Strategy      `json:"strategy,omitempty"`
	Resolution      subagent.Resolution    `json:"resolution,omitempty"`
}

// Result is a dispatched command's outcome; exactly one field is set.
type Result struct {
	Decision    *delta.Decision             `json:"decision,omitempty"`
	Session     *subagent.Session           `json:"session,omitempty"`
	Convergence *subagent.ConvergenceResult `json:"convergence,omitempty"`
	Summary     string                      `json:"summary,omitempty"`
}

// Dispatcher validates and forwards commands into the run core.
type Dispatcher struct {
	governor    *delta.Governor
	coordinator *subagent.Coordinator
	logger      *zap.Logger
}

// NewDispatcher wires a dispatcher from the core components.
func NewDispatcher(governor *delta.Governor, coordinator *subagent.Coordinator, logger *zap.Logger) (*Dispatcher, error) {
	if governor == nil {
		return nil, fmt.Errorf("governor is required")
	}
	if coordinator == nil {
		return nil, fmt.Errorf("coordinator is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{governor: governor, coordinator: coordinator, logger: logger}, nil
}

// Dispatch validates cmd against the run's phase and permission and
// forwards it. The run itself is never mutated here; phase advancement
// stays with the run driver.
func (d *Dispatcher) Dispatch(ctx context.Context, run *loop.TaskRun, cmd Command) (*Result, error) {
	phases, ok := allowedPhases[cmd.Name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Name)
	}
	if !phaseAllowed(run.Phase, phases) {
		return nil, fmt.Errorf("%w: %s is not accepted in phase %s", ErrInvalidForPhase, cmd.Name, run.Phase)
	}

	d.logger.Debug("dispatching command",
		zap.String("run_id", run.ID),
		zap.String("command", string(cmd.Name)),
		zap.String("phase", string(run.Phase)))

	switch cmd.Name {
	case NameAcceptDelta:
		if cmd.Proposal == nil {
			return nil, fmt.Errorf("%w: proposal", ErrMissingField)
		}
		decision, err := d.governor.Decide(ctx, run.ID, run.Permission, cmd.Proposal)
		if err != nil {
			return nil, err
		}
		return &Result{Decision: decision}, nil

	case NameRejectDelta:
		if cmd.Proposal == nil {
			return nil, fmt.Errorf("%w: proposal", ErrMissingField)
		}
		category := cmd.Category
		if category == "" {
			category = delta.CategoryOther
		}
		decision, err := d.governor.Reject(ctx, run.ID, cmd.Proposal, category, cmd.Rationale)
		if err != nil {
			return nil, err
		}
		return &Result{Decision: decision}, nil

	case NameDelegate:
		if cmd.Spawn == nil {
			return nil, fmt.Errorf("%w: spawn", ErrMissingField)
		}
		session, err := d.coordinator.Delegate(ctx, run.ID, cmd.ParentSessionID, run.Permission, *cmd.Spawn)
		if err != nil {
			return nil, err
		}
		return &Result{Session: session}, nil

	case NameHandoff:
		if cmd.Spawn == nil {
			return nil, fmt.Errorf("%w: spawn", ErrMissingField)
		}
		session, err := d.coordinator.Handoff(ctx, run.ID, cmd.ParentSessionID, run.Permission, *cmd.Spawn, cmd.Policy)
		if err != nil {
			return nil, err
		}
		return &Result{Session: session}, nil

	case NameFork:
		if cmd.Spawn == nil {
			return nil, fmt.Errorf("%w: spawn", ErrMissingField)
		}
		session, err := d.coordinator.Fork(ctx, run.ID, cmd.ParentSessionID, run.Permission, *cmd.Spawn)
		if err != nil {
			return nil, err
		}
		return &Result{Session: session}, nil

	case NameConverge:
		if len(cmd.SessionIDs) == 0 {
			return nil, fmt.Errorf("%w: session_ids", ErrMissingField)
		}
		convergence, err := d.coordinator.Converge(cmd.SessionIDs, cmd.Strategy, cmd.Resolution)
		if err != nil {
			return nil, err
		}
		return &Result{Convergence: convergence}, nil

	case NameDocument:
		// the driver records the summary itself; the command only
		// acknowledges that documentation may proceed
		return &Result{Summary: "documentation acknowledged"}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Name)
}

func phaseAllowed(phase loop.Phase, allowed []loop.Phase) bool {
	for _, p := range allowed {
		if p == phase {
			return true
		}
	}
	return false
}
