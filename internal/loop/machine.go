package loop

import "fmt"

// EventKind is an input to the phase machine.
type EventKind string

const (
	// EventPlanFinalized signals the plan artifact was recorded.
	EventPlanFinalized EventKind = "plan-finalized"

	// EventBuildCompleted signals build tool invocations finished without
	// fatal error.
	EventBuildCompleted EventKind = "build-completed"

	// EventTestPassed and EventTestFailed signal test execution finished
	// with its result artifact attached.
	EventTestPassed EventKind = "test-passed"
	EventTestFailed EventKind = "test-failed"

	// EventReviewApproved signals every build-phase proposal received a
	// decision and none requested revision.
	EventReviewApproved EventKind = "review-approved"

	// EventReviewRevision signals a rejection that requests a revised
	// proposal.
	EventReviewRevision EventKind = "review-revision"

	// EventSummaryRecorded signals the closing summary was recorded.
	EventSummaryRecorded EventKind = "summary-recorded"

	// EventFatal signals an unrecoverable collaborator error or the run
	// deadline expiring.
	EventFatal EventKind = "fatal"
)

// Input carries an event kind plus the abort reason for fatal events.
type Input struct {
	Kind   EventKind
	Reason string
}

// State is the phase machine's explicit state value.
type State struct {
	Phase      Phase
	Retries    map[Phase]int
	MaxRetries int
	Reason     string
}

// NewState returns the machine's initial state.
func NewState(maxRetries int) State {
	return State{
		Phase:      PhasePlan,
		Retries:    make(map[Phase]int),
		MaxRetries: maxRetries,
	}
}

// Effect is one side effect the driver must execute after a transition.
// The set is closed.
type Effect interface{ isEffect() }

// RecordTransition appends a phase-transition transcript event.
type RecordTransition struct {
	From   Phase
	To     Phase
	Retry  int
	Reason string
}

// FinalizeRun appends the run-finalized transcript event and freezes the
// TaskRun.
type FinalizeRun struct {
	Outcome Outcome
	Reason  string
}

// CancelSubagents cancels every active session on abort.
type CancelSubagents struct{}

func (RecordTransition) isEffect() {}
func (FinalizeRun) isEffect()      {}
func (CancelSubagents) isEffect()  {}

// Transition applies one input to the state and returns the next state and
// the effects the driver must execute. It is pure: same state and input
// always produce the same result, and no I/O happens here.
func Transition(s State, in Input) (State, []Effect, error) {
	if s.Phase.Terminal() {
		return s, nil, fmt.Errorf("%w: %s", ErrRunTerminal, s.Phase)
	}
	if in.Kind == EventFatal {
		return abort(s, in.Reason)
	}

	switch s.Phase {
	case PhasePlan:
		if in.Kind == EventPlanFinalized {
			return advance(s, PhaseBuild, "")
		}
	case PhaseBuild:
		if in.Kind == EventBuildCompleted {
			return advance(s, PhaseTest, "")
		}
	case PhaseTest:
		switch in.Kind {
		case EventTestPassed:
			return advance(s, PhaseReview, "")
		case EventTestFailed:
			return retry(s, "test failure")
		}
	case PhaseReview:
		switch in.Kind {
		case EventReviewApproved:
			return advance(s, PhaseDocument, "")
		case EventReviewRevision:
			return retry(s, "revision requested")
		}
	case PhaseDocument:
		if in.Kind == EventSummaryRecorded {
			next, effects, err := advance(s, PhaseComplete, "")
			if err != nil {
				return s, nil, err
			}
			effects = append(effects, FinalizeRun{Outcome: OutcomeSuccess})
			return next, effects, nil
		}
	}
	return s, nil, fmt.Errorf("%w: %s does not accept %s", ErrInvalidTransition, s.Phase, in.Kind)
}

func advance(s State, to Phase, reason string) (State, []Effect, error) {
	next := s.clone()
	next.Phase = to
	return next, []Effect{RecordTransition{
		From:   s.Phase,
		To:     to,
		Retry:  next.Retries[to],
		Reason: reason,
	}}, nil
}

// retry sends the run back to Build, counting the retry against the phase
// being redone. Exceeding the maximum aborts instead of looping.
func retry(s State, reason string) (State, []Effect, error) {
	attempts := s.Retries[PhaseBuild] + 1
	if attempts > s.MaxRetries {
		return abort(s, ReasonRetryLimitExceeded)
	}
	next := s.clone()
	next.Phase = PhaseBuild
	next.Retries[PhaseBuild] = attempts
	return next, []Effect{RecordTransition{
		From:   s.Phase,
		To:     PhaseBuild,
		Retry:  attempts,
		Reason: reason,
	}}, nil
}

func abort(s State, reason string) (State, []Effect, error) {
	next := s.clone()
	next.Phase = PhaseAborted
	next.Reason = reason
	return next, []Effect{
		RecordTransition{From: s.Phase, To: PhaseAborted, Retry: s.Retries[PhaseBuild], Reason: reason},
		CancelSubagents{},
		FinalizeRun{Outcome: OutcomeAborted, Reason: reason},
	}, nil
}

func (s State) clone() State {
	retries := make(map[Phase]int, len(s.Retries))
	for k, v := range s.Retries {
		retries[k] = v
	}
	s.Retries = retries
	return s
}
