package subagent

import (
	"context"
	"errors"
	"time"

	"github.com/RawleySM/agentic-context-engine/internal/permission"
)

// Common errors for subagent operations.
var (
	// ErrPermissionEscalationDenied rejects delegation above the parent's
	// permission level.
	ErrPermissionEscalationDenied = errors.New("subagent permission must not exceed parent's")

	// ErrConvergenceBacklog rejects a new delegation while a previously
	// spawned non-forked sibling has not reached a terminal state.
	ErrConvergenceBacklog = errors.New("previous sibling has not converged or failed")

	// ErrMaxDepthExceeded rejects delegation beyond the configured
	// nesting depth.
	ErrMaxDepthExceeded = errors.New("maximum delegation depth exceeded")

	// ErrSessionNotFound is returned for unknown session identifiers.
	ErrSessionNotFound = errors.New("subagent session not found")

	// ErrSessionNotTerminal rejects convergence over still-running sessions.
	ErrSessionNotTerminal = errors.New("session has not reached a terminal state")

	// ErrFailedSessionIncluded rejects failed or timed-out sessions in
	// strategies other than first_success.
	ErrFailedSessionIncluded = errors.New("failed session may only be included under first_success")

	// ErrForkedSessionIncluded rejects forked sessions in convergence;
	// forks are terminal branches for experimentation only.
	ErrForkedSessionIncluded = errors.New("forked sessions never converge")

	// ErrSubagentTimeout surfaces a handoff deadline expiring.
	ErrSubagentTimeout = errors.New("subagent timed out")

	// ErrHandoffAborted is returned when the abort failure policy fires.
	ErrHandoffAborted = errors.New("handoff aborted")

	// ErrManualReviewRequired suspends convergence pending an external
	// decision. It is not fatal to the run.
	ErrManualReviewRequired = errors.New("manual review required")

	// ErrMissingConfidenceMetadata rejects prefer_higher_confidence
	// resolution when a contributing result lacks a confidence score.
	ErrMissingConfidenceMetadata = errors.New("missing confidence metadata")

	// ErrNoSessions rejects convergence over an empty session list.
	ErrNoSessions = errors.New("convergence requires at least one session")

	// ErrNoSuccessfulSession is returned by first_success when every
	// included session failed.
	ErrNoSuccessfulSession = errors.New("no session reached a success state")

	// ErrVoteNeedsThree rejects vote convergence with fewer than three
	// sessions.
	ErrVoteNeedsThree = errors.New("vote requires at least three sessions")
)

// Role identifies what kind of work a subagent performs. The set is fixed.
type Role string

const (
	RoleBuilder   Role = "builder"
	RoleTester    Role = "tester"
	RoleAnalyzer  Role = "analyzer"
	RoleRetriever Role = "retriever"
)

// Valid reports whether r belongs to the fixed role set.
func (r Role) Valid() bool {
	switch r {
	case RoleBuilder, RoleTester, RoleAnalyzer, RoleRetriever:
		return true
	}
	return false
}

// State is a session lifecycle state.
type State string

const (
	StateSpawned   State = "spawned"
	StateActive    State = "active"
	StateConverged State = "converged"
	StateFailed    State = "failed"
	StateTimedOut  State = "timed-out"
)

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == StateConverged || s == StateFailed || s == StateTimedOut
}

// FailurePolicy selects what a handoff does when its timeout elapses.
type FailurePolicy string

const (
	// PolicyRetry relaunches the task once before giving up.
	PolicyRetry FailurePolicy = "retry"

	// PolicyAbort cancels the session and fails the handoff.
	PolicyAbort FailurePolicy = "abort"

	// PolicyEscalate surfaces the timeout to the caller without retrying.
	// This is the default.
	PolicyEscalate FailurePolicy = "escalate"
)

// Task is the bounded unit of work handed to a delegated agent.
type Task struct {
	// Description tells the agent what to do.
	Description string

	// Context is an inherited context snapshot, empty when the session
	// does not inherit.
	Context string

	// Permission is the session's permission mode.
	Permission permission.Mode

	// Timeout bounds the task's execution.
	Timeout time.Duration
}

// Result is the structured outcome a delegated agent returns.
type Result struct {
	// Success reports whether the task achieved its goal.
	Success bool `json:"success"`

	// Target names what the contribution applies to; convergence uses it
	// to detect overlapping contributions.
	Target string `json:"target,omitempty"`

	// Payload is the contribution itself.
	Payload string `json:"payload"`

	// Confidence is an optional self-reported score, required by the
	// prefer_higher_confidence resolution method.
	Confidence *float64 `json:"confidence,omitempty"`

	// Artifacts references files the agent produced.
	Artifacts []string `json:"artifacts,omitempty"`

	// CompletedAt orders results for latest/first tie-breaking.
	CompletedAt time.Time `json:"completed_at"`
}

// TaskFunc executes a delegated task. The model-invocation layer supplies
// the real implementation; tests supply deterministic fakes.
type TaskFunc func(ctx context.Context, task Task) (*Result, error)

// Session is a child execution context tracked in the registry.
type Session struct {
	// ID uniquely identifies the session.
	ID string `json:"id"`

	// RunID is the parent run.
	RunID string `json:"run_id"`

	// ParentSessionID is the delegating session for nested delegation,
	// empty for sessions delegated by the run itself.
	ParentSessionID string `json:"parent_session_id,omitempty"`

	// Role is the session's agent role.
	Role Role `json:"role"`

	// Permission never exceeds the parent's.
	Permission permission.Mode `json:"permission"`

	// State is the lifecycle state.
	State State `json:"state"`

	// InheritContext reports whether the session received a context
	// snapshot.
	InheritContext bool `json:"inherit_context"`

	// Forked marks experimentation branches that never converge.
	Forked bool `json:"forked"`

	// Depth is the nesting depth, 1 for direct children of the run.
	Depth int `json:"depth"`

	// Result is the task outcome once the session is terminal.
	Result *Result `json:"result,omitempty"`

	// FailureReason preserves the error that failed the session.
	FailureReason string `json:"failure_reason,omitempty"`

	// CreatedAt and FinishedAt bound the session's lifetime.
	CreatedAt  time.Time `json:"created_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`

	task   Task
	done   chan struct{}
	cancel context.CancelFunc
}

// snapshot returns a copy safe to hand to callers.
func (s *Session) snapshot() *Session {
	cp := *s
	cp.done = nil
	cp.cancel = nil
	if s.Result != nil {
		res := *s.Result
		cp.Result = &res
	}
	return &cp
}

// Strategy selects how convergence reconciles session results. The set is
// closed; dispatch is exhaustive.
type Strategy string

const (
	// StrategyMerge concatenates non-overlapping contributions and flags
	// overlapping targets as conflicts.
	StrategyMerge Strategy = "merge"

	// StrategyVote selects the payload appearing in a strict majority of
	// at least three sessions.
	StrategyVote Strategy = "vote"

	// StrategyConsensus requires all results to match within tolerance
	// and produces no partial output on disagreement.
	StrategyConsensus Strategy = "consensus"

	// StrategyFirstSuccess returns the chronologically first successful
	// result and discards the rest (they remain in the transcript).
	StrategyFirstSuccess Strategy = "first_success"
)

// Valid reports whether st belongs to the closed strategy set.
func (st Strategy) Valid() bool {
	switch st {
	case StrategyMerge, StrategyVote, StrategyConsensus, StrategyFirstSuccess:
		return true
	}
	return false
}

// Resolution selects how conflicts are resolved. The set is closed.
type Resolution string

const (
	// ResolutionManual produces no automatic output for conflicted
	// targets and flags the convergence for external review.
	ResolutionManual Resolution = "manual"

	// ResolutionAutoAcceptLatest picks the latest contribution by
	// completion timestamp. Identical timestamps tie-break on the
	// lexically smallest session identifier.
	ResolutionAutoAcceptLatest Resolution = "auto_accept_latest"

	// ResolutionPreferHigherConfidence picks the contribution with the
	// highest confidence score and requires every contributing result to
	// carry one.
	ResolutionPreferHigherConfidence Resolution = "prefer_higher_confidence"
)

// Valid reports whether r belongs to the closed resolution set.
func (r Resolution) Valid() bool {
	switch r {
	case ResolutionManual, ResolutionAutoAcceptLatest, ResolutionPreferHigherConfidence:
		return true
	}
	return false
}

// Conflict records overlapping contributions on one target.
type Conflict struct {
	// Target is the contested contribution target.
	Target string `json:"target"`

	// SessionIDs lists the sessions that contributed to the target.
	SessionIDs []string `json:"session_ids"`
}

// ConvergenceResult is the immutable outcome of one convergence call.
type ConvergenceResult struct {
	// Strategy is the strategy that produced the result.
	Strategy Strategy `json:"strategy"`

	// Sessions lists the contributing session identifiers.
	Sessions []string `json:"sessions"`

	// Conflicts lists overlapping contributions detected during merge or
	// tie-broken during vote.
	Conflicts []Conflict `json:"conflicts,omitempty"`

	// Resolution is the conflict-resolution method applied, empty when no
	// conflict arose.
	Resolution Resolution `json:"resolution,omitempty"`

	// Output maps contribution targets to merged payloads. Single-winner
	// strategies produce one entry under the winner's target.
	Output map[string]string `json:"output"`
}
