package transcript

import (
	"errors"
	"time"
)

// Common errors for transcript operations.
var (
	// ErrStorageUnavailable signals that the backing store cannot be
	// written. Callers must treat this as fatal to the current phase.
	ErrStorageUnavailable = errors.New("transcript storage unavailable")

	// ErrRunNotFound is returned when reading a run with no events.
	ErrRunNotFound = errors.New("run not found")

	// ErrInvalidEvent is returned for events with an unknown kind.
	ErrInvalidEvent = errors.New("invalid transcript event")
)

// Kind identifies the event category. The set is closed.
type Kind string

const (
	KindMessage             Kind = "message"
	KindToolInvocationStart Kind = "tool-invocation-start"
	KindToolInvocationResult Kind = "tool-invocation-result"
	KindPhaseTransition     Kind = "phase-transition"
	KindSubagentSpawned     Kind = "subagent-spawned"
	KindSubagentStop        Kind = "subagent-stop"
	KindDeltaProposed       Kind = "delta-proposed"
	KindDeltaDecided        Kind = "delta-decided"
	KindRunFinalized        Kind = "run-finalized"
)

// Valid reports whether k belongs to the closed kind set.
func (k Kind) Valid() bool {
	switch k {
	case KindMessage, KindToolInvocationStart, KindToolInvocationResult,
		KindPhaseTransition, KindSubagentSpawned, KindSubagentStop,
		KindDeltaProposed, KindDeltaDecided, KindRunFinalized:
		return true
	}
	return false
}

// Payload keys shared between event constructors and replay.
const (
	PayloadFromPhase  = "from"
	PayloadToPhase    = "to"
	PayloadRetry      = "retry"
	PayloadReason     = "reason"
	PayloadProposalID = "proposal_id"
	PayloadTargetKey  = "target_key"
	PayloadTags       = "tags"
	PayloadAccepted   = "accepted"
	PayloadCategory   = "category"
	PayloadRationale  = "rationale"
	PayloadRole       = "role"
	PayloadState      = "state"
	PayloadPermission = "permission"
	PayloadOutcome    = "outcome"
	PayloadSummary    = "summary"
	PayloadText       = "text"
	PayloadTool       = "tool"
	PayloadResult     = "result"
	PayloadError      = "error"
	PayloadOverride   = "override"
)

// Event is an immutable, ordered transcript record. Seq and Timestamp are
// assigned by the recorder on append; supplied values are ignored.
type Event struct {
	Seq        uint64         `json:"seq"`
	RunID      string         `json:"run_id"`
	SubagentID string         `json:"subagent_id,omitempty"`
	Kind       Kind           `json:"kind"`
	Timestamp  time.Time      `json:"ts"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// NewEvent creates a bare event of the given kind.
func NewEvent(runID string, kind Kind, payload map[string]any) Event {
	return Event{
		RunID:   runID,
		Kind:    kind,
		Payload: payload,
	}
}

// NewMessage records a conversational message authored by the run or one of
// its subagents.
func NewMessage(runID, subagentID, text string) Event {
	ev := NewEvent(runID, KindMessage, map[string]any{PayloadText: text})
	ev.SubagentID = subagentID
	return ev
}

// NewToolInvocationStart records the start of a tool invocation.
func NewToolInvocationStart(runID, subagentID, tool string, args map[string]any) Event {
	payload := map[string]any{PayloadTool: tool}
	if len(args) > 0 {
		payload["args"] = args
	}
	ev := NewEvent(runID, KindToolInvocationStart, payload)
	ev.SubagentID = subagentID
	return ev
}

// NewToolInvocationResult records the completion of a tool invocation.
func NewToolInvocationResult(runID, subagentID, tool, result string, invErr error) Event {
	payload := map[string]any{PayloadTool: tool, PayloadResult: result}
	if invErr != nil {
		payload[PayloadError] = invErr.Error()
	}
	ev := NewEvent(runID, KindToolInvocationResult, payload)
	ev.SubagentID = subagentID
	return ev
}

// NewPhaseTransition records a phase state machine transition.
func NewPhaseTransition(runID, from, to string, retry int, reason string) Event {
	return NewEvent(runID, KindPhaseTransition, map[string]any{
		PayloadFromPhase: from,
		PayloadToPhase:   to,
		PayloadRetry:     retry,
		PayloadReason:    reason,
	})
}

// NewSubagentSpawned records a subagent delegation.
func NewSubagentSpawned(runID, sessionID, role, permission string) Event {
	ev := NewEvent(runID, KindSubagentSpawned, map[string]any{
		PayloadRole:       role,
		PayloadPermission: permission,
	})
	ev.SubagentID = sessionID
	return ev
}

// NewSubagentStop records a subagent session reaching a terminal state.
func NewSubagentStop(runID, sessionID, state, reason string) Event {
	payload := map[string]any{PayloadState: state}
	if reason != "" {
		payload[PayloadReason] = reason
	}
	ev := NewEvent(runID, KindSubagentStop, payload)
	ev.SubagentID = sessionID
	return ev
}

// NewDeltaProposed records a new delta proposal.
func NewDeltaProposed(runID, proposalID, targetKey string, tags []string) Event {
	return NewEvent(runID, KindDeltaProposed, map[string]any{
		PayloadProposalID: proposalID,
		PayloadTargetKey:  targetKey,
		PayloadTags:       tags,
	})
}

// NewDeltaDecided records a governor decision. The same kind carries both
// acceptances and rejections; rejections include the category.
func NewDeltaDecided(runID, proposalID string, accepted bool, category, rationale string) Event {
	payload := map[string]any{
		PayloadProposalID: proposalID,
		PayloadAccepted:   accepted,
		PayloadRationale:  rationale,
	}
	if category != "" {
		payload[PayloadCategory] = category
	}
	return NewEvent(runID, KindDeltaDecided, payload)
}

// NewRunFinalized records the terminal outcome of a run.
func NewRunFinalized(runID, outcome, reason, summary string) Event {
	payload := map[string]any{
		PayloadOutcome: outcome,
	}
	if reason != "" {
		payload[PayloadReason] = reason
	}
	if summary != "" {
		payload[PayloadSummary] = summary
	}
	return NewEvent(runID, KindRunFinalized, payload)
}
