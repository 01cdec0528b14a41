package transcript

import (
	"errors"
	"fmt"
)

// Replay errors.
var (
	ErrSequenceGap      = errors.New("transcript sequence gap")
	ErrDecisionReopened = errors.New("delta decision reopened")
)

// ProposalState is the replayed state of one delta proposal.
type ProposalState struct {
	ProposalID string `json:"proposal_id"`
	TargetKey  string `json:"target_key"`
	Decided    bool   `json:"decided"`
	Accepted   bool   `json:"accepted"`
	Category   string `json:"category,omitempty"`
}

// RunState is the result of folding a run's events in order. Replaying the
// same events always yields the same RunState.
type RunState struct {
	RunID     string                    `json:"run_id"`
	Phase     string                    `json:"phase"`
	Retries   map[string]int            `json:"retries"`
	Proposals map[string]*ProposalState `json:"proposals"`
	Finalized bool                      `json:"finalized"`
	Outcome   string                    `json:"outcome,omitempty"`
	Reason    string                    `json:"reason,omitempty"`
}

// Replay folds an ordered event slice into the run's final state. It
// enforces the strictly-increasing, gap-free sequence invariant and the
// decide-exactly-once invariant for proposals.
func Replay(events []Event) (*RunState, error) {
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: empty transcript", ErrRunNotFound)
	}

	state := &RunState{
		RunID:     events[0].RunID,
		Retries:   make(map[string]int),
		Proposals: make(map[string]*ProposalState),
	}

	var prevSeq uint64
	for _, ev := range events {
		if ev.Seq != prevSeq+1 {
			return nil, fmt.Errorf("%w: expected seq %d, got %d", ErrSequenceGap, prevSeq+1, ev.Seq)
		}
		prevSeq = ev.Seq

		if ev.RunID != state.RunID {
			return nil, fmt.Errorf("%w: mixed run IDs %s and %s", ErrInvalidEvent, state.RunID, ev.RunID)
		}

		switch ev.Kind {
		case KindPhaseTransition:
			state.Phase = payloadString(ev, PayloadToPhase)
			// Retry transitions land back on an earlier phase; the count is
			// recorded against the phase being redone.
			if retry, ok := payloadInt(ev, PayloadRetry); ok && retry > 0 {
				state.Retries[payloadString(ev, PayloadToPhase)] = retry
			}

		case KindDeltaProposed:
			id := payloadString(ev, PayloadProposalID)
			if id == "" {
				return nil, fmt.Errorf("%w: delta-proposed without proposal_id at seq %d", ErrInvalidEvent, ev.Seq)
			}
			if _, exists := state.Proposals[id]; !exists {
				state.Proposals[id] = &ProposalState{
					ProposalID: id,
					TargetKey:  payloadString(ev, PayloadTargetKey),
				}
			}

		case KindDeltaDecided:
			id := payloadString(ev, PayloadProposalID)
			p, exists := state.Proposals[id]
			if !exists {
				p = &ProposalState{ProposalID: id}
				state.Proposals[id] = p
			}
			if p.Decided {
				return nil, fmt.Errorf("%w: proposal %s at seq %d", ErrDecisionReopened, id, ev.Seq)
			}
			p.Decided = true
			p.Accepted, _ = ev.Payload[PayloadAccepted].(bool)
			p.Category = payloadString(ev, PayloadCategory)

		case KindRunFinalized:
			state.Finalized = true
			state.Outcome = payloadString(ev, PayloadOutcome)
			state.Reason = payloadString(ev, PayloadReason)
		}
	}

	return state, nil
}

func payloadString(ev Event, key string) string {
	s, _ := ev.Payload[key].(string)
	return s
}

// payloadInt tolerates both int and float64 values since NDJSON round-trips
// numbers as float64.
func payloadInt(ev Event, key string) (int, bool) {
	switch v := ev.Payload[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}
