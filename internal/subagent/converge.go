package subagent

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// consensusTolerance bounds how far numeric payloads may drift and still
// count as agreement under the consensus strategy.
const consensusTolerance = 1e-9

// Converge reconciles the results of the named sessions under the given
// strategy. Every named session must be terminal; forked sessions are
// rejected; failed or timed-out sessions are only allowed under
// first_success. On conflicts the resolution method decides the outcome,
// and manual review suspends the convergence without producing output for
// the contested targets.
func (c *Coordinator) Converge(sessionIDs []string, strategy Strategy, resolution Resolution) (*ConvergenceResult, error) {
	if len(sessionIDs) == 0 {
		return nil, ErrNoSessions
	}
	if !strategy.Valid() {
		return nil, fmt.Errorf("invalid convergence strategy %q", strategy)
	}
	if resolution == "" {
		resolution = ResolutionManual
	}
	if !resolution.Valid() {
		return nil, fmt.Errorf("invalid resolution method %q", resolution)
	}

	c.mu.Lock()
	sessions := make([]*Session, 0, len(sessionIDs))
	for _, id := range sessionIDs {
		s, ok := c.sessions[id]
		if !ok {
			c.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		if !s.State.Terminal() {
			c.mu.Unlock()
			return nil, fmt.Errorf("%w: %s is %s", ErrSessionNotTerminal, id, s.State)
		}
		if s.Forked {
			c.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrForkedSessionIncluded, id)
		}
		if s.State != StateConverged && strategy != StrategyFirstSuccess {
			c.mu.Unlock()
			return nil, fmt.Errorf("%w: %s is %s", ErrFailedSessionIncluded, id, s.State)
		}
		sessions = append(sessions, s.snapshot())
	}
	c.mu.Unlock()

	switch strategy {
	case StrategyMerge:
		return convergeMerge(sessions, resolution)
	case StrategyVote:
		return convergeVote(sessions, resolution)
	case StrategyConsensus:
		return convergeConsensus(sessions)
	case StrategyFirstSuccess:
		return convergeFirstSuccess(sessions)
	default:
		return nil, fmt.Errorf("invalid convergence strategy %q", strategy)
	}
}

func sessionIDsOf(sessions []*Session) []string {
	ids := make([]string, len(sessions))
	for i, s := range sessions {
		ids[i] = s.ID
	}
	return ids
}

// convergeMerge concatenates non-overlapping contributions and hands
// overlapping targets to the resolution method.
func convergeMerge(sessions []*Session, resolution Resolution) (*ConvergenceResult, error) {
	byTarget := make(map[string][]*Session)
	var targets []string
	for _, s := range sessions {
		target := s.Result.Target
		if target == "" {
			target = s.ID
		}
		if _, seen := byTarget[target]; !seen {
			targets = append(targets, target)
		}
		byTarget[target] = append(byTarget[target], s)
	}
	sort.Strings(targets)

	result := &ConvergenceResult{
		Strategy: StrategyMerge,
		Sessions: sessionIDsOf(sessions),
		Output:   make(map[string]string),
	}
	for _, target := range targets {
		contributors := byTarget[target]
		if len(contributors) == 1 {
			result.Output[target] = contributors[0].Result.Payload
			continue
		}
		ids := sessionIDsOf(contributors)
		sort.Strings(ids)
		result.Conflicts = append(result.Conflicts, Conflict{Target: target, SessionIDs: ids})

		winner, err := resolveConflict(contributors, resolution)
		if err != nil {
			return nil, err
		}
		if winner != nil {
			result.Output[target] = winner.Result.Payload
		}
	}
	if len(result.Conflicts) > 0 {
		result.Resolution = resolution
		if resolution == ResolutionManual {
			return result, ErrManualReviewRequired
		}
	}
	return result, nil
}

// resolveConflict picks the winning contributor, or nil for manual review.
func resolveConflict(contributors []*Session, resolution Resolution) (*Session, error) {
	switch resolution {
	case ResolutionManual:
		return nil, nil
	case ResolutionAutoAcceptLatest:
		winner := contributors[0]
		for _, s := range contributors[1:] {
			switch {
			case s.Result.CompletedAt.After(winner.Result.CompletedAt):
				winner = s
			case s.Result.CompletedAt.Equal(winner.Result.CompletedAt) && s.ID < winner.ID:
				winner = s
			}
		}
		return winner, nil
	case ResolutionPreferHigherConfidence:
		for _, s := range contributors {
			if s.Result.Confidence == nil {
				return nil, fmt.Errorf("%w: session %s", ErrMissingConfidenceMetadata, s.ID)
			}
		}
		winner := contributors[0]
		for _, s := range contributors[1:] {
			switch {
			case *s.Result.Confidence > *winner.Result.Confidence:
				winner = s
			case *s.Result.Confidence == *winner.Result.Confidence && s.ID < winner.ID:
				winner = s
			}
		}
		return winner, nil
	default:
		return nil, fmt.Errorf("invalid resolution method %q", resolution)
	}
}

// convergeVote selects the payload held by a strict majority. A three-way
// split has no majority and falls to the resolution method.
func convergeVote(sessions []*Session, resolution Resolution) (*ConvergenceResult, error) {
	if len(sessions) < 3 {
		return nil, fmt.Errorf("%w: got %d", ErrVoteNeedsThree, len(sessions))
	}

	counts := make(map[string]int)
	for _, s := range sessions {
		counts[s.Result.Payload]++
	}
	var winner string
	for payload, n := range counts {
		if n*2 > len(sessions) {
			winner = payload
			break
		}
	}

	result := &ConvergenceResult{
		Strategy: StrategyVote,
		Sessions: sessionIDsOf(sessions),
		Output:   make(map[string]string),
	}
	if winner != "" {
		result.Output[voteTarget(sessions, winner)] = winner
		return result, nil
	}

	ids := sessionIDsOf(sessions)
	sort.Strings(ids)
	result.Conflicts = []Conflict{{Target: voteTarget(sessions, ""), SessionIDs: ids}}
	result.Resolution = resolution

	chosen, err := resolveConflict(sessions, resolution)
	if err != nil {
		return nil, err
	}
	if chosen == nil {
		return result, ErrManualReviewRequired
	}
	result.Output[voteTarget(sessions, chosen.Result.Payload)] = chosen.Result.Payload
	return result, nil
}

// voteTarget finds the target shared by the voting sessions, preferring a
// session that produced the winning payload.
func voteTarget(sessions []*Session, payload string) string {
	for _, s := range sessions {
		if payload != "" && s.Result.Payload != payload {
			continue
		}
		if s.Result.Target != "" {
			return s.Result.Target
		}
	}
	return "vote"
}

// convergeConsensus requires every result to agree within tolerance.
// Disagreement yields no partial output and always requires manual review.
func convergeConsensus(sessions []*Session) (*ConvergenceResult, error) {
	first := sessions[0].Result.Payload
	agree := true
	for _, s := range sessions[1:] {
		if !payloadsAgree(first, s.Result.Payload) {
			agree = false
			break
		}
	}

	result := &ConvergenceResult{
		Strategy: StrategyConsensus,
		Sessions: sessionIDsOf(sessions),
		Output:   make(map[string]string),
	}
	if !agree {
		ids := sessionIDsOf(sessions)
		sort.Strings(ids)
		result.Conflicts = []Conflict{{Target: voteTarget(sessions, ""), SessionIDs: ids}}
		result.Resolution = ResolutionManual
		return result, ErrManualReviewRequired
	}
	result.Output[voteTarget(sessions, first)] = first
	return result, nil
}

// payloadsAgree compares payloads exactly, with a numeric tolerance when
// both parse as floats.
func payloadsAgree(a, b string) bool {
	if a == b {
		return true
	}
	var fa, fb float64
	if _, err := fmt.Sscanf(strings.TrimSpace(a), "%g", &fa); err != nil {
		return false
	}
	if _, err := fmt.Sscanf(strings.TrimSpace(b), "%g", &fb); err != nil {
		return false
	}
	return math.Abs(fa-fb) <= consensusTolerance
}

// convergeFirstSuccess returns the chronologically first successful result.
// Failed and timed-out sessions are tolerated; their attempts stay in the
// transcript.
func convergeFirstSuccess(sessions []*Session) (*ConvergenceResult, error) {
	var winner *Session
	for _, s := range sessions {
		if s.State != StateConverged || s.Result == nil || !s.Result.Success {
			continue
		}
		switch {
		case winner == nil:
			winner = s
		case s.Result.CompletedAt.Before(winner.Result.CompletedAt):
			winner = s
		case s.Result.CompletedAt.Equal(winner.Result.CompletedAt) && s.ID < winner.ID:
			winner = s
		}
	}
	if winner == nil {
		return nil, ErrNoSuccessfulSession
	}

	target := winner.Result.Target
	if target == "" {
		target = winner.ID
	}
	return &ConvergenceResult{
		Strategy: StrategyFirstSuccess,
		Sessions: sessionIDsOf(sessions),
		Output:   map[string]string{target: winner.Result.Payload},
	}, nil
}
