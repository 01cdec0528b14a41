package command

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/RawleySM/agentic-context-engine/internal/delta"
	"github.com/RawleySM/agentic-context-engine/internal/loop"
	"github.com/RawleySM/agentic-context-engine/internal/permission"
	"github.com/RawleySM/agentic-context-engine/internal/playbook"
	"github.com/RawleySM/agentic-context-engine/internal/subagent"
	"github.com/RawleySM/agentic-context-engine/internal/transcript"
)

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	rec := transcript.NewInMemory()
	gov, err := delta.NewGovernor(delta.DefaultGovernorConfig(), playbook.NewInMemory(), rec, zap.NewNop())
	require.NoError(t, err)
	coord, err := subagent.NewCoordinator(subagent.DefaultConfig(), rec,
		func(ctx context.Context, task subagent.Task) (*subagent.Result, error) {
			return &subagent.Result{Success: true, Payload: "done"}, nil
		}, zap.NewNop())
	require.NoError(t, err)
	d, err := NewDispatcher(gov, coord, zap.NewNop())
	require.NoError(t, err)
	return d
}

func runInPhase(phase loop.Phase) *loop.TaskRun {
	return &loop.TaskRun{
		ID:         "run-1",
		Phase:      phase,
		Permission: permission.ModeAcceptEdits,
	}
}

func TestDispatchRejectsWrongPhase(t *testing.T) {
	d := newTestDispatcher(t)

	cases := []struct {
		name  Name
		phase loop.Phase
	}{
		{NameAcceptDelta, loop.PhaseBuild},
		{NameRejectDelta, loop.PhasePlan},
		{NameDelegate, loop.PhaseReview},
		{NameConverge, loop.PhaseDocument},
		{NameDocument, loop.PhaseBuild},
	}
	for _, tc := range cases {
		_, err := d.Dispatch(context.Background(), runInPhase(tc.phase), Command{Name: tc.name})
		assert.ErrorIs(t, err, ErrInvalidForPhase, "%s in %s", tc.name, tc.phase)
	}
}

func TestDispatchRejectsUnknownCommand(t *testing.T) {
	d := newTestDispatcher(t)
	_, err := d.Dispatch(context.Background(), runInPhase(loop.PhaseBuild), Command{Name: "explode"})
	require.ErrorIs(t, err, ErrUnknownCommand)
}

func TestDispatchAcceptDelta(t *testing.T) {
	d := newTestDispatcher(t)
	entry, err := playbook.NewEntry("strategies/retry", "retry transient failures", nil)
	require.NoError(t, err)
	p := delta.NewProposal("review", entry.Key, "worked twice", entry, nil)

	res, err := d.Dispatch(context.Background(), runInPhase(loop.PhaseReview), Command{
		Name:     NameAcceptDelta,
		Proposal: p,
	})
	require.NoError(t, err)
	require.NotNil(t, res.Decision)
	assert.True(t, res.Decision.Accepted)
}

func TestDispatchRejectDelta(t *testing.T) {
	d := newTestDispatcher(t)
	entry, err := playbook.NewEntry("strategies/guess", "just guess", nil)
	require.NoError(t, err)
	p := delta.NewProposal("review", entry.Key, "hunch", entry, nil)

	res, err := d.Dispatch(context.Background(), runInPhase(loop.PhaseReview), Command{
		Name:      NameRejectDelta,
		Proposal:  p,
		Category:  delta.CategoryLowConfidence,
		Rationale: "not enough signal",
	})
	require.NoError(t, err)
	require.NotNil(t, res.Decision)
	assert.False(t, res.Decision.Accepted)
	assert.Equal(t, delta.CategoryLowConfidence, res.Decision.Category)
}

func TestDispatchDelegate(t *testing.T) {
	d := newTestDispatcher(t)

	res, err := d.Dispatch(context.Background(), runInPhase(loop.PhaseBuild), Command{
		Name:  NameDelegate,
		Spawn: &subagent.Spawn{Role: subagent.RoleBuilder},
	})
	require.NoError(t, err)
	require.NotNil(t, res.Session)
	assert.Equal(t, subagent.RoleBuilder, res.Session.Role)
}

func TestDispatchMissingFields(t *testing.T) {
	d := newTestDispatcher(t)

	_, err := d.Dispatch(context.Background(), runInPhase(loop.PhaseReview), Command{Name: NameAcceptDelta})
	assert.ErrorIs(t, err, ErrMissingField)

	_, err = d.Dispatch(context.Background(), runInPhase(loop.PhaseBuild), Command{Name: NameDelegate})
	assert.ErrorIs(t, err, ErrMissingField)

	_, err = d.Dispatch(context.Background(), runInPhase(loop.PhaseBuild), Command{Name: NameConverge})
	assert.ErrorIs(t, err, ErrMissingField)
}
