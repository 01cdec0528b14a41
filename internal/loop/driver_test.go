package loop

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/RawleySM/agentic-context-engine/internal/delta"
	"github.com/RawleySM/agentic-context-engine/internal/playbook"
	"github.com/RawleySM/agentic-context-engine/internal/transcript"
)

// scriptedInvoker fakes the agent runtime. Coverage per test attempt comes
// from the coverage slice, indexed by attempt.
type scriptedInvoker struct {
	coverage []map[string]float64
	passed   func(attempt int) bool

	builds int
	tests  int
}

func (s *scriptedInvoker) Plan(_ context.Context, run *TaskRun, _ []*playbook.Entry) (*delta.Proposal, error) {
	return delta.NewProposal("plan", "plans/"+run.ID, "planned approach", nil, []string{"phase=plan"}), nil
}

func (s *scriptedInvoker) Build(_ context.Context, _ *TaskRun, revision int, _ []ReviewRecord) ([]*delta.Proposal, error) {
	s.builds++
	entry, err := playbook.NewEntry("strategies/input-validation", "validate inputs at the boundary", []string{"validation"})
	if err != nil {
		return nil, err
	}
	p := delta.NewProposal("build", entry.Key, "learned from objective", entry, []string{delta.TagRequiresProof})
	return []*delta.Proposal{p}, nil
}

func (s *scriptedInvoker) Test(_ context.Context, _ *TaskRun, _ []*delta.Proposal) (*TestResult, error) {
	attempt := s.tests
	s.tests++
	passed := true
	if s.passed != nil {
		passed = s.passed(attempt)
	}
	var coverage map[string]float64
	if attempt < len(s.coverage) {
		coverage = s.coverage[attempt]
	}
	return &TestResult{
		Passed:    passed,
		Coverage:  coverage,
		Artifacts: []string{"reports/tests.xml"},
	}, nil
}

func newTestDriver(t *testing.T, config DriverConfig, invoker AgentInvoker) (*Driver, *transcript.InMemory, playbook.Store) {
	t.Helper()
	rec := transcript.NewInMemory()
	store := playbook.NewInMemory()
	gov, err := delta.NewGovernor(delta.DefaultGovernorConfig(), store, rec, zap.NewNop())
	require.NoError(t, err)
	d, err := NewDriver(config, rec, gov, nil, invoker, zap.NewNop())
	require.NoError(t, err)
	return d, rec, store
}

func TestRunRetriesLowCoverageThenAccepts(t *testing.T) {
	invoker := &scriptedInvoker{
		coverage: []map[string]float64{
			{"branch": 0.70, "lines": 0.90},
			{"branch": 0.85, "lines": 0.90},
		},
	}
	d, rec, store := newTestDriver(t, DefaultDriverConfig(), invoker)

	run, err := d.Run(context.Background(), "add input validation", nil)
	require.NoError(t, err)
	assert.Equal(t, PhaseComplete, run.Phase)
	assert.Equal(t, OutcomeSuccess, run.Outcome)
	assert.Equal(t, 1, run.Retries[PhaseBuild])
	assert.Equal(t, 2, invoker.builds)

	// the revised proposal landed in the knowledge base
	entry, err := store.Read(context.Background(), "strategies/input-validation")
	require.NoError(t, err)
	assert.Equal(t, "validate inputs at the boundary", entry.Content)

	// one rejection and one acceptance in the transcript
	events, err := rec.Read(context.Background(), run.ID, 0)
	require.NoError(t, err)
	var decided []transcript.Event
	for _, ev := range events {
		if ev.Kind == transcript.KindDeltaDecided {
			decided = append(decided, ev)
		}
	}
	require.Len(t, decided, 2)
	assert.Equal(t, false, decided[0].Payload[transcript.PayloadAccepted])
	assert.Equal(t, string(delta.CategoryTestFailure), decided[0].Payload[transcript.PayloadCategory])
	assert.Equal(t, true, decided[1].Payload[transcript.PayloadAccepted])

	// the final event carries the summary referencing both proposals
	last := events[len(events)-1]
	require.Equal(t, transcript.KindRunFinalized, last.Kind)
	summary, _ := last.Payload[transcript.PayloadSummary].(string)
	assert.Contains(t, summary, "accepted")
	assert.Contains(t, summary, "rejected")
}

func TestRunAbortsAfterRetryLimit(t *testing.T) {
	invoker := &scriptedInvoker{
		passed: func(int) bool { return false },
	}
	config := DefaultDriverConfig()
	config.MaxRetries = 2
	d, rec, _ := newTestDriver(t, config, invoker)

	run, err := d.Run(context.Background(), "never passes", nil)
	require.ErrorIs(t, err, ErrRetryLimitExceeded)
	assert.Equal(t, PhaseAborted, run.Phase)
	assert.Equal(t, OutcomeAborted, run.Outcome)
	assert.Equal(t, ReasonRetryLimitExceeded, run.Reason)
	assert.Equal(t, 3, invoker.builds)

	events, err := rec.Read(context.Background(), run.ID, 0)
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, transcript.KindRunFinalized, last.Kind)
	assert.Equal(t, ReasonRetryLimitExceeded, last.Payload[transcript.PayloadReason])
}

func TestRunTimeoutAborts(t *testing.T) {
	invoker := &slowInvoker{}
	config := DefaultDriverConfig()
	config.RunTimeout = 20 * time.Millisecond
	d, _, _ := newTestDriver(t, config, invoker)

	run, err := d.Run(context.Background(), "too slow", nil)
	require.Error(t, err)
	assert.Equal(t, PhaseAborted, run.Phase)
	assert.Equal(t, ReasonRunTimeout, run.Reason)
}

// slowInvoker blocks the Plan phase until the run deadline fires.
type slowInvoker struct{ scriptedInvoker }

func (s *slowInvoker) Plan(ctx context.Context, _ *TaskRun, _ []*playbook.Entry) (*delta.Proposal, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type recordingPublisher struct {
	subjects []string
	payloads [][]byte
}

func (r *recordingPublisher) Publish(subject string, data []byte) error {
	r.subjects = append(r.subjects, subject)
	r.payloads = append(r.payloads, data)
	return nil
}

func TestRunPublishesEventsToBus(t *testing.T) {
	pub := &recordingPublisher{}
	rec := transcript.WithPublisher(transcript.NewInMemory(), pub, zap.NewNop())
	store := playbook.NewInMemory()
	gov, err := delta.NewGovernor(delta.DefaultGovernorConfig(), store, rec, zap.NewNop())
	require.NoError(t, err)

	invoker := &scriptedInvoker{
		coverage: []map[string]float64{{"branch": 0.90, "lines": 0.95}},
	}
	d, err := NewDriver(DefaultDriverConfig(), rec, gov, nil, invoker, zap.NewNop())
	require.NoError(t, err)

	run, err := d.Run(context.Background(), "published run", nil)
	require.NoError(t, err)

	events, err := rec.Read(context.Background(), run.ID, 0)
	require.NoError(t, err)
	require.Len(t, pub.payloads, len(events))
	for _, subject := range pub.subjects {
		assert.Equal(t, transcript.SubjectForRun(run.ID), subject)
	}

	var last transcript.Event
	require.NoError(t, json.Unmarshal(pub.payloads[len(pub.payloads)-1], &last))
	assert.Equal(t, transcript.KindRunFinalized, last.Kind)
	assert.Equal(t, events[len(events)-1].Seq, last.Seq)
}

func TestRunTranscriptReplayMatchesFinalState(t *testing.T) {
	invoker := &scriptedInvoker{
		coverage: []map[string]float64{{"branch": 0.90, "lines": 0.95}},
	}
	d, rec, _ := newTestDriver(t, DefaultDriverConfig(), invoker)

	run, err := d.Run(context.Background(), "replayable", nil)
	require.NoError(t, err)

	events, err := rec.Read(context.Background(), run.ID, 0)
	require.NoError(t, err)
	state, err := transcript.Replay(events)
	require.NoError(t, err)
	assert.True(t, state.Finalized)
	assert.Equal(t, string(OutcomeSuccess), state.Outcome)
	assert.Equal(t, string(PhaseComplete), state.Phase)
}
