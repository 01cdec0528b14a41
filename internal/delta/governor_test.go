package delta

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/RawleySM/agentic-context-engine/internal/permission"
	"github.com/RawleySM/agentic-context-engine/internal/playbook"
	"github.com/RawleySM/agentic-context-engine/internal/proof"
	"github.com/RawleySM/agentic-context-engine/internal/transcript"
)

func newTestGovernor(t *testing.T) (*Governor, *playbook.InMemory, *transcript.InMemory) {
	t.Helper()
	store := playbook.NewInMemory()
	rec := transcript.NewInMemory()
	g, err := NewGovernor(nil, store, rec, zap.NewNop())
	require.NoError(t, err)
	return g, store, rec
}

func provenProposal(t *testing.T, key string, branch, lines float64) *Proposal {
	t.Helper()
	entry, err := playbook.NewEntry(key, "validate inputs at the boundary", []string{"go"})
	require.NoError(t, err)
	p := NewProposal("build", key, "adds input validation strategy", entry, []string{TagRequiresProof})
	p.Proof = &proof.Bundle{
		Passed:   true,
		Coverage: map[string]float64{"branch": branch, "lines": lines},
		Mode:     proof.ModeFull,
	}
	return p
}

func TestNewGovernorRequiresCollaborators(t *testing.T) {
	_, err := NewGovernor(nil, nil, transcript.NewInMemory(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "playbook store is required")

	_, err = NewGovernor(nil, playbook.NewInMemory(), nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transcript recorder is required")
}

func TestDecideAcceptsProvenProposal(t *testing.T) {
	g, store, rec := newTestGovernor(t)
	ctx := context.Background()

	p := provenProposal(t, "strategies/validation", 0.85, 0.90)
	d, err := g.Decide(ctx, "run-1", permission.ModeAcceptEdits, p)
	require.NoError(t, err)
	assert.True(t, d.Accepted)

	entry, err := store.Read(ctx, "strategies/validation")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), entry.Version)

	events, err := rec.Read(ctx, "run-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, transcript.KindDeltaDecided, events[0].Kind)
	assert.Equal(t, true, events[0].Payload[transcript.PayloadAccepted])
}

func TestDecideRejectsBelowFloor(t *testing.T) {
	g, store, _ := newTestGovernor(t)
	ctx := context.Background()

	// Branch 0.70 against a 0.80 floor.
	p := provenProposal(t, "strategies/validation", 0.70, 0.90)
	d, err := g.Decide(ctx, "run-1", permission.ModeAcceptEdits, p)
	require.NoError(t, err)
	assert.False(t, d.Accepted)
	assert.Equal(t, CategoryTestFailure, d.Category)

	// The playbook is untouched on rejection.
	_, err = store.Read(ctx, "strategies/validation")
	require.ErrorIs(t, err, playbook.ErrEntryNotFound)
}

func TestDecideRejectsMissingBundle(t *testing.T) {
	g, _, _ := newTestGovernor(t)

	p := provenProposal(t, "k", 0.9, 0.9)
	p.Proof = nil
	d, err := g.Decide(context.Background(), "run-1", permission.ModeAcceptEdits, p)
	require.NoError(t, err)
	assert.False(t, d.Accepted)
	assert.Equal(t, CategoryInsufficientEvidence, d.Category)
}

func TestDecideDegradedBundleNeedsOverride(t *testing.T) {
	g, _, _ := newTestGovernor(t)
	ctx := context.Background()

	p := provenProposal(t, "k", 0.9, 0.9)
	p.Proof.Mode = proof.ModeDegraded
	d, err := g.Decide(ctx, "run-1", permission.ModeAcceptEdits, p)
	require.NoError(t, err)
	assert.False(t, d.Accepted)

	p2 := provenProposal(t, "k2", 0.9, 0.9)
	p2.Proof.Mode = proof.ModeDegraded
	p2.Tags = append(p2.Tags, TagProofOverride)
	d2, err := g.Decide(ctx, "run-1", permission.ModeAcceptEdits, p2)
	require.NoError(t, err)
	assert.True(t, d2.Accepted)
}

func TestDecidePermissionDenied(t *testing.T) {
	g, store, _ := newTestGovernor(t)
	ctx := context.Background()

	p := provenProposal(t, "k", 0.9, 0.9)
	_, err := g.Decide(ctx, "run-1", permission.ModePlan, p)
	require.ErrorIs(t, err, ErrPermissionDenied)

	// The proposal is not terminated by a blocked operation.
	_, decided := g.Decision(p.ID)
	assert.False(t, decided)
	_, err = store.Read(ctx, "k")
	require.ErrorIs(t, err, playbook.ErrEntryNotFound)
}

func TestDecideExactlyOnce(t *testing.T) {
	g, _, _ := newTestGovernor(t)
	ctx := context.Background()

	p := provenProposal(t, "k", 0.9, 0.9)
	_, err := g.Decide(ctx, "run-1", permission.ModeAcceptEdits, p)
	require.NoError(t, err)

	_, err = g.Decide(ctx, "run-1", permission.ModeAcceptEdits, p)
	require.ErrorIs(t, err, ErrAlreadyDecided)
}

func TestDecideLowConfidence(t *testing.T) {
	g, _, _ := newTestGovernor(t)

	p := provenProposal(t, "k", 0.9, 0.9)
	p.Entry.Confidence = 0.1
	d, err := g.Decide(context.Background(), "run-1", permission.ModeAcceptEdits, p)
	require.NoError(t, err)
	assert.False(t, d.Accepted)
	assert.Equal(t, CategoryLowConfidence, d.Category)
}

func TestDecideVersionConflict(t *testing.T) {
	_, store, _ := newTestGovernor(t)
	ctx := context.Background()

	// Seed the key, then hand the governor a store wrapper that bumps the
	// version between the governor's read and write.
	seed, err := playbook.NewEntry("k", "seed", nil)
	require.NoError(t, err)
	require.NoError(t, store.Write(ctx, "k", seed, 0))

	racing := &racingStore{InMemory: store}
	g2, err := NewGovernor(nil, racing, transcript.NewInMemory(), zap.NewNop())
	require.NoError(t, err)

	p := provenProposal(t, "k", 0.9, 0.9)
	d, err := g2.Decide(ctx, "run-1", permission.ModeAcceptEdits, p)
	require.NoError(t, err)
	assert.False(t, d.Accepted)
	assert.Equal(t, CategoryConflictsWithExisting, d.Category)
}

// racingStore simulates a concurrent writer sneaking in between read and write.
type racingStore struct {
	*playbook.InMemory
	raced bool
}

func (r *racingStore) Write(ctx context.Context, key string, entry *playbook.Entry, expectedVersion uint64) error {
	if !r.raced {
		r.raced = true
		current, err := r.InMemory.Read(ctx, key)
		if err == nil {
			sneak := *current
			sneak.Content = "concurrent change"
			if err := r.InMemory.Write(ctx, key, &sneak, current.Version); err != nil {
				return err
			}
		}
	}
	return r.InMemory.Write(ctx, key, entry, expectedVersion)
}

func TestDecideConcurrentSameKey(t *testing.T) {
	g, _, _ := newTestGovernor(t)
	ctx := context.Background()

	const n = 6
	decisions := make([]*Decision, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := provenProposal(t, "shared-key", 0.9, 0.9)
			d, err := g.Decide(ctx, "run-1", permission.ModeAcceptEdits, p)
			assert.NoError(t, err)
			decisions[i] = d
		}(i)
	}
	wg.Wait()

	accepted := 0
	for _, d := range decisions {
		require.NotNil(t, d)
		if d.Accepted {
			accepted++
		} else {
			assert.Equal(t, CategoryConflictsWithExisting, d.Category)
		}
	}
	// At most one proposal accepts against a key concurrently; at least
	// one must win since the accept paths never overlap in time.
	assert.GreaterOrEqual(t, accepted, 1)
}

func TestReviseSupersedes(t *testing.T) {
	p := provenProposal(t, "k", 0.7, 0.9)
	entry, err := playbook.NewEntry("k", "revised strategy", nil)
	require.NoError(t, err)

	p2 := p.Revise("tightened branch coverage", entry)
	assert.NotEqual(t, p.ID, p2.ID)
	assert.Equal(t, p.ID, p2.Revises)
	assert.Equal(t, p.TargetKey, p2.TargetKey)
	assert.True(t, p2.RequiresProof())
}

func TestCategoryRequestsRevision(t *testing.T) {
	assert.True(t, CategoryTestFailure.RequestsRevision())
	assert.True(t, CategoryInsufficientEvidence.RequestsRevision())
	assert.False(t, CategoryConflictsWithExisting.RequestsRevision())
	assert.False(t, CategoryLowConfidence.RequestsRevision())
	assert.False(t, CategoryOther.RequestsRevision())
}
