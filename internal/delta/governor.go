package delta

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/RawleySM/agentic-context-engine/internal/permission"
	"github.com/RawleySM/agentic-context-engine/internal/playbook"
	"github.com/RawleySM/agentic-context-engine/internal/proof"
	"github.com/RawleySM/agentic-context-engine/internal/transcript"
)

// GovernorConfig configures proof thresholds and confidence policy.
type GovernorConfig struct {
	// Thresholds are the coverage floors applied to proof bundles.
	Thresholds proof.Thresholds

	// MinConfidence rejects proposals whose entry confidence is below it.
	MinConfidence float64
}

// DefaultGovernorConfig returns sensible defaults.
func DefaultGovernorConfig() *GovernorConfig {
	return &GovernorConfig{
		Thresholds:    proof.Thresholds{"branch": 0.80, "lines": 0.85},
		MinConfidence: 0.2,
	}
}

// Governor applies accept/reject decisions to the playbook. It is the only
// component allowed to mutate it.
type Governor struct {
	config   *GovernorConfig
	store    playbook.Store
	recorder transcript.Recorder
	logger   *zap.Logger

	mu       sync.Mutex
	inflight map[string]string    // target key -> proposal ID currently in its accept path
	decided  map[string]*Decision // proposal ID -> terminal decision
}

// NewGovernor creates a governor over the given playbook store.
func NewGovernor(cfg *GovernorConfig, store playbook.Store, recorder transcript.Recorder, logger *zap.Logger) (*Governor, error) {
	if cfg == nil {
		cfg = DefaultGovernorConfig()
	}
	if store == nil {
		return nil, errors.New("playbook store is required")
	}
	if recorder == nil {
		return nil, errors.New("transcript recorder is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Governor{
		config:   cfg,
		store:    store,
		recorder: recorder,
		logger:   logger,
		inflight: make(map[string]string),
		decided:  make(map[string]*Decision),
	}, nil
}

// Decision returns the terminal decision for a proposal, if one exists.
func (g *Governor) Decision(proposalID string) (*Decision, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	d, ok := g.decided[proposalID]
	return d, ok
}

// Decide terminates a proposal exactly once.
//
// The accept path requires a permission level that allows mutation and a
// proof validation pass (or the absence of the requires_proof tag). While a
// proposal holds the accept path for a key, any other proposal targeting the
// same key is rejected with conflicts-with-existing. The playbook write uses
// the version last read; a concurrent change surfaces as the same category.
func (g *Governor) Decide(ctx context.Context, runID string, perm permission.Mode, p *Proposal) (*Decision, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	if !perm.CanMutate() {
		g.logger.Warn("blocked operation: governor call with read-only permission",
			zap.String("run_id", runID),
			zap.String("proposal_id", p.ID),
			zap.String("permission", string(perm)))
		return nil, ErrPermissionDenied
	}

	g.mu.Lock()
	if _, done := g.decided[p.ID]; done {
		g.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyDecided, p.ID)
	}
	if holder, busy := g.inflight[p.TargetKey]; busy && holder != p.ID {
		g.mu.Unlock()
		return g.reject(ctx, runID, p, CategoryConflictsWithExisting,
			fmt.Sprintf("proposal %s is already in flight against key %s", holder, p.TargetKey))
	}
	g.inflight[p.TargetKey] = p.ID
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		if g.inflight[p.TargetKey] == p.ID {
			delete(g.inflight, p.TargetKey)
		}
		g.mu.Unlock()
	}()

	if p.RequiresProof() {
		if p.OverrideSet() && p.Proof != nil && p.Proof.Mode == proof.ModeDegraded {
			g.logger.Warn("proof override used for degraded bundle",
				zap.String("run_id", runID),
				zap.String("proposal_id", p.ID))
		}
		result := proof.Validate(proof.Check{
			RequiresProof: true,
			Override:      p.OverrideSet(),
			Bundle:        p.Proof,
		}, g.config.Thresholds)
		if !result.Pass {
			category := CategoryTestFailure
			if p.Proof == nil {
				category = CategoryInsufficientEvidence
			}
			return g.reject(ctx, runID, p, category, strings.Join(result.Reasons, "; "))
		}
	}

	if p.Entry.Confidence < g.config.MinConfidence {
		return g.reject(ctx, runID, p, CategoryLowConfidence,
			fmt.Sprintf("entry confidence %.2f is below minimum %.2f", p.Entry.Confidence, g.config.MinConfidence))
	}

	var version uint64
	current, err := g.store.Read(ctx, p.TargetKey)
	switch {
	case err == nil:
		version = current.Version
	case errors.Is(err, playbook.ErrEntryNotFound):
		version = 0
	default:
		return nil, fmt.Errorf("failed to read playbook entry %s: %w", p.TargetKey, err)
	}

	if err := g.store.Write(ctx, p.TargetKey, p.Entry, version); err != nil {
		if errors.Is(err, playbook.ErrVersionConflict) {
			return g.reject(ctx, runID, p, CategoryConflictsWithExisting,
				fmt.Sprintf("key %s was modified concurrently", p.TargetKey))
		}
		return nil, fmt.Errorf("failed to write playbook entry %s: %w", p.TargetKey, err)
	}

	decision := &Decision{
		ProposalID: p.ID,
		Accepted:   true,
		Rationale:  p.Rationale,
		DecidedAt:  time.Now().UTC(),
	}
	if err := g.record(ctx, runID, p, decision); err != nil {
		// The playbook mutation stands; accepted deltas are never rolled
		// back. The caller treats the transcript failure as fatal.
		return nil, err
	}
	return decision, nil
}

// Reject records an externally issued rejection, bypassing the accept
// path. The playbook is untouched and the proposal is terminated exactly
// once like any other decision.
func (g *Governor) Reject(ctx context.Context, runID string, p *Proposal, category Category, rationale string) (*Decision, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if !category.Valid() {
		return nil, fmt.Errorf("%w: unknown category %q", ErrInvalidProposal, category)
	}
	g.mu.Lock()
	if _, done := g.decided[p.ID]; done {
		g.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyDecided, p.ID)
	}
	g.mu.Unlock()
	return g.reject(ctx, runID, p, category, rationale)
}

// reject records a terminal rejection. The playbook is untouched.
func (g *Governor) reject(ctx context.Context, runID string, p *Proposal, category Category, rationale string) (*Decision, error) {
	decision := &Decision{
		ProposalID: p.ID,
		Accepted:   false,
		Category:   category,
		Rationale:  rationale,
		DecidedAt:  time.Now().UTC(),
	}
	if err := g.record(ctx, runID, p, decision); err != nil {
		return nil, err
	}
	return decision, nil
}

// record stores the decision and emits the delta-decided event.
func (g *Governor) record(ctx context.Context, runID string, p *Proposal, d *Decision) error {
	g.mu.Lock()
	if _, done := g.decided[p.ID]; done {
		g.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyDecided, p.ID)
	}
	g.decided[p.ID] = d
	g.mu.Unlock()

	if _, err := g.recorder.Append(ctx, runID,
		transcript.NewDeltaDecided(runID, d.ProposalID, d.Accepted, string(d.Category), d.Rationale)); err != nil {
		return fmt.Errorf("failed to record delta decision: %w", err)
	}

	g.logger.Info("delta decided",
		zap.String("run_id", runID),
		zap.String("proposal_id", d.ProposalID),
		zap.Bool("accepted", d.Accepted),
		zap.String("category", string(d.Category)))
	return nil
}
