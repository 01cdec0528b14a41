package delta

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/RawleySM/agentic-context-engine/internal/playbook"
	"github.com/RawleySM/agentic-context-engine/internal/proof"
)

// Common errors for delta operations.
var (
	// ErrPermissionDenied is returned when a governor call is made while
	// the run's permission level is read-only. It is logged as a blocked
	// operation and does not affect the run's terminal outcome.
	ErrPermissionDenied = errors.New("permission denied: mutation requires acceptEdits or above")

	// ErrAlreadyDecided is returned when deciding a proposal twice.
	ErrAlreadyDecided = errors.New("proposal already decided")

	// ErrInvalidProposal is returned for proposals missing required fields.
	ErrInvalidProposal = errors.New("invalid proposal")
)

// Well-known proposal tags.
const (
	// TagRequiresProof marks proposals that cannot be accepted without a
	// full proof bundle meeting all thresholds.
	TagRequiresProof = "requires_proof"

	// TagProofOverride permits acceptance despite a degraded bundle. Use
	// of the override is logged.
	TagProofOverride = "proof_override"
)

// Category classifies rejections. The set is closed.
type Category string

const (
	CategoryInsufficientEvidence  Category = "insufficient-evidence"
	CategoryTestFailure           Category = "test-failure"
	CategoryConflictsWithExisting Category = "conflicts-with-existing"
	CategoryLowConfidence         Category = "low-confidence"
	CategoryOther                 Category = "other"
)

// Valid reports whether c belongs to the closed category set.
func (c Category) Valid() bool {
	switch c {
	case CategoryInsufficientEvidence, CategoryTestFailure,
		CategoryConflictsWithExisting, CategoryLowConfidence, CategoryOther:
		return true
	}
	return false
}

// RequestsRevision reports whether a rejection with this category should
// send the run back to the Build phase for a revised proposal. Evidence and
// test failures are revisable; conflicts and low confidence are not.
func (c Category) RequestsRevision() bool {
	return c == CategoryInsufficientEvidence || c == CategoryTestFailure
}

// Proposal is a candidate change to the playbook.
type Proposal struct {
	// ID uniquely identifies the proposal.
	ID string `json:"id"`

	// Phase names the originating phase ("plan", "build", "review").
	Phase string `json:"phase"`

	// TargetKey is the playbook key the proposal mutates.
	TargetKey string `json:"target_key"`

	// Rationale is the proposer's explanation.
	Rationale string `json:"rationale"`

	// Entry is the proposed playbook content.
	Entry *playbook.Entry `json:"entry"`

	// Tags carry governance flags such as requires_proof.
	Tags []string `json:"tags,omitempty"`

	// Proof is the attached evidence, nil until the Test phase runs.
	Proof *proof.Bundle `json:"proof,omitempty"`

	// Revises names the rejected proposal this one supersedes, if any.
	Revises string `json:"revises,omitempty"`

	// CreatedAt is when the proposal was created.
	CreatedAt time.Time `json:"created_at"`
}

// NewProposal creates a proposal with a generated UUID.
func NewProposal(phase, targetKey, rationale string, entry *playbook.Entry, tags []string) *Proposal {
	return &Proposal{
		ID:        uuid.New().String(),
		Phase:     phase,
		TargetKey: targetKey,
		Rationale: rationale,
		Entry:     entry,
		Tags:      tags,
		CreatedAt: time.Now().UTC(),
	}
}

// Revise creates a new proposal superseding a rejected one. The original is
// never reopened.
func (p *Proposal) Revise(rationale string, entry *playbook.Entry) *Proposal {
	next := NewProposal(p.Phase, p.TargetKey, rationale, entry, append([]string(nil), p.Tags...))
	next.Revises = p.ID
	return next
}

// HasTag reports whether the proposal carries the given tag.
func (p *Proposal) HasTag(tag string) bool {
	for _, t := range p.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// RequiresProof reports whether the proposal is tagged requires_proof.
func (p *Proposal) RequiresProof() bool {
	return p.HasTag(TagRequiresProof)
}

// OverrideSet reports whether the proof override tag is present.
func (p *Proposal) OverrideSet() bool {
	return p.HasTag(TagProofOverride)
}

// Validate checks the proposal for decidable shape.
func (p *Proposal) Validate() error {
	if p.ID == "" || p.TargetKey == "" {
		return ErrInvalidProposal
	}
	if p.Entry == nil {
		return ErrInvalidProposal
	}
	return p.Entry.Validate()
}

// Decision is the terminal outcome of one proposal.
type Decision struct {
	ProposalID string    `json:"proposal_id"`
	Accepted   bool      `json:"accepted"`
	Category   Category  `json:"category,omitempty"`
	Rationale  string    `json:"rationale"`
	DecidedAt  time.Time `json:"decided_at"`
}
