// Package playbook provides the curated knowledge base of strategies that
// the skills loop maintains over time.
//
// Entries are versioned; writes carry the version the writer last read and
// fail with ErrVersionConflict on a mismatch (optimistic concurrency). The
// delta governor is the only component that writes entries.
package playbook

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Common errors for playbook operations.
var (
	ErrEntryNotFound     = errors.New("playbook entry not found")
	ErrVersionConflict   = errors.New("playbook version conflict")
	ErrEmptyKey          = errors.New("playbook key cannot be empty")
	ErrEmptyContent      = errors.New("playbook content cannot be empty")
	ErrInvalidConfidence = errors.New("confidence must be between 0.0 and 1.0")
)

// Entry is one curated strategy in the playbook.
type Entry struct {
	// Key is the stable identifier the entry is stored under.
	Key string `json:"key"`

	// Content is the strategy text.
	Content string `json:"content"`

	// HelpfulCount and HarmfulCount track feedback signals accumulated
	// across runs.
	HelpfulCount int `json:"helpful_count"`
	HarmfulCount int `json:"harmful_count"`

	// Confidence is a score from 0.0 to 1.0 indicating reliability.
	Confidence float64 `json:"confidence"`

	// Tags are labels for categorization.
	Tags []string `json:"tags,omitempty"`

	// Version increments on every accepted write. Zero means the entry
	// has never been written.
	Version uint64 `json:"version"`

	// UpdatedAt is when the entry was last written.
	UpdatedAt time.Time `json:"updated_at"`
}

// NewEntry creates an entry with neutral confidence.
func NewEntry(key, content string, tags []string) (*Entry, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	if content == "" {
		return nil, ErrEmptyContent
	}
	return &Entry{
		Key:        key,
		Content:    content,
		Confidence: 0.5,
		Tags:       tags,
	}, nil
}

// Validate checks the entry for storable values.
func (e *Entry) Validate() error {
	if e.Key == "" {
		return ErrEmptyKey
	}
	if e.Content == "" {
		return ErrEmptyContent
	}
	if e.Confidence < 0.0 || e.Confidence > 1.0 {
		return ErrInvalidConfidence
	}
	return nil
}

// NetScore returns helpful minus harmful signals.
func (e *Entry) NetScore() int {
	return e.HelpfulCount - e.HarmfulCount
}

// Store is the knowledge-base read/write contract consumed by the governor.
type Store interface {
	// Read returns the entry stored under key, or ErrEntryNotFound.
	Read(ctx context.Context, key string) (*Entry, error)

	// Write stores entry under key if the stored version still equals
	// expectedVersion (zero for a create), otherwise ErrVersionConflict.
	// On success the stored entry's version is expectedVersion+1.
	Write(ctx context.Context, key string, entry *Entry, expectedVersion uint64) error
}

// InMemory is a Store backed by process memory.
type InMemory struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewInMemory creates an empty in-memory store.
func NewInMemory() *InMemory {
	return &InMemory{entries: make(map[string]*Entry)}
}

// Read implements Store. The returned entry is a copy; mutating it does not
// affect the store.
func (s *InMemory) Read(_ context.Context, key string) (*Entry, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[key]
	if !ok {
		return nil, ErrEntryNotFound
	}
	cp := *entry
	cp.Tags = append([]string(nil), entry.Tags...)
	return &cp, nil
}

// Write implements Store.
func (s *InMemory) Write(_ context.Context, key string, entry *Entry, expectedVersion uint64) error {
	if key == "" {
		return ErrEmptyKey
	}
	if err := entry.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var current uint64
	if existing, ok := s.entries[key]; ok {
		current = existing.Version
	}
	if current != expectedVersion {
		return ErrVersionConflict
	}

	cp := *entry
	cp.Key = key
	cp.Tags = append([]string(nil), entry.Tags...)
	cp.Version = expectedVersion + 1
	cp.UpdatedAt = time.Now().UTC()
	s.entries[key] = &cp
	return nil
}

// Keys returns all stored keys. Intended for summaries and tests.
func (s *InMemory) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	return keys
}
