package transcript

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// FileRecorder is a Recorder that appends newline-delimited JSON to one file
// per run under a base directory. Files are append-only; a consumer may
// resume reading from the last sequence number it has seen.
type FileRecorder struct {
	dir    string
	logger *zap.Logger

	mu   sync.Mutex
	runs map[string]*fileRun
}

type fileRun struct {
	mu      sync.Mutex
	nextSeq uint64
}

// NewFileRecorder creates a recorder writing under dir, creating it if
// needed. Existing run files are resumed at their last sequence number.
func NewFileRecorder(dir string, logger *zap.Logger) (*FileRecorder, error) {
	if dir == "" {
		return nil, fmt.Errorf("transcript directory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return &FileRecorder{
		dir:    dir,
		logger: logger,
		runs:   make(map[string]*fileRun),
	}, nil
}

// Append implements Recorder. Write failures surface as
// ErrStorageUnavailable and the event is not recorded.
func (r *FileRecorder) Append(_ context.Context, runID string, ev Event) (uint64, error) {
	if runID == "" {
		return 0, fmt.Errorf("%w: empty run ID", ErrInvalidEvent)
	}
	if !ev.Kind.Valid() {
		return 0, fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, ev.Kind)
	}
	if err := validateRunID(runID); err != nil {
		return 0, err
	}

	run, err := r.runFor(runID)
	if err != nil {
		return 0, err
	}

	run.mu.Lock()
	defer run.mu.Unlock()

	ev.RunID = runID
	ev.Seq = run.nextSeq
	ev.Timestamp = time.Now().UTC()

	line, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("failed to encode event: %w", err)
	}

	f, err := os.OpenFile(r.path(runID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if err := f.Sync(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	run.nextSeq++
	return ev.Seq, nil
}

// Read implements Recorder.
func (r *FileRecorder) Read(_ context.Context, runID string, fromSeq uint64) ([]Event, error) {
	if err := validateRunID(runID); err != nil {
		return nil, err
	}

	f, err := os.Open(r.path(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, fmt.Errorf("corrupt transcript for run %s: %w", runID, err)
		}
		if ev.Seq >= fromSeq {
			events = append(events, ev)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if events == nil {
		events = []Event{}
	}
	return events, nil
}

// runFor returns the per-run bookkeeping, resuming sequence numbering from
// an existing file when present.
func (r *FileRecorder) runFor(runID string) (*fileRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if run, ok := r.runs[runID]; ok {
		return run, nil
	}

	run := &fileRun{nextSeq: 1}
	f, err := os.Open(r.path(runID))
	if err == nil {
		defer f.Close()
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		var last uint64
		for scanner.Scan() {
			if len(scanner.Bytes()) == 0 {
				continue
			}
			var ev Event
			if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
				return nil, fmt.Errorf("corrupt transcript for run %s: %w", runID, err)
			}
			last = ev.Seq
		}
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
		run.nextSeq = last + 1
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	r.runs[runID] = run
	return run, nil
}

func (r *FileRecorder) path(runID string) string {
	return filepath.Join(r.dir, runID+".ndjson")
}

// validateRunID rejects run IDs that could escape the transcript directory.
func validateRunID(runID string) error {
	if runID == "" || strings.ContainsAny(runID, "/\\") || strings.Contains(runID, "..") {
		return fmt.Errorf("%w: unsafe run ID %q", ErrInvalidEvent, runID)
	}
	return nil
}
