package transcript

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/RawleySM/agentic-context-engine/internal/transcript"

// Recorder is the append-only event log contract.
//
// Append serializes concurrent writers into a single total order per run and
// returns the assigned sequence number. Read returns events from fromSeq
// onward in order; passing the last seen sequence number plus one resumes a
// previous read.
type Recorder interface {
	Append(ctx context.Context, runID string, ev Event) (uint64, error)
	Read(ctx context.Context, runID string, fromSeq uint64) ([]Event, error)
}

// runLog holds the ordered events of one run. The mutex is the per-run
// serialization point for sequence assignment.
type runLog struct {
	mu     sync.Mutex
	events []Event
}

// InMemory is a Recorder backed by process memory.
type InMemory struct {
	mu   sync.RWMutex
	runs map[string]*runLog

	appendCounter metric.Int64Counter
}

// NewInMemory creates an in-memory recorder.
func NewInMemory() *InMemory {
	r := &InMemory{
		runs: make(map[string]*runLog),
	}
	meter := otel.Meter(instrumentationName)
	r.appendCounter, _ = meter.Int64Counter("transcript.appends",
		metric.WithDescription("Number of transcript events appended"))
	return r
}

// Append implements Recorder.
func (r *InMemory) Append(ctx context.Context, runID string, ev Event) (uint64, error) {
	if runID == "" {
		return 0, fmt.Errorf("%w: empty run ID", ErrInvalidEvent)
	}
	if !ev.Kind.Valid() {
		return 0, fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, ev.Kind)
	}

	log := r.logFor(runID)

	log.mu.Lock()
	defer log.mu.Unlock()

	ev.RunID = runID
	ev.Seq = uint64(len(log.events)) + 1
	ev.Timestamp = time.Now().UTC()
	log.events = append(log.events, ev)

	if r.appendCounter != nil {
		r.appendCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("kind", string(ev.Kind)),
		))
	}

	return ev.Seq, nil
}

// Read implements Recorder.
func (r *InMemory) Read(_ context.Context, runID string, fromSeq uint64) ([]Event, error) {
	r.mu.RLock()
	log, ok := r.runs[runID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	log.mu.Lock()
	defer log.mu.Unlock()

	if fromSeq <= 1 {
		out := make([]Event, len(log.events))
		copy(out, log.events)
		return out, nil
	}
	if fromSeq > uint64(len(log.events)) {
		return []Event{}, nil
	}
	out := make([]Event, uint64(len(log.events))-fromSeq+1)
	copy(out, log.events[fromSeq-1:])
	return out, nil
}

func (r *InMemory) logFor(runID string) *runLog {
	r.mu.RLock()
	log, ok := r.runs[runID]
	r.mu.RUnlock()
	if ok {
		return log
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if log, ok = r.runs[runID]; ok {
		return log
	}
	log = &runLog{}
	r.runs[runID] = log
	return log
}
