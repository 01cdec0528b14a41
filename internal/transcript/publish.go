package transcript

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
)

// Publisher mirrors appended events onto a message bus subject. *nats.Conn
// satisfies this interface.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// SubjectForRun returns the bus subject carrying a run's events.
func SubjectForRun(runID string) string {
	return fmt.Sprintf("runs.%s.events", runID)
}

// publishingRecorder wraps a Recorder and publishes every appended event.
// Publishing is best-effort: a publish failure is logged, never surfaced,
// so external inspectors can't fail an append.
type publishingRecorder struct {
	inner  Recorder
	pub    Publisher
	logger *zap.Logger
}

// WithPublisher decorates rec so appended events are also published to
// SubjectForRun(runID).
func WithPublisher(rec Recorder, pub Publisher, logger *zap.Logger) Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &publishingRecorder{inner: rec, pub: pub, logger: logger}
}

func (p *publishingRecorder) Append(ctx context.Context, runID string, ev Event) (uint64, error) {
	seq, err := p.inner.Append(ctx, runID, ev)
	if err != nil {
		return 0, err
	}

	// Re-read the stored event so the published bytes carry the sequence
	// number and timestamp the log assigned, not a local restamp.
	stored, err := p.inner.Read(ctx, runID, seq)
	if err != nil || len(stored) == 0 {
		p.logger.Warn("failed to read back event for publishing",
			zap.String("run_id", runID), zap.Uint64("seq", seq), zap.Error(err))
		return seq, nil
	}
	data, err := json.Marshal(stored[0])
	if err != nil {
		p.logger.Warn("failed to encode event for publishing",
			zap.String("run_id", runID), zap.Uint64("seq", seq), zap.Error(err))
		return seq, nil
	}
	if err := p.pub.Publish(SubjectForRun(runID), data); err != nil {
		p.logger.Warn("failed to publish transcript event",
			zap.String("run_id", runID), zap.Uint64("seq", seq), zap.Error(err))
	}
	return seq, nil
}

func (p *publishingRecorder) Read(ctx context.Context, runID string, fromSeq uint64) ([]Event, error) {
	return p.inner.Read(ctx, runID, fromSeq)
}
