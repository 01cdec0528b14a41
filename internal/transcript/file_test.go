package transcript

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestFileRecorder(t *testing.T) (*FileRecorder, string) {
	t.Helper()
	dir := t.TempDir()
	rec, err := NewFileRecorder(dir, zap.NewNop())
	require.NoError(t, err)
	return rec, dir
}

func TestFileRecorderAppendAndRead(t *testing.T) {
	rec, _ := newTestFileRecorder(t)
	ctx := context.Background()

	seq1, err := rec.Append(ctx, "run-1", NewPhaseTransition("run-1", "", "plan", 0, "run started"))
	require.NoError(t, err)
	seq2, err := rec.Append(ctx, "run-1", NewMessage("run-1", "", "planning"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq1)
	assert.Equal(t, uint64(2), seq2)

	events, err := rec.Read(ctx, "run-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, KindPhaseTransition, events[0].Kind)
	assert.Equal(t, "plan", events[0].Payload[PayloadToPhase])
}

func TestFileRecorderWritesNDJSON(t *testing.T) {
	rec, dir := newTestFileRecorder(t)
	ctx := context.Background()

	_, err := rec.Append(ctx, "run-1", NewMessage("run-1", "sub-1", "hello"))
	require.NoError(t, err)

	f, err := os.Open(filepath.Join(dir, "run-1.ndjson"))
	require.NoError(t, err)
	defer f.Close()

	scanner := bufio.NewScanner(f)
	require.True(t, scanner.Scan())

	var raw map[string]any
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &raw))
	assert.Equal(t, float64(1), raw["seq"])
	assert.Equal(t, "run-1", raw["run_id"])
	assert.Equal(t, "sub-1", raw["subagent_id"])
	assert.Equal(t, "message", raw["kind"])
	assert.NotEmpty(t, raw["ts"])
}

func TestFileRecorderResumesSequence(t *testing.T) {
	dir := t.TempDir()

	rec1, err := NewFileRecorder(dir, zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()
	_, err = rec1.Append(ctx, "run-1", NewMessage("run-1", "", "one"))
	require.NoError(t, err)
	_, err = rec1.Append(ctx, "run-1", NewMessage("run-1", "", "two"))
	require.NoError(t, err)

	// A fresh recorder over the same directory continues the sequence.
	rec2, err := NewFileRecorder(dir, zap.NewNop())
	require.NoError(t, err)
	seq, err := rec2.Append(ctx, "run-1", NewMessage("run-1", "", "three"))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), seq)

	events, err := rec2.Read(ctx, "run-1", 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "two", events[0].Payload[PayloadText])
	assert.Equal(t, "three", events[1].Payload[PayloadText])
}

func TestFileRecorderUnknownRun(t *testing.T) {
	rec, _ := newTestFileRecorder(t)
	_, err := rec.Read(context.Background(), "missing", 0)
	require.ErrorIs(t, err, ErrRunNotFound)
}

func TestFileRecorderRejectsUnsafeRunID(t *testing.T) {
	rec, _ := newTestFileRecorder(t)
	ctx := context.Background()

	_, err := rec.Append(ctx, "../escape", NewMessage("../escape", "", "x"))
	require.ErrorIs(t, err, ErrInvalidEvent)

	_, err = rec.Read(ctx, "a/b", 0)
	require.ErrorIs(t, err, ErrInvalidEvent)
}

func TestFileRecorderStorageUnavailable(t *testing.T) {
	dir := t.TempDir()
	rec, err := NewFileRecorder(dir, zap.NewNop())
	require.NoError(t, err)

	// Removing the directory makes the backing store unwritable.
	require.NoError(t, os.RemoveAll(dir))

	_, err = rec.Append(context.Background(), "run-1", NewMessage("run-1", "", "x"))
	require.ErrorIs(t, err, ErrStorageUnavailable)
}

type captivePublisher struct {
	subjects []string
	payloads [][]byte
	fail     bool
}

func (c *captivePublisher) Publish(subject string, data []byte) error {
	if c.fail {
		return assert.AnError
	}
	c.subjects = append(c.subjects, subject)
	c.payloads = append(c.payloads, data)
	return nil
}

func TestWithPublisherMirrorsEvents(t *testing.T) {
	pub := &captivePublisher{}
	rec := WithPublisher(NewInMemory(), pub, zap.NewNop())
	ctx := context.Background()

	seq, err := rec.Append(ctx, "run-1", NewMessage("run-1", "", "hello"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)

	require.Len(t, pub.subjects, 1)
	assert.Equal(t, "runs.run-1.events", pub.subjects[0])

	var ev Event
	require.NoError(t, json.Unmarshal(pub.payloads[0], &ev))
	assert.Equal(t, uint64(1), ev.Seq)
	assert.Equal(t, KindMessage, ev.Kind)
}

func TestWithPublisherMatchesStoredEvent(t *testing.T) {
	pub := &captivePublisher{}
	inner := NewInMemory()
	rec := WithPublisher(inner, pub, zap.NewNop())
	ctx := context.Background()

	seq, err := rec.Append(ctx, "run-1", NewMessage("run-1", "", "hello"))
	require.NoError(t, err)

	stored, err := inner.Read(ctx, "run-1", seq)
	require.NoError(t, err)
	require.Len(t, stored, 1)

	want, err := json.Marshal(stored[0])
	require.NoError(t, err)
	require.Len(t, pub.payloads, 1)
	assert.JSONEq(t, string(want), string(pub.payloads[0]))

	var published Event
	require.NoError(t, json.Unmarshal(pub.payloads[0], &published))
	assert.Equal(t, stored[0].Timestamp, published.Timestamp)
}

func TestWithPublisherFailureDoesNotFailAppend(t *testing.T) {
	pub := &captivePublisher{fail: true}
	rec := WithPublisher(NewInMemory(), pub, zap.NewNop())

	seq, err := rec.Append(context.Background(), "run-1", NewMessage("run-1", "", "hello"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)
}
