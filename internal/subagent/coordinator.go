package subagent

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/RawleySM/agentic-context-engine/internal/permission"
	"github.com/RawleySM/agentic-context-engine/internal/transcript"
)

// Config holds coordinator limits.
type Config struct {
	// MaxDepth bounds nested delegation. Direct children of a run sit at
	// depth 1.
	MaxDepth int `koanf:"max_depth"`

	// DefaultTimeout applies to tasks that do not set one.
	DefaultTimeout time.Duration `koanf:"default_timeout"`
}

// DefaultConfig returns sane coordinator limits.
func DefaultConfig() Config {
	return Config{
		MaxDepth:       2,
		DefaultTimeout: 5 * time.Minute,
	}
}

// Validate checks configuration bounds.
func (c Config) Validate() error {
	if c.MaxDepth < 1 {
		return fmt.Errorf("max_depth must be at least 1, got %d", c.MaxDepth)
	}
	if c.DefaultTimeout <= 0 {
		return fmt.Errorf("default_timeout must be positive, got %s", c.DefaultTimeout)
	}
	return nil
}

// Spawn describes one session to delegate.
type Spawn struct {
	Role           Role
	Task           Task
	InheritContext bool
}

// Coordinator owns the session registry for a run and mediates delegation,
// handoff, forking, and convergence.
type Coordinator struct {
	config   Config
	recorder transcript.Recorder
	run      TaskFunc
	logger   *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session

	spawns metric.Int64Counter
}

// NewCoordinator creates a coordinator backed by the given transcript
// recorder and task executor.
func NewCoordinator(config Config, recorder transcript.Recorder, run TaskFunc, logger *zap.Logger) (*Coordinator, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid subagent config: %w", err)
	}
	if recorder == nil {
		return nil, fmt.Errorf("recorder is required")
	}
	if run == nil {
		return nil, fmt.Errorf("task executor is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	meter := otel.Meter("subagent")
	spawns, err := meter.Int64Counter("subagent.spawns",
		metric.WithDescription("Subagent sessions spawned"))
	if err != nil {
		return nil, fmt.Errorf("create spawn counter: %w", err)
	}

	return &Coordinator{
		config:   config,
		recorder: recorder,
		run:      run,
		logger:   logger,
		sessions: make(map[string]*Session),
		spawns:   spawns,
	}, nil
}

// Session returns a snapshot of the session with the given ID.
func (c *Coordinator) Session(id string) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s.snapshot(), nil
}

// Sessions returns snapshots of every tracked session, ordered by creation.
func (c *Coordinator) Sessions() []*Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Delegate spawns one child session and runs its task asynchronously. The
// parent keeps executing and may observe the child with Await; Delegate
// followed by Await is the monitoring counterpart of Handoff, which
// transfers control by blocking the parent until the child finishes.
//
// A new non-forked session is rejected while a previously spawned non-forked
// sibling of the same parent has not reached a terminal state. Use
// DelegateParallel to launch a sibling group in one call.
func (c *Coordinator) Delegate(ctx context.Context, runID, parentSessionID string, parentPerm permission.Mode, spawn Spawn) (*Session, error) {
	return c.delegate(ctx, runID, parentSessionID, parentPerm, spawn, false, true)
}

// DelegateParallel spawns a sibling group in one call. The backlog check
// applies to the group as a whole, not between its members.
func (c *Coordinator) DelegateParallel(ctx context.Context, runID, parentSessionID string, parentPerm permission.Mode, spawns []Spawn) ([]*Session, error) {
	if len(spawns) == 0 {
		return nil, fmt.Errorf("at least one spawn is required")
	}
	out := make([]*Session, 0, len(spawns))
	for i, sp := range spawns {
		// Only the first member faces the backlog check; the rest are
		// siblings of the same group.
		s, err := c.delegate(ctx, runID, parentSessionID, parentPerm, sp, false, i == 0)
		if err != nil {
			return out, err
		}
		out = append(out, s)
	}
	return out, nil
}

// Fork spawns an experimentation branch. Forked sessions are exempt from
// the sibling backlog check and never participate in convergence.
func (c *Coordinator) Fork(ctx context.Context, runID, parentSessionID string, parentPerm permission.Mode, spawn Spawn) (*Session, error) {
	return c.delegate(ctx, runID, parentSessionID, parentPerm, spawn, true, false)
}

func (c *Coordinator) delegate(ctx context.Context, runID, parentSessionID string, parentPerm permission.Mode, spawn Spawn, forked, checkBacklog bool) (*Session, error) {
	if !spawn.Role.Valid() {
		return nil, fmt.Errorf("invalid role %q", spawn.Role)
	}
	perm := spawn.Task.Permission
	if perm == "" {
		perm = parentPerm
	}
	if !perm.Valid() {
		return nil, fmt.Errorf("invalid permission mode %q", perm)
	}
	if perm.Exceeds(parentPerm) {
		c.logger.Warn("delegation rejected",
			zap.String("run_id", runID),
			zap.String("role", string(spawn.Role)),
			zap.String("requested", string(perm)),
			zap.String("parent", string(parentPerm)))
		return nil, fmt.Errorf("%w: %s exceeds %s", ErrPermissionEscalationDenied, perm, parentPerm)
	}

	depth := 1
	c.mu.Lock()
	if parentSessionID != "" {
		parent, ok := c.sessions[parentSessionID]
		if !ok {
			c.mu.Unlock()
			return nil, fmt.Errorf("%w: parent %s", ErrSessionNotFound, parentSessionID)
		}
		depth = parent.Depth + 1
	}
	if depth > c.config.MaxDepth {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: depth %d, limit %d", ErrMaxDepthExceeded, depth, c.config.MaxDepth)
	}
	if checkBacklog {
		for _, s := range c.sessions {
			if s.ParentSessionID == parentSessionID && !s.Forked && !s.State.Terminal() {
				c.mu.Unlock()
				return nil, fmt.Errorf("%w: session %s is %s", ErrConvergenceBacklog, s.ID, s.State)
			}
		}
	}

	task := spawn.Task
	task.Permission = perm
	if task.Timeout <= 0 {
		task.Timeout = c.config.DefaultTimeout
	}
	if !spawn.InheritContext {
		task.Context = ""
	}

	taskCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	session := &Session{
		ID:              uuid.New().String(),
		RunID:           runID,
		ParentSessionID: parentSessionID,
		Role:            spawn.Role,
		Permission:      perm,
		State:           StateSpawned,
		InheritContext:  spawn.InheritContext,
		Forked:          forked,
		Depth:           depth,
		CreatedAt:       time.Now().UTC(),
		task:            task,
		done:            make(chan struct{}),
		cancel:          cancel,
	}
	c.sessions[session.ID] = session
	c.mu.Unlock()

	ev := transcript.NewSubagentSpawned(runID, session.ID, string(spawn.Role), string(perm))
	if _, err := c.recorder.Append(ctx, runID, ev); err != nil {
		c.mu.Lock()
		delete(c.sessions, session.ID)
		c.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("record spawn: %w", err)
	}

	c.spawns.Add(ctx, 1, metric.WithAttributes(
		attribute.String("role", string(spawn.Role)),
		attribute.Bool("forked", forked)))
	c.logger.Info("subagent spawned",
		zap.String("run_id", runID),
		zap.String("session_id", session.ID),
		zap.String("role", string(spawn.Role)),
		zap.Int("depth", depth),
		zap.Bool("forked", forked))

	go c.execute(taskCtx, session)
	return session.snapshot(), nil
}

// execute runs the task and drives the session to a terminal state.
func (c *Coordinator) execute(ctx context.Context, session *Session) {
	defer close(session.done)
	defer session.cancel()

	c.mu.Lock()
	session.State = StateActive
	task := session.task
	c.mu.Unlock()

	taskCtx, cancel := context.WithTimeout(ctx, task.Timeout)
	defer cancel()

	result, err := c.run(taskCtx, task)

	c.mu.Lock()
	session.FinishedAt = time.Now().UTC()
	switch {
	case err != nil && taskCtx.Err() != nil:
		// Deadline expiry and run-level cancellation both end the
		// session as timed-out.
		session.State = StateTimedOut
		session.FailureReason = ErrSubagentTimeout.Error()
	case err != nil:
		session.State = StateFailed
		session.FailureReason = err.Error()
	case result != nil && result.Success:
		session.State = StateConverged
		if result.CompletedAt.IsZero() {
			result.CompletedAt = session.FinishedAt
		}
		session.Result = result
	default:
		session.State = StateFailed
		session.FailureReason = "task reported failure"
		session.Result = result
	}
	state := session.State
	reason := session.FailureReason
	c.mu.Unlock()

	ev := transcript.NewSubagentStop(session.RunID, session.ID, string(state), reason)
	if _, err := c.recorder.Append(context.WithoutCancel(ctx), session.RunID, ev); err != nil {
		c.logger.Error("record subagent stop",
			zap.String("session_id", session.ID),
			zap.Error(err))
	}

	c.logger.Info("subagent stopped",
		zap.String("run_id", session.RunID),
		zap.String("session_id", session.ID),
		zap.String("state", string(state)))
}

// Await blocks until the session reaches a terminal state or ctx is done,
// then returns a snapshot.
func (c *Coordinator) Await(ctx context.Context, sessionID string) (*Session, error) {
	c.mu.Lock()
	s, ok := c.sessions[sessionID]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	select {
	case <-s.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return s.snapshot(), nil
}

// Handoff delegates a task and blocks until the child converges or fails.
// It is the only blocking delegation form. The failure policy decides what
// a timeout does: retry relaunches once, abort cancels and fails, escalate
// surfaces the timeout to the caller.
func (c *Coordinator) Handoff(ctx context.Context, runID, parentSessionID string, parentPerm permission.Mode, spawn Spawn, policy FailurePolicy) (*Session, error) {
	if policy == "" {
		policy = PolicyEscalate
	}

	session, err := c.Delegate(ctx, runID, parentSessionID, parentPerm, spawn)
	if err != nil {
		return nil, err
	}
	final, err := c.Await(ctx, session.ID)
	if err != nil {
		return nil, err
	}
	if final.State != StateTimedOut {
		return final, nil
	}

	switch policy {
	case PolicyRetry:
		c.logger.Warn("handoff timed out, retrying",
			zap.String("run_id", runID),
			zap.String("session_id", final.ID))
		retried, err := c.Delegate(ctx, runID, parentSessionID, parentPerm, spawn)
		if err != nil {
			return nil, err
		}
		return c.Await(ctx, retried.ID)
	case PolicyAbort:
		return final, fmt.Errorf("%w: session %s timed out", ErrHandoffAborted, final.ID)
	default:
		return final, fmt.Errorf("%w: session %s", ErrSubagentTimeout, final.ID)
	}
}

// CancelAll cancels every non-terminal session. The run driver calls this
// when the run deadline expires.
func (c *Coordinator) CancelAll() {
	c.mu.Lock()
	var cancels []context.CancelFunc
	for _, s := range c.sessions {
		if !s.State.Terminal() {
			cancels = append(cancels, s.cancel)
		}
	}
	c.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}
