package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/terralens/geolocator/internal/telemetry"
)

var executorTracer trace.Tracer = otel.Tracer("geolocator/internal/engine/executor")

// Executor is the uniform adapter that invokes one specialist worker for one
// AgentTask attempt. It enforces the role's hard timeout, validates the
// worker output, and admits at most one attempt per task at a time.
type Executor struct {
	worker    Worker
	timeout   time.Duration
	telemetry *telemetry.Telemetry

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewExecutor wraps a worker with the given per-attempt timeout.
func NewExecutor(worker Worker, timeout time.Duration, tele *telemetry.Telemetry) *Executor {
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Executor{
		worker:    worker,
		timeout:   timeout,
		telemetry: tele,
		inFlight:  make(map[string]struct{}),
	}
}

// Run executes one attempt for the task. The call suspends until the worker
// responds, the timeout elapses, or ctx is cancelled; a late worker result
// after either is discarded.
func (e *Executor) Run(ctx context.Context, task *AgentTask) (Finding, error) {
	role := e.worker.Role()

	e.mu.Lock()
	if _, busy := e.inFlight[task.ID]; busy {
		e.mu.Unlock()
		return Finding{}, fmt.Errorf("task %s already has an attempt in flight", task.ID)
	}
	e.inFlight[task.ID] = struct{}{}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.inFlight, task.ID)
		e.mu.Unlock()
	}()

	ctx, span := executorTracer.Start(ctx, "agent.attempt",
		trace.WithAttributes(
			attribute.String("task.id", task.ID),
			attribute.String("agent.role", string(role)),
			attribute.Int("task.attempt", task.Attempts),
		))
	defer span.End()

	attemptCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	e.telemetry.AgentStarted()
	defer e.telemetry.AgentFinished()

	type outcome struct {
		finding Finding
		err     error
	}
	ch := make(chan outcome, 1)
	start := time.Now()
	go func() {
		f, err := e.worker.Analyze(attemptCtx, task.Input)
		ch <- outcome{finding: f, err: err}
	}()

	var result outcome
	select {
	case result = <-ch:
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			// request cancelled; the abandoned call's eventual result is dropped
			span.SetStatus(codes.Error, "cancelled")
			return Finding{}, ctx.Err()
		}
		err := &AgentTimeoutError{Role: role, Timeout: e.timeout}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Finding{}, err
	}

	if result.err != nil {
		span.RecordError(result.err)
		span.SetStatus(codes.Error, result.err.Error())
		return Finding{}, result.err
	}

	finding := result.finding
	if err := e.validate(role, &finding, task); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Finding{}, err
	}

	span.SetAttributes(
		attribute.Float64("finding.confidence", finding.Confidence),
		attribute.String("finding.kind", string(finding.Hypothesis.Kind)),
		attribute.Float64("attempt.seconds", time.Since(start).Seconds()),
	)
	span.SetStatus(codes.Ok, "completed")
	return finding, nil
}

// validate enforces the output schema and stamps executor-owned fields.
func (e *Executor) validate(role AgentRole, f *Finding, task *AgentTask) error {
	if f.Confidence < 0 || f.Confidence > 1 {
		return &AgentOutputInvalidError{Role: role, Reason: fmt.Sprintf("confidence %v outside [0,1]", f.Confidence)}
	}
	if err := f.Hypothesis.Validate(); err != nil {
		return &AgentOutputInvalidError{Role: role, Reason: err.Error()}
	}
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	f.TaskID = task.ID
	f.Role = role
	f.Stage = task.Stage
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now()
	}
	return nil
}
