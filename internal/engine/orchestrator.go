package engine

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/terralens/geolocator/config"
	"github.com/terralens/geolocator/internal/telemetry"
)

var orchestratorTracer trace.Tracer = otel.Tracer("geolocator/internal/engine/orchestrator")

// stageSpec is one phase of the fixed execution DAG.
type stageSpec struct {
	number  int
	name    string
	state   RequestState
	roles   []AgentRole
	percent float64
	message string
}

var stagePlan = []stageSpec{
	{1, "analysis", StateAnalyzing, SpecialistRoles, 0.45, "Parallel specialist analysis in progress"},
	{2, "validation", StateValidating, []AgentRole{RoleValidation}, 0.65, "Cross-referencing specialist findings"},
	{3, "research", StateResearching, []AgentRole{RoleResearch}, 0.85, "Verifying against external data sources"},
}

// Orchestrator drives each AnalysisRequest from submission to a terminal
// state: it owns the per-request state machine, builds and runs the stage
// DAG, applies quorum/timeout/retry policy, and serializes all writes to its
// requests' state.
type Orchestrator struct {
	cfg       *config.Config
	logger    *log.Logger
	telemetry *telemetry.Telemetry
	executors map[AgentRole]*Executor
	aggregate *Aggregator
	consensus *Consensus
	reporter  *Reporter
	store     ResultStore
	resolver  DescriptorResolver

	// Concurrency control: bounds in-flight executor calls across requests.
	semaphore chan struct{}

	mu       sync.RWMutex
	requests map[string]*requestContext
}

type requestContext struct {
	req         *AnalysisRequest
	tasks       map[string]*AgentTask
	stage1IDs   []string
	stages      []StageSummary
	result      *ConsensusResult
	failure     *RequestFailure
	percent     float64
	lastMessage string
	cancel      context.CancelFunc
	cancelled   bool
	startedAt   time.Time
}

// Option configures orchestrator construction.
type Option func(*Orchestrator)

// WithResultStore wires durable persistence of terminal state and results.
func WithResultStore(store ResultStore) Option {
	return func(o *Orchestrator) { o.store = store }
}

// WithDescriptorResolver wires submission-time descriptor validation.
func WithDescriptorResolver(r DescriptorResolver) Option {
	return func(o *Orchestrator) { o.resolver = r }
}

// WithReporter replaces the default in-process progress reporter.
func WithReporter(r *Reporter) Option {
	return func(o *Orchestrator) { o.reporter = r }
}

// NewOrchestrator creates an orchestrator over the supplied worker set. All
// six roles must be present.
func NewOrchestrator(cfg *config.Config, tele *telemetry.Telemetry, workers map[AgentRole]Worker, opts ...Option) (*Orchestrator, error) {
	executors := make(map[AgentRole]*Executor, len(workers))
	for _, spec := range stagePlan {
		for _, role := range spec.roles {
			w, ok := workers[role]
			if !ok {
				return nil, fmt.Errorf("no worker registered for role %s", role)
			}
			executors[role] = NewExecutor(w, cfg.Agents.Role(string(role)).Timeout, tele)
		}
	}

	maxConcurrent := cfg.Agents.MaxConcurrentAgents
	if maxConcurrent <= 0 {
		maxConcurrent = 8
	}

	o := &Orchestrator{
		cfg:       cfg,
		logger:    log.New(log.Writer(), "[ORCH] ", log.LstdFlags),
		telemetry: tele,
		executors: executors,
		aggregate: NewAggregator(cfg.Consensus.DivergenceMeters, cfg.Stages.QuorumFraction),
		consensus: NewConsensus(cfg.Consensus, func(r AgentRole) float64 { return cfg.Agents.Role(string(r)).Reliability }),
		reporter:  NewReporter(cfg.Progress.BufferSize, nil),
		semaphore: make(chan struct{}, maxConcurrent),
		requests:  make(map[string]*requestContext),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Reporter exposes the progress reporter for subscription surfaces.
func (o *Orchestrator) Reporter() *Reporter { return o.reporter }

// Submit validates the input, creates the AnalysisRequest and its Stage-1
// tasks, and begins execution. Returns the request id.
func (o *Orchestrator) Submit(ctx context.Context, input SubmissionInput) (string, error) {
	if strings.TrimSpace(input.DescriptorRef) == "" {
		return "", &InvalidInputError{Reason: "descriptor reference is required"}
	}
	if o.resolver != nil {
		if err := o.resolver.Resolve(ctx, input.DescriptorRef); err != nil {
			return "", &InvalidInputError{Reason: fmt.Sprintf("descriptor %s unresolvable: %v", input.DescriptorRef, err)}
		}
	}

	now := time.Now()
	req := &AnalysisRequest{
		ID:            uuid.NewString(),
		DescriptorRef: input.DescriptorRef,
		RequesterID:   input.RequesterID,
		Metadata:      input.Metadata,
		State:         StateSubmitted,
		CreatedAt:     now,
	}

	rc := &requestContext{
		req:       req,
		tasks:     make(map[string]*AgentTask),
		startedAt: now,
	}
	for _, role := range SpecialistRoles {
		task := o.newTask(req, role, 1, nil, nil)
		rc.tasks[task.ID] = task
		rc.stage1IDs = append(rc.stage1IDs, task.ID)
	}

	runCtx := context.Background()
	var cancel context.CancelFunc
	if o.cfg.General.MaxProcessingTime > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, o.cfg.General.MaxProcessingTime)
	} else {
		runCtx, cancel = context.WithCancel(runCtx)
	}
	rc.cancel = cancel

	o.mu.Lock()
	o.requests[req.ID] = rc
	o.mu.Unlock()

	if o.store != nil {
		if err := o.store.SaveRequest(ctx, *req); err != nil {
			o.logger.Printf("warn: persisting request %s failed: %v", req.ID, err)
		}
	}

	if lp, ok := o.reporter.Lifecycle(); ok {
		if err := lp.PublishSubmitted(ctx, *req); err != nil {
			o.logger.Printf("warn: submitted event for %s: %v", req.ID, err)
		}
	}

	o.logger.Printf("request %s submitted (descriptor %s)", req.ID, req.DescriptorRef)
	go o.run(runCtx, rc)
	return req.ID, nil
}

// Status is a pure, non-blocking read of the request's current state.
func (o *Orchestrator) Status(id string) (RequestStatus, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	rc, ok := o.requests[id]
	if !ok {
		return RequestStatus{}, ErrUnknownRequest
	}
	status := RequestStatus{
		RequestID:   id,
		State:       rc.req.State,
		Percent:     rc.percent,
		LastMessage: rc.lastMessage,
	}
	if rc.failure != nil {
		status.Error = rc.failure.Reason
	}
	return status, nil
}

// Result returns the ConsensusResult once the request COMPLETED. Until a
// terminal state it returns *NotReadyError; FAILED and CANCELLED requests
// return the recorded *RequestFailure carrying partial findings and any
// salvaged partial result.
func (o *Orchestrator) Result(id string) (*ConsensusResult, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	rc, ok := o.requests[id]
	if !ok {
		return nil, ErrUnknownRequest
	}
	switch rc.req.State {
	case StateCompleted:
		return rc.result, nil
	case StateFailed, StateCancelled:
		return nil, rc.failure
	default:
		return nil, &NotReadyError{RequestID: id, State: rc.req.State}
	}
}

// Cancel marks the request CANCELLED, signals cancellation to running
// executors, and stops scheduling new tasks. Best-effort: in-flight worker
// calls may still complete, their results are discarded.
func (o *Orchestrator) Cancel(id string) error {
	o.mu.Lock()
	rc, ok := o.requests[id]
	if !ok {
		o.mu.Unlock()
		return ErrUnknownRequest
	}
	if rc.req.State.Terminal() {
		o.mu.Unlock()
		return nil
	}
	rc.cancelled = true
	rc.req.State = StateCancelled
	rc.lastMessage = "cancelled by caller"
	rc.failure = &RequestFailure{
		RequestID:       id,
		Code:            FailureCancelled,
		Reason:          "cancelled by caller",
		PartialFindings: o.gatheredFindingsLocked(rc),
	}
	cancel := rc.cancel
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	o.logger.Printf("request %s cancelled", id)
	return nil
}

// run drives the stage pipeline for one request. It is the only goroutine
// that mutates the request's state after submission.
func (o *Orchestrator) run(ctx context.Context, rc *requestContext) {
	defer rc.cancel()

	requestID := rc.req.ID
	ctx, span := orchestratorTracer.Start(ctx, "engine.process_request",
		trace.WithAttributes(attribute.String("request.id", requestID)))
	defer span.End()

	for _, spec := range stagePlan {
		if o.isCancelled(rc) {
			o.finishCancelled(ctx, rc)
			span.SetStatus(codes.Error, "cancelled")
			return
		}

		tasks := o.prepareStage(rc, spec)
		o.setProgress(rc, spec.state, spec.percent-0.2, spec.message)
		o.publishEvent(ctx, requestID, spec.name, spec.percent-0.2, "stage started")

		stageStart := time.Now()
		o.runStage(ctx, rc, spec, tasks)
		summary := o.aggregate.Summarize(spec.number, spec.name, tasks)
		o.telemetry.RecordStageDuration(spec.name, time.Since(stageStart))

		o.mu.Lock()
		rc.stages = append(rc.stages, summary)
		o.mu.Unlock()

		outcome := "quorum met"
		if !summary.QuorumMet {
			outcome = "quorum not met"
		} else if summary.Degraded {
			outcome = "quorum met (degraded)"
		}
		o.publishEvent(ctx, requestID, spec.name, spec.percent, fmt.Sprintf("stage finished: %s", outcome))

		if o.isCancelled(rc) {
			o.finishCancelled(ctx, rc)
			span.SetStatus(codes.Error, "cancelled")
			return
		}

		if !summary.QuorumMet {
			qErr := &QuorumNotMetError{
				Stage:    spec.name,
				Done:     summary.DoneTasks,
				Required: o.aggregate.QuorumRequired(len(tasks)),
				Total:    len(tasks),
				Findings: o.gatheredFindings(rc),
			}
			span.RecordError(qErr)
			span.SetStatus(codes.Error, qErr.Error())
			o.finishFailed(ctx, rc, FailureQuorumNotMet, qErr.Error(), qErr.Findings)
			return
		}
	}

	o.setProgress(rc, StateAggregating, 0.9, "Reconciling findings into consensus")
	o.publishEvent(ctx, requestID, "aggregating", 0.9, "computing consensus")

	o.mu.RLock()
	stages := make([]StageSummary, len(rc.stages))
	copy(stages, rc.stages)
	o.mu.RUnlock()

	result, err := o.consensus.Resolve(requestID, stages)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.finishFailed(ctx, rc, FailureAggregationConflict, err.Error(), o.gatheredFindings(rc))
		return
	}
	result.ProcessingTime = time.Since(rc.startedAt)

	if o.isCancelled(rc) {
		o.finishCancelled(ctx, rc)
		span.SetStatus(codes.Error, "cancelled")
		return
	}

	if o.store != nil {
		if err := o.store.SaveConsensusResult(ctx, *result); err != nil {
			o.logger.Printf("warn: persisting result %s failed: %v", requestID, err)
		}
	}

	// a cancel accepted during aggregation wins; the terminal state never
	// moves off CANCELLED
	o.mu.Lock()
	if rc.req.State.Terminal() {
		o.mu.Unlock()
		o.finishCancelled(ctx, rc)
		span.SetStatus(codes.Error, "cancelled")
		return
	}
	rc.result = result
	rc.req.State = StateCompleted
	rc.percent = 1.0
	rc.lastMessage = "analysis complete"
	o.mu.Unlock()

	if o.store != nil {
		if err := o.store.UpdateRequestState(ctx, requestID, StateCompleted, ""); err != nil {
			o.logger.Printf("warn: persisting state for %s failed: %v", requestID, err)
		}
	}

	o.publishEvent(ctx, requestID, "completed", 1.0, "analysis complete")
	o.publishTerminal(ctx, TerminalEvent{
		RequestID:  requestID,
		State:      string(StateCompleted),
		Confidence: result.Primary.Confidence,
	})
	o.reporter.Finish(requestID)
	o.telemetry.RecordRequestEvent(telemetry.RequestEvent{
		RequestID:      requestID,
		Terminal:       string(StateCompleted),
		ProcessingTime: result.ProcessingTime,
		Stages:         len(result.Stages),
		Findings:       len(result.Findings),
	})
	span.SetStatus(codes.Ok, "completed")
	o.logger.Printf("request %s completed in %v (confidence %.2f)", requestID, result.ProcessingTime, result.Primary.Confidence)
}

// prepareStage creates the stage's tasks. Stage-1 tasks were created at
// submission; later stages depend on every Stage-1 task and snapshot all
// prior stage summaries into their input.
func (o *Orchestrator) prepareStage(rc *requestContext, spec stageSpec) []*AgentTask {
	o.mu.Lock()
	defer o.mu.Unlock()

	var tasks []*AgentTask
	if spec.number == 1 {
		for _, id := range rc.stage1IDs {
			tasks = append(tasks, rc.tasks[id])
		}
		return tasks
	}

	prior := make([]StageSummary, len(rc.stages))
	copy(prior, rc.stages)
	for _, role := range spec.roles {
		task := o.newTask(rc.req, role, spec.number, rc.stage1IDs, prior)
		rc.tasks[task.ID] = task
		tasks = append(tasks, task)
	}
	return tasks
}

func (o *Orchestrator) newTask(req *AnalysisRequest, role AgentRole, stage int, dependsOn []string, prior []StageSummary) *AgentTask {
	return &AgentTask{
		ID:        uuid.NewString(),
		RequestID: req.ID,
		Role:      role,
		Stage:     stage,
		DependsOn: append([]string(nil), dependsOn...),
		State:     TaskPending,
		Input: TaskInput{
			DescriptorRef: req.DescriptorRef,
			Metadata:      req.Metadata,
			PriorStages:   prior,
		},
		CreatedAt: time.Now(),
	}
}

// runStage executes the stage's tasks concurrently, bounded by the global
// worker pool, until every task is terminal or the stage timeout fires.
func (o *Orchestrator) runStage(ctx context.Context, rc *requestContext, spec stageSpec, tasks []*AgentTask) {
	stageTimeout := o.cfg.Stages.Timeout
	if stageTimeout <= 0 {
		stageTimeout = 2 * time.Minute
	}
	stageCtx, cancel := context.WithTimeout(ctx, stageTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, task := range tasks {
		wg.Add(1)
		go func(t *AgentTask) {
			defer wg.Done()
			o.runTask(stageCtx, rc, t)
		}(task)
	}
	wg.Wait()

	// close out anything the timeout or cancellation left behind
	o.mu.Lock()
	for _, t := range tasks {
		switch t.State {
		case TaskPending:
			t.State = TaskSkipped
		case TaskRunning:
			t.State = TaskFailed
			t.Error = "stage closed before completion"
		}
	}
	o.mu.Unlock()
	for _, t := range tasks {
		if t.State == TaskSkipped || (t.State == TaskFailed && t.Output == nil && t.Error == "stage closed before completion") {
			o.publishTaskEvent(ctx, rc.req.ID, spec.name, t)
		}
	}
}

// runTask drives the retry loop for one task: exponential backoff, capped
// delay, bounded attempts. All task state writes go through the
// orchestrator's mutex.
func (o *Orchestrator) runTask(ctx context.Context, rc *requestContext, task *AgentTask) {
	select {
	case o.semaphore <- struct{}{}:
		defer func() { <-o.semaphore }()
	case <-ctx.Done():
		return
	}
	if o.isCancelled(rc) {
		return
	}

	roleCfg := o.cfg.Agents.Role(string(task.Role))
	executor := o.executors[task.Role]

	o.mu.Lock()
	task.State = TaskRunning
	o.mu.Unlock()

	for {
		o.mu.Lock()
		task.Attempts++
		attempt := task.Attempts
		o.mu.Unlock()

		start := time.Now()
		finding, err := executor.Run(ctx, task)
		o.telemetry.RecordTaskEvent(telemetry.TaskEvent{
			TaskID:   task.ID,
			Role:     string(task.Role),
			Attempt:  attempt,
			Success:  err == nil,
			Retried:  attempt > 1,
			Duration: time.Since(start),
			Error:    errString(err),
		})

		if err == nil {
			o.mu.Lock()
			f := finding
			task.Output = &f
			task.State = TaskDone
			task.Error = ""
			o.mu.Unlock()
			o.publishTaskEvent(ctx, rc.req.ID, stageName(task.Stage), task)
			return
		}

		if ctx.Err() != nil || o.isCancelled(rc) {
			o.mu.Lock()
			task.State = TaskFailed
			task.Error = errString(err)
			o.mu.Unlock()
			return
		}

		if attempt > roleCfg.MaxRetries {
			o.mu.Lock()
			task.State = TaskFailed
			task.Error = errString(err)
			o.mu.Unlock()
			o.logger.Printf("task %s (%s) failed after %d attempts: %v", task.ID, task.Role, attempt, err)
			o.publishTaskEvent(ctx, rc.req.ID, stageName(task.Stage), task)
			return
		}

		delay := roleCfg.RetryBaseDelay * time.Duration(1<<(attempt-1))
		if delay > roleCfg.RetryMaxDelay {
			delay = roleCfg.RetryMaxDelay
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
		}
	}
}

func (o *Orchestrator) finishFailed(ctx context.Context, rc *requestContext, code, reason string, findings []Finding) {
	failure := &RequestFailure{
		RequestID:       rc.req.ID,
		Code:            code,
		Reason:          reason,
		PartialFindings: findings,
	}
	// salvage whatever partial consensus the gathered findings admit
	o.mu.RLock()
	stages := make([]StageSummary, len(rc.stages))
	copy(stages, rc.stages)
	o.mu.RUnlock()
	if partial, err := o.consensus.Resolve(rc.req.ID, stages); err == nil {
		failure.Partial = partial
	}

	o.mu.Lock()
	if rc.req.State.Terminal() {
		o.mu.Unlock()
		o.finishCancelled(ctx, rc)
		return
	}
	rc.failure = failure
	rc.req.State = StateFailed
	rc.lastMessage = reason
	o.mu.Unlock()

	if o.store != nil {
		if err := o.store.UpdateRequestState(ctx, rc.req.ID, StateFailed, reason); err != nil {
			o.logger.Printf("warn: persisting failure for %s failed: %v", rc.req.ID, err)
		}
	}
	o.publishEvent(ctx, rc.req.ID, "failed", 1.0, reason)
	o.publishTerminal(ctx, TerminalEvent{
		RequestID:     rc.req.ID,
		State:         string(StateFailed),
		FailureCode:   code,
		FailureReason: reason,
	})
	o.reporter.Finish(rc.req.ID)
	o.telemetry.RecordRequestEvent(telemetry.RequestEvent{
		RequestID:      rc.req.ID,
		Terminal:       string(StateFailed),
		ProcessingTime: time.Since(rc.startedAt),
		Stages:         len(stages),
		Findings:       len(findings),
	})
	o.logger.Printf("request %s failed: %s", rc.req.ID, reason)
}

func (o *Orchestrator) finishCancelled(ctx context.Context, rc *requestContext) {
	if o.store != nil {
		if err := o.store.UpdateRequestState(ctx, rc.req.ID, StateCancelled, "cancelled by caller"); err != nil {
			o.logger.Printf("warn: persisting cancellation for %s failed: %v", rc.req.ID, err)
		}
	}
	o.publishEvent(ctx, rc.req.ID, "cancelled", 1.0, "request cancelled")
	o.publishTerminal(ctx, TerminalEvent{
		RequestID:   rc.req.ID,
		State:       string(StateCancelled),
		FailureCode: FailureCancelled,
	})
	o.reporter.Finish(rc.req.ID)
	o.telemetry.RecordRequestEvent(telemetry.RequestEvent{
		RequestID:      rc.req.ID,
		Terminal:       string(StateCancelled),
		ProcessingTime: time.Since(rc.startedAt),
	})
}

func (o *Orchestrator) isCancelled(rc *requestContext) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return rc.cancelled
}

func (o *Orchestrator) setProgress(rc *requestContext, state RequestState, percent float64, message string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if rc.req.State.Terminal() {
		return
	}
	rc.req.State = state
	rc.percent = percent
	rc.lastMessage = message
}

func (o *Orchestrator) publishTerminal(ctx context.Context, ev TerminalEvent) {
	if lp, ok := o.reporter.Lifecycle(); ok {
		if err := lp.PublishTerminal(ctx, ev); err != nil {
			o.logger.Printf("warn: terminal event for %s: %v", ev.RequestID, err)
		}
	}
}

func (o *Orchestrator) publishEvent(ctx context.Context, requestID, stage string, percent float64, message string) {
	o.reporter.Publish(ctx, ProgressEvent{
		RequestID: requestID,
		Stage:     stage,
		Percent:   percent,
		Message:   message,
	})
}

func (o *Orchestrator) publishTaskEvent(ctx context.Context, requestID, stage string, task *AgentTask) {
	o.mu.RLock()
	state := task.State
	role := task.Role
	o.mu.RUnlock()
	o.publishEvent(ctx, requestID, stage, -1, fmt.Sprintf("task %s (%s) %s", task.ID, role, state))
}

func (o *Orchestrator) gatheredFindings(rc *requestContext) []Finding {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.gatheredFindingsLocked(rc)
}

func (o *Orchestrator) gatheredFindingsLocked(rc *requestContext) []Finding {
	var findings []Finding
	for _, task := range rc.tasks {
		if task.State == TaskDone && task.Output != nil {
			findings = append(findings, *task.Output)
		}
	}
	sort.Slice(findings, func(i, j int) bool {
		if findings[i].Stage != findings[j].Stage {
			return findings[i].Stage < findings[j].Stage
		}
		return findings[i].ID < findings[j].ID
	})
	return findings
}

func stageName(stage int) string {
	for _, spec := range stagePlan {
		if spec.number == stage {
			return spec.name
		}
	}
	return fmt.Sprintf("stage-%d", stage)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
