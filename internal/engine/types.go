package engine

import (
	"context"
	"time"
)

// AgentRole identifies one specialist capability in the fixed crew.
type AgentRole string

const (
	RoleGeographic    AgentRole = "geographic"
	RoleVisual        AgentRole = "visual"
	RoleEnvironmental AgentRole = "environmental"
	RoleCultural      AgentRole = "cultural"
	RoleValidation    AgentRole = "validation"
	RoleResearch      AgentRole = "research"
)

// SpecialistRoles are the Stage-1 roles that run in parallel against the raw
// descriptor set. Validation and research consume their output in later stages.
var SpecialistRoles = []AgentRole{RoleGeographic, RoleVisual, RoleEnvironmental, RoleCultural}

// Valid reports whether the role is one of the fixed enumerated set.
func (r AgentRole) Valid() bool {
	switch r {
	case RoleGeographic, RoleVisual, RoleEnvironmental, RoleCultural, RoleValidation, RoleResearch:
		return true
	}
	return false
}

// RequestState is the per-request state machine.
type RequestState string

const (
	StateSubmitted   RequestState = "submitted"
	StateAnalyzing   RequestState = "analyzing"
	StateValidating  RequestState = "validating"
	StateResearching RequestState = "researching"
	StateAggregating RequestState = "aggregating"
	StateCompleted   RequestState = "completed"
	StateFailed      RequestState = "failed"
	StateCancelled   RequestState = "cancelled"
)

// Terminal reports whether the state admits no further transitions.
func (s RequestState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// TaskState tracks a single AgentTask. States only move forward:
// PENDING -> RUNNING -> {DONE | FAILED}; SKIPPED replaces PENDING when a
// stage closes before the task ever started.
type TaskState string

const (
	TaskPending TaskState = "pending"
	TaskRunning TaskState = "running"
	TaskDone    TaskState = "done"
	TaskFailed  TaskState = "failed"
	TaskSkipped TaskState = "skipped"
)

// Terminal reports whether the task state admits no further transitions.
func (s TaskState) Terminal() bool {
	return s == TaskDone || s == TaskFailed || s == TaskSkipped
}

// SubmissionInput is the caller-supplied payload for a new analysis request.
type SubmissionInput struct {
	DescriptorRef string            `json:"descriptor_ref"`
	RequesterID   string            `json:"requester_id"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// AnalysisRequest is the engine-owned record of one submission. It is mutated
// only by the orchestration goroutine that owns it.
type AnalysisRequest struct {
	ID            string            `json:"id"`
	DescriptorRef string            `json:"descriptor_ref"`
	RequesterID   string            `json:"requester_id"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	State         RequestState      `json:"state"`
	CreatedAt     time.Time         `json:"created_at"`
}

// TaskInput is the immutable snapshot handed to one AgentTask attempt.
// PriorStages is copied by value stage-by-stage; no task can mutate another's
// prior output.
type TaskInput struct {
	DescriptorRef string            `json:"descriptor_ref"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	PriorStages   []StageSummary    `json:"prior_stages,omitempty"`
}

// AgentTask is one node of the stage DAG.
type AgentTask struct {
	ID        string    `json:"id"`
	RequestID string    `json:"request_id"`
	Role      AgentRole `json:"role"`
	Stage     int       `json:"stage"`
	DependsOn []string  `json:"depends_on,omitempty"`
	State     TaskState `json:"state"`
	Attempts  int       `json:"attempts"`
	Input     TaskInput `json:"input"`
	Output    *Finding  `json:"output,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// HypothesisKind discriminates coordinate and named-region hypotheses.
type HypothesisKind string

const (
	HypothesisCoordinate HypothesisKind = "coordinate"
	HypothesisRegion     HypothesisKind = "region"
)

// Hypothesis is a location guess: either a lat/lon coordinate or a named
// region (country > region > place, most general to most specific).
type Hypothesis struct {
	Kind      HypothesisKind `json:"kind"`
	Latitude  float64        `json:"latitude,omitempty"`
	Longitude float64        `json:"longitude,omitempty"`
	Country   string         `json:"country,omitempty"`
	Region    string         `json:"region,omitempty"`
	Place     string         `json:"place,omitempty"`
}

// Evidence is one reference supporting a finding. Evidence obtained through
// a failing external gateway is recorded with Verified=false.
type Evidence struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	SourceRef   string `json:"source_ref,omitempty"`
	Verified    bool   `json:"verified"`
}

// Finding is one specialist's hypothesis plus confidence and evidence.
// Immutable once recorded.
type Finding struct {
	ID         string     `json:"id"`
	TaskID     string     `json:"task_id"`
	Role       AgentRole  `json:"role"`
	Stage      int        `json:"stage"`
	Hypothesis Hypothesis `json:"hypothesis"`
	Confidence float64    `json:"confidence"`
	Reasoning  string     `json:"reasoning"`
	Evidence   []Evidence `json:"evidence,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// EvidenceVerified reports whether every evidence reference on the finding
// was verified. Findings with no evidence count as verified.
func (f Finding) EvidenceVerified() bool {
	for _, ev := range f.Evidence {
		if !ev.Verified {
			return false
		}
	}
	return true
}

// Contradiction records a pair of findings whose hypotheses diverge beyond
// the configured threshold.
type Contradiction struct {
	FindingA   string  `json:"finding_a"`
	FindingB   string  `json:"finding_b"`
	Divergence float64 `json:"divergence_meters,omitempty"`
	Reason     string  `json:"reason"`
}

// StageSummary is the immutable per-stage aggregate consumed by later stages
// and by the consensus engine.
type StageSummary struct {
	Stage          int                  `json:"stage"`
	Name           string               `json:"name"`
	Findings       []Finding            `json:"findings"`
	Contradictions []Contradiction      `json:"contradictions,omitempty"`
	QuorumMet      bool                 `json:"quorum_met"`
	Degraded       bool                 `json:"degraded"`
	DoneTasks      int                  `json:"done_tasks"`
	FailedTasks    int                  `json:"failed_tasks"`
	SkippedTasks   int                  `json:"skipped_tasks"`
	Insights       map[AgentRole]string `json:"insights,omitempty"`
}

// Prediction is one ranked location estimate.
type Prediction struct {
	Hypothesis  Hypothesis `json:"hypothesis"`
	Confidence  float64    `json:"confidence"`
	ClusterSize int        `json:"cluster_size"`
	Weight      float64    `json:"weight"`
}

// ConsensusResult is the final output of a completed request.
type ConsensusResult struct {
	RequestID      string         `json:"request_id"`
	Primary        Prediction     `json:"primary"`
	Alternatives   []Prediction   `json:"alternatives,omitempty"`
	Findings       []Finding      `json:"findings"`
	Stages         []StageSummary `json:"stages"`
	DegradedStages int            `json:"degraded_stages"`
	ProcessingTime time.Duration  `json:"processing_time"`
	CreatedAt      time.Time      `json:"created_at"`
}

// ProgressEvent is a transient notification delivered to live subscribers.
type ProgressEvent struct {
	RequestID string    `json:"request_id"`
	Stage     string    `json:"stage"`
	Percent   float64   `json:"percent"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// RequestStatus is the non-blocking status read surface.
type RequestStatus struct {
	RequestID   string       `json:"request_id"`
	State       RequestState `json:"state"`
	Percent     float64      `json:"percent"`
	LastMessage string       `json:"last_message,omitempty"`
	Error       string       `json:"error,omitempty"`
}

// Worker is the opaque specialist capability contract: a function from
// (descriptor, accumulated context) to a finding or a typed error.
type Worker interface {
	Role() AgentRole
	Analyze(ctx context.Context, input TaskInput) (Finding, error)
}

// DescriptorResolver validates that a descriptor reference is resolvable at
// submission time. Failures surface as InvalidInputError.
type DescriptorResolver interface {
	Resolve(ctx context.Context, ref string) error
}

// ResultStore persists terminal request state and consensus results for
// later retrieval.
type ResultStore interface {
	SaveRequest(ctx context.Context, req AnalysisRequest) error
	UpdateRequestState(ctx context.Context, id string, state RequestState, failureReason string) error
	SaveConsensusResult(ctx context.Context, result ConsensusResult) error
}
