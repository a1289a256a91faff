package engine

import (
	"errors"
	"fmt"
	"time"
)

// ErrUnknownRequest is returned by reads against a request id the engine has
// never seen.
var ErrUnknownRequest = errors.New("unknown request")

// Failure reason codes recorded on failed requests.
const (
	FailureQuorumNotMet        = "quorum_not_met"
	FailureAggregationConflict = "aggregation_conflict"
	FailureCancelled           = "cancelled"
)

// InvalidInputError rejects a malformed submission synchronously; nothing is
// created.
type InvalidInputError struct {
	Reason string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid input: %s", e.Reason)
}

// AgentTimeoutError marks one attempt that exceeded the role's hard timeout.
type AgentTimeoutError struct {
	Role    AgentRole
	Timeout time.Duration
}

func (e *AgentTimeoutError) Error() string {
	return fmt.Sprintf("agent %s timed out after %v", e.Role, e.Timeout)
}

// AgentOutputInvalidError marks one attempt whose output failed schema
// validation (confidence range, hypothesis shape).
type AgentOutputInvalidError struct {
	Role   AgentRole
	Reason string
}

func (e *AgentOutputInvalidError) Error() string {
	return fmt.Sprintf("agent %s produced invalid output: %s", e.Role, e.Reason)
}

// ExternalServiceError wraps a failed external source call. CircuitOpen
// distinguishes fail-fast rejections from transient transport failures.
// Never fatal to the owning task; it only downgrades evidence.
type ExternalServiceError struct {
	Source      string
	CircuitOpen bool
	Err         error
}

func (e *ExternalServiceError) Error() string {
	if e.CircuitOpen {
		return fmt.Sprintf("external source %s unavailable: circuit open", e.Source)
	}
	return fmt.Sprintf("external source %s failed: %v", e.Source, e.Err)
}

func (e *ExternalServiceError) Unwrap() error { return e.Err }

// QuorumNotMetError fails the request when a stage cannot reach its minimum
// success fraction even after retries. Partial findings gathered before the
// failure travel with it.
type QuorumNotMetError struct {
	Stage    string
	Done     int
	Required int
	Total    int
	Findings []Finding
}

func (e *QuorumNotMetError) Error() string {
	return fmt.Sprintf("stage %s quorum not met: %d/%d done, %d required", e.Stage, e.Done, e.Total, e.Required)
}

// AggregationConflictError fails the request when no cluster reaches the
// minimum viable weight share. Raw findings are attached for diagnostics.
type AggregationConflictError struct {
	Findings []Finding
}

func (e *AggregationConflictError) Error() string {
	return fmt.Sprintf("no viable consensus cluster among %d findings", len(e.Findings))
}

// NotReadyError is returned by Result before the request reaches a terminal
// state.
type NotReadyError struct {
	RequestID string
	State     RequestState
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("request %s not ready: state %s", e.RequestID, e.State)
}

// RequestFailure is the structured failure surfaced for terminal requests:
// a reason code plus whatever partial evidence was gathered.
type RequestFailure struct {
	RequestID       string           `json:"request_id"`
	Code            string           `json:"code"`
	Reason          string           `json:"reason"`
	PartialFindings []Finding        `json:"partial_findings,omitempty"`
	Partial         *ConsensusResult `json:"partial_result,omitempty"`
}

func (e *RequestFailure) Error() string {
	return fmt.Sprintf("request %s failed (%s): %s", e.RequestID, e.Code, e.Reason)
}
