package server

import (
	"time"

	"github.com/terralens/geolocator/internal/engine"
)

// HTTPError is the unified JSON error body.
type HTTPError struct {
	Error string `json:"error"`
}

// SubmitRequest is the payload accepted by POST /api/requests.
type SubmitRequest struct {
	DescriptorRef string            `json:"descriptor_ref"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// SubmitResponse acknowledges an accepted request.
type SubmitResponse struct {
	RequestID string `json:"request_id"`
}

// ResultResponse is the outcome document returned once a request is
// terminal: a consensus result for COMPLETED requests, failure details
// otherwise.
type ResultResponse struct {
	RequestID string                  `json:"request_id"`
	State     engine.RequestState     `json:"state"`
	Result    *engine.ConsensusResult `json:"result,omitempty"`
	Failure   *FailureDetail          `json:"failure,omitempty"`
}

// FailureDetail carries the failure taxonomy plus any salvageable partial
// output.
type FailureDetail struct {
	Code            string                  `json:"code"`
	Reason          string                  `json:"reason"`
	PartialFindings []engine.Finding        `json:"partial_findings,omitempty"`
	Partial         *engine.ConsensusResult `json:"partial,omitempty"`
}

// RequestHistoryItem is one entry of a requester's request listing.
type RequestHistoryItem struct {
	RequestID     string              `json:"request_id"`
	DescriptorRef string              `json:"descriptor_ref"`
	State         engine.RequestState `json:"state"`
	FailureReason string              `json:"failure_reason,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
}
