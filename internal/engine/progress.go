package engine

import (
	"context"
	"log"
	"sync"
	"time"
)

// StreamPublisher mirrors progress events onto an external fanout (Redis
// stream); optional.
type StreamPublisher interface {
	PublishProgress(ctx context.Context, ev ProgressEvent) error
}

// TerminalEvent is published once when a request reaches a terminal state.
type TerminalEvent struct {
	RequestID     string  `json:"request_id"`
	State         string  `json:"state"`
	Confidence    float64 `json:"confidence,omitempty"`
	FailureCode   string  `json:"failure_code,omitempty"`
	FailureReason string  `json:"failure_reason,omitempty"`
}

// LifecyclePublisher is an optional extension of StreamPublisher for
// submission and terminal events.
type LifecyclePublisher interface {
	StreamPublisher
	PublishSubmitted(ctx context.Context, req AnalysisRequest) error
	PublishTerminal(ctx context.Context, ev TerminalEvent) error
}

// Reporter delivers ProgressEvents to live subscribers of a request id.
// Delivery is push-based and best-effort: a slow subscriber's buffer
// overflows silently and late subscribers miss earlier events; the status
// endpoints remain the authoritative state.
type Reporter struct {
	logger    *log.Logger
	buffer    int
	publisher StreamPublisher

	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]chan ProgressEvent
}

// NewReporter creates a reporter with the given per-subscriber buffer size.
func NewReporter(buffer int, publisher StreamPublisher) *Reporter {
	if buffer <= 0 {
		buffer = 64
	}
	return &Reporter{
		logger:    log.New(log.Writer(), "[PROGRESS] ", log.LstdFlags),
		buffer:    buffer,
		publisher: publisher,
		subs:      make(map[string]map[int]chan ProgressEvent),
	}
}

// Subscribe registers a listener for one request id. The returned cancel
// function must be called when the subscriber disconnects.
func (r *Reporter) Subscribe(requestID string) (<-chan ProgressEvent, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch := make(chan ProgressEvent, r.buffer)
	if r.subs[requestID] == nil {
		r.subs[requestID] = make(map[int]chan ProgressEvent)
	}
	id := r.nextID
	r.nextID++
	r.subs[requestID][id] = ch

	cancel := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if set, ok := r.subs[requestID]; ok {
			if c, ok := set[id]; ok {
				delete(set, id)
				close(c)
			}
			if len(set) == 0 {
				delete(r.subs, requestID)
			}
		}
	}
	return ch, cancel
}

// Publish fans an event out to subscribers without blocking the caller.
func (r *Reporter) Publish(ctx context.Context, ev ProgressEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	r.mu.Lock()
	for _, ch := range r.subs[ev.RequestID] {
		select {
		case ch <- ev:
		default:
			// subscriber buffer full; event dropped, getStatus stays authoritative
		}
	}
	r.mu.Unlock()

	if r.publisher != nil {
		if err := r.publisher.PublishProgress(ctx, ev); err != nil {
			r.logger.Printf("stream publish failed for %s: %v", ev.RequestID, err)
		}
	}
}

// Lifecycle returns the configured publisher's lifecycle extension, if any.
func (r *Reporter) Lifecycle() (LifecyclePublisher, bool) {
	lp, ok := r.publisher.(LifecyclePublisher)
	return lp, ok
}

// Finish closes every subscriber channel for a request after its terminal
// event has been delivered.
func (r *Reporter) Finish(requestID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, ch := range r.subs[requestID] {
		close(ch)
		delete(r.subs[requestID], id)
	}
	delete(r.subs, requestID)
}
