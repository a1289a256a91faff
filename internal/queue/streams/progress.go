package streams

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/terralens/geolocator/internal/engine"
)

// Notifier mirrors engine lifecycle events onto a Redis stream so external
// consumers (dashboards, websocket bridges) can follow live requests.
type Notifier struct {
	publisher *Publisher
	stream    string
}

// NewNotifier builds a notifier writing to the given stream. Base event
// schemas are registered so every published payload is validated.
func NewNotifier(client *redis.Client, stream string) (*Notifier, error) {
	reg := NewSchemaRegistry()
	if err := RegisterBaseSchemas(reg); err != nil {
		return nil, err
	}
	return &Notifier{
		publisher: NewPublisher(client, reg),
		stream:    stream,
	}, nil
}

// PublishProgress satisfies engine.StreamPublisher.
func (n *Notifier) PublishProgress(ctx context.Context, ev engine.ProgressEvent) error {
	_, err := n.publisher.PublishRaw(ctx, n.stream, EventProgress, SchemaVersion, ev)
	return err
}

// PublishSubmitted records a newly accepted request.
func (n *Notifier) PublishSubmitted(ctx context.Context, req engine.AnalysisRequest) error {
	_, err := n.publisher.PublishRaw(ctx, n.stream, EventRequestSubmitted, SchemaVersion, req)
	return err
}

// PublishTerminal records a terminal transition.
func (n *Notifier) PublishTerminal(ctx context.Context, ev engine.TerminalEvent) error {
	_, err := n.publisher.PublishRaw(ctx, n.stream, EventRequestTerminal, SchemaVersion, ev)
	return err
}

var _ engine.LifecyclePublisher = (*Notifier)(nil)
