package streams

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// streamMaxLen caps stream growth; old entries are trimmed approximately.
const streamMaxLen = 100000

// Publisher appends schema-validated envelopes to a Redis stream.
type Publisher struct {
	client   *redis.Client
	registry *SchemaRegistry
}

// NewPublisher builds a publisher validating against the given registry.
func NewPublisher(client *redis.Client, registry *SchemaRegistry) *Publisher {
	return &Publisher{client: client, registry: registry}
}

// PublishRaw marshals payload, wraps it in an envelope and appends it to the
// stream. The payload is validated against the registered schema first.
func (p *Publisher) PublishRaw(ctx context.Context, stream, eventType, version string, payload interface{}) (string, error) {
	if stream == "" {
		return "", fmt.Errorf("stream name is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	if p.registry != nil {
		if err := p.registry.Validate(eventType, version, data); err != nil {
			return "", err
		}
	}

	env := Envelope{
		ID:      uuid.NewString(),
		Type:    eventType,
		Version: version,
		Payload: data,
	}
	if err := env.validate(); err != nil {
		return "", err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}

	id, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"envelope": raw},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", stream, err)
	}
	return id, nil
}
