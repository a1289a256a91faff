package streams

import "fmt"

// Event types published by the engine.
const (
	EventRequestSubmitted = "request.submitted"
	EventProgress         = "progress.event"
	EventRequestTerminal  = "request.terminal"
)

// SchemaVersion is the current payload version for all base events.
const SchemaVersion = "v1"

// Definition describes a schema entry managed by the registry.
type Definition struct {
	EventType string
	Version   string
	Schema    []byte
}

var baseDefinitions = []Definition{
	{
		EventType: EventRequestSubmitted,
		Version:   SchemaVersion,
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "descriptor_ref", "state"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "descriptor_ref": {"type": "string", "minLength": 1},
    "requester_id": {"type": "string"},
    "metadata": {"type": "object", "additionalProperties": {"type": "string"}},
    "state": {"type": "string"},
    "created_at": {"type": "string"}
  },
  "additionalProperties": true
}`),
	},
	{
		EventType: EventProgress,
		Version:   SchemaVersion,
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["request_id", "stage", "message"],
  "properties": {
    "request_id": {"type": "string", "minLength": 1},
    "stage": {"type": "string", "minLength": 1},
    "percent": {"type": "number", "minimum": -1, "maximum": 1},
    "message": {"type": "string"},
    "timestamp": {"type": "string"}
  },
  "additionalProperties": true
}`),
	},
	{
		EventType: EventRequestTerminal,
		Version:   SchemaVersion,
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["request_id", "state"],
  "properties": {
    "request_id": {"type": "string", "minLength": 1},
    "state": {"type": "string", "enum": ["completed", "failed", "cancelled"]},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "failure_code": {"type": "string"},
    "failure_reason": {"type": "string"}
  },
  "additionalProperties": true
}`),
	},
}

// RegisterBaseSchemas loads every built-in event schema into the registry.
func RegisterBaseSchemas(reg *SchemaRegistry) error {
	for _, def := range baseDefinitions {
		if err := reg.Register(def.EventType, def.Version, def.Schema); err != nil {
			return fmt.Errorf("register %s/%s: %w", def.EventType, def.Version, err)
		}
	}
	return nil
}
