package streams

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

// SchemaRegistry holds compiled JSON Schemas for stream event payloads.
// Validation happens on publish so malformed events never reach consumers.
type SchemaRegistry struct {
	mu       sync.RWMutex
	compiled map[string]*jsonschema.Schema
}

// NewSchemaRegistry returns an empty registry.
func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{compiled: make(map[string]*jsonschema.Schema)}
}

func schemaKey(eventType, version string) string {
	return eventType + "@" + version
}

// Register compiles schemaBytes and stores it under the event type/version pair.
func (r *SchemaRegistry) Register(eventType, version string, schemaBytes []byte) error {
	if eventType == "" || version == "" {
		return fmt.Errorf("event type and version are required")
	}
	if len(schemaBytes) == 0 {
		return fmt.Errorf("schema for %s@%s is empty", eventType, version)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("event.json", bytes.NewReader(schemaBytes)); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := compiler.Compile("event.json")
	if err != nil {
		return fmt.Errorf("compile %s@%s: %w", eventType, version, err)
	}

	r.mu.Lock()
	r.compiled[schemaKey(eventType, version)] = compiled
	r.mu.Unlock()
	return nil
}

// Validate checks a payload against the schema registered for the event
// type/version pair. Unknown pairs are an error: unregistered events must
// not be published.
func (r *SchemaRegistry) Validate(eventType, version string, payload []byte) error {
	r.mu.RLock()
	schema, ok := r.compiled[schemaKey(eventType, version)]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no schema registered for %s@%s", eventType, version)
	}

	var doc interface{}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%s payload invalid: %w", eventType, err)
	}
	return nil
}
