package streams

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/terralens/geolocator/internal/engine"
)

func TestBaseSchemasValidate(t *testing.T) {
	reg := NewSchemaRegistry()
	if err := RegisterBaseSchemas(reg); err != nil {
		t.Fatalf("register base schemas: %v", err)
	}

	submitted := engine.AnalysisRequest{
		ID:            "req-1",
		DescriptorRef: "desc-1",
		RequesterID:   "alice",
		Metadata:      map[string]string{"source": "upload"},
		State:         engine.StateSubmitted,
		CreatedAt:     time.Now().UTC(),
	}
	data, err := json.Marshal(submitted)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	if err := reg.Validate(EventRequestSubmitted, SchemaVersion, data); err != nil {
		t.Fatalf("expected request payload to validate: %v", err)
	}

	progress := engine.ProgressEvent{
		RequestID: "req-1",
		Stage:     "analysis",
		Percent:   0.45,
		Message:   "stage finished: quorum met",
		Timestamp: time.Now().UTC(),
	}
	data, err = json.Marshal(progress)
	if err != nil {
		t.Fatalf("marshal progress: %v", err)
	}
	if err := reg.Validate(EventProgress, SchemaVersion, data); err != nil {
		t.Fatalf("expected progress payload to validate: %v", err)
	}

	terminal := engine.TerminalEvent{
		RequestID:  "req-1",
		State:      "completed",
		Confidence: 0.92,
	}
	data, err = json.Marshal(terminal)
	if err != nil {
		t.Fatalf("marshal terminal: %v", err)
	}
	if err := reg.Validate(EventRequestTerminal, SchemaVersion, data); err != nil {
		t.Fatalf("expected terminal payload to validate: %v", err)
	}
}

func TestSchemaRejectsBadPayloads(t *testing.T) {
	reg := NewSchemaRegistry()
	if err := RegisterBaseSchemas(reg); err != nil {
		t.Fatalf("register base schemas: %v", err)
	}

	missingStage := []byte(`{"request_id":"req-1","message":"hi"}`)
	if err := reg.Validate(EventProgress, SchemaVersion, missingStage); err == nil {
		t.Error("progress payload without stage should fail validation")
	}

	badState := []byte(`{"request_id":"req-1","state":"exploded"}`)
	if err := reg.Validate(EventRequestTerminal, SchemaVersion, badState); err == nil {
		t.Error("terminal payload with unknown state should fail validation")
	}

	if err := reg.Validate("nope.event", SchemaVersion, []byte(`{}`)); err == nil {
		t.Error("unknown event type should fail validation")
	}
}

func TestDecodeEnvelopeRoundTrip(t *testing.T) {
	env := Envelope{
		ID:      "ev-1",
		Type:    EventProgress,
		Version: SchemaVersion,
		Payload: json.RawMessage(`{"request_id":"req-1","stage":"analysis","message":"started"}`),
	}
	if err := env.validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	decoded, err := DecodeEnvelope(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Type != EventProgress || decoded.ID != "ev-1" {
		t.Fatalf("unexpected envelope: %+v", decoded)
	}
	if decoded.EmittedAt.IsZero() {
		t.Error("expected emitted_at to be stamped")
	}

	if _, err := DecodeEnvelope([]byte(`{"type":"progress.event"}`)); err == nil {
		t.Error("envelope without id or payload should fail")
	}
}
