package streams

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope wraps every event appended to the progress stream. Consumers key
// off Type and Version to pick a decoder for Payload.
type Envelope struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Version   string          `json:"version"`
	EmittedAt time.Time       `json:"emitted_at"`
	Payload   json.RawMessage `json:"payload"`
}

func (e *Envelope) validate() error {
	switch {
	case e.ID == "":
		return fmt.Errorf("envelope id is required")
	case e.Type == "":
		return fmt.Errorf("envelope type is required")
	case e.Version == "":
		return fmt.Errorf("envelope version is required")
	case len(e.Payload) == 0:
		return fmt.Errorf("envelope payload is required")
	}
	if e.EmittedAt.IsZero() {
		e.EmittedAt = time.Now().UTC()
	}
	return nil
}

// DecodeEnvelope parses stream bytes back into an Envelope.
func DecodeEnvelope(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return env, fmt.Errorf("decode envelope: %w", err)
	}
	if err := env.validate(); err != nil {
		return env, err
	}
	return env, nil
}
