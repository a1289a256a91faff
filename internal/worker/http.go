package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/terralens/geolocator/internal/engine"
)

// HTTPWorker is a Worker backed by a remote specialist service. The service
// receives the task input as JSON and responds with a finding.
type HTTPWorker struct {
	role     engine.AgentRole
	endpoint string
	client   *http.Client
}

// NewHTTP builds a worker calling the given endpoint. timeout bounds the
// underlying HTTP client; the executor's per-attempt timeout still applies
// through the request context.
func NewHTTP(role engine.AgentRole, endpoint string, timeout time.Duration) *HTTPWorker {
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &HTTPWorker{
		role:     role,
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

func (w *HTTPWorker) Role() engine.AgentRole { return w.role }

// Analyze posts the task input and decodes the specialist's finding.
func (w *HTTPWorker) Analyze(ctx context.Context, input engine.TaskInput) (engine.Finding, error) {
	body, err := json.Marshal(input)
	if err != nil {
		return engine.Finding{}, fmt.Errorf("marshal input: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(body))
	if err != nil {
		return engine.Finding{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return engine.Finding{}, fmt.Errorf("%s specialist call: %w", w.role, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return engine.Finding{}, fmt.Errorf("%s specialist returned %d: %s", w.role, resp.StatusCode, snippet)
	}

	var finding engine.Finding
	if err := json.NewDecoder(resp.Body).Decode(&finding); err != nil {
		return engine.Finding{}, &engine.AgentOutputInvalidError{Role: w.role, Reason: fmt.Sprintf("decode response: %v", err)}
	}
	return finding, nil
}
