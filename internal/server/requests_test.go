package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/terralens/geolocator/config"
	"github.com/terralens/geolocator/internal/engine"
)

var testSecret = []byte("test-secret")

type stubWorker struct {
	role engine.AgentRole
}

func (s stubWorker) Role() engine.AgentRole { return s.role }

func (s stubWorker) Analyze(ctx context.Context, input engine.TaskInput) (engine.Finding, error) {
	return engine.Finding{
		Hypothesis: engine.Hypothesis{Kind: engine.HypothesisCoordinate, Latitude: 48.8566, Longitude: 2.3522},
		Confidence: 0.85,
		Reasoning:  "test finding",
	}, nil
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Agents.MaxConcurrentAgents = 8
	cfg.Agents.Roles = make(map[string]config.RoleConfig)
	cfg.Stages = config.StagesConfig{Timeout: 2 * time.Second, QuorumFraction: 0.5}
	cfg.Consensus = config.ConsensusConfig{
		ClusterRadiusMeters:  500,
		DivergenceMeters:     500000,
		UnverifiedDiscount:   0.6,
		DegradedStagePenalty: 0.1,
		MinViableWeightShare: 0.2,
		AgreementBonus:       0.25,
		TopKAlternatives:     5,
		WeightShareFactor:    0.7,
		CleanStageFactor:     0.3,
	}
	cfg.Progress.BufferSize = 32
	return cfg
}

func newTestServer(t *testing.T) (*echo.Echo, *engine.Orchestrator) {
	t.Helper()
	workers := make(map[engine.AgentRole]engine.Worker)
	for _, role := range []engine.AgentRole{
		engine.RoleGeographic, engine.RoleVisual, engine.RoleEnvironmental,
		engine.RoleCultural, engine.RoleValidation, engine.RoleResearch,
	} {
		workers[role] = stubWorker{role: role}
	}
	orch, err := engine.NewOrchestrator(testConfig(), nil, workers)
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}

	e := echo.New()
	rh := &RequestsHandler{Orch: orch}
	rh.Register(e.Group("/api/requests"), testSecret)
	return e, orch
}

func authedRequest(t *testing.T, method, target string, body string) *http.Request {
	t.Helper()
	token, err := SignJWT("alice", testSecret, time.Hour)
	if err != nil {
		t.Fatalf("SignJWT: %v", err)
	}
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func TestSubmitRequiresAuth(t *testing.T) {
	e, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/requests", strings.NewReader(`{"descriptor_ref":"desc-1"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("code = %d, want 401", rec.Code)
	}
}

func TestSubmitRejectsEmptyDescriptor(t *testing.T) {
	e, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, authedRequest(t, http.MethodPost, "/api/requests", `{"descriptor_ref":""}`))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("code = %d, want 400", rec.Code)
	}
}

func TestRequestLifecycleOverHTTP(t *testing.T) {
	e, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, authedRequest(t, http.MethodPost, "/api/requests", `{"descriptor_ref":"desc-1","metadata":{"source":"upload"}}`))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("submit code = %d: %s", rec.Code, rec.Body.String())
	}
	var submitted SubmitResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &submitted); err != nil {
		t.Fatalf("decode submit response: %v", err)
	}
	if submitted.RequestID == "" {
		t.Fatal("expected a request id")
	}

	var status engine.RequestStatus
	deadline := time.Now().Add(5 * time.Second)
	for {
		rec = httptest.NewRecorder()
		e.ServeHTTP(rec, authedRequest(t, http.MethodGet, "/api/requests/"+submitted.RequestID, ""))
		if rec.Code != http.StatusOK {
			t.Fatalf("status code = %d: %s", rec.Code, rec.Body.String())
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
			t.Fatalf("decode status: %v", err)
		}
		if status.State.Terminal() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("request stuck in %s", status.State)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if status.State != engine.StateCompleted {
		t.Fatalf("state = %s, want completed (%s)", status.State, status.Error)
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, authedRequest(t, http.MethodGet, "/api/requests/"+submitted.RequestID+"/result", ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("result code = %d: %s", rec.Code, rec.Body.String())
	}
	var result ResultResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Result == nil || result.Result.Primary.Confidence <= 0 {
		t.Fatalf("result = %+v, want a consensus prediction", result)
	}
}

func TestResultBeforeReady(t *testing.T) {
	e, orch := newTestServer(t)

	id, err := orch.Submit(context.Background(), engine.SubmissionInput{DescriptorRef: "desc-1"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, authedRequest(t, http.MethodGet, "/api/requests/"+id+"/result", ""))
	// either the request is still running (409) or it already completed (200)
	if rec.Code != http.StatusConflict && rec.Code != http.StatusOK {
		t.Fatalf("code = %d, want 409 or 200", rec.Code)
	}
}

func TestUnknownRequestRoutes(t *testing.T) {
	e, _ := newTestServer(t)
	for _, target := range []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/requests/nope"},
		{http.MethodGet, "/api/requests/nope/result"},
		{http.MethodGet, "/api/requests/nope/events"},
		{http.MethodDelete, "/api/requests/nope"},
	} {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, authedRequest(t, target.method, target.path, ""))
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s %s code = %d, want 404", target.method, target.path, rec.Code)
		}
	}
}

func TestCancelOverHTTP(t *testing.T) {
	e, orch := newTestServer(t)
	id, err := orch.Submit(context.Background(), engine.SubmissionInput{DescriptorRef: "desc-1"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, authedRequest(t, http.MethodDelete, "/api/requests/"+id, ""))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("cancel code = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, authedRequest(t, http.MethodGet, "/api/requests/"+id, ""))
	var status engine.RequestStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if !status.State.Terminal() {
		t.Errorf("state after cancel = %s, want terminal", status.State)
	}
}
