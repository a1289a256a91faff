package worker

import (
	"context"
	"testing"

	"github.com/terralens/geolocator/internal/engine"
	"github.com/terralens/geolocator/internal/gateway"
)

type fakeLookuper struct {
	failing map[string]bool
	queries []string
}

func (f *fakeLookuper) Lookup(ctx context.Context, source, query string) (gateway.Result, error) {
	f.queries = append(f.queries, query)
	if f.failing[source] {
		return gateway.Result{Source: source}, &engine.ExternalServiceError{Source: source, CircuitOpen: true}
	}
	return gateway.Result{Source: source, Data: map[string]interface{}{"match": true}, Verified: true}, nil
}

func priorStage(confidence float64) []engine.StageSummary {
	return []engine.StageSummary{{
		Stage: 1,
		Name:  "analysis",
		Findings: []engine.Finding{{
			ID:         "f1",
			Role:       engine.RoleGeographic,
			Stage:      1,
			Hypothesis: engine.Hypothesis{Kind: engine.HypothesisCoordinate, Latitude: 48.8566, Longitude: 2.3522},
			Confidence: confidence,
		}},
		QuorumMet: true,
	}}
}

func TestResearchVerifiedSources(t *testing.T) {
	lk := &fakeLookuper{}
	w := NewResearch(lk, []string{"landmarks", "terrain"})

	f, err := w.Analyze(context.Background(), engine.TaskInput{PriorStages: priorStage(0.9)})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if len(f.Evidence) != 2 {
		t.Fatalf("evidence = %d, want 2", len(f.Evidence))
	}
	if !f.EvidenceVerified() {
		t.Error("all-healthy sources should yield verified evidence")
	}
	// full verification keeps the candidate confidence
	if f.Confidence != 0.9 {
		t.Errorf("confidence = %v, want 0.9", f.Confidence)
	}
	if len(lk.queries) != 2 || lk.queries[0] != "48.85660,2.35220" {
		t.Errorf("queries = %v", lk.queries)
	}
}

func TestResearchDowngradesOnGatewayFailure(t *testing.T) {
	lk := &fakeLookuper{failing: map[string]bool{"landmarks": true}}
	w := NewResearch(lk, []string{"landmarks", "terrain"})

	f, err := w.Analyze(context.Background(), engine.TaskInput{PriorStages: priorStage(0.9)})
	if err != nil {
		t.Fatalf("gateway failure must not fail the task: %v", err)
	}
	if f.EvidenceVerified() {
		t.Error("a failed source should leave unverified evidence")
	}
	if f.Confidence >= 0.9 {
		t.Errorf("confidence = %v, want discounted below 0.9", f.Confidence)
	}
	verified := 0
	for _, ev := range f.Evidence {
		if ev.Verified {
			verified++
		}
	}
	if verified != 1 {
		t.Errorf("verified evidence = %d, want 1", verified)
	}
}

func TestResearchNoPriorFindings(t *testing.T) {
	w := NewResearch(&fakeLookuper{}, []string{"landmarks"})
	if _, err := w.Analyze(context.Background(), engine.TaskInput{}); err == nil {
		t.Fatal("expected error without prior findings")
	}
}

func TestResearchRegionQuery(t *testing.T) {
	lk := &fakeLookuper{}
	w := NewResearch(lk, []string{"landmarks"})

	stages := []engine.StageSummary{{
		Stage: 1,
		Findings: []engine.Finding{{
			ID:         "f1",
			Role:       engine.RoleCultural,
			Hypothesis: engine.Hypothesis{Kind: engine.HypothesisRegion, Country: "France", Region: "Ile-de-France", Place: "Paris"},
			Confidence: 0.7,
		}},
	}}
	if _, err := w.Analyze(context.Background(), engine.TaskInput{PriorStages: stages}); err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if lk.queries[0] != "Paris, Ile-de-France, France" {
		t.Errorf("query = %q", lk.queries[0])
	}
}
