package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/terralens/geolocator/internal/engine"
	"github.com/terralens/geolocator/internal/gateway"
)

// Lookuper is the gateway surface the research worker depends on.
type Lookuper interface {
	Lookup(ctx context.Context, source, query string) (gateway.Result, error)
}

// ResearchWorker verifies the leading hypothesis from earlier stages against
// external data sources. Gateway failures never fail the task: the finding
// is completed with the affected evidence marked unverified.
type ResearchWorker struct {
	gateway Lookuper
	sources []string
	logger  *log.Logger
}

// NewResearch builds the research worker over the given sources.
func NewResearch(g Lookuper, sources []string) *ResearchWorker {
	return &ResearchWorker{
		gateway: g,
		sources: sources,
		logger:  log.New(log.Writer(), "[RESEARCH] ", log.LstdFlags),
	}
}

func (w *ResearchWorker) Role() engine.AgentRole { return engine.RoleResearch }

// Analyze cross-checks the most confident prior finding against every
// configured source.
func (w *ResearchWorker) Analyze(ctx context.Context, input engine.TaskInput) (engine.Finding, error) {
	candidate, ok := bestPriorFinding(input.PriorStages)
	if !ok {
		return engine.Finding{}, fmt.Errorf("no prior findings to research")
	}

	query := queryFor(candidate.Hypothesis)
	var evidence []engine.Evidence
	verified := 0
	for _, source := range w.sources {
		res, err := w.gateway.Lookup(ctx, source, query)
		if err != nil {
			if ctx.Err() != nil {
				return engine.Finding{}, ctx.Err()
			}
			var svcErr *engine.ExternalServiceError
			if !errors.As(err, &svcErr) {
				return engine.Finding{}, err
			}
			w.logger.Printf("source %s unavailable, recording unverified evidence: %v", source, err)
			evidence = append(evidence, engine.Evidence{
				Description: fmt.Sprintf("lookup %q against %s failed: %v", query, source, svcErr),
				SourceRef:   source,
				Verified:    false,
			})
			continue
		}
		verified++
		evidence = append(evidence, engine.Evidence{
			Description: fmt.Sprintf("cross-referenced %q against %s", query, source),
			SourceRef:   source,
			Verified:    res.Verified,
		})
	}

	confidence := candidate.Confidence * 0.6
	if len(w.sources) > 0 {
		confidence = candidate.Confidence * (0.6 + 0.4*float64(verified)/float64(len(w.sources)))
	}
	if confidence > 1 {
		confidence = 1
	}

	return engine.Finding{
		Hypothesis: candidate.Hypothesis,
		Confidence: confidence,
		Reasoning:  fmt.Sprintf("verified leading hypothesis against %d of %d sources", verified, len(w.sources)),
		Evidence:   evidence,
	}, nil
}

func bestPriorFinding(stages []engine.StageSummary) (engine.Finding, bool) {
	var best engine.Finding
	found := false
	for _, stage := range stages {
		for _, f := range stage.Findings {
			if !found || f.Confidence > best.Confidence {
				best = f
				found = true
			}
		}
	}
	return best, found
}

func queryFor(h engine.Hypothesis) string {
	if h.Kind == engine.HypothesisCoordinate {
		return fmt.Sprintf("%.5f,%.5f", h.Latitude, h.Longitude)
	}
	parts := make([]string, 0, 3)
	for _, p := range []string{h.Place, h.Region, h.Country} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ", ")
}
