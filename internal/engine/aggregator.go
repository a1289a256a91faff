package engine

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// Aggregator turns a stage's completed tasks into a StageSummary.
type Aggregator struct {
	divergenceMeters float64
	quorumFraction   float64
}

// NewAggregator builds an aggregator with the configured divergence
// threshold (meters, coordinate hypotheses) and quorum fraction.
func NewAggregator(divergenceMeters, quorumFraction float64) *Aggregator {
	if divergenceMeters <= 0 {
		divergenceMeters = 500000
	}
	return &Aggregator{divergenceMeters: divergenceMeters, quorumFraction: quorumFraction}
}

// QuorumRequired returns the minimum DONE count for a stage of the given
// size. The default fraction 0.5 yields a strict majority.
func (a *Aggregator) QuorumRequired(total int) int {
	if total <= 0 {
		return 0
	}
	required := int(math.Floor(a.quorumFraction*float64(total))) + 1
	if required > total {
		required = total
	}
	return required
}

// Summarize collects findings from DONE tasks, detects pairwise
// contradictions, and computes the quorum flag purely from completion
// counts. Contradictions are informational input to consensus, never a
// stage failure by themselves.
func (a *Aggregator) Summarize(stage int, name string, tasks []*AgentTask) StageSummary {
	summary := StageSummary{
		Stage:    stage,
		Name:     name,
		Insights: make(map[AgentRole]string),
	}

	sorted := make([]*AgentTask, len(tasks))
	copy(sorted, tasks)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Role != sorted[j].Role {
			return sorted[i].Role < sorted[j].Role
		}
		return sorted[i].ID < sorted[j].ID
	})

	for _, task := range sorted {
		switch task.State {
		case TaskDone:
			summary.DoneTasks++
			if task.Output != nil {
				summary.Findings = append(summary.Findings, *task.Output)
				summary.Insights[task.Role] = firstLine(task.Output.Reasoning)
			}
		case TaskFailed:
			summary.FailedTasks++
		case TaskSkipped:
			summary.SkippedTasks++
		}
	}

	for i := 0; i < len(summary.Findings); i++ {
		for j := i + 1; j < len(summary.Findings); j++ {
			if c, diverged := a.diverges(summary.Findings[i], summary.Findings[j]); diverged {
				summary.Contradictions = append(summary.Contradictions, c)
			}
		}
	}

	total := len(tasks)
	summary.QuorumMet = summary.DoneTasks >= a.QuorumRequired(total)
	summary.Degraded = summary.QuorumMet && summary.DoneTasks < total
	return summary
}

// diverges computes the divergence score for a pair of findings: geographic
// distance for coordinates, category mismatch for named regions.
func (a *Aggregator) diverges(x, y Finding) (Contradiction, bool) {
	if d, ok := x.Hypothesis.DistanceMeters(y.Hypothesis); ok {
		if d > a.divergenceMeters {
			return Contradiction{
				FindingA:   x.ID,
				FindingB:   y.ID,
				Divergence: d,
				Reason:     fmt.Sprintf("coordinates %.0f km apart", d/1000),
			}, true
		}
		return Contradiction{}, false
	}
	if x.Hypothesis.Kind == HypothesisRegion && y.Hypothesis.Kind == HypothesisRegion {
		if !x.Hypothesis.SameRegion(y.Hypothesis) {
			return Contradiction{
				FindingA: x.ID,
				FindingB: y.ID,
				Reason:   fmt.Sprintf("regions disagree: %s vs %s", regionLabel(x.Hypothesis), regionLabel(y.Hypothesis)),
			}, true
		}
	}
	// mixed coordinate/region pairs carry no comparable score
	return Contradiction{}, false
}

func regionLabel(h Hypothesis) string {
	parts := []string{}
	for _, p := range []string{h.Place, h.Region, h.Country} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return "(unknown)"
	}
	return strings.Join(parts, ", ")
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}
