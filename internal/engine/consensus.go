package engine

import (
	"sort"
	"time"

	"github.com/terralens/geolocator/config"
)

// Consensus reconciles all findings from all stages into one calibrated
// prediction with ranked alternatives. The algorithm is fully deterministic
// over a fixed set of findings: identical inputs yield identical clustering
// and ranking.
type Consensus struct {
	cfg         config.ConsensusConfig
	reliability func(AgentRole) float64
}

// NewConsensus builds the consensus engine. reliability maps a role to its
// static configured weighting coefficient.
func NewConsensus(cfg config.ConsensusConfig, reliability func(AgentRole) float64) *Consensus {
	return &Consensus{cfg: cfg, reliability: reliability}
}

type cluster struct {
	members []Finding
	weight  float64
	order   int // formation order, tie-break
}

// Resolve pools every finding from every stage, clusters agreeing
// hypotheses, and ranks clusters by reliability-weighted agreement.
// Returns *AggregationConflictError when no cluster reaches the minimum
// viable weight share.
func (c *Consensus) Resolve(requestID string, stages []StageSummary) (*ConsensusResult, error) {
	pooled := poolFindings(stages)
	if len(pooled) == 0 {
		return nil, &AggregationConflictError{}
	}

	clusters := c.buildClusters(pooled)
	var totalWeight float64
	for i := range clusters {
		clusters[i].weight = c.clusterWeight(clusters[i].members)
		totalWeight += clusters[i].weight
	}
	if totalWeight <= 0 {
		return nil, &AggregationConflictError{Findings: pooled}
	}

	sort.SliceStable(clusters, func(i, j int) bool {
		if clusters[i].weight != clusters[j].weight {
			return clusters[i].weight > clusters[j].weight
		}
		return clusters[i].order < clusters[j].order
	})

	primary := clusters[0]
	share := primary.weight / totalWeight
	if share < c.cfg.MinViableWeightShare {
		return nil, &AggregationConflictError{Findings: pooled}
	}

	degraded := 0
	for _, s := range stages {
		if s.Degraded {
			degraded++
		}
	}

	result := &ConsensusResult{
		RequestID: requestID,
		Primary: Prediction{
			Hypothesis:  c.representative(primary.members),
			Confidence:  c.calibrate(share, primary, stages, len(pooled), degraded),
			ClusterSize: len(primary.members),
			Weight:      primary.weight,
		},
		Findings:       pooled,
		Stages:         stages,
		DegradedStages: degraded,
		CreatedAt:      time.Now(),
	}

	topK := c.cfg.TopKAlternatives
	for _, alt := range clusters[1:] {
		if topK > 0 && len(result.Alternatives) >= topK {
			break
		}
		altShare := alt.weight / totalWeight
		result.Alternatives = append(result.Alternatives, Prediction{
			Hypothesis:  c.representative(alt.members),
			Confidence:  clamp01(altShare * meanConfidence(alt.members)),
			ClusterSize: len(alt.members),
			Weight:      alt.weight,
		})
	}

	return result, nil
}

// poolFindings flattens stage findings into a deterministic order: stage,
// then role, then finding id.
func poolFindings(stages []StageSummary) []Finding {
	var pooled []Finding
	for _, s := range stages {
		pooled = append(pooled, s.Findings...)
	}
	sort.SliceStable(pooled, func(i, j int) bool {
		if pooled[i].Stage != pooled[j].Stage {
			return pooled[i].Stage < pooled[j].Stage
		}
		if pooled[i].Role != pooled[j].Role {
			return pooled[i].Role < pooled[j].Role
		}
		return pooled[i].ID < pooled[j].ID
	})
	return pooled
}

// buildClusters runs the fixed-radius agglomerative merge: a coordinate
// hypothesis joins the first cluster within the configured radius of its
// representative member; region hypotheses cluster by exact/contained match.
func (c *Consensus) buildClusters(pooled []Finding) []cluster {
	var clusters []cluster
	for _, f := range pooled {
		joined := false
		for i := range clusters {
			if c.belongs(clusters[i].members[0], f) {
				clusters[i].members = append(clusters[i].members, f)
				joined = true
				break
			}
		}
		if !joined {
			clusters = append(clusters, cluster{members: []Finding{f}, order: len(clusters)})
		}
	}
	return clusters
}

func (c *Consensus) belongs(anchor, candidate Finding) bool {
	if d, ok := anchor.Hypothesis.DistanceMeters(candidate.Hypothesis); ok {
		return d <= c.cfg.ClusterRadiusMeters
	}
	return anchor.Hypothesis.SameRegion(candidate.Hypothesis)
}

// clusterWeight sums reliability x confidence x evidence factor over the
// cluster members. Unverified evidence applies the configured discount.
func (c *Consensus) clusterWeight(members []Finding) float64 {
	var w float64
	for _, f := range members {
		factor := 1.0
		if !f.EvidenceVerified() {
			factor = c.cfg.UnverifiedDiscount
		}
		w += c.reliability(f.Role) * f.Confidence * factor
	}
	return w
}

// representative computes the weighted centroid for coordinate clusters, or
// the most specific common region for named-region clusters.
func (c *Consensus) representative(members []Finding) Hypothesis {
	if members[0].Hypothesis.Kind == HypothesisRegion {
		hyps := make([]Hypothesis, len(members))
		for i, m := range members {
			hyps[i] = m.Hypothesis
		}
		return mostSpecificCommonRegion(hyps)
	}
	var sumLat, sumLon, sumW float64
	for _, f := range members {
		factor := 1.0
		if !f.EvidenceVerified() {
			factor = c.cfg.UnverifiedDiscount
		}
		w := c.reliability(f.Role) * f.Confidence * factor
		if w <= 0 {
			w = 1e-9
		}
		sumLat += f.Hypothesis.Latitude * w
		sumLon += f.Hypothesis.Longitude * w
		sumW += w
	}
	rep := Hypothesis{Kind: HypothesisCoordinate}
	if sumW > 0 {
		rep.Latitude = sumLat / sumW
		rep.Longitude = sumLon / sumW
	}
	// carry the most confident member's naming, if any
	best := members[0]
	for _, m := range members[1:] {
		if m.Confidence > best.Confidence {
			best = m
		}
	}
	rep.Country = best.Hypothesis.Country
	rep.Region = best.Hypothesis.Region
	rep.Place = best.Hypothesis.Place
	return rep
}

// calibrate computes the final confidence: a monotonic blend of the primary
// cluster's weight share and the fraction of stages with no contradiction
// touching the primary cluster, scaled by an agreement bonus for cluster
// size, clamped to [0,1], then reduced by the degraded-stage penalty.
func (c *Consensus) calibrate(share float64, primary cluster, stages []StageSummary, totalFindings, degraded int) float64 {
	memberIDs := make(map[string]struct{}, len(primary.members))
	for _, m := range primary.members {
		memberIDs[m.ID] = struct{}{}
	}
	clean := 0
	for _, s := range stages {
		touched := false
		for _, contradiction := range s.Contradictions {
			if _, ok := memberIDs[contradiction.FindingA]; ok {
				touched = true
				break
			}
			if _, ok := memberIDs[contradiction.FindingB]; ok {
				touched = true
				break
			}
		}
		if !touched {
			clean++
		}
	}
	cleanFraction := 1.0
	if len(stages) > 0 {
		cleanFraction = float64(clean) / float64(len(stages))
	}

	base := c.cfg.WeightShareFactor*share + c.cfg.CleanStageFactor*cleanFraction
	if totalFindings > 0 && len(primary.members) > 1 {
		base *= 1 + c.cfg.AgreementBonus*float64(len(primary.members)-1)/float64(totalFindings)
	}
	confidence := clamp01(base) - c.cfg.DegradedStagePenalty*float64(degraded)
	return clamp01(confidence)
}

func meanConfidence(members []Finding) float64 {
	if len(members) == 0 {
		return 0
	}
	var sum float64
	for _, m := range members {
		sum += m.Confidence
	}
	return sum / float64(len(members))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
