package engine

import (
	"fmt"
	"math"
	"strings"
)

const earthRadiusMeters = 6371000.0

// HaversineMeters returns the great-circle distance between two coordinates.
func HaversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	rlat1 := lat1 * math.Pi / 180
	rlat2 := lat2 * math.Pi / 180
	dlat := (lat2 - lat1) * math.Pi / 180
	dlon := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dlat/2)*math.Sin(dlat/2) +
		math.Cos(rlat1)*math.Cos(rlat2)*math.Sin(dlon/2)*math.Sin(dlon/2)
	c := 2 * math.Asin(math.Sqrt(a))
	return earthRadiusMeters * c
}

// Validate checks the hypothesis is syntactically well-formed: a coordinate
// within bounds, or a named region with at least a country.
func (h Hypothesis) Validate() error {
	switch h.Kind {
	case HypothesisCoordinate:
		if h.Latitude < -90 || h.Latitude > 90 {
			return fmt.Errorf("latitude %v out of range", h.Latitude)
		}
		if h.Longitude < -180 || h.Longitude > 180 {
			return fmt.Errorf("longitude %v out of range", h.Longitude)
		}
		return nil
	case HypothesisRegion:
		if strings.TrimSpace(h.Country) == "" {
			return fmt.Errorf("named-region hypothesis requires a country")
		}
		return nil
	default:
		return fmt.Errorf("unknown hypothesis kind %q", h.Kind)
	}
}

// DistanceMeters returns the geographic distance between two coordinate
// hypotheses. Mixed or region hypotheses have no metric distance; ok=false.
func (h Hypothesis) DistanceMeters(other Hypothesis) (float64, bool) {
	if h.Kind != HypothesisCoordinate || other.Kind != HypothesisCoordinate {
		return 0, false
	}
	return HaversineMeters(h.Latitude, h.Longitude, other.Latitude, other.Longitude), true
}

// SameRegion reports whether two named-region hypotheses match exactly or by
// containment: a hypothesis naming only a country contains one that also
// names a region or place within it.
func (h Hypothesis) SameRegion(other Hypothesis) bool {
	if h.Kind != HypothesisRegion || other.Kind != HypothesisRegion {
		return false
	}
	if !strings.EqualFold(strings.TrimSpace(h.Country), strings.TrimSpace(other.Country)) {
		return false
	}
	if h.Region != "" && other.Region != "" && !strings.EqualFold(h.Region, other.Region) {
		return false
	}
	if h.Place != "" && other.Place != "" && !strings.EqualFold(h.Place, other.Place) {
		return false
	}
	return true
}

// mostSpecificCommonRegion folds region hypotheses into the deepest level at
// which all members agree.
func mostSpecificCommonRegion(members []Hypothesis) Hypothesis {
	out := Hypothesis{Kind: HypothesisRegion}
	if len(members) == 0 {
		return out
	}
	out.Country = members[0].Country
	out.Region = members[0].Region
	out.Place = members[0].Place
	for _, m := range members[1:] {
		if !strings.EqualFold(m.Country, out.Country) {
			out.Country, out.Region, out.Place = "", "", ""
			break
		}
		if out.Region == "" || !strings.EqualFold(m.Region, out.Region) {
			out.Region, out.Place = "", ""
			continue
		}
		if out.Place == "" || !strings.EqualFold(m.Place, out.Place) {
			out.Place = ""
		}
	}
	return out
}

// AccuracyBands reports classic geolocation accuracy buckets for a predicted
// coordinate against a known ground truth.
func AccuracyBands(predicted Hypothesis, truthLat, truthLon float64) map[string]bool {
	bands := map[string]bool{
		"within_50m":  false,
		"within_100m": false,
		"within_500m": false,
		"within_1km":  false,
	}
	if predicted.Kind != HypothesisCoordinate {
		return bands
	}
	d := HaversineMeters(predicted.Latitude, predicted.Longitude, truthLat, truthLon)
	bands["within_50m"] = d <= 50
	bands["within_100m"] = d <= 100
	bands["within_500m"] = d <= 500
	bands["within_1km"] = d <= 1000
	return bands
}
