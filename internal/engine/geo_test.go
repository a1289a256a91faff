package engine

import (
	"math"
	"testing"
)

func TestHaversineMeters(t *testing.T) {
	// Paris -> London is roughly 344 km
	d := HaversineMeters(48.8566, 2.3522, 51.5074, -0.1278)
	if math.Abs(d-344000) > 5000 {
		t.Errorf("Paris-London distance = %.0f m, want ~344000", d)
	}

	if d := HaversineMeters(10, 20, 10, 20); d != 0 {
		t.Errorf("zero distance = %v, want 0", d)
	}
}

func TestHypothesisValidate(t *testing.T) {
	cases := []struct {
		name    string
		h       Hypothesis
		wantErr bool
	}{
		{"valid coordinate", Hypothesis{Kind: HypothesisCoordinate, Latitude: 48.8, Longitude: 2.35}, false},
		{"latitude out of range", Hypothesis{Kind: HypothesisCoordinate, Latitude: 91}, true},
		{"longitude out of range", Hypothesis{Kind: HypothesisCoordinate, Longitude: -181}, true},
		{"region with country", Hypothesis{Kind: HypothesisRegion, Country: "France"}, false},
		{"region without country", Hypothesis{Kind: HypothesisRegion, Region: "Normandy"}, true},
		{"unknown kind", Hypothesis{Kind: "wild"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.h.Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestDistanceMeters(t *testing.T) {
	a := Hypothesis{Kind: HypothesisCoordinate, Latitude: 48.8566, Longitude: 2.3522}
	b := Hypothesis{Kind: HypothesisCoordinate, Latitude: 48.8570, Longitude: 2.3530}
	d, ok := a.DistanceMeters(b)
	if !ok {
		t.Fatal("expected metric distance for coordinate pair")
	}
	if d <= 0 || d > 200 {
		t.Errorf("distance = %.1f m, want small positive", d)
	}

	region := Hypothesis{Kind: HypothesisRegion, Country: "France"}
	if _, ok := a.DistanceMeters(region); ok {
		t.Error("mixed coordinate/region pair should have no metric distance")
	}
}

func TestSameRegion(t *testing.T) {
	fr := Hypothesis{Kind: HypothesisRegion, Country: "France"}
	paris := Hypothesis{Kind: HypothesisRegion, Country: "france", Region: "Ile-de-France", Place: "Paris"}
	lyon := Hypothesis{Kind: HypothesisRegion, Country: "France", Region: "Auvergne-Rhone-Alpes", Place: "Lyon"}

	if !fr.SameRegion(paris) {
		t.Error("country-only hypothesis should contain a more specific one")
	}
	if !paris.SameRegion(fr) {
		t.Error("containment should be symmetric for unset levels")
	}
	if paris.SameRegion(lyon) {
		t.Error("different regions in the same country should not match")
	}
	if fr.SameRegion(Hypothesis{Kind: HypothesisRegion, Country: "Spain"}) {
		t.Error("different countries should not match")
	}
}

func TestMostSpecificCommonRegion(t *testing.T) {
	members := []Hypothesis{
		{Kind: HypothesisRegion, Country: "France", Region: "Ile-de-France", Place: "Paris"},
		{Kind: HypothesisRegion, Country: "France", Region: "Ile-de-France", Place: "Versailles"},
	}
	got := mostSpecificCommonRegion(members)
	if got.Country != "France" || got.Region != "Ile-de-France" || got.Place != "" {
		t.Errorf("common region = %+v, want France/Ile-de-France", got)
	}

	mixed := []Hypothesis{
		{Kind: HypothesisRegion, Country: "France", Region: "Ile-de-France"},
		{Kind: HypothesisRegion, Country: "Spain", Region: "Madrid"},
	}
	got = mostSpecificCommonRegion(mixed)
	if got.Country != "" {
		t.Errorf("disagreeing countries should fold to empty, got %+v", got)
	}
}

func TestAccuracyBands(t *testing.T) {
	pred := Hypothesis{Kind: HypothesisCoordinate, Latitude: 48.8566, Longitude: 2.3522}
	bands := AccuracyBands(pred, 48.8566, 2.3522)
	for band, hit := range bands {
		if !hit {
			t.Errorf("exact match should satisfy %s", band)
		}
	}

	// ~550 m east
	bands = AccuracyBands(pred, 48.8566, 2.3597)
	if bands["within_500m"] {
		t.Error("550 m offset should miss the 500 m band")
	}
	if !bands["within_1km"] {
		t.Error("550 m offset should hit the 1 km band")
	}

	region := Hypothesis{Kind: HypothesisRegion, Country: "France"}
	for band, hit := range AccuracyBands(region, 48.8566, 2.3522) {
		if hit {
			t.Errorf("region hypothesis should miss every band, hit %s", band)
		}
	}
}
