package workflow

import (
	"math"
	"testing"
)

func f64(v float64) *float64 { return &v }

func TestHaversine_Symmetry(t *testing.T) {
	pairs := [][4]float64{
		{16.8409, 96.1735, 16.8661, 96.1951}, // Yangon
		{40.7128, -74.0060, 34.0522, -118.2437},
		{-33.8688, 151.2093, 51.5074, -0.1278},
		{0, 0, 0.001, 0.001},
	}
	for _, p := range pairs {
		ab := haversineM(p[0], p[1], p[2], p[3])
		ba := haversineM(p[2], p[3], p[0], p[1])
		if ab != ba {
			t.Fatalf("haversine not symmetric for %v: %v vs %v", p, ab, ba)
		}
	}
}

func TestHaversine_ZeroDistanceToSelf(t *testing.T) {
	for _, p := range [][2]float64{{0, 0}, {16.8409, 96.1735}, {-90, 0}, {45, 180}} {
		if d := haversineM(p[0], p[1], p[0], p[1]); d != 0 {
			t.Fatalf("distance to self at %v should be 0, got %v", p, d)
		}
	}
}

func TestEvaluateGeofence_ExactBoundaryIsInside(t *testing.T) {
	siteLat, siteLng := 16.8409, 96.1735
	pingLat, pingLng := 16.8418, 96.1735

	d := haversineM(pingLat, pingLng, siteLat, siteLng)

	got := EvaluateGeofence(pingLat, pingLng, siteLat, siteLng, d, nil)
	if !got.Inside {
		t.Fatalf("ping at exactly the threshold should be inside: distance=%v threshold=%v", got.DistanceM, got.ThresholdM)
	}

	// Shrink the radius by one ulp and the same ping falls outside.
	got = EvaluateGeofence(pingLat, pingLng, siteLat, siteLng, math.Nextafter(d, 0), nil)
	if got.Inside {
		t.Fatalf("ping just beyond the threshold should be outside: distance=%v threshold=%v", got.DistanceM, got.ThresholdM)
	}
}

func TestEvaluateGeofence_AccuracyWidensThreshold(t *testing.T) {
	siteLat, siteLng := 0.0, 0.0
	// ~111m north of the site.
	pingLat, pingLng := 0.001, 0.0

	// Too far for a 100m radius on its own.
	got := EvaluateGeofence(pingLat, pingLng, siteLat, siteLng, 100, nil)
	if got.Inside {
		t.Fatalf("expected outside with no accuracy slack: distance=%v", got.DistanceM)
	}

	// A 15m reported accuracy brings it inside.
	got = EvaluateGeofence(pingLat, pingLng, siteLat, siteLng, 100, f64(15))
	if !got.Inside {
		t.Fatalf("expected inside with 15m accuracy: distance=%v threshold=%v", got.DistanceM, got.ThresholdM)
	}
	if got.ThresholdM != 115 {
		t.Fatalf("expected threshold=115, got %v", got.ThresholdM)
	}
}

func TestEvaluateGeofence_InvalidAccuracyIsNeverAFreePass(t *testing.T) {
	siteLat, siteLng := 0.0, 0.0
	pingLat, pingLng := 0.001, 0.0

	cases := map[string]*float64{
		"missing":  nil,
		"zero":     f64(0),
		"negative": f64(-20),
		"nan":      f64(math.NaN()),
		"inf":      f64(math.Inf(1)),
	}
	for name, acc := range cases {
		got := EvaluateGeofence(pingLat, pingLng, siteLat, siteLng, 100, acc)
		if got.Inside {
			t.Fatalf("%s accuracy should not widen the threshold", name)
		}
		if got.ThresholdM != 100 {
			t.Fatalf("%s accuracy: expected threshold=100, got %v", name, got.ThresholdM)
		}
	}
}

func TestEvaluateGeofence_NaNCoordinatesFailClosed(t *testing.T) {
	got := EvaluateGeofence(math.NaN(), 0, 0, 0, 1e9, f64(1e9))
	if got.Inside {
		t.Fatal("NaN coordinate must never classify as inside")
	}
}

func TestEvaluateGeofence_ReportsRawDistanceAndThreshold(t *testing.T) {
	got := EvaluateGeofence(0.001, 0, 0, 0, 50, f64(10))
	if got.ThresholdM != 60 {
		t.Fatalf("expected threshold=60, got %v", got.ThresholdM)
	}
	if got.DistanceM < 110 || got.DistanceM > 112 {
		t.Fatalf("expected distance around 111m, got %v", got.DistanceM)
	}
}
