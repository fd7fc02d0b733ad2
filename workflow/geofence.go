package workflow

import "math"

// earthRadiusM is the mean Earth radius used for great-circle distance.
const earthRadiusM = 6371000.0

// GeofenceResult carries the decision plus the raw numbers behind it, so
// callers and the ledger can record why a ping was classified the way it was.
type GeofenceResult struct {
	Inside     bool
	DistanceM  float64
	ThresholdM float64
}

// EvaluateGeofence decides whether a ping is inside the site's circular
// geofence. A ping is inside iff distance <= radius + effectiveAccuracy,
// where effectiveAccuracy is the reported accuracy when it is a finite
// positive number and 0 otherwise: missing or garbage accuracy is never a
// free pass. NaN anywhere fails closed (not inside).
func EvaluateGeofence(pingLat, pingLng, siteLat, siteLng, radiusM float64, accuracyM *float64) GeofenceResult {
	distance := haversineM(pingLat, pingLng, siteLat, siteLng)

	effectiveAccuracy := 0.0
	if accuracyM != nil && !math.IsNaN(*accuracyM) && !math.IsInf(*accuracyM, 0) && *accuracyM > 0 {
		effectiveAccuracy = *accuracyM
	}
	threshold := radiusM + effectiveAccuracy

	// NaN comparisons are false, so a malformed coordinate can never land inside.
	return GeofenceResult{
		Inside:     distance <= threshold,
		DistanceM:  distance,
		ThresholdM: threshold,
	}
}

// haversineM returns the great-circle distance in meters.
func haversineM(lat1, lng1, lat2, lng2 float64) float64 {
	rLat1 := lat1 * math.Pi / 180
	rLat2 := lat2 * math.Pi / 180
	dLat := (lat2 - lat1) * math.Pi / 180
	dLng := (lng2 - lng1) * math.Pi / 180

	sinLat := math.Sin(dLat / 2)
	sinLng := math.Sin(dLng / 2)
	a := sinLat*sinLat + math.Cos(rLat1)*math.Cos(rLat2)*sinLng*sinLng

	return earthRadiusM * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}
