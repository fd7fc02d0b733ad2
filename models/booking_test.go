package models

import (
	"math"
	"testing"
)

func pf(v float64) *float64 { return &v }

func TestSiteConfig_MissingFieldsAreNotConfigured(t *testing.T) {
	cases := map[string]Booking{
		"no geo at all": {ID: "bk-1", FoId: "fo-1"},
		"lat only":      {ID: "bk-1", FoId: "fo-1", SiteLat: pf(16.84)},
		"lng only":      {ID: "bk-1", FoId: "fo-1", SiteLng: pf(96.17)},
		"nan lat":       {ID: "bk-1", FoId: "fo-1", SiteLat: pf(math.NaN()), SiteLng: pf(96.17)},
		"inf lng":       {ID: "bk-1", FoId: "fo-1", SiteLat: pf(16.84), SiteLng: pf(math.Inf(1))},
	}
	for name, b := range cases {
		if _, _, _, ok := b.SiteConfig(); ok {
			t.Fatalf("%s: expected not configured", name)
		}
	}
}

func TestSiteConfig_RadiusDefaults(t *testing.T) {
	b := Booking{ID: "bk-1", SiteLat: pf(16.84), SiteLng: pf(96.17)}

	_, _, radius, ok := b.SiteConfig()
	if !ok {
		t.Fatal("expected configured site")
	}
	if radius != DefaultGeofenceRadiusMeters {
		t.Fatalf("expected default radius %v, got %v", DefaultGeofenceRadiusMeters, radius)
	}

	b.GeofenceRadiusMeters = pf(250)
	if _, _, radius, _ = b.SiteConfig(); radius != 250 {
		t.Fatalf("expected explicit radius 250, got %v", radius)
	}

	// Zero, negative, or garbage radius falls back to the default.
	for _, bad := range []*float64{pf(0), pf(-5), pf(math.NaN())} {
		b.GeofenceRadiusMeters = bad
		if _, _, radius, _ = b.SiteConfig(); radius != DefaultGeofenceRadiusMeters {
			t.Fatalf("radius %v: expected default, got %v", *bad, radius)
		}
	}
}
