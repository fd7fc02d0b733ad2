package models

import (
	"math"
	"time"

	"bitbucket.org/fieldserve/billing_backend/config"
	"bitbucket.org/fieldserve/billing_backend/utils"
	"gorm.io/gorm"
)

// DefaultGeofenceRadiusMeters applies when a booking's site has no explicit radius.
const DefaultGeofenceRadiusMeters = 100.0

// Booking is owned by the booking lifecycle collaborator; the billing engine
// only reads it. Site geo fields are nullable until the site is set.
type Booking struct {
	ID                   string     `gorm:"primary_key;size:64" json:"id"`
	FoId                 string     `gorm:"size:64;index" json:"fo_id"`
	SiteLat              *float64   `json:"site_lat"`
	SiteLng              *float64   `json:"site_lng"`
	GeofenceRadiusMeters *float64   `json:"geofence_radius_meters"`
	CompletedAt          *time.Time `json:"completed_at"`
	CreatedAt            time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// SiteConfig resolves the booking's geofence. ok is false when any geo field
// is missing or non-finite; a ping for such a booking is a deliberate no-op
// (the site simply has not been configured yet).
func (b *Booking) SiteConfig() (lat, lng, radiusM float64, ok bool) {
	if b.SiteLat == nil || b.SiteLng == nil {
		return 0, 0, 0, false
	}
	lat, lng = *b.SiteLat, *b.SiteLng
	if !isFinite(lat) || !isFinite(lng) {
		return 0, 0, 0, false
	}
	radiusM = DefaultGeofenceRadiusMeters
	if b.GeofenceRadiusMeters != nil && isFinite(*b.GeofenceRadiusMeters) && *b.GeofenceRadiusMeters > 0 {
		radiusM = *b.GeofenceRadiusMeters
	}
	return lat, lng, radiusM, true
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// Short TTL: FoId and site config can change on reassignment, and the billing
// guards read them. The booking service also deletes Booking:<id> on
// reassignment; the TTL bounds staleness when that delete is missed.
func (b *Booking) StoreRedis() error {
	return config.SetRedisObject("Booking:"+b.ID, b, 5*time.Minute)
}

// GetBookingById reads through the redis cache with a DB fallback.
func GetBookingById(tx *gorm.DB, id string) (*Booking, error) {
	var result Booking

	exists, err := config.GetRedisObject("Booking:"+id, &result)
	if err != nil {
		return nil, err
	}

	if !exists {
		err := tx.Where("id = ?", id).First(&result).Error
		if err != nil {
			return nil, utils.ErrorRecordNotFound
		}
		if err := result.StoreRedis(); err != nil {
			return nil, err
		}
	}
	return &result, nil
}
