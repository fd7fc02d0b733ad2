package models

import (
	"time"

	"gorm.io/gorm"
)

// LocationPing is an immutable evidence record of one reported position.
// Rows are written by the ingestion endpoint before reconciliation and are
// never updated afterwards.
type LocationPing struct {
	ID         int       `gorm:"primary_key" json:"id"`
	BookingId  string    `gorm:"size:64;not null;index" json:"booking_id"`
	FoId       string    `gorm:"size:64;not null;index" json:"fo_id"`
	Lat        float64   `gorm:"not null" json:"lat"`
	Lng        float64   `gorm:"not null" json:"lng"`
	AccuracyM  *float64  `json:"accuracy_m"`
	CapturedAt time.Time `gorm:"not null;index" json:"captured_at"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func CreateLocationPing(tx *gorm.DB, ping *LocationPing) error {
	return tx.Create(ping).Error
}
