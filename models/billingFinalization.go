package models

import (
	"time"

	"gorm.io/gorm"
)

// BillingFinalization is the per-booking frozen snapshot used to size the
// payment-gateway charge. One row per booking; overwritable only through the
// audited refinalize path, and only before the charge has settled.
type BillingFinalization struct {
	ID             int    `gorm:"primary_key" json:"id"`
	BookingId      string `gorm:"size:64;not null;uniqueIndex" json:"booking_id"`
	IdempotencyKey string `gorm:"size:255;not null" json:"idempotency_key"`

	TotalBillableMin   int64 `gorm:"not null" json:"total_billable_min"`
	TotalBillableCents int64 `gorm:"not null" json:"total_billable_cents"`
	MinimumCents       int64 `gorm:"not null" json:"minimum_cents"`
	FinalBillableCents int64 `gorm:"not null" json:"final_billable_cents"`

	FinalizedAt time.Time `gorm:"not null" json:"finalized_at"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// GetBillingFinalization returns the booking's snapshot, or nil when the
// booking has never been finalized.
func GetBillingFinalization(tx *gorm.DB, bookingId string) (*BillingFinalization, error) {
	var rows []BillingFinalization
	err := tx.Where("booking_id = ?", bookingId).Limit(1).Find(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// SaveBillingFinalization inserts the snapshot or, when overwrite is set,
// replaces an existing one in place. Plain finalize never overwrites; only
// the refinalize override path passes overwrite=true.
func SaveBillingFinalization(tx *gorm.DB, snapshot *BillingFinalization, overwrite bool) (*BillingFinalization, error) {
	existing, err := GetBillingFinalization(tx, snapshot.BookingId)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		if err := tx.Create(snapshot).Error; err != nil {
			return nil, err
		}
		return snapshot, nil
	}
	if !overwrite {
		return existing, nil
	}

	res := tx.Model(&BillingFinalization{}).
		Where("id = ?", existing.ID).
		Updates(map[string]interface{}{
			"idempotency_key":      snapshot.IdempotencyKey,
			"total_billable_min":   snapshot.TotalBillableMin,
			"total_billable_cents": snapshot.TotalBillableCents,
			"minimum_cents":        snapshot.MinimumCents,
			"final_billable_cents": snapshot.FinalBillableCents,
			"finalized_at":         snapshot.FinalizedAt,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	snapshot.ID = existing.ID
	snapshot.CreatedAt = existing.CreatedAt
	return snapshot, nil
}
