package models

import (
	"time"

	"gorm.io/gorm"
)

type PaymentChargeStatus string

const (
	PaymentChargeStatusPending   PaymentChargeStatus = "PENDING"
	PaymentChargeStatusSucceeded PaymentChargeStatus = "SUCCEEDED"
	PaymentChargeStatusFailed    PaymentChargeStatus = "FAILED"
)

// PaymentCharge mirrors the external payment gateway's view of a booking's
// charge. The gateway integration writes it; this engine only reads it for
// the refinalize guard. Once SUCCEEDED, the committed financial record must
// not change.
type PaymentCharge struct {
	ID              int                 `gorm:"primary_key" json:"id"`
	BookingId       string              `gorm:"size:64;not null;uniqueIndex" json:"booking_id"`
	GatewayChargeId string              `gorm:"size:255" json:"gateway_charge_id"`
	AmountCents     int64               `gorm:"not null" json:"amount_cents"`
	Status          PaymentChargeStatus `gorm:"size:20;not null;index" json:"status"`
	CreatedAt       time.Time           `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time           `gorm:"autoUpdateTime" json:"updated_at"`
}

// GetPaymentCharge returns the booking's charge record, or nil when the
// gateway has not been asked to charge yet.
func GetPaymentCharge(tx *gorm.DB, bookingId string) (*PaymentCharge, error) {
	var rows []PaymentCharge
	err := tx.Where("booking_id = ?", bookingId).Limit(1).Find(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}
