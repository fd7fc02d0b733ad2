package models

import (
	"errors"
	"time"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

// Ledger event types written by the reconciliation engine and the
// finalization service.
const (
	LedgerEventGraceStarted      = "billing_grace_started"
	LedgerEventGraceCleared      = "billing_grace_cleared"
	LedgerEventGraceExpiredEnded = "billing_grace_expired_ended"
	LedgerEventFinalized         = "billing_finalized"
	LedgerEventRefinalized       = "billing_refinalized"
)

// LedgerEvent is an immutable, append-only audit note for one state
// transition. Unique constraint: (booking_id, idempotency_key). Re-delivery
// of the same logical event produces zero additional rows.
type LedgerEvent struct {
	ID             int       `gorm:"primary_key" json:"id"`
	BookingId      string    `gorm:"size:64;not null;index:uniq_booking_ledger,unique" json:"booking_id"`
	IdempotencyKey string    `gorm:"size:255;not null;index:uniq_booking_ledger,unique" json:"idempotency_key"`
	SessionId      int       `gorm:"index" json:"session_id"`
	EventType      string    `gorm:"size:64;not null;index" json:"event_type"`
	Details        string    `gorm:"type:text" json:"details"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

// AppendLedgerEvent is put-if-absent: inserted is false when a row with the
// same (booking_id, idempotency_key) already exists. Duplicate-key conflicts
// are the conflict-resolution mechanism, not an error, so they never surface.
func AppendLedgerEvent(tx *gorm.DB, event *LedgerEvent) (inserted bool, err error) {
	if err := tx.Create(event).Error; err != nil {
		if isDuplicateKeyErr(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func ListLedgerEvents(tx *gorm.DB, bookingId string) ([]*LedgerEvent, error) {
	var events []*LedgerEvent
	err := tx.Where("booking_id = ?", bookingId).
		Order("id ASC").
		Find(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}
