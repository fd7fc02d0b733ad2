package models

import (
	"time"

	"bitbucket.org/fieldserve/billing_backend/config"
	"bitbucket.org/fieldserve/billing_backend/utils"
	"gorm.io/gorm"
)

// BillingSession is one continuous presence interval for one (booking, worker)
// pair. Invariants:
//   - at most one session per booking has ended_at = NULL
//   - the three grace columns are all NULL or all set, never partially
//   - once ended_at is set, no field is ever mutated again
type BillingSession struct {
	ID        int    `gorm:"primary_key" json:"id"`
	BookingId string `gorm:"size:64;not null;index" json:"booking_id"`
	FoId      string `gorm:"size:64;not null" json:"fo_id"`

	StartedAt time.Time  `gorm:"not null" json:"started_at"`
	EndedAt   *time.Time `gorm:"index" json:"ended_at"`

	FirstExitAt    *time.Time `json:"first_exit_at"`
	GraceExpiresAt *time.Time `json:"grace_expires_at"`
	OutsideSinceAt *time.Time `json:"outside_since_at"`

	// Frozen at close, written exactly once.
	DurationSec   *int64 `json:"duration_sec"`
	BillableMin   *int64 `json:"billable_min"`
	BillableCents *int64 `json:"billable_cents"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// GraceState is the all-or-nothing view over the nullable grace columns.
// Deriving it in one place keeps the "all set together" invariant out of
// every caller.
type GraceState struct {
	Active         bool
	FirstExitAt    time.Time
	GraceExpiresAt time.Time
	OutsideSinceAt time.Time
}

func (s *BillingSession) Grace() GraceState {
	if s.FirstExitAt == nil || s.GraceExpiresAt == nil || s.OutsideSinceAt == nil {
		return GraceState{}
	}
	return GraceState{
		Active:         true,
		FirstExitAt:    *s.FirstExitAt,
		GraceExpiresAt: *s.GraceExpiresAt,
		OutsideSinceAt: *s.OutsideSinceAt,
	}
}

func (s *BillingSession) Open() bool {
	return s.EndedAt == nil
}

// GetOpenSession returns the booking's open session, or nil when there is
// none. Orders by started_at DESC defensively in case the one-open-session
// invariant was ever violated.
func GetOpenSession(tx *gorm.DB, bookingId string) (*BillingSession, error) {
	var sessions []BillingSession
	err := tx.Where("booking_id = ? AND ended_at IS NULL", bookingId).
		Order("started_at DESC, id DESC").
		Limit(1).
		Find(&sessions).Error
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, nil
	}
	return &sessions[0], nil
}

// StartSession opens a session at startedAt. Idempotent: if an open session
// already exists it is returned unchanged and created is false. Callers must
// hold the per-booking billing lock.
func StartSession(tx *gorm.DB, bookingId, foId string, startedAt time.Time) (*BillingSession, bool, error) {
	existing, err := GetOpenSession(tx, bookingId)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	session := BillingSession{
		BookingId: bookingId,
		FoId:      foId,
		StartedAt: startedAt,
	}
	if err := tx.Create(&session).Error; err != nil {
		return nil, false, err
	}
	return &session, true, nil
}

// EndSession closes the session at endedAt and freezes the billable totals.
// Idempotent: an already-closed session is returned unchanged. A missing
// session surfaces utils.ErrorRecordNotFound.
func EndSession(tx *gorm.DB, sessionId int, endedAt time.Time, policy config.PricingPolicy) (*BillingSession, error) {
	var session BillingSession
	if err := tx.Where("id = ?", sessionId).First(&session).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	if !session.Open() {
		return &session, nil
	}

	durationSec := int64(endedAt.Sub(session.StartedAt) / time.Second)
	if durationSec < 0 {
		durationSec = 0
	}
	amount := utils.ComputeBillable(durationSec, policy.HourlyRateCents, policy.BillingIncrementMinutes)

	// Conditional close: the WHERE ended_at IS NULL guard makes concurrent
	// closers collapse to one effective write.
	res := tx.Model(&BillingSession{}).
		Where("id = ? AND ended_at IS NULL", sessionId).
		Updates(map[string]interface{}{
			"ended_at":       endedAt,
			"duration_sec":   durationSec,
			"billable_min":   amount.BillableMin,
			"billable_cents": amount.BillableCents,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		// Lost the race to another closer; re-read the frozen row.
		if err := tx.Where("id = ?", sessionId).First(&session).Error; err != nil {
			return nil, err
		}
		return &session, nil
	}

	session.EndedAt = &endedAt
	session.DurationSec = &durationSec
	session.BillableMin = &amount.BillableMin
	session.BillableCents = &amount.BillableCents
	return &session, nil
}

// SetSessionGrace writes all three grace columns together.
func SetSessionGrace(tx *gorm.DB, session *BillingSession, firstExitAt, graceExpiresAt time.Time) error {
	res := tx.Model(&BillingSession{}).
		Where("id = ? AND ended_at IS NULL", session.ID).
		Updates(map[string]interface{}{
			"first_exit_at":    firstExitAt,
			"grace_expires_at": graceExpiresAt,
			"outside_since_at": firstExitAt,
		})
	if res.Error != nil {
		return res.Error
	}
	session.FirstExitAt = &firstExitAt
	session.GraceExpiresAt = &graceExpiresAt
	session.OutsideSinceAt = &firstExitAt
	return nil
}

// ClearSessionGrace nulls all three grace columns together.
func ClearSessionGrace(tx *gorm.DB, session *BillingSession) error {
	res := tx.Model(&BillingSession{}).
		Where("id = ? AND ended_at IS NULL", session.ID).
		Updates(map[string]interface{}{
			"first_exit_at":    nil,
			"grace_expires_at": nil,
			"outside_since_at": nil,
		})
	if res.Error != nil {
		return res.Error
	}
	session.FirstExitAt = nil
	session.GraceExpiresAt = nil
	session.OutsideSinceAt = nil
	return nil
}

// ListSessionsByBooking returns every session for the booking, oldest first.
// A booking can span multiple disjoint presence intervals.
func ListSessionsByBooking(tx *gorm.DB, bookingId string) ([]*BillingSession, error) {
	var sessions []*BillingSession
	err := tx.Where("booking_id = ?", bookingId).
		Order("started_at ASC, id ASC").
		Find(&sessions).Error
	if err != nil {
		return nil, err
	}
	return sessions, nil
}
