package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"bitbucket.org/fieldserve/billing_backend/config"
	"bitbucket.org/fieldserve/billing_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// GatewayStateConflictError rejects an override after money has moved: once
// the gateway reports the charge settled, the committed financial record must
// not change. The only valid path from there is a ledger-visible
// adjustment/refund through the financial workflow, not a silent rewrite.
type GatewayStateConflictError struct {
	BookingId string
	Status    models.PaymentChargeStatus
}

func (e *GatewayStateConflictError) Error() string {
	return fmt.Sprintf("billing for booking %s cannot be overridden: payment status is %s", e.BookingId, e.Status)
}

type SessionSummary struct {
	Id            int        `json:"id"`
	FoId          string     `json:"fo_id"`
	StartedAt     time.Time  `json:"started_at"`
	EndedAt       *time.Time `json:"ended_at"`
	DurationSec   int64      `json:"duration_sec"`
	BillableMin   int64      `json:"billable_min"`
	BillableCents int64      `json:"billable_cents"`
	Grace         GraceView  `json:"grace"`
}

type FinalSnapshot struct {
	FinalBillableMin   int64     `json:"final_billable_min"`
	FinalBillableCents int64     `json:"final_billable_cents"`
	MinimumCents       int64     `json:"minimum_cents"`
	FinalizedAt        time.Time `json:"finalized_at"`
	IdempotencyKey     string    `json:"idempotency_key"`
}

type FinalizationResult struct {
	BookingId          string           `json:"booking_id"`
	Sessions           []SessionSummary `json:"sessions"`
	TotalBillableMin   int64            `json:"total_billable_min"`
	TotalBillableCents int64            `json:"total_billable_cents"`
	Final              FinalSnapshot    `json:"final"`
}

func summarizeSession(s *models.BillingSession) SessionSummary {
	out := SessionSummary{
		Id:        s.ID,
		FoId:      s.FoId,
		StartedAt: s.StartedAt,
		EndedAt:   s.EndedAt,
	}
	if s.DurationSec != nil {
		out.DurationSec = *s.DurationSec
	}
	if s.BillableMin != nil {
		out.BillableMin = *s.BillableMin
	}
	if s.BillableCents != nil {
		out.BillableCents = *s.BillableCents
	}
	if grace := s.Grace(); grace.Active && s.Open() {
		out.Grace = GraceView{
			Active:         true,
			FirstExitAt:    &grace.FirstExitAt,
			GraceExpiresAt: &grace.GraceExpiresAt,
		}
	}
	return out
}

// aggregateSessions sums frozen totals across ALL of a booking's sessions; a
// booking may span multiple disjoint presence intervals.
func aggregateSessions(sessions []*models.BillingSession) (totalMin, totalCents int64) {
	for _, s := range sessions {
		if s.BillableMin != nil {
			totalMin += *s.BillableMin
		}
		if s.BillableCents != nil {
			totalCents += *s.BillableCents
		}
	}
	return totalMin, totalCents
}

func buildSnapshot(bookingId, idempotencyKey string, totalMin, totalCents int64, policy config.PricingPolicy, finalizedAt time.Time) *models.BillingFinalization {
	finalCents := totalCents
	if finalCents < policy.MinimumCents {
		finalCents = policy.MinimumCents
	}
	return &models.BillingFinalization{
		BookingId:          bookingId,
		IdempotencyKey:     idempotencyKey,
		TotalBillableMin:   totalMin,
		TotalBillableCents: totalCents,
		MinimumCents:       policy.MinimumCents,
		FinalBillableCents: finalCents,
		FinalizedAt:        finalizedAt,
	}
}

// FinalizeBookingBilling closes any open session at endedAt (default now),
// writes the finalization audit note (even when there was no open session, so
// the act itself is traceable), and freezes the booking's totals. Re-running
// with the same idempotency key neither double-closes nor double-sums.
func FinalizeBookingBilling(ctx context.Context, db *gorm.DB, logger *logrus.Logger, policy config.PricingPolicy, bookingId string, endedAt *time.Time, idempotencyKey string) (*FinalizationResult, error) {
	return finalize(ctx, db, logger, policy, bookingId, endedAt, idempotencyKey, false)
}

// RefinalizeBookingBilling is the admin override: it recomputes and OVERWRITES
// the stored snapshot under a new idempotency boundary. Refused once the
// payment gateway reports the charge settled.
func RefinalizeBookingBilling(ctx context.Context, db *gorm.DB, logger *logrus.Logger, policy config.PricingPolicy, bookingId string, endedAt *time.Time, idempotencyKey string) (*FinalizationResult, error) {
	return finalize(ctx, db, logger, policy, bookingId, endedAt, idempotencyKey, true)
}

func finalize(ctx context.Context, db *gorm.DB, logger *logrus.Logger, policy config.PricingPolicy, bookingId string, endedAt *time.Time, idempotencyKey string, override bool) (*FinalizationResult, error) {
	if _, err := models.GetBookingById(db.WithContext(ctx), bookingId); err != nil {
		return nil, err
	}

	closeAt := time.Now().UTC()
	if endedAt != nil {
		closeAt = *endedAt
	}

	eventType := models.LedgerEventFinalized
	if override {
		eventType = models.LedgerEventRefinalized
	}
	if idempotencyKey == "" {
		idempotencyKey = fmt.Sprintf("%s:%s:%d", eventType, bookingId, closeAt.Unix())
	}

	var (
		result    *FinalizationResult
		published []config.BillingEventMessage
	)

	// Lock on a pinned connection outside the transaction so it is held
	// across COMMIT; see ReconcilePing.
	err := db.WithContext(ctx).Connection(func(conn *gorm.DB) error {
		if err := AcquireBookingBillingLock(conn, bookingId); err != nil {
			return err
		}
		defer ReleaseBookingBillingLock(conn, bookingId)

		return conn.Transaction(func(tx *gorm.DB) error {
			if override {
				charge, err := models.GetPaymentCharge(tx, bookingId)
				if err != nil {
					return err
				}
				if charge != nil && charge.Status == models.PaymentChargeStatusSucceeded {
					return &GatewayStateConflictError{BookingId: bookingId, Status: charge.Status}
				}
			}

			open, err := models.GetOpenSession(tx, bookingId)
			if err != nil {
				return err
			}
			var closedSessionId int
			if open != nil {
				closed, err := models.EndSession(tx, open.ID, closeAt, policy)
				if err != nil {
					return err
				}
				closedSessionId = closed.ID
			}

			sessions, err := models.ListSessionsByBooking(tx, bookingId)
			if err != nil {
				return err
			}

			totalMin, totalCents := aggregateSessions(sessions)
			snapshot := buildSnapshot(bookingId, idempotencyKey, totalMin, totalCents, policy, closeAt)
			stored, err := models.SaveBillingFinalization(tx, snapshot, override)
			if err != nil {
				return err
			}

			details, _ := json.Marshal(map[string]interface{}{
				"closed_session_id":    closedSessionId,
				"total_billable_min":   totalMin,
				"total_billable_cents": totalCents,
				"final_billable_cents": stored.FinalBillableCents,
				"ended_at":             closeAt,
			})
			event := &models.LedgerEvent{
				BookingId:      bookingId,
				IdempotencyKey: idempotencyKey,
				SessionId:      closedSessionId,
				EventType:      eventType,
				Details:        string(details),
			}
			inserted, err := models.AppendLedgerEvent(tx, event)
			if err != nil {
				return err
			}
			if inserted {
				published = append(published, billingEventFor(ctx, event, closeAt))
			}

			summaries := make([]SessionSummary, 0, len(sessions))
			for _, s := range sessions {
				summaries = append(summaries, summarizeSession(s))
			}
			result = &FinalizationResult{
				BookingId:          bookingId,
				Sessions:           summaries,
				TotalBillableMin:   totalMin,
				TotalBillableCents: totalCents,
				Final: FinalSnapshot{
					FinalBillableMin:   stored.TotalBillableMin,
					FinalBillableCents: stored.FinalBillableCents,
					MinimumCents:       stored.MinimumCents,
					FinalizedAt:        stored.FinalizedAt,
					IdempotencyKey:     stored.IdempotencyKey,
				},
			}
			return nil
		})
	})
	if err != nil {
		config.LogError(logger, "finalization.go", "finalize", "Transaction", bookingId, err)
		return nil, err
	}

	publishLedgerEvents(ctx, logger, published)
	return result, nil
}

// ReadBookingBilling is the read-only view: sessions, running totals, and the
// stored snapshot when the booking has been finalized.
func ReadBookingBilling(ctx context.Context, db *gorm.DB, bookingId string) (*FinalizationResult, error) {
	if _, err := models.GetBookingById(db.WithContext(ctx), bookingId); err != nil {
		return nil, err
	}

	tx := db.WithContext(ctx)
	sessions, err := models.ListSessionsByBooking(tx, bookingId)
	if err != nil {
		return nil, err
	}
	totalMin, totalCents := aggregateSessions(sessions)

	summaries := make([]SessionSummary, 0, len(sessions))
	for _, s := range sessions {
		summaries = append(summaries, summarizeSession(s))
	}
	result := &FinalizationResult{
		BookingId:          bookingId,
		Sessions:           summaries,
		TotalBillableMin:   totalMin,
		TotalBillableCents: totalCents,
	}

	snapshot, err := models.GetBillingFinalization(tx, bookingId)
	if err != nil {
		return nil, err
	}
	if snapshot != nil {
		result.Final = FinalSnapshot{
			FinalBillableMin:   snapshot.TotalBillableMin,
			FinalBillableCents: snapshot.FinalBillableCents,
			MinimumCents:       snapshot.MinimumCents,
			FinalizedAt:        snapshot.FinalizedAt,
			IdempotencyKey:     snapshot.IdempotencyKey,
		}
	}
	return result, nil
}
