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

// Actions reported by the reconciliation engine.
const (
	ActionNoop              = "noop"
	ActionStarted           = "started"
	ActionGraceStarted      = "grace_started"
	ActionGraceCleared      = "grace_cleared"
	ActionGraceExpiredEnded = "grace_expired_ended"
)

// No-op reasons, returned so operators can tell "too far outside" apart from
// "no site configured".
const (
	ReasonOutsideGeofence   = "outside_geofence"
	ReasonWorkerMismatch    = "worker_mismatch"
	ReasonSiteNotConfigured = "site_not_configured"
)

// ActionRequiredAdminTimeAdjustment signals that automatic billing stopped at
// grace expiry and a human must resolve any legitimate continued-presence
// case. The automaton never guesses intent.
const ActionRequiredAdminTimeAdjustment = "FO_REQUEST_ADMIN_TIME_ADJUSTMENT"

type PingInput struct {
	BookingId  string
	FoId       string
	Lat        float64
	Lng        float64
	AccuracyM  *float64
	CapturedAt time.Time
}

type GraceView struct {
	Active         bool       `json:"active"`
	FirstExitAt    *time.Time `json:"first_exit_at"`
	GraceExpiresAt *time.Time `json:"grace_expires_at"`
}

type ActionRequired struct {
	Type      string    `json:"type"`
	BookingId string    `json:"booking_id"`
	SessionId int       `json:"session_id"`
	EndedAt   time.Time `json:"ended_at"`
}

type ReconcileResult struct {
	BookingId      string          `json:"booking_id"`
	SessionId      int             `json:"session_id,omitempty"`
	Inside         bool            `json:"inside"`
	Action         string          `json:"action"`
	Reason         string          `json:"reason,omitempty"`
	DistanceM      float64         `json:"distance_m"`
	ThresholdM     float64         `json:"threshold_m"`
	Grace          GraceView       `json:"grace"`
	ActionRequired *ActionRequired `json:"action_required"`
}

// transitionPlan is the pure decision for one ping against one session state.
// Applying it (session writes + ledger note) is the engine's job; deciding it
// has no side effects, which is what the state-machine tests exercise.
type transitionPlan struct {
	Action string
	Reason string

	StartAt        *time.Time // open a session at this instant
	GraceStart     bool       // set all grace fields together
	FirstExitAt    time.Time
	GraceExpiresAt time.Time
	ClearGrace     bool       // null all grace fields together
	CloseAt        *time.Time // close the session at this instant

	LedgerType string
	LedgerAt   time.Time // timestamp embedded in the idempotency key
}

// planTransition evaluates the state machine for one ping. session is nil
// when the booking has no open session. States are derived from the session
// row: NONE (nil), INSIDE (grace fields null), GRACE_ACTIVE (grace fields
// set and capturedAt < graceExpiresAt); any ping at/after expiry ends the
// session whether it landed inside or outside.
func planTransition(session *models.BillingSession, inside bool, capturedAt time.Time, graceSeconds int) transitionPlan {
	if session == nil {
		if inside {
			at := capturedAt
			return transitionPlan{Action: ActionStarted, StartAt: &at}
		}
		return transitionPlan{Action: ActionNoop, Reason: ReasonOutsideGeofence}
	}

	grace := session.Grace()

	if !grace.Active {
		if inside {
			// Re-delivery of the session-opening ping reports the same action.
			if session.StartedAt.Equal(capturedAt) {
				return transitionPlan{Action: ActionStarted}
			}
			return transitionPlan{Action: ActionNoop}
		}
		expiresAt := capturedAt.Add(time.Duration(graceSeconds) * time.Second)
		return transitionPlan{
			Action:         ActionGraceStarted,
			GraceStart:     true,
			FirstExitAt:    capturedAt,
			GraceExpiresAt: expiresAt,
			LedgerType:     models.LedgerEventGraceStarted,
			LedgerAt:       capturedAt,
		}
	}

	// Expiry is checked before the inside/outside result: once the window has
	// lapsed, automatic billing stops whether or not the ping landed inside.
	// A worker seen inside again after expiry is a new presence interval; the
	// elapsed absence is resolved by an operator, never billed automatically.
	// The session closes at the computed expiry boundary, NOT the ping's
	// observation time. Ping delivery is neither timely nor dense; anchoring
	// to the boundary keeps billed duration a function of policy and actual
	// exit time, not reporting jitter.
	if !capturedAt.Before(grace.GraceExpiresAt) {
		closeAt := grace.GraceExpiresAt
		return transitionPlan{
			Action:     ActionGraceExpiredEnded,
			CloseAt:    &closeAt,
			LedgerType: models.LedgerEventGraceExpiredEnded,
			LedgerAt:   closeAt,
		}
	}

	if inside {
		return transitionPlan{
			Action:     ActionGraceCleared,
			ClearGrace: true,
			LedgerType: models.LedgerEventGraceCleared,
			LedgerAt:   grace.FirstExitAt,
		}
	}

	// Re-delivery of the grace-opening ping re-issues the same plan; the
	// grace fields are rewritten with identical values and the ledger
	// append is suppressed by the unique key.
	if capturedAt.Equal(grace.FirstExitAt) {
		return transitionPlan{
			Action:         ActionGraceStarted,
			GraceStart:     true,
			FirstExitAt:    grace.FirstExitAt,
			GraceExpiresAt: grace.GraceExpiresAt,
			LedgerType:     models.LedgerEventGraceStarted,
			LedgerAt:       grace.FirstExitAt,
		}
	}
	return transitionPlan{Action: ActionNoop, Reason: ReasonOutsideGeofence}
}

// ledgerIdempotencyKey derives the deterministic key for a transition.
// Grace start/clear keys embed the exit timestamp so each distinct excursion
// is auditable; expiry keys embed only the session id since a session can
// expire at most once.
func ledgerIdempotencyKey(eventType string, sessionId int, at time.Time) string {
	if eventType == models.LedgerEventGraceExpiredEnded {
		return fmt.Sprintf("%s:%d", eventType, sessionId)
	}
	return fmt.Sprintf("%s:%d:%d", eventType, sessionId, at.Unix())
}

// ReconcilePing consumes one ping and applies at most one transition. The
// session mutation and its ledger note commit in one transaction under the
// per-booking advisory lock; either both land or neither does.
func ReconcilePing(ctx context.Context, db *gorm.DB, logger *logrus.Logger, policy config.PricingPolicy, ping PingInput) (*ReconcileResult, error) {
	booking, err := models.GetBookingById(db.WithContext(ctx), ping.BookingId)
	if err != nil {
		config.LogError(logger, "reconciliation.go", "ReconcilePing", "GetBookingById", ping.BookingId, err)
		return nil, err
	}

	result := &ReconcileResult{BookingId: ping.BookingId, Action: ActionNoop}

	// Stale-worker guard: a reassigned booking can still receive the old
	// worker's pings for a while. Those must never mutate billing state.
	if booking.FoId != ping.FoId {
		result.Reason = ReasonWorkerMismatch
		return result, nil
	}

	siteLat, siteLng, radiusM, ok := booking.SiteConfig()
	if !ok {
		// Expected transient state before the booking's site is set; a no-op
		// result rather than an error, but visible to operators.
		logger.WithFields(logrus.Fields{
			"module":     "reconciliation.go",
			"booking_id": ping.BookingId,
		}).Warn("ping for booking without site configuration; skipping reconciliation")
		result.Reason = ReasonSiteNotConfigured
		return result, nil
	}

	geo := EvaluateGeofence(ping.Lat, ping.Lng, siteLat, siteLng, radiusM, ping.AccuracyM)
	result.Inside = geo.Inside
	result.DistanceM = geo.DistanceM
	result.ThresholdM = geo.ThresholdM

	var published []config.BillingEventMessage

	// The advisory lock is taken on a pinned connection OUTSIDE the
	// transaction so it is held across COMMIT. Releasing inside the tx
	// closure would drop the lock before commit, opening a window where a
	// concurrent ping reads the pre-commit state.
	err = db.WithContext(ctx).Connection(func(conn *gorm.DB) error {
		if err := AcquireBookingBillingLock(conn, ping.BookingId); err != nil {
			return err
		}
		defer ReleaseBookingBillingLock(conn, ping.BookingId)

		return conn.Transaction(func(tx *gorm.DB) error {
			session, err := models.GetOpenSession(tx, ping.BookingId)
			if err != nil {
				return err
			}

			plan := planTransition(session, geo.Inside, ping.CapturedAt, policy.GraceSeconds)
			result.Action = plan.Action
			result.Reason = plan.Reason

			switch {
			case plan.StartAt != nil:
				created, _, err := models.StartSession(tx, ping.BookingId, ping.FoId, *plan.StartAt)
				if err != nil {
					return err
				}
				session = created

			case plan.GraceStart:
				if err := models.SetSessionGrace(tx, session, plan.FirstExitAt, plan.GraceExpiresAt); err != nil {
					return err
				}

			case plan.ClearGrace:
				if err := models.ClearSessionGrace(tx, session); err != nil {
					return err
				}

			case plan.CloseAt != nil:
				closed, err := models.EndSession(tx, session.ID, *plan.CloseAt, policy)
				if err != nil {
					return err
				}
				session = closed
				result.ActionRequired = &ActionRequired{
					Type:      ActionRequiredAdminTimeAdjustment,
					BookingId: ping.BookingId,
					SessionId: session.ID,
					EndedAt:   *plan.CloseAt,
				}
			}

			if session != nil {
				result.SessionId = session.ID
				grace := session.Grace()
				if grace.Active && session.Open() {
					result.Grace = GraceView{
						Active:         true,
						FirstExitAt:    &grace.FirstExitAt,
						GraceExpiresAt: &grace.GraceExpiresAt,
					}
				}
			}

			if plan.LedgerType == "" {
				return nil
			}

			details, _ := json.Marshal(map[string]interface{}{
				"distance_m":  geo.DistanceM,
				"threshold_m": geo.ThresholdM,
				"captured_at": ping.CapturedAt,
			})
			event := &models.LedgerEvent{
				BookingId:      ping.BookingId,
				IdempotencyKey: ledgerIdempotencyKey(plan.LedgerType, session.ID, plan.LedgerAt),
				SessionId:      session.ID,
				EventType:      plan.LedgerType,
				Details:        string(details),
			}
			inserted, err := models.AppendLedgerEvent(tx, event)
			if err != nil {
				return err
			}
			if inserted {
				published = append(published, billingEventFor(ctx, event, ping.CapturedAt))
			}
			return nil
		})
	})
	if err != nil {
		config.LogError(logger, "reconciliation.go", "ReconcilePing", "Transaction", ping, err)
		return nil, err
	}

	publishLedgerEvents(ctx, logger, published)
	return result, nil
}
