package workflow

import (
	"context"
	"time"

	"bitbucket.org/fieldserve/billing_backend/config"
	"bitbucket.org/fieldserve/billing_backend/models"
	"bitbucket.org/fieldserve/billing_backend/utils"
	"github.com/sirupsen/logrus"
)

func billingEventFor(ctx context.Context, event *models.LedgerEvent, occurredAt time.Time) config.BillingEventMessage {
	correlationId, _ := utils.GetCorrelationIdFromContext(ctx)
	return config.BillingEventMessage{
		BookingId:      event.BookingId,
		SessionId:      event.SessionId,
		EventType:      event.EventType,
		IdempotencyKey: event.IdempotencyKey,
		OccurredAt:     occurredAt,
		CorrelationId:  correlationId,
	}
}

// publishLedgerEvents fans committed ledger rows out to the billing events
// topic for the anomaly/alerting consumer. Strictly best-effort and strictly
// AFTER commit: the ledger row is the source of truth, and a publish failure
// must never roll back or fail a billing transition.
func publishLedgerEvents(ctx context.Context, logger *logrus.Logger, events []config.BillingEventMessage) {
	for _, ev := range events {
		pubCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		_, err := config.PublishBillingEvent(pubCtx, ev)
		cancel()
		if err != nil {
			logger.WithFields(logrus.Fields{
				"module":          "ledgerPublish.go",
				"booking_id":      ev.BookingId,
				"event_type":      ev.EventType,
				"idempotency_key": ev.IdempotencyKey,
			}).Warn("failed to publish billing event (ledger row is committed): " + err.Error())
		}
	}
}
