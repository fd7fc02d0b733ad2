package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"bitbucket.org/fieldserve/billing_backend/config"
	"bitbucket.org/fieldserve/billing_backend/models"
	"bitbucket.org/fieldserve/billing_backend/workflow"
	"github.com/sirupsen/logrus"
)

// finalize-sweep closes out bookings whose open billing sessions have been
// running longer than the cutoff. Useful when the booking lifecycle
// collaborator missed a completion callback and sessions were left dangling.
func main() {
	cutoffHours := flag.Int("cutoff-hours", 24, "Finalize bookings whose open session started more than this many hours ago")
	bookingID := flag.String("booking-id", "", "Optional: sweep a single booking")
	dryRun := flag.Bool("dry-run", false, "List candidates without finalizing")
	flag.Parse()

	if *cutoffHours <= 0 {
		fmt.Fprintln(os.Stderr, "--cutoff-hours must be positive")
		os.Exit(1)
	}

	policy, err := config.LoadPricingPolicy()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid pricing policy: %v\n", err)
		os.Exit(1)
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}
	logger := logrus.New()

	cutoff := time.Now().UTC().Add(-time.Duration(*cutoffHours) * time.Hour)

	query := db.Model(&models.BillingSession{}).
		Distinct("booking_id").
		Where("ended_at IS NULL AND started_at < ?", cutoff)
	if *bookingID != "" {
		query = query.Where("booking_id = ?", *bookingID)
	}

	var bookingIds []string
	if err := query.Pluck("booking_id", &bookingIds).Error; err != nil {
		fmt.Fprintf(os.Stderr, "failed to list candidates: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("found %d booking(s) with open sessions older than %s\n", len(bookingIds), cutoff.Format(time.RFC3339))

	ctx := context.Background()
	var failed int
	for _, id := range bookingIds {
		if *dryRun {
			fmt.Printf("would finalize booking %s\n", id)
			continue
		}
		key := fmt.Sprintf("finalize_sweep:%s:%s", id, cutoff.Format("2006-01-02"))
		result, err := workflow.FinalizeBookingBilling(ctx, db, logger, policy, id, nil, key)
		if err != nil {
			failed++
			fmt.Fprintf(os.Stderr, "failed to finalize booking %s: %v\n", id, err)
			continue
		}
		fmt.Printf("finalized booking %s: sessions=%d total_cents=%d final_cents=%d\n",
			id, len(result.Sessions), result.TotalBillableCents, result.Final.FinalBillableCents)
	}

	if failed > 0 {
		os.Exit(1)
	}
}
