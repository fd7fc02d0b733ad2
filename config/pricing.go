package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// PricingPolicy is immutable for the duration of a session. It is loaded once
// at startup and passed by value into every computation so the billable-time
// math never reads ambient process state. Policy changes affect only new
// computations, never stored session totals.
type PricingPolicy struct {
	HourlyRateCents         int64
	BillingIncrementMinutes int
	GraceSeconds            int
	MinimumCents            int64
}

const (
	defaultHourlyRateCents         = 6500
	defaultBillingIncrementMinutes = 15
	// 15 minutes, fixed by product decision.
	defaultGraceSeconds = 900
)

// LoadPricingPolicy builds the policy from env:
// - BILLING_HOURLY_RATE_CENTS (default 6500)
// - BILLING_INCREMENT_MINUTES (default 15)
// - BILLING_GRACE_SECONDS (default 900)
// - BILLING_MINIMUM_CENTS (default 0)
func LoadPricingPolicy() (PricingPolicy, error) {
	p := PricingPolicy{
		HourlyRateCents:         int64FromEnv("BILLING_HOURLY_RATE_CENTS", defaultHourlyRateCents),
		BillingIncrementMinutes: intFromEnv("BILLING_INCREMENT_MINUTES", defaultBillingIncrementMinutes),
		GraceSeconds:            intFromEnv("BILLING_GRACE_SECONDS", defaultGraceSeconds),
		MinimumCents:            int64FromEnv("BILLING_MINIMUM_CENTS", 0),
	}
	if err := p.Validate(); err != nil {
		return PricingPolicy{}, err
	}
	return p, nil
}

func (p PricingPolicy) Validate() error {
	if p.HourlyRateCents <= 0 {
		return fmt.Errorf("hourly rate must be positive, got %d", p.HourlyRateCents)
	}
	if p.BillingIncrementMinutes < 1 {
		return fmt.Errorf("billing increment must be at least 1 minute, got %d", p.BillingIncrementMinutes)
	}
	if p.GraceSeconds < 0 {
		return fmt.Errorf("grace seconds must not be negative, got %d", p.GraceSeconds)
	}
	if p.MinimumCents < 0 {
		return fmt.Errorf("minimum cents must not be negative, got %d", p.MinimumCents)
	}
	return nil
}

func int64FromEnv(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}
