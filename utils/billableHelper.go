package utils

// BillableAmount is the frozen output of ComputeBillable.
type BillableAmount struct {
	DurationMin   int64
	BillableMin   int64
	BillableCents int64
}

// ComputeBillable converts elapsed seconds into billable minutes and cents.
// All arithmetic is integer; the same three inputs always reproduce the same
// output:
//
//  1. durationMin = ceil(durationSec / 60), clamped to >= 0
//  2. incrementMin = max(1, billingIncrementMinutes)
//  3. billableMin rounds durationMin UP to a whole increment
//  4. billableCents = floor((billableMin*hourlyRateCents + 30) / 60),
//     a round-half-up conversion from cents-per-hour to cents-for-N-minutes
func ComputeBillable(durationSec int64, hourlyRateCents int64, billingIncrementMinutes int) BillableAmount {
	if durationSec < 0 {
		durationSec = 0
	}
	durationMin := (durationSec + 59) / 60

	incrementMin := int64(billingIncrementMinutes)
	if incrementMin < 1 {
		incrementMin = 1
	}

	billableMin := (durationMin + incrementMin - 1) / incrementMin * incrementMin
	billableCents := (billableMin*hourlyRateCents + 30) / 60

	return BillableAmount{
		DurationMin:   durationMin,
		BillableMin:   billableMin,
		BillableCents: billableCents,
	}
}
