package utils

import "testing"

func TestComputeBillable_OneSecondBillsWholeIncrement(t *testing.T) {
	got := ComputeBillable(1, 6500, 15)

	if got.DurationMin != 1 {
		t.Fatalf("expected durationMin=1, got %d", got.DurationMin)
	}
	if got.BillableMin != 15 {
		t.Fatalf("expected billableMin=15, got %d", got.BillableMin)
	}
	if got.BillableCents != 1625 {
		t.Fatalf("expected billableCents=1625, got %d", got.BillableCents)
	}
}

func TestComputeBillable_PartialIncrementRoundsUp(t *testing.T) {
	// 901s -> 16 minutes -> two 15-minute increments.
	got := ComputeBillable(901, 6500, 15)

	if got.DurationMin != 16 {
		t.Fatalf("expected durationMin=16, got %d", got.DurationMin)
	}
	if got.BillableMin != 30 {
		t.Fatalf("expected billableMin=30, got %d", got.BillableMin)
	}
	if got.BillableCents != 3250 {
		t.Fatalf("expected billableCents=3250, got %d", got.BillableCents)
	}
}

func TestComputeBillable_ZeroAndNegativeDurations(t *testing.T) {
	for _, sec := range []int64{0, -1, -3600} {
		got := ComputeBillable(sec, 6500, 15)
		if got.DurationMin != 0 || got.BillableMin != 0 || got.BillableCents != 0 {
			t.Fatalf("durationSec=%d: expected all-zero, got %+v", sec, got)
		}
	}
}

func TestComputeBillable_IncrementClampedToOneMinute(t *testing.T) {
	got := ComputeBillable(61, 6000, 0)

	if got.BillableMin != 2 {
		t.Fatalf("expected billableMin=2 with clamped increment, got %d", got.BillableMin)
	}
	if got.BillableCents != 200 {
		t.Fatalf("expected billableCents=200, got %d", got.BillableCents)
	}
}

func TestComputeBillable_HalfCentRoundsUp(t *testing.T) {
	// 1 minute at 30 cents/hour is exactly half a cent.
	got := ComputeBillable(60, 30, 1)
	if got.BillableCents != 1 {
		t.Fatalf("expected half-cent to round up to 1, got %d", got.BillableCents)
	}
}

func TestComputeBillable_MonotonicInDuration(t *testing.T) {
	var prev BillableAmount
	for sec := int64(0); sec <= 2*3600; sec += 7 {
		got := ComputeBillable(sec, 6500, 15)
		if got.BillableMin < prev.BillableMin {
			t.Fatalf("billableMin decreased at durationSec=%d: %d -> %d", sec, prev.BillableMin, got.BillableMin)
		}
		if got.BillableCents < prev.BillableCents {
			t.Fatalf("billableCents decreased at durationSec=%d: %d -> %d", sec, prev.BillableCents, got.BillableCents)
		}
		prev = got
	}
}

func TestComputeBillable_Reproducible(t *testing.T) {
	a := ComputeBillable(4321, 7325, 10)
	b := ComputeBillable(4321, 7325, 10)
	if a != b {
		t.Fatalf("same inputs produced different outputs: %+v vs %+v", a, b)
	}
}
