package workflow

import (
	"math/rand"
	"sync"
	"testing"
	"time"

	"bitbucket.org/fieldserve/billing_backend/models"
	"bitbucket.org/fieldserve/billing_backend/utils"
)

const testGraceSeconds = 900

var t0 = time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

func openSession(id int, startedAt time.Time) *models.BillingSession {
	return &models.BillingSession{
		ID:        id,
		BookingId: "bk-1",
		FoId:      "fo-1",
		StartedAt: startedAt,
	}
}

func withGrace(s *models.BillingSession, firstExitAt time.Time) *models.BillingSession {
	expires := firstExitAt.Add(testGraceSeconds * time.Second)
	s.FirstExitAt = &firstExitAt
	s.GraceExpiresAt = &expires
	s.OutsideSinceAt = &firstExitAt
	return s
}

func TestPlanTransition_NoSessionInsideOpensSession(t *testing.T) {
	plan := planTransition(nil, true, t0, testGraceSeconds)

	if plan.Action != ActionStarted {
		t.Fatalf("expected %q, got %q", ActionStarted, plan.Action)
	}
	if plan.StartAt == nil || !plan.StartAt.Equal(t0) {
		t.Fatalf("expected session to start at the ping's capturedAt, got %v", plan.StartAt)
	}
	if plan.LedgerType != "" {
		t.Fatalf("session creation writes no ledger note, got %q", plan.LedgerType)
	}
}

func TestPlanTransition_NoSessionOutsideIsNoop(t *testing.T) {
	plan := planTransition(nil, false, t0, testGraceSeconds)

	if plan.Action != ActionNoop {
		t.Fatalf("expected noop, got %q", plan.Action)
	}
	if plan.Reason != ReasonOutsideGeofence {
		t.Fatalf("expected reason %q, got %q", ReasonOutsideGeofence, plan.Reason)
	}
}

func TestPlanTransition_InsideStaysInside(t *testing.T) {
	plan := planTransition(openSession(1, t0), true, t0.Add(10*time.Minute), testGraceSeconds)

	if plan.Action != ActionNoop {
		t.Fatalf("expected noop for inside ping on open session, got %q", plan.Action)
	}
}

func TestPlanTransition_ExitStartsGrace(t *testing.T) {
	exitAt := t0.Add(30 * time.Minute)
	plan := planTransition(openSession(1, t0), false, exitAt, testGraceSeconds)

	if plan.Action != ActionGraceStarted {
		t.Fatalf("expected %q, got %q", ActionGraceStarted, plan.Action)
	}
	if !plan.GraceStart {
		t.Fatal("expected grace fields to be set")
	}
	if !plan.FirstExitAt.Equal(exitAt) {
		t.Fatalf("firstExitAt should be the ping time, got %v", plan.FirstExitAt)
	}
	if want := exitAt.Add(15 * time.Minute); !plan.GraceExpiresAt.Equal(want) {
		t.Fatalf("graceExpiresAt should be firstExitAt+15m, got %v want %v", plan.GraceExpiresAt, want)
	}
	if plan.LedgerType != models.LedgerEventGraceStarted {
		t.Fatalf("expected ledger %q, got %q", models.LedgerEventGraceStarted, plan.LedgerType)
	}
}

func TestPlanTransition_ReturnInsideClearsGrace(t *testing.T) {
	exitAt := t0.Add(30 * time.Minute)
	session := withGrace(openSession(1, t0), exitAt)

	plan := planTransition(session, true, exitAt.Add(5*time.Minute), testGraceSeconds)

	if plan.Action != ActionGraceCleared {
		t.Fatalf("expected %q, got %q", ActionGraceCleared, plan.Action)
	}
	if !plan.ClearGrace {
		t.Fatal("expected grace fields to be cleared")
	}
	if plan.CloseAt != nil {
		t.Fatal("recovery must not close the session")
	}
	if plan.LedgerType != models.LedgerEventGraceCleared {
		t.Fatalf("expected ledger %q, got %q", models.LedgerEventGraceCleared, plan.LedgerType)
	}
}

func TestPlanTransition_OutsideWithinGraceIsNoop(t *testing.T) {
	exitAt := t0.Add(30 * time.Minute)
	session := withGrace(openSession(1, t0), exitAt)

	plan := planTransition(session, false, exitAt.Add(10*time.Minute), testGraceSeconds)

	if plan.Action != ActionNoop {
		t.Fatalf("expected noop while grace is running, got %q", plan.Action)
	}
}

func TestPlanTransition_ExpiryClosesAtBoundaryNotPingTime(t *testing.T) {
	exitAt := t0.Add(30 * time.Minute)
	session := withGrace(openSession(1, t0), exitAt)

	// The expiry-observing ping is 5 minutes late.
	plan := planTransition(session, false, exitAt.Add(20*time.Minute), testGraceSeconds)

	if plan.Action != ActionGraceExpiredEnded {
		t.Fatalf("expected %q, got %q", ActionGraceExpiredEnded, plan.Action)
	}
	want := exitAt.Add(15 * time.Minute)
	if plan.CloseAt == nil || !plan.CloseAt.Equal(want) {
		t.Fatalf("session must close at graceExpiresAt %v, got %v", want, plan.CloseAt)
	}
	if plan.LedgerType != models.LedgerEventGraceExpiredEnded {
		t.Fatalf("expected ledger %q, got %q", models.LedgerEventGraceExpiredEnded, plan.LedgerType)
	}
}

func TestPlanTransition_ExpiryExactlyAtBoundary(t *testing.T) {
	exitAt := t0.Add(30 * time.Minute)
	session := withGrace(openSession(1, t0), exitAt)

	plan := planTransition(session, false, exitAt.Add(15*time.Minute), testGraceSeconds)

	if plan.Action != ActionGraceExpiredEnded {
		t.Fatalf("capturedAt == graceExpiresAt must end the session, got %q", plan.Action)
	}
}

func TestPlanTransition_ReplayedOpeningPingReportsStarted(t *testing.T) {
	session := openSession(1, t0)

	plan := planTransition(session, true, t0, testGraceSeconds)

	if plan.Action != ActionStarted {
		t.Fatalf("re-delivered opening ping should report %q, got %q", ActionStarted, plan.Action)
	}
	if plan.StartAt != nil {
		t.Fatal("re-delivered opening ping must not open a second session")
	}
}

func TestPlanTransition_ReplayedExitPingReportsGraceStarted(t *testing.T) {
	exitAt := t0.Add(30 * time.Minute)
	session := withGrace(openSession(1, t0), exitAt)

	plan := planTransition(session, false, exitAt, testGraceSeconds)

	if plan.Action != ActionGraceStarted {
		t.Fatalf("re-delivered exit ping should report %q, got %q", ActionGraceStarted, plan.Action)
	}
	if !plan.FirstExitAt.Equal(exitAt) || !plan.GraceExpiresAt.Equal(exitAt.Add(15*time.Minute)) {
		t.Fatal("re-delivered exit ping must re-issue the same grace window")
	}
}

// memoryStore mirrors the engine's apply loop against in-memory state: the
// per-booking lock, the planTransition decision, and the put-if-absent ledger.
// It exists so the state machine semantics are testable without MySQL.
type memoryStore struct {
	mu       sync.Mutex
	sessions []*models.BillingSession
	ledger   map[string]bool
	nextId   int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{ledger: map[string]bool{}}
}

func (st *memoryStore) open() *models.BillingSession {
	for i := len(st.sessions) - 1; i >= 0; i-- {
		if st.sessions[i].Open() {
			return st.sessions[i]
		}
	}
	return nil
}

func (st *memoryStore) openCount() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	n := 0
	for _, s := range st.sessions {
		if s.Open() {
			n++
		}
	}
	return n
}

func (st *memoryStore) apply(inside bool, capturedAt time.Time) (action string, ledgerInserted bool) {
	st.mu.Lock()
	defer st.mu.Unlock()

	session := st.open()
	plan := planTransition(session, inside, capturedAt, testGraceSeconds)

	switch {
	case plan.StartAt != nil:
		st.nextId++
		session = openSession(st.nextId, *plan.StartAt)
		st.sessions = append(st.sessions, session)
	case plan.GraceStart:
		session.FirstExitAt = &plan.FirstExitAt
		session.GraceExpiresAt = &plan.GraceExpiresAt
		session.OutsideSinceAt = &plan.FirstExitAt
	case plan.ClearGrace:
		session.FirstExitAt = nil
		session.GraceExpiresAt = nil
		session.OutsideSinceAt = nil
	case plan.CloseAt != nil:
		endedAt := *plan.CloseAt
		durationSec := int64(endedAt.Sub(session.StartedAt) / time.Second)
		amount := utils.ComputeBillable(durationSec, 6500, 15)
		session.EndedAt = &endedAt
		session.DurationSec = &durationSec
		session.BillableMin = &amount.BillableMin
		session.BillableCents = &amount.BillableCents
	}

	if plan.LedgerType != "" && session != nil {
		key := ledgerIdempotencyKey(plan.LedgerType, session.ID, plan.LedgerAt)
		if !st.ledger[key] {
			st.ledger[key] = true
			ledgerInserted = true
		}
	}
	return plan.Action, ledgerInserted
}

func TestReconcile_ReplayedExitPing_OneLedgerRow(t *testing.T) {
	st := newMemoryStore()
	st.apply(true, t0)

	exitAt := t0.Add(10 * time.Minute)
	var inserted int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			action, ins := st.apply(false, exitAt)
			if action != ActionGraceStarted {
				t.Errorf("replayed exit ping reported %q", action)
			}
			if ins {
				mu.Lock()
				inserted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if inserted != 1 {
		t.Fatalf("expected exactly 1 ledger insert across replays, got %d", inserted)
	}
	if len(st.ledger) != 1 {
		t.Fatalf("expected 1 ledger row, got %d", len(st.ledger))
	}
}

func TestReconcile_ConcurrentInsidePings_SingleSession(t *testing.T) {
	st := newMemoryStore()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st.apply(true, t0)
		}()
	}
	wg.Wait()

	if got := st.openCount(); got != 1 {
		t.Fatalf("expected exactly one open session, got %d", got)
	}
	if len(st.sessions) != 1 {
		t.Fatalf("expected one session row total, got %d", len(st.sessions))
	}
}

func TestReconcile_RandomPingSequence_NeverTwoOpenSessions(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for run := 0; run < 20; run++ {
		st := newMemoryStore()
		at := t0
		for i := 0; i < 200; i++ {
			at = at.Add(time.Duration(rng.Intn(1200)) * time.Second)
			st.apply(rng.Intn(2) == 0, at)
			if got := st.openCount(); got > 1 {
				t.Fatalf("run=%d step=%d: %d open sessions", run, i, got)
			}
		}
	}
}

func TestReconcile_GraceExpiryLifecycle(t *testing.T) {
	st := newMemoryStore()

	if action, _ := st.apply(true, t0); action != ActionStarted {
		t.Fatalf("expected started, got %q", action)
	}
	exitAt := t0.Add(30 * time.Minute)
	if action, _ := st.apply(false, exitAt); action != ActionGraceStarted {
		t.Fatalf("expected grace_started, got %q", action)
	}
	if action, _ := st.apply(false, exitAt.Add(20*time.Minute)); action != ActionGraceExpiredEnded {
		t.Fatalf("expected grace_expired_ended, got %q", action)
	}

	closed := st.sessions[0]
	if closed.EndedAt == nil || !closed.EndedAt.Equal(exitAt.Add(15*time.Minute)) {
		t.Fatalf("session must end at graceExpiresAt, got %v", closed.EndedAt)
	}
	// 45 minutes of presence -> three 15-minute increments.
	if closed.BillableMin == nil || *closed.BillableMin != 45 {
		t.Fatalf("expected 45 billable minutes, got %v", closed.BillableMin)
	}

	// A later inside ping opens a fresh, disjoint session.
	if action, _ := st.apply(true, exitAt.Add(time.Hour)); action != ActionStarted {
		t.Fatalf("expected a new session after expiry, got %q", action)
	}
	if got := st.openCount(); got != 1 {
		t.Fatalf("expected one open session after restart, got %d", got)
	}
}

func TestLedgerIdempotencyKey_Shapes(t *testing.T) {
	at := time.Unix(1748860200, 0)

	got := ledgerIdempotencyKey(models.LedgerEventGraceStarted, 7, at)
	if got != "billing_grace_started:7:1748860200" {
		t.Fatalf("unexpected grace-start key %q", got)
	}

	// Expiry keys carry only the session id: a session expires at most once.
	got = ledgerIdempotencyKey(models.LedgerEventGraceExpiredEnded, 7, at)
	if got != "billing_grace_expired_ended:7" {
		t.Fatalf("unexpected expiry key %q", got)
	}
}

func TestPlanTransition_InsideAfterExpiryStillCloses(t *testing.T) {
	// Worker reappears inside long after the grace window lapsed. The lapsed
	// window ends the session at its boundary; the absence is never billed
	// automatically, an operator resolves it.
	s := withGrace(openSession(1, t0), t0.Add(30*time.Minute))

	plan := planTransition(s, true, t0.Add(10*time.Hour), testGraceSeconds)
	if plan.Action != ActionGraceExpiredEnded {
		t.Fatalf("expected %q, got %q", ActionGraceExpiredEnded, plan.Action)
	}
	if plan.ClearGrace {
		t.Fatal("a lapsed window must not be cleared back to INSIDE")
	}
	expected := t0.Add(45 * time.Minute)
	if plan.CloseAt == nil || !plan.CloseAt.Equal(expected) {
		t.Fatalf("expected close at %v, got %v", expected, plan.CloseAt)
	}
}

func TestPlanTransition_InsideExactlyAtExpiryCloses(t *testing.T) {
	s := withGrace(openSession(1, t0), t0.Add(30*time.Minute))
	expiresAt := t0.Add(45 * time.Minute)

	plan := planTransition(s, true, expiresAt, testGraceSeconds)
	if plan.Action != ActionGraceExpiredEnded {
		t.Fatalf("expected %q, got %q", ActionGraceExpiredEnded, plan.Action)
	}
	if plan.CloseAt == nil || !plan.CloseAt.Equal(expiresAt) {
		t.Fatalf("expected close at %v, got %v", expiresAt, plan.CloseAt)
	}
}

func TestReconcile_InsideAfterExpiry_ClosesThenNewSession(t *testing.T) {
	st := newMemoryStore()
	st.apply(true, t0)
	st.apply(false, t0.Add(30*time.Minute))

	// The late inside ping closes the lapsed session at the boundary.
	action, inserted := st.apply(true, t0.Add(2*time.Hour))
	if action != ActionGraceExpiredEnded {
		t.Fatalf("expected %q, got %q", ActionGraceExpiredEnded, action)
	}
	if !inserted {
		t.Fatal("expected an expiry ledger row")
	}
	closed := st.sessions[0]
	if closed.Open() {
		t.Fatal("expected the session to be closed")
	}
	if !closed.EndedAt.Equal(t0.Add(45 * time.Minute)) {
		t.Fatalf("expected close at boundary, got %v", closed.EndedAt)
	}
	if *closed.BillableMin != 45 {
		t.Fatalf("expected 45 billable minutes, got %d", *closed.BillableMin)
	}

	// The next inside ping opens a fresh presence interval.
	action, _ = st.apply(true, t0.Add(2*time.Hour).Add(time.Minute))
	if action != ActionStarted {
		t.Fatalf("expected %q, got %q", ActionStarted, action)
	}
	if got := st.openCount(); got != 1 {
		t.Fatalf("expected one open session, got %d", got)
	}
}

func TestReconcile_RedeliveredClearAndExpiryPingsReportNoop(t *testing.T) {
	st := newMemoryStore()
	st.apply(true, t0)
	st.apply(false, t0.Add(10*time.Minute))

	clearAt := t0.Add(12 * time.Minute)
	action, inserted := st.apply(true, clearAt)
	if action != ActionGraceCleared || !inserted {
		t.Fatalf("expected first clear to land, got action=%q inserted=%v", action, inserted)
	}
	// Re-delivery after the grace fields were nulled: the clear timestamps
	// are no longer recoverable from the session row, so the echo is a noop.
	// State and ledger are unchanged either way.
	action, inserted = st.apply(true, clearAt)
	if action != ActionNoop || inserted {
		t.Fatalf("expected redelivered clear to be a noop, got action=%q inserted=%v", action, inserted)
	}

	st.apply(false, t0.Add(20*time.Minute))
	expiryPingAt := t0.Add(40 * time.Minute)
	action, inserted = st.apply(false, expiryPingAt)
	if action != ActionGraceExpiredEnded || !inserted {
		t.Fatalf("expected expiry to land, got action=%q inserted=%v", action, inserted)
	}
	// Re-delivery after close: no open session remains and the ping is
	// outside, so the echo is a noop with no ledger write.
	action, inserted = st.apply(false, expiryPingAt)
	if action != ActionNoop || inserted {
		t.Fatalf("expected redelivered expiry ping to be a noop, got action=%q inserted=%v", action, inserted)
	}
	if got := st.openCount(); got != 0 {
		t.Fatalf("expected no open session, got %d", got)
	}
}
