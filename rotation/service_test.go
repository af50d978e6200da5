package rotation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/pgil256/juntas-seguras-sub003/ledger"
	"github.com/pgil256/juntas-seguras-sub003/pool"
	"github.com/pgil256/juntas-seguras-sub003/settlement"
	"github.com/pgil256/juntas-seguras-sub003/storage"
)

type fixture struct {
	svc         *Service
	pools       pool.Repository
	settlements settlement.Repository
	admin       uuid.UUID
	now         time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := storage.OpenTest()
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	f := &fixture{
		pools:       pool.NewRepository(db),
		settlements: settlement.NewRepository(db),
		admin:       uuid.New(),
		now:         time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC),
	}
	f.svc = NewService(
		f.pools,
		ledger.NewRepository(db),
		f.settlements,
		nil,
		WithClock(func() time.Time { return f.now }),
	)
	return f
}

func (f *fixture) createPool(t *testing.T, names ...string) (*pool.Pool, pool.Roster) {
	t.Helper()
	p, roster, err := f.svc.CreatePool(context.Background(), "Cousins' Tanda", 5000, pool.FrequencyWeekly, f.now, f.admin, names)
	if err != nil {
		t.Fatalf("CreatePool failed: %v", err)
	}
	return p, roster
}

// collectRound confirms and verifies every given member's payment for the
// open round.
func (f *fixture) collectRound(t *testing.T, poolID uuid.UUID, roster pool.Roster) {
	t.Helper()
	ctx := context.Background()
	for _, m := range roster {
		if err := f.svc.ConfirmPayment(ctx, poolID, m.ID, "cash"); err != nil {
			t.Fatalf("ConfirmPayment(%s) failed: %v", m.DisplayName, err)
		}
		if err := f.svc.VerifyPayment(ctx, poolID, m.ID, f.admin, ""); err != nil {
			t.Fatalf("VerifyPayment(%s) failed: %v", m.DisplayName, err)
		}
	}
}

func TestPoolLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, roster, err := f.svc.CreatePool(ctx, "Cousins' Tanda", 5000, pool.FrequencyWeekly, f.now, f.admin, []string{"Maria", "Jose", "Ana", "Luis"})
	if err != nil {
		t.Fatalf("CreatePool failed: %v", err)
	}
	if p.Status != pool.StatusActive {
		t.Fatalf("pool status = %s, want active", p.Status)
	}
	if p.TotalRounds != 4 || p.CurrentRound != 1 {
		t.Fatalf("rounds = %d/%d, want 1 of 4", p.CurrentRound, p.TotalRounds)
	}

	for round := 1; round <= 4; round++ {
		status, err := f.svc.GetRoundStatus(ctx, p.ID)
		if err != nil {
			t.Fatalf("round %d: GetRoundStatus failed: %v", round, err)
		}
		if status.Round.Round != round {
			t.Fatalf("open round = %d, want %d", status.Round.Round, round)
		}
		if len(status.Payments) != 4 || status.FullyCollected {
			t.Fatalf("round %d opened with %d payments, collected=%v", round, len(status.Payments), status.FullyCollected)
		}

		f.collectRound(t, p.ID, roster)

		d, err := f.svc.EvaluateInTurnPayout(ctx, p.ID)
		if err != nil {
			t.Fatalf("round %d: evaluate failed: %v", round, err)
		}
		if !d.Allowed {
			t.Fatalf("round %d: payout blocked: %s", round, d.Reason)
		}
		if d.RecipientMemberID != roster[round-1].ID {
			t.Errorf("round %d recipient = %s, want %s", round, d.RecipientMemberID, roster[round-1].ID)
		}
		if d.Amount != 3*5000 {
			t.Errorf("round %d amount = %d, want 15000", round, d.Amount)
		}

		rec, err := f.svc.ReleasePayout(ctx, p.ID, d, "", f.admin)
		if err != nil {
			t.Fatalf("round %d: release failed: %v", round, err)
		}
		if rec.WasEarlyPayout {
			t.Errorf("round %d payout flagged early", round)
		}

		if err := f.svc.AdvanceRound(ctx, p.ID); err != nil {
			t.Fatalf("round %d: advance failed: %v", round, err)
		}
	}

	p2, finalRoster, err := f.svc.GetPool(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetPool failed: %v", err)
	}
	if p2.Status != pool.StatusCompleted {
		t.Errorf("final status = %s, want completed", p2.Status)
	}
	if p2.CurrentRound != p2.TotalRounds+1 {
		t.Errorf("final round = %d, want sentinel %d", p2.CurrentRound, p2.TotalRounds+1)
	}

	for _, m := range finalRoster {
		if !m.PayoutReceived || m.PayoutDate == nil {
			t.Errorf("%s never received a payout", m.DisplayName)
		}
		if m.TotalContributed != 4*5000 {
			t.Errorf("%s contributed %d, want 20000", m.DisplayName, m.TotalContributed)
		}
		if m.PaymentsOnTime != 4 {
			t.Errorf("%s on-time count = %d, want 4", m.DisplayName, m.PaymentsOnTime)
		}
	}

	var rounds []int
	for rec, err := range f.settlements.History(ctx, p.ID) {
		if err != nil {
			t.Fatalf("history failed: %v", err)
		}
		rounds = append(rounds, rec.Round)
	}
	if len(rounds) != 4 {
		t.Fatalf("history = %v, want 4 records", rounds)
	}
	for i, r := range rounds {
		if r != i+1 {
			t.Fatalf("history order = %v, want ascending rounds", rounds)
		}
	}

	// Completion is terminal.
	if err := f.svc.AdvanceRound(ctx, p.ID); !errors.Is(err, pool.ErrInvalidState) {
		t.Errorf("advance after completion: err = %v, want ErrInvalidState", err)
	}
	if err := f.svc.ConfirmPayment(ctx, p.ID, roster[0].ID, "cash"); !errors.Is(err, pool.ErrInvalidState) {
		t.Errorf("confirm after completion: err = %v, want ErrInvalidState", err)
	}
}

func TestAdvancePreconditions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p, roster := f.createPool(t, "Maria", "Jose", "Ana")

	if err := f.svc.AdvanceRound(ctx, p.ID); !errors.Is(err, ErrRoundNotCollected) {
		t.Fatalf("advance on open round: err = %v, want ErrRoundNotCollected", err)
	}

	f.collectRound(t, p.ID, roster)
	if err := f.svc.AdvanceRound(ctx, p.ID); !errors.Is(err, ErrPayoutNotReleased) {
		t.Fatalf("advance before release: err = %v, want ErrPayoutNotReleased", err)
	}

	d, err := f.svc.EvaluateInTurnPayout(ctx, p.ID)
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if _, err := f.svc.ReleasePayout(ctx, p.ID, d, "", f.admin); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if err := f.svc.AdvanceRound(ctx, p.ID); err != nil {
		t.Fatalf("advance failed: %v", err)
	}

	status, err := f.svc.GetRoundStatus(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetRoundStatus failed: %v", err)
	}
	if status.Round.Round != 2 {
		t.Errorf("open round = %d, want 2", status.Round.Round)
	}
}

func TestAdvanceRejectedWhilePaused(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p, roster := f.createPool(t, "Maria", "Jose", "Ana")
	f.collectRound(t, p.ID, roster)

	d, err := f.svc.EvaluateInTurnPayout(ctx, p.ID)
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if _, err := f.svc.ReleasePayout(ctx, p.ID, d, "", f.admin); err != nil {
		t.Fatalf("release failed: %v", err)
	}

	if err := f.svc.Pause(ctx, p.ID); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	if err := f.svc.AdvanceRound(ctx, p.ID); !errors.Is(err, pool.ErrInvalidState) {
		t.Fatalf("advance while paused: err = %v, want ErrInvalidState", err)
	}

	// The rejected advance must leave round 1 open and untouched.
	status, err := f.svc.GetRoundStatus(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetRoundStatus failed: %v", err)
	}
	if status.Round.Round != 1 || !status.Round.IsOpen() {
		t.Fatalf("round after rejected advance = %+v, want round 1 open", status.Round)
	}

	// After resuming, the same advance goes through.
	if err := f.svc.Resume(ctx, p.ID); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if err := f.svc.AdvanceRound(ctx, p.ID); err != nil {
		t.Fatalf("advance after resume failed: %v", err)
	}
	status, err = f.svc.GetRoundStatus(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetRoundStatus failed: %v", err)
	}
	if status.Round.Round != 2 {
		t.Errorf("open round = %d, want 2", status.Round.Round)
	}
}

func TestVerifyIsNotRepeatable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p, roster := f.createPool(t, "Maria", "Jose")

	if err := f.svc.VerifyPayment(ctx, p.ID, roster[0].ID, f.admin, ""); err != nil {
		t.Fatalf("first verify failed: %v", err)
	}
	if err := f.svc.VerifyPayment(ctx, p.ID, roster[0].ID, f.admin, ""); !errors.Is(err, ledger.ErrInvalidTransition) {
		t.Fatalf("second verify: err = %v, want ErrInvalidTransition", err)
	}

	// The aggregate moved exactly once.
	m, err := f.pools.GetMember(ctx, roster[0].ID)
	if err != nil {
		t.Fatalf("GetMember failed: %v", err)
	}
	if m.TotalContributed != 5000 {
		t.Errorf("total contributed = %d, want 5000", m.TotalContributed)
	}
}

func TestReleaseExactlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p, roster := f.createPool(t, "Maria", "Jose", "Ana")
	f.collectRound(t, p.ID, roster)

	d, err := f.svc.EvaluateInTurnPayout(ctx, p.ID)
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}

	// Two racing admins holding the same decision.
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.ReleasePayout(ctx, p.ID, d, "", f.admin)
		}(i)
	}
	wg.Wait()

	var ok, dup int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, settlement.ErrDuplicatePayout):
			dup++
		default:
			t.Fatalf("unexpected release error: %v", err)
		}
	}
	if ok != 1 || dup != 1 {
		t.Fatalf("releases succeeded=%d duplicate=%d, want exactly one of each", ok, dup)
	}
}

func TestStaleDecisionRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p, roster := f.createPool(t, "Maria", "Jose", "Ana")
	f.collectRound(t, p.ID, roster)

	d, err := f.svc.EvaluateInTurnPayout(ctx, p.ID)
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if _, err := f.svc.ReleasePayout(ctx, p.ID, d, "", f.admin); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if err := f.svc.AdvanceRound(ctx, p.ID); err != nil {
		t.Fatalf("advance failed: %v", err)
	}

	if _, err := f.svc.ReleasePayout(ctx, p.ID, d, "", f.admin); !errors.Is(err, ErrStaleDecision) {
		t.Fatalf("release of round-1 decision in round 2: err = %v, want ErrStaleDecision", err)
	}
}

func TestEarlyPayout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p, roster := f.createPool(t, "Maria", "Jose", "Ana", "Luis")

	// Ana (position 3) asks for her payout ahead of schedule.
	ana := roster[2]

	// The collection bar applies to early payouts too: with the round
	// still open, the decision is negative and names every blocker.
	d, err := f.svc.EvaluateEarlyPayout(ctx, p.ID, ana.ID)
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if d.Allowed {
		t.Fatal("early payout allowed on an uncollected round")
	}
	if len(d.MissingContributions) != 4 {
		t.Fatalf("missing = %v, want all 4 outstanding contributions", d.MissingContributions)
	}

	f.collectRound(t, p.ID, roster)

	d, err = f.svc.EvaluateEarlyPayout(ctx, p.ID, ana.ID)
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if d.Allowed {
		t.Fatal("early payout allowed without a destination")
	}

	if err := f.pools.SetPayoutDestination(ctx, ana.ID, "venmo:@ana"); err != nil {
		t.Fatalf("SetPayoutDestination failed: %v", err)
	}

	d, err = f.svc.EvaluateEarlyPayout(ctx, p.ID, ana.ID)
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if !d.Allowed || !d.Early {
		t.Fatalf("decision = %+v, want allowed early payout", d)
	}
	if d.Amount != 3*5000 {
		t.Errorf("amount = %d, want 15000", d.Amount)
	}

	rec, err := f.svc.ReleasePayout(ctx, p.ID, d, "medical emergency", f.admin)
	if err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if !rec.WasEarlyPayout || rec.EarlyPayoutReason != "medical emergency" {
		t.Errorf("record = %+v, want early payout with reason", rec)
	}

	m, err := f.pools.GetMember(ctx, ana.ID)
	if err != nil {
		t.Fatalf("GetMember failed: %v", err)
	}
	if !m.PayoutReceived {
		t.Error("recipient not marked paid out")
	}
}

func TestLatePayments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p, roster := f.createPool(t, "Maria", "Jose")

	// Round timer fires a week after the due date.
	f.now = f.now.AddDate(0, 0, 8)

	flipped, err := f.svc.MarkLatePayments(ctx, p.ID)
	if err != nil {
		t.Fatalf("MarkLatePayments failed: %v", err)
	}
	if flipped != 2 {
		t.Fatalf("flipped = %d, want 2", flipped)
	}

	// Late payments can still be confirmed and verified, but not on time.
	if err := f.svc.ConfirmPayment(ctx, p.ID, roster[0].ID, "transfer"); err != nil {
		t.Fatalf("confirm after late failed: %v", err)
	}
	if err := f.svc.VerifyPayment(ctx, p.ID, roster[0].ID, f.admin, ""); err != nil {
		t.Fatalf("verify after late failed: %v", err)
	}

	m, err := f.pools.GetMember(ctx, roster[0].ID)
	if err != nil {
		t.Fatalf("GetMember failed: %v", err)
	}
	if m.PaymentsOnTime != 0 {
		t.Errorf("on-time count = %d, want 0", m.PaymentsOnTime)
	}
	if m.TotalContributed != 5000 {
		t.Errorf("total contributed = %d, want 5000", m.TotalContributed)
	}
}

func TestMissedPaymentIsTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p, roster := f.createPool(t, "Maria", "Jose", "Ana")

	if err := f.svc.MarkMissed(ctx, p.ID, roster[1].ID); err != nil {
		t.Fatalf("MarkMissed failed: %v", err)
	}
	if err := f.svc.MarkExcused(ctx, p.ID, roster[1].ID, "travel"); !errors.Is(err, ledger.ErrInvalidTransition) {
		t.Fatalf("excuse after missed: err = %v, want ErrInvalidTransition", err)
	}

	m, err := f.pools.GetMember(ctx, roster[1].ID)
	if err != nil {
		t.Fatalf("GetMember failed: %v", err)
	}
	if m.PaymentsMissed != 1 {
		t.Errorf("missed count = %d, want 1", m.PaymentsMissed)
	}

	// A missed contribution keeps blocking the payout.
	f.collectRound(t, p.ID, pool.Roster{roster[0], roster[2]})
	d, err := f.svc.EvaluateInTurnPayout(ctx, p.ID)
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if d.Allowed {
		t.Fatal("payout allowed with a missed contribution outstanding")
	}
	if len(d.MissingContributions) != 1 || d.MissingContributions[0] != roster[1].ID {
		t.Errorf("missing = %v, want [%s]", d.MissingContributions, roster[1].ID)
	}
}

func TestAddAndRemoveMember(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p, roster := f.createPool(t, "Maria", "Jose", "Ana", "Luis")

	if _, err := f.svc.AddMember(ctx, p.ID, "", uuid.Nil); !errors.Is(err, pool.ErrEmptyName) {
		t.Fatalf("blank name: err = %v, want ErrEmptyName", err)
	}

	elena, err := f.svc.AddMember(ctx, p.ID, "Elena", uuid.Nil)
	if err != nil {
		t.Fatalf("AddMember failed: %v", err)
	}
	if elena.Position != 5 {
		t.Errorf("position = %d, want 5", elena.Position)
	}

	// Joining mid-round back-fills an immediately due payment.
	status, err := f.svc.GetRoundStatus(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetRoundStatus failed: %v", err)
	}
	if len(status.Payments) != 5 {
		t.Fatalf("payments = %d, want 5 after backfill", len(status.Payments))
	}

	if err := f.svc.RemoveMember(ctx, p.ID, elena.ID); err != nil {
		t.Fatalf("RemoveMember failed: %v", err)
	}
	m, err := f.pools.GetMember(ctx, elena.ID)
	if err != nil {
		t.Fatalf("GetMember failed: %v", err)
	}
	if m.Status != pool.MemberInactive {
		t.Errorf("status = %s, want inactive", m.Status)
	}

	// Her excused payment no longer blocks the round.
	f.collectRound(t, p.ID, roster)
	status, err = f.svc.GetRoundStatus(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetRoundStatus failed: %v", err)
	}
	if !status.FullyCollected {
		t.Errorf("round still blocked by removed member: missing %v", status.Missing)
	}
}

func TestPauseResume(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p, roster := f.createPool(t, "Maria", "Jose")

	if err := f.svc.Pause(ctx, p.ID); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	if err := f.svc.Pause(ctx, p.ID); !errors.Is(err, pool.ErrInvalidState) {
		t.Fatalf("double pause: err = %v, want ErrInvalidState", err)
	}

	// A paused pool still accepts ledger operations; only rotation stops.
	if err := f.svc.ConfirmPayment(ctx, p.ID, roster[0].ID, "cash"); err != nil {
		t.Fatalf("confirm while paused failed: %v", err)
	}

	if err := f.svc.Resume(ctx, p.ID); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	p2, _, err := f.svc.GetPool(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetPool failed: %v", err)
	}
	if p2.Status != pool.StatusActive {
		t.Errorf("status = %s, want active", p2.Status)
	}
}

func TestUnknownPool(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.GetRoundStatus(context.Background(), uuid.New()); !errors.Is(err, pool.ErrPoolNotFound) {
		t.Fatalf("err = %v, want ErrPoolNotFound", err)
	}
}
