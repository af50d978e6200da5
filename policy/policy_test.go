package policy

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/pgil256/juntas-seguras-sub003/ledger"
	"github.com/pgil256/juntas-seguras-sub003/pool"
)

func testPool(currentRound, totalRounds int) *pool.Pool {
	return &pool.Pool{
		ID:                 uuid.New(),
		Name:               "Cousins' Tanda",
		ContributionAmount: 5000,
		Frequency:          pool.FrequencyWeekly,
		TotalRounds:        totalRounds,
		CurrentRound:       currentRound,
		Status:             pool.StatusActive,
		StartDate:          time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC),
	}
}

func testRoster(p *pool.Pool, size int) pool.Roster {
	roster := make(pool.Roster, 0, size)
	for i := 0; i < size; i++ {
		roster = append(roster, pool.Member{
			ID:       uuid.New(),
			PoolID:   p.ID,
			Position: i + 1,
			Status:   pool.MemberActive,
		})
	}
	return roster
}

func paymentsWithStatus(p *pool.Pool, roster pool.Roster, status ledger.PaymentStatus) []ledger.RoundPayment {
	payments := make([]ledger.RoundPayment, 0, len(roster))
	for _, m := range roster {
		payments = append(payments, ledger.RoundPayment{
			ID:       uuid.New(),
			PoolID:   p.ID,
			Round:    p.CurrentRound,
			MemberID: m.ID,
			Amount:   p.ContributionAmount,
			Status:   status,
		})
	}
	return payments
}

func setStatus(payments []ledger.RoundPayment, memberID uuid.UUID, status ledger.PaymentStatus) {
	for i := range payments {
		if payments[i].MemberID == memberID {
			payments[i].Status = status
		}
	}
}

func TestEvaluateInTurnPayout(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(p *pool.Pool, roster pool.Roster, payments []ledger.RoundPayment)
		validate func(t *testing.T, roster pool.Roster, d Decision)
	}{
		{
			name: "fully collected round pays the positioned recipient",
			validate: func(t *testing.T, roster pool.Roster, d Decision) {
				if !d.Allowed {
					t.Fatalf("expected payout allowed, reason: %s", d.Reason)
				}
				if d.RecipientMemberID != roster[1].ID {
					t.Errorf("recipient = %s, want member at position 2 (%s)", d.RecipientMemberID, roster[1].ID)
				}
				// Recipient's own verified share is excluded from the pot.
				if d.Amount != 3*5000 {
					t.Errorf("amount = %d, want 15000", d.Amount)
				}
				if d.Early {
					t.Error("in-turn decision flagged early")
				}
			},
		},
		{
			name: "one pending contribution blocks release",
			setup: func(p *pool.Pool, roster pool.Roster, payments []ledger.RoundPayment) {
				setStatus(payments, roster[0].ID, ledger.StatusPending)
			},
			validate: func(t *testing.T, roster pool.Roster, d Decision) {
				if d.Allowed {
					t.Fatal("expected payout blocked")
				}
				if len(d.MissingContributions) != 1 || d.MissingContributions[0] != roster[0].ID {
					t.Errorf("missing = %v, want [%s]", d.MissingContributions, roster[0].ID)
				}
				if d.Amount != 0 {
					t.Errorf("blocked decision carries amount %d", d.Amount)
				}
			},
		},
		{
			name: "every blocking member is listed, not just the first",
			setup: func(p *pool.Pool, roster pool.Roster, payments []ledger.RoundPayment) {
				setStatus(payments, roster[0].ID, ledger.StatusLate)
				setStatus(payments, roster[3].ID, ledger.StatusMemberConfirmed)
			},
			validate: func(t *testing.T, roster pool.Roster, d Decision) {
				if d.Allowed {
					t.Fatal("expected payout blocked")
				}
				if len(d.MissingContributions) != 2 {
					t.Fatalf("missing = %v, want two entries", d.MissingContributions)
				}
			},
		},
		{
			name: "excused member shrinks the pot instead of blocking",
			setup: func(p *pool.Pool, roster pool.Roster, payments []ledger.RoundPayment) {
				setStatus(payments, roster[2].ID, ledger.StatusExcused)
			},
			validate: func(t *testing.T, roster pool.Roster, d Decision) {
				if !d.Allowed {
					t.Fatalf("expected payout allowed, reason: %s", d.Reason)
				}
				if d.Amount != 2*5000 {
					t.Errorf("amount = %d, want 10000", d.Amount)
				}
			},
		},
		{
			name: "recipient who was already paid out is blocked",
			setup: func(p *pool.Pool, roster pool.Roster, payments []ledger.RoundPayment) {
				roster[1].PayoutReceived = true
			},
			validate: func(t *testing.T, roster pool.Roster, d Decision) {
				if d.Allowed {
					t.Fatal("expected payout blocked for already-paid recipient")
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := testPool(2, 4)
			roster := testRoster(p, 4)
			payments := paymentsWithStatus(p, roster, ledger.StatusAdminVerified)
			if tt.setup != nil {
				tt.setup(p, roster, payments)
			}

			d, err := EvaluateInTurnPayout(p, payments, roster)
			if err != nil {
				t.Fatalf("EvaluateInTurnPayout failed: %v", err)
			}
			tt.validate(t, roster, d)
		})
	}
}

func TestEvaluateInTurnPayoutRoundOutOfRange(t *testing.T) {
	p := testPool(5, 4) // sentinel round after completion
	roster := testRoster(p, 4)

	_, err := EvaluateInTurnPayout(p, nil, roster)
	if !errors.Is(err, ErrRoundOutOfRange) {
		t.Fatalf("err = %v, want ErrRoundOutOfRange", err)
	}
}

func TestEvaluateEarlyPayout(t *testing.T) {
	t.Run("requires a payout destination", func(t *testing.T) {
		p := testPool(1, 4)
		roster := testRoster(p, 4)
		payments := paymentsWithStatus(p, roster, ledger.StatusAdminVerified)

		d, err := EvaluateEarlyPayout(p, payments, roster, roster[2].ID)
		if err != nil {
			t.Fatalf("EvaluateEarlyPayout failed: %v", err)
		}
		if d.Allowed {
			t.Fatal("expected payout blocked without a destination")
		}
		if d.Reason == "" {
			t.Error("blocked decision has no reason")
		}
	})

	t.Run("incomplete round blocks an early payout", func(t *testing.T) {
		p := testPool(1, 4)
		roster := testRoster(p, 4)
		roster[2].PayoutDestination = "venmo:@maria"
		payments := paymentsWithStatus(p, roster, ledger.StatusAdminVerified)
		setStatus(payments, roster[0].ID, ledger.StatusPending)
		setStatus(payments, roster[3].ID, ledger.StatusMemberConfirmed)

		d, err := EvaluateEarlyPayout(p, payments, roster, roster[2].ID)
		if err != nil {
			t.Fatalf("EvaluateEarlyPayout failed: %v", err)
		}
		if d.Allowed {
			t.Fatal("expected payout blocked while contributions are outstanding")
		}
		if len(d.MissingContributions) != 2 {
			t.Fatalf("missing = %v, want both outstanding members", d.MissingContributions)
		}
		want := map[uuid.UUID]bool{roster[0].ID: true, roster[3].ID: true}
		for _, id := range d.MissingContributions {
			if !want[id] {
				t.Errorf("unexpected blocker %s", id)
			}
		}
	})

	t.Run("allowed out of turn once the round is collected", func(t *testing.T) {
		p := testPool(1, 4)
		roster := testRoster(p, 4)
		roster[2].PayoutDestination = "venmo:@maria"
		payments := paymentsWithStatus(p, roster, ledger.StatusAdminVerified)

		d, err := EvaluateEarlyPayout(p, payments, roster, roster[2].ID)
		if err != nil {
			t.Fatalf("EvaluateEarlyPayout failed: %v", err)
		}
		if !d.Allowed {
			t.Fatalf("expected payout allowed, reason: %s", d.Reason)
		}
		if !d.Early {
			t.Error("early decision not flagged early")
		}
		if d.Amount != 3*5000 {
			t.Errorf("amount = %d, want 15000", d.Amount)
		}
	})

	t.Run("unknown recipient is a structural error", func(t *testing.T) {
		p := testPool(1, 4)
		roster := testRoster(p, 4)
		payments := paymentsWithStatus(p, roster, ledger.StatusAdminVerified)

		_, err := EvaluateEarlyPayout(p, payments, roster, uuid.New())
		if !errors.Is(err, ErrUnknownRecipient) {
			t.Fatalf("err = %v, want ErrUnknownRecipient", err)
		}
	})
}
