// Package policy decides payout eligibility and amounts. Everything here is
// a pure function over the round ledger and the roster: no I/O, no clocks,
// no side effects. Ineligibility is a normal negative result, never an
// error; errors are reserved for structurally invalid input.
package policy

import (
	"errors"

	"github.com/google/uuid"

	"github.com/pgil256/juntas-seguras-sub003/ledger"
	"github.com/pgil256/juntas-seguras-sub003/pool"
)

var (
	ErrUnknownRecipient = errors.New("recipient is not a member of the pool")
	ErrRoundOutOfRange  = errors.New("round is out of range for the pool")
)

// Decision is the result of a payout evaluation. When Allowed is false,
// MissingContributions lists every member still blocking release so the
// admin view can show full collection status, and Reason summarizes why.
type Decision struct {
	Allowed              bool        `json:"allowed"`
	PoolID               uuid.UUID   `json:"pool_id"`
	Round                int         `json:"round"`
	RecipientMemberID    uuid.UUID   `json:"recipient_member_id"`
	Amount               int64       `json:"amount"` // cents
	Early                bool        `json:"early"`
	MissingContributions []uuid.UUID `json:"missing_contributions,omitempty"`
	Reason               string      `json:"reason,omitempty"`
}

// EvaluateInTurnPayout decides whether the member whose position matches the
// pool's current round may be paid out. Eligible iff the round is fully
// collected and the recipient has not already received a payout.
//
// The recipient contributes to their own round but their share is excluded
// from the payout: amount = contribution × verified non-recipient members.
func EvaluateInTurnPayout(p *pool.Pool, payments []ledger.RoundPayment, roster pool.Roster) (Decision, error) {
	if p.CurrentRound < 1 || p.CurrentRound > p.TotalRounds {
		return Decision{}, ErrRoundOutOfRange
	}
	recipient, ok := roster.ByPosition(p.CurrentRound)
	if !ok {
		return Decision{}, ErrUnknownRecipient
	}
	return evaluate(p, payments, roster, recipient, false), nil
}

// EvaluateEarlyPayout decides whether the given member may be paid out ahead
// of their scheduled position. The collection bar is the same as in-turn:
// every active member's payment for the current open round must be
// admin_verified or excused. The recipient additionally needs a resolvable
// payout destination.
func EvaluateEarlyPayout(p *pool.Pool, payments []ledger.RoundPayment, roster pool.Roster, recipientID uuid.UUID) (Decision, error) {
	if p.CurrentRound < 1 || p.CurrentRound > p.TotalRounds {
		return Decision{}, ErrRoundOutOfRange
	}
	recipient, ok := roster.ByID(recipientID)
	if !ok {
		return Decision{}, ErrUnknownRecipient
	}

	d := evaluate(p, payments, roster, recipient, true)
	if d.Allowed && recipient.PayoutDestination == "" {
		d.Allowed = false
		d.Amount = 0
		d.Reason = "recipient has no payout destination configured"
	}
	return d, nil
}

func evaluate(p *pool.Pool, payments []ledger.RoundPayment, roster pool.Roster, recipient *pool.Member, early bool) Decision {
	d := Decision{
		PoolID:            p.ID,
		Round:             p.CurrentRound,
		RecipientMemberID: recipient.ID,
		Early:             early,
	}

	if recipient.PayoutReceived {
		d.Reason = "recipient has already received a payout"
		return d
	}

	if missing := ledger.MissingContributors(payments, roster); len(missing) > 0 {
		d.MissingContributions = missing
		d.Reason = "round is not fully collected"
		return d
	}

	d.Allowed = true
	d.Amount = payoutAmount(p, payments, recipient)
	return d
}

// payoutAmount sums the verified contributions of everyone but the
// recipient. Excused members reduce the pot; the pool does not front their
// share. Amounts are integral cents throughout, so no rounding occurs.
func payoutAmount(p *pool.Pool, payments []ledger.RoundPayment, recipient *pool.Member) int64 {
	var contributors int64
	for _, rp := range payments {
		if rp.MemberID == recipient.ID {
			continue
		}
		if rp.Status == ledger.StatusAdminVerified {
			contributors++
		}
	}
	return p.ContributionAmount * contributors
}
