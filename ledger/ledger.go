// Package ledger tracks the contribution status of a pool's rounds. The
// currently open round is mutable; a round closes when its payout is
// released and is immutable from then on.
package ledger

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/pgil256/juntas-seguras-sub003/pool"
)

type PaymentStatus string

const (
	StatusPending         PaymentStatus = "pending"
	StatusMemberConfirmed PaymentStatus = "member_confirmed"
	StatusAdminVerified   PaymentStatus = "admin_verified"
	StatusLate            PaymentStatus = "late"
	StatusExcused         PaymentStatus = "excused"
	StatusMissed          PaymentStatus = "missed"
)

var (
	ErrRoundAlreadyOpen  = errors.New("a round is already open for this pool")
	ErrNoOpenRound       = errors.New("no open round for this pool")
	ErrRoundClosed       = errors.New("round is closed")
	ErrPaymentNotFound   = errors.New("round payment not found")
	ErrInvalidTransition = errors.New("payment status transition not permitted")
)

// Transitions are monotonic forward; the one exception is late →
// admin_verified (a late payment can still be verified). missed and excused
// are terminal for the round.

// CanConfirm reports whether a member self-confirmation is accepted.
func (s PaymentStatus) CanConfirm() bool {
	return s == StatusPending || s == StatusLate
}

// CanVerify reports whether admin verification is accepted. Admins may
// verify straight from pending or late, overriding a missing
// self-confirmation.
func (s PaymentStatus) CanVerify() bool {
	switch s {
	case StatusPending, StatusMemberConfirmed, StatusLate:
		return true
	}
	return false
}

// CanClose reports whether an admin may still mark the payment missed or
// excused.
func (s PaymentStatus) CanClose() bool {
	switch s {
	case StatusPending, StatusMemberConfirmed, StatusLate:
		return true
	}
	return false
}

// CanMarkLate reports whether the due-date timer may flip the payment late.
func (s PaymentStatus) CanMarkLate() bool {
	return s == StatusPending
}

// Collected reports whether the payment no longer blocks payout release.
func (s PaymentStatus) Collected() bool {
	return s == StatusAdminVerified || s == StatusExcused
}

// Round is one collection cycle of a pool.
type Round struct {
	PoolID   uuid.UUID  `json:"pool_id"`
	Round    int        `json:"round"`
	OpenedAt time.Time  `json:"opened_at"`
	DueDate  time.Time  `json:"due_date"`
	ClosedAt *time.Time `json:"closed_at,omitempty"`
}

func (r *Round) IsOpen() bool { return r.ClosedAt == nil }

// RoundPayment is one member's required contribution for one round.
type RoundPayment struct {
	ID                uuid.UUID     `json:"id"`
	PoolID            uuid.UUID     `json:"pool_id"`
	Round             int           `json:"round"`
	MemberID          uuid.UUID     `json:"member_id"`
	Amount            int64         `json:"amount"` // cents
	Status            PaymentStatus `json:"status"`
	Method            string        `json:"method,omitempty"`
	DueDate           time.Time     `json:"due_date"`
	MemberConfirmedAt *time.Time    `json:"member_confirmed_at,omitempty"`
	AdminVerifiedAt   *time.Time    `json:"admin_verified_at,omitempty"`
	VerifiedBy        uuid.UUID     `json:"verified_by,omitempty"`
	Notes             string        `json:"notes,omitempty"`
	ExcuseReason      string        `json:"excuse_reason,omitempty"`
	ReminderCount     int           `json:"reminder_count"`
}

// DueDate computes when the given round's contributions fall due.
func DueDate(p *pool.Pool, round int) time.Time {
	return p.Frequency.Advance(p.StartDate, round-1)
}

// NewRound builds the round record and one pending payment per active
// member. The round's recipient contributes like everyone else; the payout
// formula excludes their share instead (see policy).
func NewRound(p *pool.Pool, roster pool.Roster, round int, openedAt time.Time) (Round, []RoundPayment) {
	due := DueDate(p, round)
	r := Round{
		PoolID:   p.ID,
		Round:    round,
		OpenedAt: openedAt,
		DueDate:  due,
	}

	active := roster.Active()
	payments := make([]RoundPayment, 0, len(active))
	for _, m := range active {
		payments = append(payments, RoundPayment{
			ID:       uuid.New(),
			PoolID:   p.ID,
			Round:    round,
			MemberID: m.ID,
			Amount:   p.ContributionAmount,
			Status:   StatusPending,
			DueDate:  due,
		})
	}
	return r, payments
}

// BackfillPayment creates the immediately-due pending payment for a member
// added while a round is open.
func BackfillPayment(p *pool.Pool, m *pool.Member, round int, now time.Time) RoundPayment {
	return RoundPayment{
		ID:       uuid.New(),
		PoolID:   p.ID,
		Round:    round,
		MemberID: m.ID,
		Amount:   p.ContributionAmount,
		Status:   StatusPending,
		DueDate:  now,
	}
}

// IsFullyCollected reports whether every active member's payment for the
// round is admin_verified or excused. An active member with no payment row
// blocks collection.
func IsFullyCollected(payments []RoundPayment, roster pool.Roster) bool {
	return len(MissingContributors(payments, roster)) == 0
}

// MissingContributors returns every active member still blocking payout
// release, not just the first. The list drives the admin collection view.
func MissingContributors(payments []RoundPayment, roster pool.Roster) []uuid.UUID {
	byMember := make(map[uuid.UUID]PaymentStatus, len(payments))
	for _, rp := range payments {
		byMember[rp.MemberID] = rp.Status
	}

	var missing []uuid.UUID
	for _, m := range roster.Active() {
		status, ok := byMember[m.ID]
		if !ok || !status.Collected() {
			missing = append(missing, m.ID)
		}
	}
	return missing
}
