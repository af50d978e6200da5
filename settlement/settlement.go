// Package settlement is the append-only audit trail of payout transactions.
// Records are never mutated or deleted; the (pool_id, round) uniqueness of
// the log is the pool's only concurrency gate for payout release.
package settlement

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/pgil256/juntas-seguras-sub003/policy"
)

var (
	// ErrDuplicatePayout means a payout record already exists for the
	// (pool, round) pair; exactly one release per round ever succeeds.
	ErrDuplicatePayout = errors.New("payout already recorded for this round")
)

// PayoutRecord is one settlement log entry.
type PayoutRecord struct {
	ID                uuid.UUID `json:"id"`
	PoolID            uuid.UUID `json:"pool_id"`
	Round             int       `json:"round"`
	RecipientMemberID uuid.UUID `json:"recipient_member_id"`
	Amount            int64     `json:"amount"` // cents
	ScheduledDate     time.Time `json:"scheduled_date"`
	ActualPayoutDate  time.Time `json:"actual_payout_date"`
	WasEarlyPayout    bool      `json:"was_early_payout"`
	EarlyPayoutReason string    `json:"early_payout_reason,omitempty"`
	InitiatedBy       uuid.UUID `json:"initiated_by"`
}

// NewRecord builds the settlement entry for an allowed payout decision.
func NewRecord(d policy.Decision, scheduled, actual time.Time, reason string, initiatedBy uuid.UUID) PayoutRecord {
	return PayoutRecord{
		ID:                uuid.New(),
		PoolID:            d.PoolID,
		Round:             d.Round,
		RecipientMemberID: d.RecipientMemberID,
		Amount:            d.Amount,
		ScheduledDate:     scheduled,
		ActualPayoutDate:  actual,
		WasEarlyPayout:    d.Early,
		EarlyPayoutReason: reason,
		InitiatedBy:       initiatedBy,
	}
}
