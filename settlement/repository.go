package settlement

import (
	"context"
	"database/sql"
	"iter"
	"time"

	"github.com/google/uuid"

	"github.com/pgil256/juntas-seguras-sub003/pool"
	"github.com/pgil256/juntas-seguras-sub003/storage"
)

// Repository persists the settlement log.
type Repository interface {
	// Append writes the payout record and marks the recipient's member row
	// as paid out, in one transaction. Returns ErrDuplicatePayout if a
	// record already exists for the (pool, round) pair.
	Append(ctx context.Context, rec PayoutRecord) error

	// GetByRound returns the record for a round, or nil if none exists.
	GetByRound(ctx context.Context, poolID uuid.UUID, round int) (*PayoutRecord, error)

	// History yields the pool's payout records ordered by round ascending.
	// The sequence is lazy and restartable: each range re-runs the query.
	History(ctx context.Context, poolID uuid.UUID) iter.Seq2[PayoutRecord, error]
}

type repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) Repository {
	return &repository{db: db}
}

func (r *repository) Append(ctx context.Context, rec PayoutRecord) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	insert := `INSERT INTO payout_records (id, pool_id, round, recipient_member_id, amount, scheduled_date, actual_payout_date, was_early_payout, early_payout_reason, initiated_by)
               VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err = tx.ExecContext(ctx, insert,
		rec.ID,
		rec.PoolID,
		rec.Round,
		rec.RecipientMemberID,
		rec.Amount,
		rec.ScheduledDate.Unix(),
		rec.ActualPayoutDate.Unix(),
		boolToInt(rec.WasEarlyPayout),
		rec.EarlyPayoutReason,
		rec.InitiatedBy,
	)
	if err != nil {
		if storage.IsUniqueViolation(err) {
			return ErrDuplicatePayout
		}
		return err
	}

	markRecipient := `UPDATE pool_members SET payout_received = 1, payout_date = $1 WHERE id = $2`
	result, err := tx.ExecContext(ctx, markRecipient, rec.ActualPayoutDate.Unix(), rec.RecipientMemberID)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	// A record must never commit without its recipient marked paid.
	if affected == 0 {
		return pool.ErrMemberNotFound
	}

	return tx.Commit()
}

const recordColumns = `id, pool_id, round, recipient_member_id, amount, scheduled_date, actual_payout_date, was_early_payout, early_payout_reason, initiated_by`

func (r *repository) GetByRound(ctx context.Context, poolID uuid.UUID, round int) (*PayoutRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM payout_records WHERE pool_id = $1 AND round = $2`
	rec, err := scanRecord(r.db.QueryRowContext(ctx, query, poolID, round))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

func (r *repository) History(ctx context.Context, poolID uuid.UUID) iter.Seq2[PayoutRecord, error] {
	return func(yield func(PayoutRecord, error) bool) {
		query := `SELECT ` + recordColumns + ` FROM payout_records WHERE pool_id = $1 ORDER BY round ASC`
		rows, err := r.db.QueryContext(ctx, query, poolID)
		if err != nil {
			yield(PayoutRecord{}, err)
			return
		}
		defer rows.Close()

		for rows.Next() {
			rec, err := scanRecord(rows)
			if !yield(rec, err) {
				return
			}
			if err != nil {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(PayoutRecord{}, err)
		}
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (PayoutRecord, error) {
	var rec PayoutRecord
	var scheduled, actual int64
	var wasEarly int
	err := row.Scan(
		&rec.ID,
		&rec.PoolID,
		&rec.Round,
		&rec.RecipientMemberID,
		&rec.Amount,
		&scheduled,
		&actual,
		&wasEarly,
		&rec.EarlyPayoutReason,
		&rec.InitiatedBy,
	)
	if err != nil {
		return rec, err
	}
	rec.ScheduledDate = time.Unix(scheduled, 0).UTC()
	rec.ActualPayoutDate = time.Unix(actual, 0).UTC()
	rec.WasEarlyPayout = wasEarly != 0
	return rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
