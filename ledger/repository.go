package ledger

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/pgil256/juntas-seguras-sub003/pool"
)

// Repository persists rounds and round payments. Status updates are guarded
// by the current status in SQL so a racing transition loses with
// ErrInvalidTransition instead of overwriting. Operations that must move a
// payment and a member aggregate, or a round and the pool's round pointer,
// together run in one transaction so no leg can commit without the other.
type Repository interface {
	OpenRound(ctx context.Context, r Round, payments []RoundPayment) error
	GetOpenRound(ctx context.Context, poolID uuid.UUID) (*Round, error)
	GetRound(ctx context.Context, poolID uuid.UUID, round int) (*Round, error)
	GetPayments(ctx context.Context, poolID uuid.UUID, round int) ([]RoundPayment, error)
	GetPayment(ctx context.Context, poolID uuid.UUID, round int, memberID uuid.UUID) (*RoundPayment, error)
	InsertPayment(ctx context.Context, rp RoundPayment) error
	MarkConfirmed(ctx context.Context, paymentID uuid.UUID, method string, at time.Time) error

	// MarkVerified flips the payment to admin_verified and bumps the
	// member's contribution aggregates in the same transaction.
	MarkVerified(ctx context.Context, rp *RoundPayment, verifiedBy uuid.UUID, notes string, at time.Time, onTime bool) error

	// MarkMissed is terminal for the round and bumps the member's missed
	// counter in the same transaction.
	MarkMissed(ctx context.Context, rp *RoundPayment) error

	MarkExcused(ctx context.Context, paymentID uuid.UUID, reason string) error
	MarkLateDue(ctx context.Context, poolID uuid.UUID, round int, asOf time.Time) (int64, error)
	RecordReminder(ctx context.Context, paymentID uuid.UUID) error

	// Rotate closes the pool's current round and, still in the same
	// transaction, advances the pool's round pointer and opens the next
	// round (next non-nil) or completes the pool (next nil). A failure on
	// any leg rolls the whole rotation back, including the round close.
	Rotate(ctx context.Context, p *pool.Pool, closedAt time.Time, next *Round, nextPayments []RoundPayment) error
}

type repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) Repository {
	return &repository{db: db}
}

func (r *repository) OpenRound(ctx context.Context, round Round, payments []RoundPayment) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var open int
	countOpen := `SELECT COUNT(*) FROM pool_rounds WHERE pool_id = $1 AND closed_at IS NULL`
	if err := tx.QueryRowContext(ctx, countOpen, round.PoolID).Scan(&open); err != nil {
		return err
	}
	if open > 0 {
		return ErrRoundAlreadyOpen
	}

	insertRound := `INSERT INTO pool_rounds (pool_id, round, opened_at, due_date) VALUES ($1, $2, $3, $4)`
	_, err = tx.ExecContext(ctx, insertRound, round.PoolID, round.Round, round.OpenedAt.Unix(), round.DueDate.Unix())
	if err != nil {
		return err
	}

	insertPayment := `INSERT INTO round_payments (id, pool_id, round, member_id, amount, status, due_date) VALUES ($1, $2, $3, $4, $5, $6, $7)`
	for _, rp := range payments {
		_, err = tx.ExecContext(ctx, insertPayment, rp.ID, rp.PoolID, rp.Round, rp.MemberID, rp.Amount, rp.Status, rp.DueDate.Unix())
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (r *repository) GetOpenRound(ctx context.Context, poolID uuid.UUID) (*Round, error) {
	query := `SELECT pool_id, round, opened_at, due_date, closed_at FROM pool_rounds WHERE pool_id = $1 AND closed_at IS NULL`
	return r.scanRound(r.db.QueryRowContext(ctx, query, poolID))
}

func (r *repository) GetRound(ctx context.Context, poolID uuid.UUID, round int) (*Round, error) {
	query := `SELECT pool_id, round, opened_at, due_date, closed_at FROM pool_rounds WHERE pool_id = $1 AND round = $2`
	return r.scanRound(r.db.QueryRowContext(ctx, query, poolID, round))
}

func (r *repository) scanRound(row *sql.Row) (*Round, error) {
	var rnd Round
	var openedAt, dueDate int64
	var closedAt sql.NullInt64
	err := row.Scan(&rnd.PoolID, &rnd.Round, &openedAt, &dueDate, &closedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	rnd.OpenedAt = time.Unix(openedAt, 0).UTC()
	rnd.DueDate = time.Unix(dueDate, 0).UTC()
	if closedAt.Valid {
		t := time.Unix(closedAt.Int64, 0).UTC()
		rnd.ClosedAt = &t
	}
	return &rnd, nil
}

func (r *repository) Rotate(ctx context.Context, p *pool.Pool, closedAt time.Time, next *Round, nextPayments []RoundPayment) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	closeRound := `UPDATE pool_rounds SET closed_at = $1 WHERE pool_id = $2 AND round = $3 AND closed_at IS NULL`
	if err := execGuarded(ctx, tx, closeRound, ErrRoundClosed, closedAt.Unix(), p.ID, p.CurrentRound); err != nil {
		return err
	}

	if next == nil {
		// Final round: park current_round one past the end and freeze the
		// pool. The status guard makes a concurrent pause lose the race
		// cleanly, rolling the round close back with it.
		complete := `UPDATE pools SET status = 'completed', current_round = $1 WHERE id = $2 AND current_round = $3 AND status = 'active'`
		if err := execGuarded(ctx, tx, complete, pool.ErrInvalidState, p.TotalRounds+1, p.ID, p.CurrentRound); err != nil {
			return err
		}
		return tx.Commit()
	}

	advance := `UPDATE pools SET current_round = current_round + 1 WHERE id = $1 AND current_round = $2 AND status = 'active'`
	if err := execGuarded(ctx, tx, advance, pool.ErrInvalidState, p.ID, p.CurrentRound); err != nil {
		return err
	}

	insertRound := `INSERT INTO pool_rounds (pool_id, round, opened_at, due_date) VALUES ($1, $2, $3, $4)`
	if _, err := tx.ExecContext(ctx, insertRound, next.PoolID, next.Round, next.OpenedAt.Unix(), next.DueDate.Unix()); err != nil {
		return err
	}

	insertPayment := `INSERT INTO round_payments (id, pool_id, round, member_id, amount, status, due_date) VALUES ($1, $2, $3, $4, $5, $6, $7)`
	for _, rp := range nextPayments {
		if _, err := tx.ExecContext(ctx, insertPayment, rp.ID, rp.PoolID, rp.Round, rp.MemberID, rp.Amount, rp.Status, rp.DueDate.Unix()); err != nil {
			return err
		}
	}

	return tx.Commit()
}

const paymentColumns = `id, pool_id, round, member_id, amount, status, method, due_date, member_confirmed_at, admin_verified_at, verified_by, notes, excuse_reason, reminder_count`

func (r *repository) GetPayments(ctx context.Context, poolID uuid.UUID, round int) ([]RoundPayment, error) {
	query := `SELECT ` + paymentColumns + ` FROM round_payments WHERE pool_id = $1 AND round = $2 ORDER BY member_id`
	rows, err := r.db.QueryContext(ctx, query, poolID, round)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []RoundPayment
	for rows.Next() {
		rp, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, rp)
	}
	return payments, rows.Err()
}

func (r *repository) GetPayment(ctx context.Context, poolID uuid.UUID, round int, memberID uuid.UUID) (*RoundPayment, error) {
	query := `SELECT ` + paymentColumns + ` FROM round_payments WHERE pool_id = $1 AND round = $2 AND member_id = $3`
	rows, err := r.db.QueryContext(ctx, query, poolID, round, memberID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	rp, err := scanPayment(rows)
	if err != nil {
		return nil, err
	}
	return &rp, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayment(row rowScanner) (RoundPayment, error) {
	var rp RoundPayment
	var dueDate int64
	var confirmedAt, verifiedAt sql.NullInt64
	var verifiedBy string
	err := row.Scan(
		&rp.ID,
		&rp.PoolID,
		&rp.Round,
		&rp.MemberID,
		&rp.Amount,
		&rp.Status,
		&rp.Method,
		&dueDate,
		&confirmedAt,
		&verifiedAt,
		&verifiedBy,
		&rp.Notes,
		&rp.ExcuseReason,
		&rp.ReminderCount,
	)
	if err != nil {
		return rp, err
	}
	rp.DueDate = time.Unix(dueDate, 0).UTC()
	if confirmedAt.Valid {
		t := time.Unix(confirmedAt.Int64, 0).UTC()
		rp.MemberConfirmedAt = &t
	}
	if verifiedAt.Valid {
		t := time.Unix(verifiedAt.Int64, 0).UTC()
		rp.AdminVerifiedAt = &t
	}
	if verifiedBy != "" {
		if id, err := uuid.Parse(verifiedBy); err == nil {
			rp.VerifiedBy = id
		}
	}
	return rp, nil
}

func (r *repository) InsertPayment(ctx context.Context, rp RoundPayment) error {
	query := `INSERT INTO round_payments (id, pool_id, round, member_id, amount, status, due_date) VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := r.db.ExecContext(ctx, query, rp.ID, rp.PoolID, rp.Round, rp.MemberID, rp.Amount, rp.Status, rp.DueDate.Unix())
	return err
}

func (r *repository) MarkConfirmed(ctx context.Context, paymentID uuid.UUID, method string, at time.Time) error {
	query := `UPDATE round_payments SET status = 'member_confirmed', method = $1, member_confirmed_at = $2 WHERE id = $3 AND status IN ('pending', 'late')`
	return r.guardedUpdate(ctx, query, method, at.Unix(), paymentID)
}

func (r *repository) MarkVerified(ctx context.Context, rp *RoundPayment, verifiedBy uuid.UUID, notes string, at time.Time, onTime bool) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	verify := `UPDATE round_payments SET status = 'admin_verified', verified_by = $1, notes = $2, admin_verified_at = $3 WHERE id = $4 AND status IN ('pending', 'member_confirmed', 'late')`
	if err := execGuarded(ctx, tx, verify, ErrInvalidTransition, verifiedBy.String(), notes, at.Unix(), rp.ID); err != nil {
		return err
	}

	onTimeInc := 0
	if onTime {
		onTimeInc = 1
	}
	aggregate := `UPDATE pool_members SET total_contributed = total_contributed + $1, payments_on_time = payments_on_time + $2 WHERE id = $3`
	if err := execGuarded(ctx, tx, aggregate, pool.ErrMemberNotFound, rp.Amount, onTimeInc, rp.MemberID); err != nil {
		return err
	}

	return tx.Commit()
}

func (r *repository) MarkMissed(ctx context.Context, rp *RoundPayment) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	miss := `UPDATE round_payments SET status = 'missed' WHERE id = $1 AND status IN ('pending', 'member_confirmed', 'late')`
	if err := execGuarded(ctx, tx, miss, ErrInvalidTransition, rp.ID); err != nil {
		return err
	}

	aggregate := `UPDATE pool_members SET payments_missed = payments_missed + 1 WHERE id = $1`
	if err := execGuarded(ctx, tx, aggregate, pool.ErrMemberNotFound, rp.MemberID); err != nil {
		return err
	}

	return tx.Commit()
}

func (r *repository) MarkExcused(ctx context.Context, paymentID uuid.UUID, reason string) error {
	query := `UPDATE round_payments SET status = 'excused', excuse_reason = $1 WHERE id = $2 AND status IN ('pending', 'member_confirmed', 'late')`
	return r.guardedUpdate(ctx, query, reason, paymentID)
}

// MarkLateDue flips every still-pending payment of the round past its due
// date to late. Returns how many payments were affected.
func (r *repository) MarkLateDue(ctx context.Context, poolID uuid.UUID, round int, asOf time.Time) (int64, error) {
	query := `UPDATE round_payments SET status = 'late' WHERE pool_id = $1 AND round = $2 AND status = 'pending' AND due_date < $3`
	result, err := r.db.ExecContext(ctx, query, poolID, round, asOf.Unix())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (r *repository) RecordReminder(ctx context.Context, paymentID uuid.UUID) error {
	query := `UPDATE round_payments SET reminder_count = reminder_count + 1 WHERE id = $1`
	result, err := r.db.ExecContext(ctx, query, paymentID)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

func (r *repository) guardedUpdate(ctx context.Context, query string, args ...any) error {
	return execGuarded(ctx, r.db, query, ErrInvalidTransition, args...)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// execGuarded runs an update whose WHERE clause encodes the precondition and
// returns zeroErr when no row matched.
func execGuarded(ctx context.Context, e execer, query string, zeroErr error, args ...any) error {
	result, err := e.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return zeroErr
	}
	return nil
}
