package pool

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Repository persists pools and their rosters. Lifecycle updates are
// guarded by the current status so concurrent callers cannot move a pool
// backwards or mutate a completed one.
type Repository interface {
	CreatePool(ctx context.Context, p Pool, roster Roster) error
	GetPool(ctx context.Context, id uuid.UUID) (*Pool, error)
	GetRoster(ctx context.Context, poolID uuid.UUID) (Roster, error)
	GetMember(ctx context.Context, memberID uuid.UUID) (*Member, error)
	Activate(ctx context.Context, poolID uuid.UUID) error
	Pause(ctx context.Context, poolID uuid.UUID) error
	Resume(ctx context.Context, poolID uuid.UUID) error
	AddMember(ctx context.Context, m Member) error
	SetMemberStatus(ctx context.Context, memberID uuid.UUID, status MemberStatus) error
	SetPayoutDestination(ctx context.Context, memberID uuid.UUID, destination string) error
}

type repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) Repository {
	return &repository{db: db}
}

func (r *repository) CreatePool(ctx context.Context, p Pool, roster Roster) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	insertPool := `INSERT INTO pools (id, name, contribution_amount, frequency, total_rounds, current_round, status, created_by, start_date, created_at)
                   VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err = tx.ExecContext(ctx, insertPool,
		p.ID,
		p.Name,
		p.ContributionAmount,
		p.Frequency,
		p.TotalRounds,
		p.CurrentRound,
		p.Status,
		p.CreatedBy,
		p.StartDate.Unix(),
		p.CreatedAt.Unix(),
	)
	if err != nil {
		return err
	}

	insertMember := `INSERT INTO pool_members (id, pool_id, user_id, display_name, position, status, payout_destination, joined_at)
                     VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	for _, m := range roster {
		_, err = tx.ExecContext(ctx, insertMember,
			m.ID,
			m.PoolID,
			m.UserID,
			m.DisplayName,
			m.Position,
			m.Status,
			m.PayoutDestination,
			m.JoinedAt.Unix(),
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (r *repository) GetPool(ctx context.Context, id uuid.UUID) (*Pool, error) {
	query := `SELECT id, name, contribution_amount, frequency, total_rounds, current_round, status, created_by, start_date, created_at FROM pools WHERE id = $1`

	var p Pool
	var startDate, createdAt int64
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&p.ID,
		&p.Name,
		&p.ContributionAmount,
		&p.Frequency,
		&p.TotalRounds,
		&p.CurrentRound,
		&p.Status,
		&p.CreatedBy,
		&startDate,
		&createdAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	p.StartDate = time.Unix(startDate, 0).UTC()
	p.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &p, nil
}

const memberColumns = `id, pool_id, user_id, display_name, position, status, payout_destination, total_contributed, payments_on_time, payments_missed, payout_received, payout_date, joined_at`

func (r *repository) GetRoster(ctx context.Context, poolID uuid.UUID) (Roster, error) {
	query := `SELECT ` + memberColumns + ` FROM pool_members WHERE pool_id = $1 ORDER BY position`
	rows, err := r.db.QueryContext(ctx, query, poolID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roster Roster
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		roster = append(roster, m)
	}
	return roster, rows.Err()
}

func (r *repository) GetMember(ctx context.Context, memberID uuid.UUID) (*Member, error) {
	query := `SELECT ` + memberColumns + ` FROM pool_members WHERE id = $1`
	rows, err := r.db.QueryContext(ctx, query, memberID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	m, err := scanMember(rows)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMember(row rowScanner) (Member, error) {
	var m Member
	var payoutReceived int
	var payoutDate sql.NullInt64
	var joinedAt int64
	err := row.Scan(
		&m.ID,
		&m.PoolID,
		&m.UserID,
		&m.DisplayName,
		&m.Position,
		&m.Status,
		&m.PayoutDestination,
		&m.TotalContributed,
		&m.PaymentsOnTime,
		&m.PaymentsMissed,
		&payoutReceived,
		&payoutDate,
		&joinedAt,
	)
	if err != nil {
		return m, err
	}
	m.PayoutReceived = payoutReceived != 0
	if payoutDate.Valid {
		t := time.Unix(payoutDate.Int64, 0).UTC()
		m.PayoutDate = &t
	}
	m.JoinedAt = time.Unix(joinedAt, 0).UTC()
	return m, nil
}

func (r *repository) Activate(ctx context.Context, poolID uuid.UUID) error {
	query := `UPDATE pools SET status = 'active' WHERE id = $1 AND status = 'pending'`
	return r.guardedUpdate(ctx, query, poolID)
}

func (r *repository) Pause(ctx context.Context, poolID uuid.UUID) error {
	query := `UPDATE pools SET status = 'paused' WHERE id = $1 AND status = 'active'`
	return r.guardedUpdate(ctx, query, poolID)
}

func (r *repository) Resume(ctx context.Context, poolID uuid.UUID) error {
	query := `UPDATE pools SET status = 'active' WHERE id = $1 AND status = 'paused'`
	return r.guardedUpdate(ctx, query, poolID)
}

func (r *repository) AddMember(ctx context.Context, m Member) error {
	query := `INSERT INTO pool_members (id, pool_id, user_id, display_name, position, status, payout_destination, joined_at)
              VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := r.db.ExecContext(ctx, query, m.ID, m.PoolID, m.UserID, m.DisplayName, m.Position, m.Status, m.PayoutDestination, m.JoinedAt.Unix())
	return err
}

func (r *repository) SetMemberStatus(ctx context.Context, memberID uuid.UUID, status MemberStatus) error {
	query := `UPDATE pool_members SET status = $1 WHERE id = $2`
	return r.guardedMemberUpdate(ctx, query, status, memberID)
}

func (r *repository) SetPayoutDestination(ctx context.Context, memberID uuid.UUID, destination string) error {
	query := `UPDATE pool_members SET payout_destination = $1 WHERE id = $2`
	return r.guardedMemberUpdate(ctx, query, destination, memberID)
}

func (r *repository) guardedUpdate(ctx context.Context, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrInvalidState
	}
	return nil
}

func (r *repository) guardedMemberUpdate(ctx context.Context, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrMemberNotFound
	}
	return nil
}
