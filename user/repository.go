package user

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/pgil256/juntas-seguras-sub003/storage"
)

var (
	ErrEmailExists   = errors.New("email already exists")
	ErrInvalidEmail  = errors.New("invalid email format")
	ErrBlankPassword = errors.New("password can't be blank")
)

type repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) Repository {
	return &repository{db: db}
}

func (r *repository) Register(ctx context.Context, email, password string) (*User, error) {
	if email == "" || !strings.Contains(email, "@") {
		return nil, ErrInvalidEmail
	}

	if password == "" {
		return nil, ErrBlankPassword
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}

	u := &User{
		ID:           uuid.New(),
		Email:        email,
		PasswordHash: string(hashedPassword),
		CreatedAt:    time.Now().UTC(),
	}

	query := `INSERT INTO users (id, email, password_hash, created_at) VALUES ($1, $2, $3, $4)`
	_, err = r.db.ExecContext(ctx, query, u.ID, u.Email, u.PasswordHash, u.CreatedAt.Unix())
	if err != nil {
		if storage.IsUniqueViolation(err) {
			return nil, ErrEmailExists
		}
		return nil, fmt.Errorf("inserting user: %w", err)
	}

	return u, nil
}

const userColumns = `id, name, email, payment_handle, password_hash, created_at`

func (r *repository) GetByEmail(ctx context.Context, email string) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE email = $1`
	return r.scanUser(r.db.QueryRowContext(ctx, query, email))
}

func (r *repository) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return r.scanUser(r.db.QueryRowContext(ctx, query, id))
}

func (r *repository) scanUser(row *sql.Row) (*User, error) {
	var u User
	var createdAt int64
	err := row.Scan(
		&u.ID,
		&u.Name,
		&u.Email,
		&u.PaymentHandle,
		&u.PasswordHash,
		&createdAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("querying user: %w", err)
	}
	u.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &u, nil
}

func (r *repository) UpdateName(ctx context.Context, userID uuid.UUID, name string) error {
	query := `UPDATE users SET name = $1 WHERE id = $2`
	_, err := r.db.ExecContext(ctx, query, name, userID)
	return err
}

func (r *repository) UpdatePaymentHandle(ctx context.Context, userID uuid.UUID, handle string) error {
	query := `UPDATE users SET payment_handle = $1 WHERE id = $2`
	_, err := r.db.ExecContext(ctx, query, handle, userID)
	return err
}

func (r *repository) VerifyPassword(hashedPassword, password string) error {
	return bcrypt.CompareHashAndPassword([]byte(hashedPassword), []byte(password))
}
