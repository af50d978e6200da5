package session

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"time"

	"github.com/google/uuid"
)

type repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) Repository {
	return &repository{db: db}
}

func (r *repository) Create(ctx context.Context, userID uuid.UUID) (*Session, error) {
	token, err := generateSecureToken()
	if err != nil {
		return nil, err
	}

	sess := &Session{
		ID:        uuid.New(),
		UserID:    userID,
		Token:     token,
		ExpiresAt: time.Now().Add(sessionDuration),
		CreatedAt: time.Now(),
	}

	query := `
        INSERT INTO sessions (id, user_id, token, expires_at, created_at)
        VALUES ($1, $2, $3, $4, $5)
    `

	_, err = r.db.ExecContext(ctx, query,
		sess.ID,
		sess.UserID,
		sess.Token,
		sess.ExpiresAt.Unix(),
		sess.CreatedAt.Unix(),
	)
	if err != nil {
		return nil, err
	}

	return sess, nil
}

// GetByToken retrieves a session by token and validates it's not expired
func (r *repository) GetByToken(ctx context.Context, token string) (*Session, error) {
	var sess Session
	var expiresAt, createdAt int64

	query := `
        SELECT id, user_id, token, expires_at, created_at
        FROM sessions
        WHERE token = $1
    `

	err := r.db.QueryRowContext(ctx, query, token).Scan(
		&sess.ID,
		&sess.UserID,
		&sess.Token,
		&expiresAt,
		&createdAt,
	)
	if err != nil && err == sql.ErrNoRows {
		return nil, ErrInvalidSession
	}
	if err != nil {
		return nil, err
	}
	sess.ExpiresAt = time.Unix(expiresAt, 0)
	sess.CreatedAt = time.Unix(createdAt, 0)

	if time.Now().After(sess.ExpiresAt) {
		return nil, ErrExpiredSession
	}

	return &sess, nil
}

// Delete removes a session (logout)
func (r *repository) Delete(ctx context.Context, token string) error {
	query := `DELETE FROM sessions WHERE token = $1`
	_, err := r.db.ExecContext(ctx, query, token)
	return err
}

// DeleteByUserID removes all sessions for a user
func (r *repository) DeleteByUserID(ctx context.Context, userID uuid.UUID) error {
	query := `DELETE FROM sessions WHERE user_id = $1`
	_, err := r.db.ExecContext(ctx, query, userID)
	return err
}

func generateSecureToken() (string, error) {
	b := make([]byte, 32)
	_, err := rand.Read(b)
	if err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}
