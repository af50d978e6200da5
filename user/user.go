package user

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// User is a platform account. PaymentHandle is the account's payout
// destination (Venmo/PayPal/Zelle handle); early payouts require one.
type User struct {
	ID            uuid.UUID `json:"id"`
	Name          string    `json:"name"`
	Email         string    `json:"email"`
	PaymentHandle string    `json:"payment_handle"`
	PasswordHash  string    `json:"-"`
	CreatedAt     time.Time `json:"created_at"`
}

type Repository interface {
	Register(ctx context.Context, email, password string) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)
	VerifyPassword(hashedPassword, password string) error
	UpdateName(ctx context.Context, userID uuid.UUID, name string) error
	UpdatePaymentHandle(ctx context.Context, userID uuid.UUID, handle string) error
}
