// Package eventlogger records pool domain events (round opened, payout
// released, member missed) for the external notification and analytics
// collaborators.
package eventlogger

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event types emitted by the pool state machine.
const (
	TypePoolCreated      = "pool.created"
	TypePoolPaused       = "pool.paused"
	TypePoolResumed      = "pool.resumed"
	TypePoolCompleted    = "pool.completed"
	TypeRoundOpened      = "pool.round_opened"
	TypeRoundClosed      = "pool.round_closed"
	TypePayoutReleased   = "pool.payout_released"
	TypePaymentConfirmed = "pool.payment_confirmed"
	TypePaymentVerified  = "pool.payment_verified"
	TypeMemberMissed     = "pool.member_missed"
	TypeMemberExcused    = "pool.member_excused"
)

type Event struct {
	ID        uuid.UUID         `json:"id,omitempty"`
	Type      string            `json:"event_type,omitempty"`
	PoolID    uuid.UUID         `json:"pool_id,omitempty"`
	Data      any               `json:"event_data,omitempty"`
	Metadata  map[string]string `json:"event_metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

type EventOption func(*Event)

func WithType(eventType string) EventOption {
	return func(e *Event) {
		e.Type = eventType
	}
}

func WithPool(poolID uuid.UUID) EventOption {
	return func(e *Event) {
		e.PoolID = poolID
	}
}

func WithData(data any) EventOption {
	return func(e *Event) {
		e.Data = data
	}
}

func WithMetadata(metadata map[string]string) EventOption {
	return func(e *Event) {
		e.Metadata = metadata
	}
}

func NewEvent(opts ...EventOption) Event {
	e := Event{
		ID:        uuid.New(),
		CreatedAt: time.Now(),
		Metadata:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(&e)
	}
	return e
}

type EventLogger interface {
	Save(ctx context.Context, e Event) error
	GetByType(ctx context.Context, eventType string) ([]Event, error)
	GetByPool(ctx context.Context, poolID uuid.UUID) ([]Event, error)
}
