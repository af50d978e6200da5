package pool

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
)

type Frequency string

const (
	FrequencyWeekly   Frequency = "weekly"
	FrequencyBiweekly Frequency = "biweekly"
	FrequencyMonthly  Frequency = "monthly"
)

// Advance returns t moved forward by the given number of contribution
// periods.
func (f Frequency) Advance(t time.Time, periods int) time.Time {
	switch f {
	case FrequencyWeekly:
		return t.AddDate(0, 0, 7*periods)
	case FrequencyBiweekly:
		return t.AddDate(0, 0, 14*periods)
	case FrequencyMonthly:
		return t.AddDate(0, periods, 0)
	}
	return t
}

func (f Frequency) Valid() bool {
	switch f {
	case FrequencyWeekly, FrequencyBiweekly, FrequencyMonthly:
		return true
	}
	return false
}

type MemberStatus string

const (
	MemberActive    MemberStatus = "active"
	MemberInactive  MemberStatus = "inactive"
	MemberSuspended MemberStatus = "suspended"
)

var (
	ErrInvalidState     = errors.New("operation not permitted in current pool state")
	ErrPoolNotFound     = errors.New("pool not found")
	ErrMemberNotFound   = errors.New("member not found")
	ErrEmptyName        = errors.New("name can't be empty")
	ErrInvalidAmount    = errors.New("contribution amount must be a positive whole currency unit")
	ErrInvalidFrequency = errors.New("frequency must be weekly, biweekly or monthly")
	ErrRosterTooSmall   = errors.New("a pool needs at least two members")
)

// Pool is a rotating savings group. CurrentRound stays within
// [1, TotalRounds] while the pool runs and parks at TotalRounds+1 once every
// member has been paid out.
type Pool struct {
	ID                 uuid.UUID `json:"id"`
	Name               string    `json:"name"`
	ContributionAmount int64     `json:"contribution_amount"` // cents
	Frequency          Frequency `json:"frequency"`
	TotalRounds        int       `json:"total_rounds"`
	CurrentRound       int       `json:"current_round"`
	Status             Status    `json:"status"`
	CreatedBy          uuid.UUID `json:"created_by"`
	StartDate          time.Time `json:"start_date"`
	CreatedAt          time.Time `json:"created_at"`
}

func (p *Pool) IsCompleted() bool { return p.Status == StatusCompleted }

// CanMutate reports whether ledger-affecting operations are still allowed.
func (p *Pool) CanMutate() bool { return p.Status != StatusCompleted }

func (p *Pool) CanPause() bool  { return p.Status == StatusActive }
func (p *Pool) CanResume() bool { return p.Status == StatusPaused }

// Member is one participant in a pool. Position is the 1-based payout-order
// index, fixed at creation; it is never used as an address.
type Member struct {
	ID                uuid.UUID    `json:"id"`
	PoolID            uuid.UUID    `json:"pool_id"`
	UserID            uuid.UUID    `json:"user_id"`
	DisplayName       string       `json:"display_name"`
	Position          int          `json:"position"`
	Status            MemberStatus `json:"status"`
	PayoutDestination string       `json:"payout_destination,omitempty"`
	TotalContributed  int64        `json:"total_contributed"`
	PaymentsOnTime    int          `json:"payments_on_time"`
	PaymentsMissed    int          `json:"payments_missed"`
	PayoutReceived    bool         `json:"payout_received"`
	PayoutDate        *time.Time   `json:"payout_date,omitempty"`
	JoinedAt          time.Time    `json:"joined_at"`
}

// Roster is the member list of a single pool.
type Roster []Member

func (r Roster) ByID(id uuid.UUID) (*Member, bool) {
	for i := range r {
		if r[i].ID == id {
			return &r[i], true
		}
	}
	return nil, false
}

// ByPosition returns the member holding the given payout-order slot.
func (r Roster) ByPosition(position int) (*Member, bool) {
	for i := range r {
		if r[i].Position == position {
			return &r[i], true
		}
	}
	return nil, false
}

func (r Roster) Active() Roster {
	active := make(Roster, 0, len(r))
	for _, m := range r {
		if m.Status == MemberActive {
			active = append(active, m)
		}
	}
	return active
}

// NewPool validates the configuration and builds a pending pool with its
// roster. One round per member: each position receives exactly one payout.
func NewPool(name string, contributionAmount int64, frequency Frequency, startDate time.Time, createdBy uuid.UUID, memberNames []string) (Pool, Roster, error) {
	if name == "" {
		return Pool{}, nil, ErrEmptyName
	}
	// Whole currency units only, so per-member amounts never need
	// fractional-cent rounding.
	if contributionAmount <= 0 || contributionAmount%100 != 0 {
		return Pool{}, nil, ErrInvalidAmount
	}
	if !frequency.Valid() {
		return Pool{}, nil, ErrInvalidFrequency
	}
	if len(memberNames) < 2 {
		return Pool{}, nil, ErrRosterTooSmall
	}

	now := time.Now().UTC()
	p := Pool{
		ID:                 uuid.New(),
		Name:               name,
		ContributionAmount: contributionAmount,
		Frequency:          frequency,
		TotalRounds:        len(memberNames),
		CurrentRound:       1,
		Status:             StatusPending,
		CreatedBy:          createdBy,
		StartDate:          startDate,
		CreatedAt:          now,
	}

	roster := make(Roster, 0, len(memberNames))
	for i, memberName := range memberNames {
		if memberName == "" {
			return Pool{}, nil, fmt.Errorf("member %d: %w", i+1, ErrEmptyName)
		}
		roster = append(roster, Member{
			ID:          uuid.New(),
			PoolID:      p.ID,
			DisplayName: memberName,
			Position:    i + 1,
			Status:      MemberActive,
			JoinedAt:    now,
		})
	}

	return p, roster, nil
}
