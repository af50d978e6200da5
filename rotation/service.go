// Package rotation is the pool state machine. It opens rounds, accepts
// confirmations, releases payouts and advances rounds by mutating the round
// ledger, consulting the payout policy, updating roster aggregates and
// appending to the settlement log. Every operation commits or fails; nothing
// here runs in the background.
package rotation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/pgil256/juntas-seguras-sub003/eventlogger"
	"github.com/pgil256/juntas-seguras-sub003/ledger"
	"github.com/pgil256/juntas-seguras-sub003/metrics"
	"github.com/pgil256/juntas-seguras-sub003/policy"
	"github.com/pgil256/juntas-seguras-sub003/pool"
	"github.com/pgil256/juntas-seguras-sub003/settlement"
)

var (
	ErrPayoutNotAllowed  = errors.New("payout decision does not allow release")
	ErrRoundNotCollected = errors.New("current round is not fully collected")
	ErrPayoutNotReleased = errors.New("no payout released for the current round")
	ErrStaleDecision     = errors.New("decision does not match the pool's current round")
)

// EventSink receives domain events; the eventlogger worker satisfies it.
type EventSink interface {
	Log(eventlogger.Event)
}

type Service struct {
	pools       pool.Repository
	rounds      ledger.Repository
	settlements settlement.Repository
	events      EventSink
	now         func() time.Time
}

type Option func(*Service)

// WithClock injects the time source; due dates and payout timestamps are
// never read from the system clock directly.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

func NewService(pools pool.Repository, rounds ledger.Repository, settlements settlement.Repository, events EventSink, opts ...Option) *Service {
	s := &Service{
		pools:       pools,
		rounds:      rounds,
		settlements: settlements,
		events:      events,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreatePool validates the configuration, persists the pool with its
// roster, opens round 1 and activates the pool.
func (s *Service) CreatePool(ctx context.Context, name string, contributionAmount int64, frequency pool.Frequency, startDate time.Time, createdBy uuid.UUID, memberNames []string) (*pool.Pool, pool.Roster, error) {
	p, roster, err := pool.NewPool(name, contributionAmount, frequency, startDate, createdBy, memberNames)
	if err != nil {
		return nil, nil, err
	}

	if err := s.pools.CreatePool(ctx, p, roster); err != nil {
		return nil, nil, fmt.Errorf("creating pool: %w", err)
	}

	rnd, payments := ledger.NewRound(&p, roster, 1, s.now())
	if err := s.rounds.OpenRound(ctx, rnd, payments); err != nil {
		return nil, nil, fmt.Errorf("opening first round: %w", err)
	}

	if err := s.pools.Activate(ctx, p.ID); err != nil {
		return nil, nil, fmt.Errorf("activating pool: %w", err)
	}
	p.Status = pool.StatusActive

	s.emit(eventlogger.TypePoolCreated, p.ID, map[string]string{
		"name":         p.Name,
		"total_rounds": strconv.Itoa(p.TotalRounds),
	})
	s.emit(eventlogger.TypeRoundOpened, p.ID, map[string]string{
		"round":    "1",
		"due_date": rnd.DueDate.Format(time.RFC3339),
	})

	return &p, roster, nil
}

// ConfirmPayment records a member's self-reported payment for the open
// round. Self-confirmation is not the trust gate; admin verification is.
func (s *Service) ConfirmPayment(ctx context.Context, poolID, memberID uuid.UUID, method string) error {
	p, err := s.mutablePool(ctx, poolID)
	if err != nil {
		return err
	}

	rp, err := s.openPayment(ctx, p, memberID)
	if err != nil {
		return err
	}
	if !rp.Status.CanConfirm() {
		return ledger.ErrInvalidTransition
	}

	if err := s.rounds.MarkConfirmed(ctx, rp.ID, method, s.now()); err != nil {
		return err
	}

	metrics.PaymentsConfirmed.Inc()
	s.emit(eventlogger.TypePaymentConfirmed, p.ID, map[string]string{
		"member_id": memberID.String(),
		"round":     strconv.Itoa(rp.Round),
		"method":    method,
	})
	return nil
}

// VerifyPayment is the admin trust gate: only verified payments count
// toward a fully collected round. Verification straight from pending or
// late is allowed as an admin override.
func (s *Service) VerifyPayment(ctx context.Context, poolID, memberID, verifiedBy uuid.UUID, notes string) error {
	p, err := s.mutablePool(ctx, poolID)
	if err != nil {
		return err
	}

	rp, err := s.openPayment(ctx, p, memberID)
	if err != nil {
		return err
	}
	if !rp.Status.CanVerify() {
		return ledger.ErrInvalidTransition
	}

	// The status flip and the member's contribution aggregates commit
	// together; a repeated verify fails without touching either.
	now := s.now()
	onTime := !now.After(rp.DueDate)
	if err := s.rounds.MarkVerified(ctx, rp, verifiedBy, notes, now, onTime); err != nil {
		return err
	}

	metrics.PaymentsVerified.Inc()
	s.emit(eventlogger.TypePaymentVerified, p.ID, map[string]string{
		"member_id": memberID.String(),
		"round":     strconv.Itoa(rp.Round),
		"on_time":   strconv.FormatBool(onTime),
	})
	return nil
}

// MarkMissed is an admin-only terminal transition for the round.
func (s *Service) MarkMissed(ctx context.Context, poolID, memberID uuid.UUID) error {
	p, err := s.mutablePool(ctx, poolID)
	if err != nil {
		return err
	}

	rp, err := s.openPayment(ctx, p, memberID)
	if err != nil {
		return err
	}
	if !rp.Status.CanClose() {
		return ledger.ErrInvalidTransition
	}

	if err := s.rounds.MarkMissed(ctx, rp); err != nil {
		return err
	}

	s.emit(eventlogger.TypeMemberMissed, p.ID, map[string]string{
		"member_id": memberID.String(),
		"round":     strconv.Itoa(rp.Round),
	})
	return nil
}

// MarkExcused releases a member from the round's contribution; the payout
// pot shrinks accordingly.
func (s *Service) MarkExcused(ctx context.Context, poolID, memberID uuid.UUID, reason string) error {
	p, err := s.mutablePool(ctx, poolID)
	if err != nil {
		return err
	}

	rp, err := s.openPayment(ctx, p, memberID)
	if err != nil {
		return err
	}
	if !rp.Status.CanClose() {
		return ledger.ErrInvalidTransition
	}

	if err := s.rounds.MarkExcused(ctx, rp.ID, reason); err != nil {
		return err
	}

	s.emit(eventlogger.TypeMemberExcused, p.ID, map[string]string{
		"member_id": memberID.String(),
		"round":     strconv.Itoa(rp.Round),
		"reason":    reason,
	})
	return nil
}

// MarkLatePayments is the round-timer event: every pending payment past its
// due date flips to late. Returns how many payments were flipped.
func (s *Service) MarkLatePayments(ctx context.Context, poolID uuid.UUID) (int64, error) {
	p, err := s.mutablePool(ctx, poolID)
	if err != nil {
		return 0, err
	}

	rnd, err := s.rounds.GetOpenRound(ctx, p.ID)
	if err != nil {
		return 0, err
	}
	if rnd == nil {
		return 0, ledger.ErrNoOpenRound
	}

	return s.rounds.MarkLateDue(ctx, p.ID, rnd.Round, s.now())
}

// RecordReminder counts a contribution reminder sent for the member's open
// payment. Sending itself happens outside; the count feeds the admin view.
func (s *Service) RecordReminder(ctx context.Context, poolID, memberID uuid.UUID) error {
	p, err := s.mutablePool(ctx, poolID)
	if err != nil {
		return err
	}

	rp, err := s.openPayment(ctx, p, memberID)
	if err != nil {
		return err
	}
	return s.rounds.RecordReminder(ctx, rp.ID)
}

// AddMember joins a member mid-pool at the next payout position. If a round
// is open they are back-filled with an immediately due payment.
func (s *Service) AddMember(ctx context.Context, poolID uuid.UUID, displayName string, userID uuid.UUID) (*pool.Member, error) {
	p, err := s.mutablePool(ctx, poolID)
	if err != nil {
		return nil, err
	}
	if displayName == "" {
		return nil, pool.ErrEmptyName
	}

	roster, err := s.pools.GetRoster(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	nextPosition := 0
	for _, m := range roster {
		if m.Position > nextPosition {
			nextPosition = m.Position
		}
	}

	m := pool.Member{
		ID:          uuid.New(),
		PoolID:      p.ID,
		UserID:      userID,
		DisplayName: displayName,
		Position:    nextPosition + 1,
		Status:      pool.MemberActive,
		JoinedAt:    s.now(),
	}
	if err := s.pools.AddMember(ctx, m); err != nil {
		return nil, err
	}

	rnd, err := s.rounds.GetOpenRound(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	if rnd != nil {
		rp := ledger.BackfillPayment(p, &m, rnd.Round, s.now())
		if err := s.rounds.InsertPayment(ctx, rp); err != nil {
			return nil, err
		}
	}

	return &m, nil
}

// RemoveMember deactivates a member; their outstanding payment for the open
// round is excused automatically so the round can still close.
func (s *Service) RemoveMember(ctx context.Context, poolID, memberID uuid.UUID) error {
	p, err := s.mutablePool(ctx, poolID)
	if err != nil {
		return err
	}

	m, err := s.pools.GetMember(ctx, memberID)
	if err != nil {
		return err
	}
	if m == nil || m.PoolID != p.ID {
		return pool.ErrMemberNotFound
	}

	if err := s.pools.SetMemberStatus(ctx, memberID, pool.MemberInactive); err != nil {
		return err
	}

	rnd, err := s.rounds.GetOpenRound(ctx, p.ID)
	if err != nil {
		return err
	}
	if rnd != nil {
		rp, err := s.rounds.GetPayment(ctx, p.ID, rnd.Round, memberID)
		if err != nil {
			return err
		}
		if rp != nil && rp.Status.CanClose() {
			if err := s.rounds.MarkExcused(ctx, rp.ID, "member removed from pool"); err != nil {
				return err
			}
		}
	}

	return nil
}

// EvaluateInTurnPayout runs the policy for the current round's designated
// recipient. A negative decision is a normal result, not an error.
func (s *Service) EvaluateInTurnPayout(ctx context.Context, poolID uuid.UUID) (policy.Decision, error) {
	p, roster, payments, err := s.loadRoundState(ctx, poolID)
	if err != nil {
		return policy.Decision{}, err
	}
	return policy.EvaluateInTurnPayout(p, payments, roster)
}

// EvaluateEarlyPayout runs the policy for an out-of-turn recipient. The
// collection bar applies to the current open round.
func (s *Service) EvaluateEarlyPayout(ctx context.Context, poolID, recipientID uuid.UUID) (policy.Decision, error) {
	p, roster, payments, err := s.loadRoundState(ctx, poolID)
	if err != nil {
		return policy.Decision{}, err
	}
	return policy.EvaluateEarlyPayout(p, payments, roster, recipientID)
}

// ReleasePayout appends the settlement record and marks the recipient paid,
// atomically. It does not advance the round; rotation stays an independent,
// separately retryable step. The settlement log's (pool, round) uniqueness
// is the concurrency gate: a racing duplicate fails with
// settlement.ErrDuplicatePayout.
func (s *Service) ReleasePayout(ctx context.Context, poolID uuid.UUID, d policy.Decision, reason string, initiatedBy uuid.UUID) (*settlement.PayoutRecord, error) {
	if !d.Allowed {
		return nil, ErrPayoutNotAllowed
	}

	p, err := s.mutablePool(ctx, poolID)
	if err != nil {
		return nil, err
	}
	if d.PoolID != p.ID || d.Round != p.CurrentRound {
		return nil, ErrStaleDecision
	}

	rec := settlement.NewRecord(d, ledger.DueDate(p, d.Round), s.now(), reason, initiatedBy)
	if err := s.settlements.Append(ctx, rec); err != nil {
		return nil, err
	}

	metrics.PayoutsReleased.Inc()
	s.emit(eventlogger.TypePayoutReleased, p.ID, map[string]string{
		"round":        strconv.Itoa(rec.Round),
		"recipient_id": rec.RecipientMemberID.String(),
		"amount":       strconv.FormatInt(rec.Amount, 10),
		"early":        strconv.FormatBool(rec.WasEarlyPayout),
	})
	return &rec, nil
}

// AdvanceRound closes the current round and opens the next, or completes
// the pool after the final round, in one transaction. Preconditions: the
// pool is active, the round is fully collected and its payout has been
// released. The closed round is frozen; a verification racing past this
// point fails on the closed-round guards.
func (s *Service) AdvanceRound(ctx context.Context, poolID uuid.UUID) error {
	p, err := s.mutablePool(ctx, poolID)
	if err != nil {
		return err
	}
	// Rotation runs only on an active pool. A paused pool is rejected here,
	// before the ledger is touched, so a round is never closed without its
	// successor opening.
	if p.Status != pool.StatusActive {
		return pool.ErrInvalidState
	}

	roster, err := s.pools.GetRoster(ctx, p.ID)
	if err != nil {
		return err
	}

	rnd, err := s.rounds.GetOpenRound(ctx, p.ID)
	if err != nil {
		return err
	}
	if rnd == nil || rnd.Round != p.CurrentRound {
		return ledger.ErrNoOpenRound
	}

	payments, err := s.rounds.GetPayments(ctx, p.ID, rnd.Round)
	if err != nil {
		return err
	}
	if !ledger.IsFullyCollected(payments, roster) {
		return ErrRoundNotCollected
	}

	rec, err := s.settlements.GetByRound(ctx, p.ID, rnd.Round)
	if err != nil {
		return err
	}
	if rec == nil {
		return ErrPayoutNotReleased
	}

	now := s.now()
	if p.CurrentRound >= p.TotalRounds {
		if err := s.rounds.Rotate(ctx, p, now, nil, nil); err != nil {
			return err
		}
		metrics.RoundsAdvanced.Inc()
		s.emit(eventlogger.TypeRoundClosed, p.ID, map[string]string{
			"round": strconv.Itoa(rnd.Round),
		})
		s.emit(eventlogger.TypePoolCompleted, p.ID, map[string]string{
			"total_rounds": strconv.Itoa(p.TotalRounds),
		})
		return nil
	}

	next := p.CurrentRound + 1
	nextRound, nextPayments := ledger.NewRound(p, roster, next, now)
	if err := s.rounds.Rotate(ctx, p, now, &nextRound, nextPayments); err != nil {
		return err
	}

	metrics.RoundsAdvanced.Inc()
	s.emit(eventlogger.TypeRoundClosed, p.ID, map[string]string{
		"round": strconv.Itoa(rnd.Round),
	})
	s.emit(eventlogger.TypeRoundOpened, p.ID, map[string]string{
		"round":    strconv.Itoa(next),
		"due_date": nextRound.DueDate.Format(time.RFC3339),
	})
	return nil
}

// Pause suspends an active pool; Resume reverses it. Neither touches the
// ledger.
func (s *Service) Pause(ctx context.Context, poolID uuid.UUID) error {
	p, err := s.mutablePool(ctx, poolID)
	if err != nil {
		return err
	}
	if err := s.pools.Pause(ctx, p.ID); err != nil {
		return err
	}
	s.emit(eventlogger.TypePoolPaused, p.ID, nil)
	return nil
}

func (s *Service) Resume(ctx context.Context, poolID uuid.UUID) error {
	p, err := s.mutablePool(ctx, poolID)
	if err != nil {
		return err
	}
	if err := s.pools.Resume(ctx, p.ID); err != nil {
		return err
	}
	s.emit(eventlogger.TypePoolResumed, p.ID, nil)
	return nil
}

// RoundStatus is the ledger state query the dashboards consume.
type RoundStatus struct {
	Round          *ledger.Round         `json:"round"`
	Payments       []ledger.RoundPayment `json:"payments"`
	FullyCollected bool                  `json:"fully_collected"`
	Missing        []uuid.UUID           `json:"missing_contributions,omitempty"`
}

func (s *Service) GetRoundStatus(ctx context.Context, poolID uuid.UUID) (*RoundStatus, error) {
	p, err := s.getPool(ctx, poolID)
	if err != nil {
		return nil, err
	}
	roster, err := s.pools.GetRoster(ctx, p.ID)
	if err != nil {
		return nil, err
	}

	rnd, err := s.rounds.GetOpenRound(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	if rnd == nil {
		return nil, ledger.ErrNoOpenRound
	}

	payments, err := s.rounds.GetPayments(ctx, p.ID, rnd.Round)
	if err != nil {
		return nil, err
	}

	missing := ledger.MissingContributors(payments, roster)
	return &RoundStatus{
		Round:          rnd,
		Payments:       payments,
		FullyCollected: len(missing) == 0,
		Missing:        missing,
	}, nil
}

func (s *Service) GetPool(ctx context.Context, poolID uuid.UUID) (*pool.Pool, pool.Roster, error) {
	p, err := s.getPool(ctx, poolID)
	if err != nil {
		return nil, nil, err
	}
	roster, err := s.pools.GetRoster(ctx, p.ID)
	if err != nil {
		return nil, nil, err
	}
	return p, roster, nil
}

func (s *Service) getPool(ctx context.Context, poolID uuid.UUID) (*pool.Pool, error) {
	p, err := s.pools.GetPool(ctx, poolID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, pool.ErrPoolNotFound
	}
	return p, nil
}

// mutablePool loads the pool and rejects mutation of a completed one.
// Completion is terminal; the failure is explicit, never a silent no-op.
func (s *Service) mutablePool(ctx context.Context, poolID uuid.UUID) (*pool.Pool, error) {
	p, err := s.getPool(ctx, poolID)
	if err != nil {
		return nil, err
	}
	if !p.CanMutate() {
		return nil, pool.ErrInvalidState
	}
	return p, nil
}

// openPayment resolves the member's payment for the open round.
func (s *Service) openPayment(ctx context.Context, p *pool.Pool, memberID uuid.UUID) (*ledger.RoundPayment, error) {
	rnd, err := s.rounds.GetOpenRound(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	if rnd == nil {
		return nil, ledger.ErrNoOpenRound
	}

	rp, err := s.rounds.GetPayment(ctx, p.ID, rnd.Round, memberID)
	if err != nil {
		return nil, err
	}
	if rp == nil {
		return nil, ledger.ErrPaymentNotFound
	}
	return rp, nil
}

// loadRoundState gathers the inputs the pure policy functions need.
func (s *Service) loadRoundState(ctx context.Context, poolID uuid.UUID) (*pool.Pool, pool.Roster, []ledger.RoundPayment, error) {
	p, err := s.getPool(ctx, poolID)
	if err != nil {
		return nil, nil, nil, err
	}
	roster, err := s.pools.GetRoster(ctx, p.ID)
	if err != nil {
		return nil, nil, nil, err
	}

	rnd, err := s.rounds.GetOpenRound(ctx, p.ID)
	if err != nil {
		return nil, nil, nil, err
	}
	if rnd == nil {
		return nil, nil, nil, ledger.ErrNoOpenRound
	}

	payments, err := s.rounds.GetPayments(ctx, p.ID, rnd.Round)
	if err != nil {
		return nil, nil, nil, err
	}
	return p, roster, payments, nil
}

func (s *Service) emit(eventType string, poolID uuid.UUID, data map[string]string) {
	if s.events == nil {
		return
	}
	s.events.Log(eventlogger.NewEvent(
		eventlogger.WithType(eventType),
		eventlogger.WithPool(poolID),
		eventlogger.WithData(data),
	))
}
