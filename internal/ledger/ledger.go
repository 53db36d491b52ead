package ledger

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/mohammad-safakhou/deepresearch/internal/resilience"
)

// LimitDecision is the credit service's answer to a reservation
// request.
type LimitDecision struct {
	Allowed       bool    `json:"allowed"`
	ReservationID string  `json:"reservation_id"`
	EstimatedCost float64 `json:"estimated_cost"`
	// QuotaExceeded distinguishes "out of credits" denies from policy
	// denies (disallowed mode, suspended account). Only quota denies
	// should steer users toward topping up.
	QuotaExceeded bool   `json:"quota_exceeded,omitempty"`
	DenyReason    string `json:"deny_reason,omitempty"`
}

// Reservation is a live hold on user credits for one pipeline run.
type Reservation struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	EstimatedCost float64   `json:"estimated_cost"`
	CreatedAt     time.Time `json:"created_at"`
}

// PendingFinalization is a finalize attempt that has been durably
// recorded but not yet confirmed by the credit service. Replay retries
// these on startup and on a timer.
type PendingFinalization struct {
	ID            string    `json:"id"`
	ReservationID string    `json:"reservation_id"`
	UserID        string    `json:"user_id"`
	ActualCost    float64   `json:"actual_cost"`
	CreatedAt     time.Time `json:"created_at"`
}

// CreditService is the remote billing authority.
type CreditService interface {
	// CheckLimit asks for a hold of estimatedCost credits.
	CheckLimit(ctx context.Context, userID string, estimatedCost float64) (LimitDecision, error)

	// FinalizeCredits settles a reservation at its actual cost.
	FinalizeCredits(ctx context.Context, reservationID string, actualCost float64) error

	// CancelReservation releases a hold without charging.
	CancelReservation(ctx context.Context, reservationID string) error
}

// PendingQueue is durable storage for unconfirmed finalizations. It
// must survive process restarts.
type PendingQueue interface {
	Append(ctx context.Context, p PendingFinalization) error
	ListPending(ctx context.Context) ([]PendingFinalization, error)
	Remove(ctx context.Context, id string) error
}

// Ledger coordinates credit holds around pipeline runs. The invariant
// it protects: every reservation is settled exactly once, by either
// finalize or cancel, even across crashes. Finalizations are recorded
// durably before the remote call so a crash between charge-side effects
// and confirmation replays rather than double-charges or leaks.
type Ledger struct {
	credits       CreditService
	queue         PendingQueue
	pendingExpiry time.Duration
	logger        *log.Logger

	now func() time.Time // injected for tests
}

// New creates a ledger. pendingExpiry bounds how long an unconfirmed
// finalization is replayed before being dropped as unrecoverable.
func New(credits CreditService, queue PendingQueue, pendingExpiry time.Duration) *Ledger {
	if pendingExpiry <= 0 {
		pendingExpiry = 72 * time.Hour
	}
	return &Ledger{
		credits:       credits,
		queue:         queue,
		pendingExpiry: pendingExpiry,
		logger:        log.New(log.Writer(), "[LEDGER] ", log.LstdFlags),
		now:           time.Now,
	}
}

// Reserve places a hold for estimatedCost. A quota deny from the
// credit service maps to the quota_insufficient error kind so callers
// can distinguish "user is out of credits" from infrastructure failure;
// policy denies surface as validation errors instead.
func (l *Ledger) Reserve(ctx context.Context, userID string, estimatedCost float64) (Reservation, error) {
	decision, err := l.credits.CheckLimit(ctx, userID, estimatedCost)
	if err != nil {
		return Reservation{}, fmt.Errorf("check limit: %w", err)
	}
	if !decision.Allowed {
		msg := decision.DenyReason
		if decision.QuotaExceeded {
			if msg == "" {
				msg = "insufficient credits"
			}
			return Reservation{}, resilience.NewError(resilience.KindQuotaInsufficient, msg, nil)
		}
		if msg == "" {
			msg = "reservation denied"
		}
		return Reservation{}, resilience.NewError(resilience.KindValidation, msg, nil)
	}
	return Reservation{
		ID:            decision.ReservationID,
		UserID:        userID,
		EstimatedCost: decision.EstimatedCost,
		CreatedAt:     l.now(),
	}, nil
}

// Finalize settles a reservation at its actual cost. The pending record
// is appended to the durable queue first; only a confirmed remote
// finalize removes it. An unconfirmed attempt stays queued for Replay,
// and Finalize still returns nil because the charge will be settled.
func (l *Ledger) Finalize(ctx context.Context, res Reservation, actualCost float64) error {
	pending := PendingFinalization{
		ID:            uuid.New().String(),
		ReservationID: res.ID,
		UserID:        res.UserID,
		ActualCost:    actualCost,
		CreatedAt:     l.now(),
	}
	if err := l.queue.Append(ctx, pending); err != nil {
		// Without durability we must not attempt the remote call: a
		// crash after a successful call with no record would leave no
		// way to know the reservation was settled.
		return fmt.Errorf("append pending finalization: %w", err)
	}
	if err := l.credits.FinalizeCredits(ctx, res.ID, actualCost); err != nil {
		l.logger.Printf("finalize %s deferred to replay: %v", res.ID, err)
		return nil
	}
	if err := l.queue.Remove(ctx, pending.ID); err != nil {
		// Replay will retry; the credit service must treat repeat
		// finalizes of the same reservation as idempotent.
		l.logger.Printf("remove pending %s: %v", pending.ID, err)
	}
	return nil
}

// Cancel releases a hold. Best-effort: the credit service expires
// abandoned holds on its own schedule, so a failed cancel is logged
// and dropped.
func (l *Ledger) Cancel(ctx context.Context, res Reservation) {
	if res.ID == "" {
		return
	}
	if err := l.credits.CancelReservation(ctx, res.ID); err != nil {
		l.logger.Printf("cancel %s: %v", res.ID, err)
	}
}

// Replay retries every queued finalization. Entries older than the
// pending expiry are dropped as unrecoverable; the drop is logged loudly
// since it means revenue was lost. Returns the number settled.
func (l *Ledger) Replay(ctx context.Context) (int, error) {
	pending, err := l.queue.ListPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pending: %w", err)
	}
	settled := 0
	for _, p := range pending {
		if l.now().Sub(p.CreatedAt) > l.pendingExpiry {
			l.logger.Printf("DROPPING expired pending finalization %s (reservation %s, cost %.4f, age %s)",
				p.ID, p.ReservationID, p.ActualCost, l.now().Sub(p.CreatedAt).Round(time.Minute))
			if err := l.queue.Remove(ctx, p.ID); err != nil {
				l.logger.Printf("remove expired %s: %v", p.ID, err)
			}
			continue
		}
		if err := l.credits.FinalizeCredits(ctx, p.ReservationID, p.ActualCost); err != nil {
			l.logger.Printf("replay finalize %s: %v", p.ReservationID, err)
			continue
		}
		if err := l.queue.Remove(ctx, p.ID); err != nil {
			l.logger.Printf("remove replayed %s: %v", p.ID, err)
			continue
		}
		settled++
	}
	return settled, nil
}

// RunReplayLoop replays on a timer until ctx is cancelled. Meant to run
// in its own goroutine alongside the server.
func (l *Ledger) RunReplayLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := l.Replay(ctx); err != nil {
				l.logger.Printf("replay: %v", err)
			}
		}
	}
}
