package timeout

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"rewear/escrow"
)

// Windows configures how long a transaction may idle in each monitored state
// before the supervisor forces a transition.
type Windows struct {
	// Payment is the window to fund after creation; expiry cancels.
	Payment time.Duration
	// Shipping is the seller SLA to ship after funds are held; expiry refunds.
	Shipping time.Duration
	// Confirmation is the buyer window to confirm or dispute after delivery;
	// expiry releases to the seller.
	Confirmation time.Duration
}

// Funds is the ledger surface the supervisor needs for expiry settlements.
type Funds interface {
	Release(ctx context.Context, tx pgx.Tx, fromParty, toParty string, amount int64) error
	Refund(ctx context.Context, tx pgx.Tx, partyID string, amount int64) error
}

// Supervisor periodically scans non-terminal transactions whose last activity
// exceeds the window for their state and applies the automatic transition.
// Scans are idempotent: rows already transitioned or locked by an in-flight
// actor operation are skipped.
type Supervisor struct {
	pool    *pgxpool.Pool
	repo    *escrow.Repository
	funds   Funds
	windows Windows
	log     zerolog.Logger
	now     func() time.Time
	cron    *cron.Cron
	batch   int
}

func NewSupervisor(pool *pgxpool.Pool, repo *escrow.Repository, funds Funds, windows Windows, log zerolog.Logger) *Supervisor {
	return &Supervisor{
		pool:    pool,
		repo:    repo,
		funds:   funds,
		windows: windows,
		log:     log,
		now:     time.Now,
		batch:   100,
	}
}

// WithClock overrides the time source, for tests.
func (s *Supervisor) WithClock(now func() time.Time) *Supervisor {
	s.now = now
	return s
}

// Start schedules the recurring scan. Stop must be called on shutdown.
func (s *Supervisor) Start(ctx context.Context, every time.Duration) {
	if s.cron != nil {
		return
	}
	s.cron = cron.New()
	s.cron.Schedule(cron.Every(every), cron.FuncJob(func() {
		if n, err := s.Scan(ctx); err != nil {
			s.log.Error().Err(err).Msg("timeout scan failed")
		} else if n > 0 {
			s.log.Info().Int("expired", n).Msg("timeout scan applied transitions")
		}
	}))
	s.cron.Start()
}

// Stop cancels the schedule and waits for a running scan to finish.
func (s *Supervisor) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.cron = nil
}

// Scan finds overdue transactions and expires each in its own database
// transaction. Returns the number of transitions applied.
func (s *Supervisor) Scan(ctx context.Context) (int, error) {
	now := s.now()
	rows, err := s.pool.Query(ctx, `
		SELECT id
		FROM transactions
		WHERE (state = 'awaiting_payment' AND last_activity_at < $1)
		   OR (state = 'funds_held' AND last_activity_at < $2)
		   OR (state = 'delivered' AND last_activity_at < $3)
		ORDER BY last_activity_at
		LIMIT $4
	`, now.Add(-s.windows.Payment), now.Add(-s.windows.Shipping), now.Add(-s.windows.Confirmation), s.batch)
	if err != nil {
		return 0, fmt.Errorf("timeout: query overdue: %w", err)
	}
	ids := make([]string, 0, s.batch)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("timeout: scan id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("timeout: iterate overdue: %w", err)
	}

	expired := 0
	for _, id := range ids {
		applied, err := s.expire(ctx, id, now)
		if err != nil {
			return expired, err
		}
		if applied {
			expired++
		}
	}
	return expired, nil
}

// expire re-locks one candidate and applies its timeout action. The re-check
// under the row lock makes the scan a no-op for rows that transitioned (or
// saw activity) between the candidate query and the lock.
func (s *Supervisor) expire(ctx context.Context, id string, now time.Time) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("timeout: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	t, locked, err := s.repo.LockSkipLocked(ctx, tx, id)
	if err != nil {
		return false, err
	}
	if !locked {
		return false, nil
	}

	var (
		next      escrow.State
		eventType string
		topic     string
		window    time.Duration
	)
	switch t.State {
	case escrow.StateAwaitingPayment:
		next, eventType, topic, window = escrow.StateCancelled, escrow.EventPaymentTimeout, escrow.TopicCancelled, s.windows.Payment
	case escrow.StateFundsHeld:
		next, eventType, topic, window = escrow.StateRefundedToBuyer, escrow.EventShippingTimeout, escrow.TopicRefunded, s.windows.Shipping
	case escrow.StateDelivered:
		next, eventType, topic, window = escrow.StateReleasedToSeller, escrow.EventConfirmationTimeout, escrow.TopicReleased, s.windows.Confirmation
	default:
		// Already transitioned since the candidate query.
		return false, nil
	}
	if t.LastActivityAt.After(now.Add(-window)) {
		return false, nil
	}

	switch next {
	case escrow.StateRefundedToBuyer:
		if err := s.funds.Refund(ctx, tx, t.BuyerID, t.Amount); err != nil {
			return false, err
		}
	case escrow.StateReleasedToSeller:
		if err := s.funds.Release(ctx, tx, t.BuyerID, t.SellerID, t.Amount); err != nil {
			return false, err
		}
	}

	if err := s.repo.SetState(ctx, tx, t.ID, next); err != nil {
		return false, err
	}
	if err := s.repo.AppendEvent(ctx, tx, escrow.EventParams{
		TransactionID: t.ID,
		Type:          eventType,
		Initiator:     escrow.InitiatorSystem,
		Payload: map[string]any{
			"previous_state": string(t.State),
			"next_state":     string(next),
			"window":         window.String(),
			"idle_since":     t.LastActivityAt.UTC(),
		},
	}); err != nil {
		return false, err
	}
	if err := s.repo.Enqueue(ctx, tx, topic, map[string]any{
		"transaction_id": t.ID,
		"state":          string(next),
		"amount":         t.Amount,
		"system":         true,
	}); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("timeout: commit expiry: %w", err)
	}

	s.log.Info().
		Str("transaction_id", t.ID).
		Str("from", string(t.State)).
		Str("to", string(next)).
		Dur("window", window).
		Msg("system-initiated timeout transition")
	return true, nil
}
