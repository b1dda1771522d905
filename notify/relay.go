package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Notifier receives state-transition events. Delivery is fire-and-forget:
// a message exhausting its attempts is parked as dead, never retried.
type Notifier interface {
	Notify(ctx context.Context, topic string, payload []byte) error
}

// LogNotifier writes events to the structured log. Stands in for a real
// downstream (push service, webhook) in development and tests.
type LogNotifier struct {
	Log zerolog.Logger
}

func (n LogNotifier) Notify(_ context.Context, topic string, payload []byte) error {
	n.Log.Info().Str("topic", topic).RawJSON("payload", payload).Msg("notification")
	return nil
}

// Relay drains the transactional outbox and hands messages to the Notifier.
// Batches are claimed with SKIP LOCKED so multiple relays never double-deliver
// a message marked processed.
type Relay struct {
	pool        *pgxpool.Pool
	notifier    Notifier
	log         zerolog.Logger
	interval    time.Duration
	batch       int
	maxAttempts int
}

func NewRelay(pool *pgxpool.Pool, notifier Notifier, log zerolog.Logger, interval time.Duration) *Relay {
	return &Relay{
		pool:        pool,
		notifier:    notifier,
		log:         log,
		interval:    interval,
		batch:       50,
		maxAttempts: 5,
	}
}

// Run polls until the context is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.Drain(ctx); err != nil {
				r.log.Error().Err(err).Msg("outbox drain failed")
			}
		}
	}
}

// Drain claims one batch of pending messages and attempts delivery. Returns
// the number of messages delivered.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("notify: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, topic, payload, attempts
		FROM outbox
		WHERE status = 'pending'
		ORDER BY created_at
		FOR UPDATE SKIP LOCKED
		LIMIT $1
	`, r.batch)
	if err != nil {
		return 0, fmt.Errorf("notify: claim batch: %w", err)
	}

	type message struct {
		id       string
		topic    string
		payload  []byte
		attempts int
	}
	msgs := make([]message, 0, r.batch)
	for rows.Next() {
		var m message
		if err := rows.Scan(&m.id, &m.topic, &m.payload, &m.attempts); err != nil {
			rows.Close()
			return 0, fmt.Errorf("notify: scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("notify: iterate batch: %w", err)
	}

	delivered := 0
	for _, m := range msgs {
		if err := r.notifier.Notify(ctx, m.topic, m.payload); err != nil {
			status := "pending"
			if m.attempts+1 >= r.maxAttempts {
				status = "dead"
				r.log.Warn().Str("outbox_id", m.id).Str("topic", m.topic).Msg("outbox message dead after max attempts")
			}
			if _, err := tx.Exec(ctx, `
				UPDATE outbox SET attempts = attempts + 1, status = $2, last_attempt_at = now() WHERE id = $1
			`, m.id, status); err != nil {
				return delivered, fmt.Errorf("notify: record failure: %w", err)
			}
			continue
		}
		if _, err := tx.Exec(ctx, `
			UPDATE outbox SET status = 'processed', attempts = attempts + 1, last_attempt_at = now() WHERE id = $1
		`, m.id); err != nil {
			return delivered, fmt.Errorf("notify: mark processed: %w", err)
		}
		delivered++
	}

	if err := tx.Commit(ctx); err != nil {
		return delivered, fmt.Errorf("notify: commit batch: %w", err)
	}
	return delivered, nil
}
