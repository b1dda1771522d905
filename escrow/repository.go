package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const txColumns = `id, listing_id, buyer_id, seller_id, amount, state::text, created_at, last_activity_at`

// Repository owns the SQL for transactions, timeline events, the outbox and
// idempotency keys. Mutating methods take the caller's pgx.Tx so every
// transition, its audit event and its notification commit atomically. The
// dispute and timeout packages reuse these methods for their own transitions.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ReserveRequest claims the request id inside the active transaction. A
// replayed id surfaces as ErrDuplicateRequest via the primary-key violation.
func (r *Repository) ReserveRequest(ctx context.Context, tx pgx.Tx, key, transactionID string) error {
	if key == "" {
		return fmt.Errorf("escrow: empty request id")
	}
	var txID any
	if transactionID != "" {
		txID = transactionID
	}
	if _, err := tx.Exec(ctx, `INSERT INTO idempotency (key, transaction_id) VALUES ($1, $2)`, key, txID); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateRequest
		}
		return fmt.Errorf("escrow: reserve request id: %w", err)
	}
	return nil
}

// LinkRequest records the transaction an already reserved request id produced,
// for requests reserved before the transaction row existed.
func (r *Repository) LinkRequest(ctx context.Context, tx pgx.Tx, key, transactionID string) error {
	if _, err := tx.Exec(ctx, `UPDATE idempotency SET transaction_id = $2 WHERE key = $1`, key, transactionID); err != nil {
		return fmt.Errorf("escrow: link request id: %w", err)
	}
	return nil
}

// RequestTransaction returns the transaction id recorded for an already
// processed request id, so replays can observe the original outcome.
func (r *Repository) RequestTransaction(ctx context.Context, key string) (string, error) {
	var id *string
	err := r.pool.QueryRow(ctx, `SELECT transaction_id::text FROM idempotency WHERE key = $1`, key).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("escrow: lookup request id: %w", err)
	}
	if id == nil {
		return "", ErrNotFound
	}
	return *id, nil
}

func scanTransaction(row pgx.Row) (Transaction, error) {
	var t Transaction
	err := row.Scan(&t.ID, &t.ListingID, &t.BuyerID, &t.SellerID, &t.Amount, &t.State, &t.CreatedAt, &t.LastActivityAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, ErrNotFound
		}
		return Transaction{}, fmt.Errorf("escrow: scan transaction: %w", err)
	}
	return t, nil
}

// Insert creates the transaction row. The partial unique index on open
// transactions per listing turns a concurrent double-create into
// ErrListingUnavailable.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, t Transaction) (Transaction, error) {
	row := tx.QueryRow(ctx, `
		INSERT INTO transactions (listing_id, buyer_id, seller_id, amount, state)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+txColumns+`
	`, t.ListingID, t.BuyerID, t.SellerID, t.Amount, t.State)
	created, err := scanTransaction(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Transaction{}, fmt.Errorf("%w: listing %s has an open transaction", ErrListingUnavailable, t.ListingID)
		}
		return Transaction{}, fmt.Errorf("escrow: insert transaction: %w", err)
	}
	return created, nil
}

func (r *Repository) Get(ctx context.Context, id string) (Transaction, error) {
	return scanTransaction(r.pool.QueryRow(ctx, `SELECT `+txColumns+` FROM transactions WHERE id = $1`, id))
}

// GetForUpdate locks the transaction row, serializing all transitions on the
// same transaction id. Concurrent callers queue here; the loser re-reads the
// winner's state and fails its guard.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Transaction, error) {
	return scanTransaction(tx.QueryRow(ctx, `SELECT `+txColumns+` FROM transactions WHERE id = $1 FOR UPDATE`, id))
}

// LockSkipLocked is the supervisor's variant: rows locked by an in-flight
// actor operation are skipped rather than waited on.
func (r *Repository) LockSkipLocked(ctx context.Context, tx pgx.Tx, id string) (Transaction, bool, error) {
	t, err := scanTransaction(tx.QueryRow(ctx, `SELECT `+txColumns+` FROM transactions WHERE id = $1 FOR UPDATE SKIP LOCKED`, id))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Transaction{}, false, nil
		}
		return Transaction{}, false, err
	}
	return t, true, nil
}

// SetState moves the transaction to next and refreshes last_activity_at. The
// caller must hold the row lock and have validated the transition.
func (r *Repository) SetState(ctx context.Context, tx pgx.Tx, id string, next State) error {
	tag, err := tx.Exec(ctx, `
		UPDATE transactions
		SET state = $1, last_activity_at = now()
		WHERE id = $2
	`, next, id)
	if err != nil {
		return fmt.Errorf("escrow: set state %s: %w", next, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// EventParams describes one append-only timeline event.
type EventParams struct {
	TransactionID string
	Type          string
	Initiator     string
	ActorID       string
	Payload       map[string]any
}

// AppendEvent writes the next timeline event. Seq is computed under the
// transaction row lock, so it is gap-free and monotonic per transaction.
func (r *Repository) AppendEvent(ctx context.Context, tx pgx.Tx, params EventParams) error {
	payload := params.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("escrow: marshal event payload: %w", err)
	}

	initiator := params.Initiator
	if initiator == "" {
		initiator = InitiatorActor
	}
	var actor any
	if params.ActorID != "" {
		actor = params.ActorID
	}

	var seq int
	if err := tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(seq), 0) + 1 FROM timeline_events WHERE transaction_id = $1
	`, params.TransactionID).Scan(&seq); err != nil {
		return fmt.Errorf("escrow: next event seq: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO timeline_events (transaction_id, seq, type, initiator, actor_id, payload)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb)
	`, params.TransactionID, seq, params.Type, initiator, actor, body); err != nil {
		return fmt.Errorf("escrow: insert timeline event: %w", err)
	}
	return nil
}

// Enqueue writes a fire-and-forget notification into the outbox.
func (r *Repository) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("escrow: marshal outbox payload: %w", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`, topic, body); err != nil {
		return fmt.Errorf("escrow: enqueue outbox: %w", err)
	}
	return nil
}

// InsertDispute creates the pending dispute record for a transaction.
func (r *Repository) InsertDispute(ctx context.Context, tx pgx.Tx, transactionID, openedBy, reason string, evidence []string) (string, error) {
	if evidence == nil {
		evidence = []string{}
	}
	var id string
	err := tx.QueryRow(ctx, `
		INSERT INTO disputes (transaction_id, opened_by, reason, evidence_refs)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, transactionID, openedBy, reason, evidence).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("escrow: insert dispute: %w", err)
	}
	return id, nil
}
