package dispute

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound signals the requested dispute does not exist.
	ErrNotFound = errors.New("dispute: not found")
)

const recordColumns = `d.id, d.transaction_id, d.opened_by, d.reason, d.evidence_refs, d.resolution::text, d.resolved_by, d.opened_at, d.resolved_at`

// Repository provides access to dispute records.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	err := row.Scan(&rec.ID, &rec.TransactionID, &rec.OpenedBy, &rec.Reason, &rec.EvidenceRefs,
		&rec.Resolution, &rec.ResolvedBy, &rec.OpenedAt, &rec.ResolvedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: scan: %w", err)
	}
	return rec, nil
}

func (r *Repository) GetByID(ctx context.Context, id string) (Record, error) {
	return scanRecord(r.pool.QueryRow(ctx, `
		SELECT `+recordColumns+` FROM disputes d WHERE d.id = $1
	`, id))
}

func (r *Repository) GetByTransaction(ctx context.Context, transactionID string) (Record, error) {
	return scanRecord(r.pool.QueryRow(ctx, `
		SELECT `+recordColumns+` FROM disputes d WHERE d.transaction_id = $1
	`, transactionID))
}

// GetForUpdate locks both the dispute row and its owning transaction row, so
// resolution serializes against any concurrent transition on the transaction.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Record, error) {
	return scanRecord(tx.QueryRow(ctx, `
		SELECT `+recordColumns+`
		FROM disputes d
		JOIN transactions t ON t.id = d.transaction_id
		WHERE d.id = $1
		FOR UPDATE
	`, id))
}

// MarkResolved stores the outcome, arbiter and resolution timestamp.
func (r *Repository) MarkResolved(ctx context.Context, tx pgx.Tx, id string, outcome Resolution, arbiterID string) (Record, error) {
	return scanRecord(tx.QueryRow(ctx, `
		UPDATE disputes d
		SET resolution = $2, resolved_by = $3, resolved_at = now()
		WHERE d.id = $1
		RETURNING `+recordColumns+`
	`, id, outcome, arbiterID))
}
