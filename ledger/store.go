package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrInsufficientFunds signals available balance below the requested hold.
	ErrInsufficientFunds = errors.New("ledger: insufficient available funds")
	// ErrInsufficientHeld signals held balance below the requested release or refund.
	ErrInsufficientHeld = errors.New("ledger: insufficient held funds")
	// ErrNoAccount is returned when no account row exists for the party.
	ErrNoAccount = errors.New("ledger: account not found")
)

// Store provides the hold/release/refund primitives over the accounts table.
// The tx-scoped methods know nothing about transaction semantics; callers
// compose them inside their own pgx transaction so the balance movement
// commits or rolls back with the rest of the write set.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// lockAccount fetches the account row FOR UPDATE, serializing concurrent
// balance mutations on the same party.
func lockAccount(ctx context.Context, tx pgx.Tx, partyID string) (Account, error) {
	var acc Account
	err := tx.QueryRow(ctx, `
		SELECT party_id, available, held, created_at, updated_at
		FROM accounts
		WHERE party_id = $1
		FOR UPDATE
	`, partyID).Scan(&acc.PartyID, &acc.Available, &acc.Held, &acc.CreatedAt, &acc.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, fmt.Errorf("%w: %s", ErrNoAccount, partyID)
		}
		return Account{}, fmt.Errorf("ledger: lock account %s: %w", partyID, err)
	}
	return acc, nil
}

// Hold moves amount from available to held on the party's account. Fails with
// ErrInsufficientFunds without mutating anything when available < amount.
func (s *Store) Hold(ctx context.Context, tx pgx.Tx, partyID string, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("ledger: negative hold amount %d", amount)
	}
	acc, err := lockAccount(ctx, tx, partyID)
	if err != nil {
		return err
	}
	if acc.Available < amount {
		return fmt.Errorf("%w: party %s has %d, need %d", ErrInsufficientFunds, partyID, acc.Available, amount)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE accounts
		SET available = available - $1, held = held + $1, updated_at = now()
		WHERE party_id = $2
	`, amount, partyID); err != nil {
		return fmt.Errorf("ledger: apply hold: %w", err)
	}
	return nil
}

// Release decrements held on fromParty and increments available on toParty.
// Both rows are locked in party-id order so two concurrent releases touching
// the same pair cannot deadlock.
func (s *Store) Release(ctx context.Context, tx pgx.Tx, fromParty, toParty string, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("ledger: negative release amount %d", amount)
	}

	first, second := fromParty, toParty
	if second < first {
		first, second = second, first
	}
	locked := make(map[string]Account, 2)
	for _, id := range []string{first, second} {
		if _, ok := locked[id]; ok {
			continue
		}
		acc, err := lockAccount(ctx, tx, id)
		if err != nil {
			return err
		}
		locked[id] = acc
	}
	from := locked[fromParty]
	if from.Held < amount {
		return fmt.Errorf("%w: party %s holds %d, need %d", ErrInsufficientHeld, fromParty, from.Held, amount)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE accounts SET held = held - $1, updated_at = now() WHERE party_id = $2
	`, amount, fromParty); err != nil {
		return fmt.Errorf("ledger: release debit: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE accounts SET available = available + $1, updated_at = now() WHERE party_id = $2
	`, amount, toParty); err != nil {
		return fmt.Errorf("ledger: release credit: %w", err)
	}
	return nil
}

// Refund moves held funds back to available on the same account.
func (s *Store) Refund(ctx context.Context, tx pgx.Tx, partyID string, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("ledger: negative refund amount %d", amount)
	}
	acc, err := lockAccount(ctx, tx, partyID)
	if err != nil {
		return err
	}
	if acc.Held < amount {
		return fmt.Errorf("%w: party %s holds %d, need %d", ErrInsufficientHeld, partyID, acc.Held, amount)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE accounts
		SET held = held - $1, available = available + $1, updated_at = now()
		WHERE party_id = $2
	`, amount, partyID); err != nil {
		return fmt.Errorf("ledger: apply refund: %w", err)
	}
	return nil
}

// Get fetches an account without locking.
func (s *Store) Get(ctx context.Context, partyID string) (Account, error) {
	var acc Account
	err := s.pool.QueryRow(ctx, `
		SELECT party_id, available, held, created_at, updated_at
		FROM accounts
		WHERE party_id = $1
	`, partyID).Scan(&acc.PartyID, &acc.Available, &acc.Held, &acc.CreatedAt, &acc.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, fmt.Errorf("%w: %s", ErrNoAccount, partyID)
		}
		return Account{}, fmt.Errorf("ledger: get account: %w", err)
	}
	return acc, nil
}

// Deposit credits available balance, creating the account row if needed.
func (s *Store) Deposit(ctx context.Context, partyID string, amount int64) (Account, error) {
	if amount <= 0 {
		return Account{}, fmt.Errorf("ledger: deposit amount must be positive, got %d", amount)
	}
	var acc Account
	err := s.pool.QueryRow(ctx, `
		INSERT INTO accounts (party_id, available)
		VALUES ($1, $2)
		ON CONFLICT (party_id)
		DO UPDATE SET available = accounts.available + EXCLUDED.available, updated_at = now()
		RETURNING party_id, available, held, created_at, updated_at
	`, partyID, amount).Scan(&acc.PartyID, &acc.Available, &acc.Held, &acc.CreatedAt, &acc.UpdatedAt)
	if err != nil {
		return Account{}, fmt.Errorf("ledger: deposit: %w", err)
	}
	return acc, nil
}
