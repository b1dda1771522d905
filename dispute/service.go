package dispute

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"rewear/escrow"
)

var (
	// ErrAlreadyResolved signals the dispute was resolved by an earlier call;
	// the stored resolution stands and no funds move again.
	ErrAlreadyResolved = errors.New("dispute: already resolved")
	// ErrInvalidOutcome signals an outcome outside {buyer_refunded, seller_paid}.
	ErrInvalidOutcome = errors.New("dispute: invalid outcome")
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Transactions is the slice of the escrow repository the resolver drives to
// force the owning transaction into a terminal state.
type Transactions interface {
	ReserveRequest(ctx context.Context, tx pgx.Tx, key, transactionID string) error
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (escrow.Transaction, error)
	SetState(ctx context.Context, tx pgx.Tx, id string, next escrow.State) error
	AppendEvent(ctx context.Context, tx pgx.Tx, params escrow.EventParams) error
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Funds is the ledger surface needed to settle a dispute.
type Funds interface {
	Release(ctx context.Context, tx pgx.Tx, fromParty, toParty string, amount int64) error
	Refund(ctx context.Context, tx pgx.Tx, partyID string, amount int64) error
}

// Repo defines the dispute data access required by the service.
type Repo interface {
	GetByID(ctx context.Context, id string) (Record, error)
	GetByTransaction(ctx context.Context, transactionID string) (Record, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Record, error)
	MarkResolved(ctx context.Context, tx pgx.Tx, id string, outcome Resolution, arbiterID string) (Record, error)
}

// Service arbitrates contested transactions. Arbiter identity is opaque; the
// resolver does not authenticate it.
type Service struct {
	pool  TxBeginner
	repo  Repo
	txs   Transactions
	funds Funds
}

func NewService(pool TxBeginner, repo Repo, txs Transactions, funds Funds) *Service {
	return &Service{pool: pool, repo: repo, txs: txs, funds: funds}
}

type ResolveParams struct {
	DisputeID string
	ArbiterID string
	Outcome   Resolution
	RequestID string
}

// Resolve applies the arbiter's outcome exactly once. The dispute row and its
// owning transaction row are locked together, so resolution races with
// nothing: a second resolve observes the stored resolution and fails with
// ErrAlreadyResolved.
func (s *Service) Resolve(ctx context.Context, params ResolveParams) (Record, error) {
	if params.ArbiterID == "" {
		return Record{}, fmt.Errorf("dispute: missing arbiter id")
	}
	if params.RequestID == "" {
		return Record{}, fmt.Errorf("dispute: missing request id")
	}
	if !params.Outcome.Valid() {
		return Record{}, fmt.Errorf("%w: %q", ErrInvalidOutcome, params.Outcome)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetForUpdate(ctx, tx, params.DisputeID)
	if err != nil {
		return Record{}, err
	}
	if err := s.txs.ReserveRequest(ctx, tx, params.RequestID, rec.TransactionID); err != nil {
		if errors.Is(err, escrow.ErrDuplicateRequest) {
			return s.repo.GetByID(ctx, rec.ID)
		}
		return Record{}, err
	}
	if rec.Resolution != ResolutionPending {
		return rec, fmt.Errorf("%w: dispute %s resolved as %s", ErrAlreadyResolved, rec.ID, rec.Resolution)
	}

	owning, err := s.txs.GetForUpdate(ctx, tx, rec.TransactionID)
	if err != nil {
		return Record{}, err
	}
	if owning.State != escrow.StateDisputeOpen {
		return Record{}, &escrow.TransitionError{
			TransactionID: owning.ID,
			State:         owning.State,
			Op:            "resolve_dispute",
			Err:           escrow.ErrInvalidTransition,
		}
	}

	var next escrow.State
	switch params.Outcome {
	case ResolutionBuyerRefunded:
		if err := s.funds.Refund(ctx, tx, owning.BuyerID, owning.Amount); err != nil {
			return Record{}, err
		}
		next = escrow.StateRefundedToBuyer
	case ResolutionSellerPaid:
		if err := s.funds.Release(ctx, tx, owning.BuyerID, owning.SellerID, owning.Amount); err != nil {
			return Record{}, err
		}
		next = escrow.StateReleasedToSeller
	}

	resolved, err := s.repo.MarkResolved(ctx, tx, rec.ID, params.Outcome, params.ArbiterID)
	if err != nil {
		return Record{}, err
	}
	if err := s.txs.SetState(ctx, tx, owning.ID, next); err != nil {
		return Record{}, err
	}
	if err := s.txs.AppendEvent(ctx, tx, escrow.EventParams{
		TransactionID: owning.ID,
		Type:          escrow.EventDisputeResolved,
		ActorID:       params.ArbiterID,
		Payload: map[string]any{
			"dispute_id": resolved.ID,
			"outcome":    string(params.Outcome),
			"next_state": string(next),
		},
	}); err != nil {
		return Record{}, err
	}
	if err := s.txs.Enqueue(ctx, tx, escrow.TopicDisputeResolved, map[string]any{
		"dispute_id":     resolved.ID,
		"transaction_id": owning.ID,
		"outcome":        string(params.Outcome),
		"amount":         owning.Amount,
	}); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit resolve: %w", err)
	}
	return resolved, nil
}

// GetByTransaction returns the dispute attached to a transaction, if any.
func (s *Service) GetByTransaction(ctx context.Context, transactionID string) (Record, error) {
	return s.repo.GetByTransaction(ctx, transactionID)
}
