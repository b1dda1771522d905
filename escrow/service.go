package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"rewear/ledger"
	"rewear/listing"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Funds is the ledger primitive surface the engine drives. Satisfied by
// *ledger.Store.
type Funds interface {
	Hold(ctx context.Context, tx pgx.Tx, partyID string, amount int64) error
	Release(ctx context.Context, tx pgx.Tx, fromParty, toParty string, amount int64) error
	Refund(ctx context.Context, tx pgx.Tx, partyID string, amount int64) error
}

// Catalog is the read-only listing lookup collaborator.
type Catalog interface {
	GetByID(ctx context.Context, id string) (listing.Listing, error)
}

// Repo defines the data access required by the service.
type Repo interface {
	ReserveRequest(ctx context.Context, tx pgx.Tx, key, transactionID string) error
	LinkRequest(ctx context.Context, tx pgx.Tx, key, transactionID string) error
	RequestTransaction(ctx context.Context, key string) (string, error)
	Insert(ctx context.Context, tx pgx.Tx, t Transaction) (Transaction, error)
	Get(ctx context.Context, id string) (Transaction, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Transaction, error)
	SetState(ctx context.Context, tx pgx.Tx, id string, next State) error
	AppendEvent(ctx context.Context, tx pgx.Tx, params EventParams) error
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
	InsertDispute(ctx context.Context, tx pgx.Tx, transactionID, openedBy, reason string, evidence []string) (string, error)
}

// Service is the transaction state machine. Every mutating operation runs in
// one database transaction holding the row lock for its transaction id, and
// is idempotent under re-delivery of the same request id.
type Service struct {
	pool    TxBeginner
	repo    Repo
	funds   Funds
	catalog Catalog
}

func NewService(pool TxBeginner, repo Repo, funds Funds, catalog Catalog) *Service {
	return &Service{pool: pool, repo: repo, funds: funds, catalog: catalog}
}

type CreateParams struct {
	ListingID string
	BuyerID   string
	RequestID string
}

// Create opens a transaction against a listing. Priced listings enter
// awaiting_payment; donations settle immediately with zero ledger movement.
func (s *Service) Create(ctx context.Context, params CreateParams) (Transaction, error) {
	if params.ListingID == "" || params.BuyerID == "" {
		return Transaction{}, fmt.Errorf("escrow: listing id and buyer id required")
	}
	if params.RequestID == "" {
		return Transaction{}, fmt.Errorf("escrow: missing request id")
	}

	l, err := s.catalog.GetByID(ctx, params.ListingID)
	if err != nil {
		if errors.Is(err, listing.ErrNotFound) {
			return Transaction{}, fmt.Errorf("%w: listing %s does not exist", ErrListingUnavailable, params.ListingID)
		}
		return Transaction{}, fmt.Errorf("escrow: lookup listing: %w", err)
	}
	if l.SellerID == params.BuyerID {
		return Transaction{}, fmt.Errorf("%w: buyer is the seller", ErrListingUnavailable)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Transaction{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// The request id is reserved before the transaction row exists, so a
	// replayed create resolves here instead of tripping over the open-listing
	// index of its own original. The id is bound once the row is inserted.
	if err := s.repo.ReserveRequest(ctx, tx, params.RequestID, ""); err != nil {
		if errors.Is(err, ErrDuplicateRequest) {
			return s.replay(ctx, params.RequestID)
		}
		return Transaction{}, err
	}

	created, err := s.repo.Insert(ctx, tx, Transaction{
		ListingID: l.ID,
		BuyerID:   params.BuyerID,
		SellerID:  l.SellerID,
		Amount:    l.Price,
		State:     StateCreated,
	})
	if err != nil {
		return Transaction{}, err
	}
	if err := s.repo.LinkRequest(ctx, tx, params.RequestID, created.ID); err != nil {
		return Transaction{}, err
	}

	if err := s.repo.AppendEvent(ctx, tx, EventParams{
		TransactionID: created.ID,
		Type:          EventCreated,
		ActorID:       params.BuyerID,
		Payload:       map[string]any{"listing_id": l.ID, "amount": l.Price, "donation": l.Donation()},
	}); err != nil {
		return Transaction{}, err
	}
	if err := s.repo.Enqueue(ctx, tx, TopicCreated, map[string]any{
		"transaction_id": created.ID,
		"listing_id":     l.ID,
		"buyer_id":       params.BuyerID,
		"seller_id":      l.SellerID,
		"amount":         l.Price,
	}); err != nil {
		return Transaction{}, err
	}

	next := StateAwaitingPayment
	if l.Donation() {
		next = StateReleasedToSeller
	}
	if err := s.repo.SetState(ctx, tx, created.ID, next); err != nil {
		return Transaction{}, err
	}
	created.State = next

	if l.Donation() {
		if err := s.repo.AppendEvent(ctx, tx, EventParams{
			TransactionID: created.ID,
			Type:          EventConfirmed,
			ActorID:       params.BuyerID,
			Payload:       map[string]any{"donation": true},
		}); err != nil {
			return Transaction{}, err
		}
		if err := s.repo.Enqueue(ctx, tx, TopicReleased, map[string]any{
			"transaction_id": created.ID,
			"donation":       true,
		}); err != nil {
			return Transaction{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Transaction{}, fmt.Errorf("escrow: commit create: %w", err)
	}
	return created, nil
}

// FundAndHold moves the amount from the buyer's available balance into hold.
// Insufficient funds cancel the transaction and surface the ledger error.
func (s *Service) FundAndHold(ctx context.Context, transactionID, requestID string) (Transaction, error) {
	if requestID == "" {
		return Transaction{}, fmt.Errorf("escrow: missing request id")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Transaction{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	t, err := s.repo.GetForUpdate(ctx, tx, transactionID)
	if err != nil {
		return Transaction{}, err
	}
	if err := s.repo.ReserveRequest(ctx, tx, requestID, t.ID); err != nil {
		if errors.Is(err, ErrDuplicateRequest) {
			return s.replay(ctx, requestID)
		}
		return Transaction{}, err
	}
	if !t.State.CanTransition(StateFundsHeld) {
		return Transaction{}, rejected("fund_and_hold", t, ErrInvalidTransition)
	}

	if err := s.funds.Hold(ctx, tx, t.BuyerID, t.Amount); err != nil {
		if errors.Is(err, ledger.ErrInsufficientFunds) || errors.Is(err, ledger.ErrNoAccount) {
			return s.cancelUnfunded(ctx, tx, t, err)
		}
		return Transaction{}, err
	}

	if err := s.applyTransition(ctx, tx, &t, StateFundsHeld, EventParams{
		Type:    EventFundsHeld,
		ActorID: t.BuyerID,
		Payload: map[string]any{"amount": t.Amount},
	}, TopicFundsHeld); err != nil {
		return Transaction{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Transaction{}, fmt.Errorf("escrow: commit fund: %w", err)
	}
	return t, nil
}

// cancelUnfunded records the failed funding attempt and commits the cancelled
// state before surfacing the ledger error.
func (s *Service) cancelUnfunded(ctx context.Context, tx pgx.Tx, t Transaction, cause error) (Transaction, error) {
	if err := s.applyTransition(ctx, tx, &t, StateCancelled, EventParams{
		Type:    EventCancelled,
		ActorID: t.BuyerID,
		Payload: map[string]any{"reason": "insufficient_funds"},
	}, TopicCancelled); err != nil {
		return Transaction{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Transaction{}, fmt.Errorf("escrow: commit cancel: %w", err)
	}
	return t, &TransitionError{TransactionID: t.ID, State: t.State, Op: "fund_and_hold", Err: cause}
}

type ActionParams struct {
	TransactionID string
	ActorID       string
	RequestID     string
}

// MarkShipped is seller-only and legal only from funds_held.
func (s *Service) MarkShipped(ctx context.Context, params ActionParams) (Transaction, error) {
	return s.actorTransition(ctx, params, "mark_shipped", func(t Transaction) error {
		if params.ActorID != t.SellerID {
			return ErrUnauthorized
		}
		if t.State != StateFundsHeld {
			return ErrInvalidTransition
		}
		return nil
	}, StateShipped, EventShipped, TopicShipped, nil)
}

// MarkDelivered is buyer-only and legal only from shipped. It starts the
// confirmation window enforced by the timeout supervisor.
func (s *Service) MarkDelivered(ctx context.Context, params ActionParams) (Transaction, error) {
	return s.actorTransition(ctx, params, "mark_delivered", func(t Transaction) error {
		if params.ActorID != t.BuyerID {
			return ErrUnauthorized
		}
		if t.State != StateShipped {
			return ErrInvalidTransition
		}
		return nil
	}, StateDelivered, EventDelivered, TopicDelivered, nil)
}

// Confirm is buyer-only from delivered; it releases the held funds to the
// seller and settles the transaction.
func (s *Service) Confirm(ctx context.Context, params ActionParams) (Transaction, error) {
	return s.actorTransition(ctx, params, "confirm", func(t Transaction) error {
		if params.ActorID != t.BuyerID {
			return ErrUnauthorized
		}
		if t.State != StateDelivered {
			return ErrInvalidTransition
		}
		return nil
	}, StateReleasedToSeller, EventConfirmed, TopicReleased, func(ctx context.Context, tx pgx.Tx, t Transaction) error {
		return s.funds.Release(ctx, tx, t.BuyerID, t.SellerID, t.Amount)
	})
}

type OpenDisputeParams struct {
	TransactionID string
	ActorID       string
	Reason        string
	EvidenceRefs  []string
	RequestID     string
}

// OpenDispute moves a delivered transaction into dispute_open and records the
// pending dispute. Either party may open it; funds stay held until an arbiter
// resolves.
func (s *Service) OpenDispute(ctx context.Context, params OpenDisputeParams) (Transaction, error) {
	if params.Reason == "" {
		return Transaction{}, fmt.Errorf("escrow: dispute reason required")
	}
	action := ActionParams{TransactionID: params.TransactionID, ActorID: params.ActorID, RequestID: params.RequestID}
	return s.actorTransition(ctx, action, "open_dispute", func(t Transaction) error {
		if params.ActorID != t.BuyerID && params.ActorID != t.SellerID {
			return ErrUnauthorized
		}
		if t.State != StateDelivered {
			return ErrInvalidTransition
		}
		return nil
	}, StateDisputeOpen, EventDisputeOpened, TopicDisputeOpened, func(ctx context.Context, tx pgx.Tx, t Transaction) error {
		_, err := s.repo.InsertDispute(ctx, tx, t.ID, params.ActorID, params.Reason, params.EvidenceRefs)
		return err
	})
}

func (s *Service) Get(ctx context.Context, id string) (Transaction, error) {
	return s.repo.Get(ctx, id)
}

// actorTransition runs the shared skeleton of an actor-initiated transition:
// lock row, reserve request id, guard, side effect, state + event + outbox.
func (s *Service) actorTransition(
	ctx context.Context,
	params ActionParams,
	op string,
	guard func(Transaction) error,
	next State,
	eventType, topic string,
	effect func(context.Context, pgx.Tx, Transaction) error,
) (Transaction, error) {
	if params.ActorID == "" {
		return Transaction{}, fmt.Errorf("escrow: missing actor id")
	}
	if params.RequestID == "" {
		return Transaction{}, fmt.Errorf("escrow: missing request id")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Transaction{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	t, err := s.repo.GetForUpdate(ctx, tx, params.TransactionID)
	if err != nil {
		return Transaction{}, err
	}
	if err := s.repo.ReserveRequest(ctx, tx, params.RequestID, t.ID); err != nil {
		if errors.Is(err, ErrDuplicateRequest) {
			return s.replay(ctx, params.RequestID)
		}
		return Transaction{}, err
	}
	if err := guard(t); err != nil {
		return Transaction{}, rejected(op, t, err)
	}

	if effect != nil {
		if err := effect(ctx, tx, t); err != nil {
			return Transaction{}, err
		}
	}

	if err := s.applyTransition(ctx, tx, &t, next, EventParams{
		Type:    eventType,
		ActorID: params.ActorID,
	}, topic); err != nil {
		return Transaction{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Transaction{}, fmt.Errorf("escrow: commit %s: %w", op, err)
	}
	return t, nil
}

// applyTransition persists the state change plus its audit event and outbox
// notification. The caller holds the row lock.
func (s *Service) applyTransition(ctx context.Context, tx pgx.Tx, t *Transaction, next State, event EventParams, topic string) error {
	if err := s.repo.SetState(ctx, tx, t.ID, next); err != nil {
		return err
	}
	event.TransactionID = t.ID
	if event.Payload == nil {
		event.Payload = map[string]any{}
	}
	event.Payload["previous_state"] = string(t.State)
	event.Payload["next_state"] = string(next)
	if err := s.repo.AppendEvent(ctx, tx, event); err != nil {
		return err
	}
	if err := s.repo.Enqueue(ctx, tx, topic, map[string]any{
		"transaction_id": t.ID,
		"state":          string(next),
		"amount":         t.Amount,
	}); err != nil {
		return err
	}
	t.State = next
	return nil
}

// replay resolves a duplicate request id to the transaction it originally
// touched and returns that transaction's current state, with no re-execution.
func (s *Service) replay(ctx context.Context, requestID string) (Transaction, error) {
	id, err := s.repo.RequestTransaction(ctx, requestID)
	if err != nil {
		return Transaction{}, fmt.Errorf("escrow: resolve replayed request %s: %w", requestID, err)
	}
	return s.repo.Get(ctx, id)
}
