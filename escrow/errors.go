package escrow

import (
	"errors"
	"fmt"
)

var (
	// ErrListingUnavailable signals the listing is already referenced by a
	// non-terminal transaction, or the buyer is the seller.
	ErrListingUnavailable = errors.New("escrow: listing unavailable")
	// ErrInvalidTransition signals the requested operation is not legal from
	// the transaction's current state.
	ErrInvalidTransition = errors.New("escrow: invalid transition")
	// ErrUnauthorized signals the actor is not permitted to perform the action.
	ErrUnauthorized = errors.New("escrow: unauthorized actor")
	// ErrNotFound is returned when no transaction row exists for the identifier.
	ErrNotFound = errors.New("escrow: transaction not found")
	// ErrDuplicateRequest signals the request id was already processed.
	ErrDuplicateRequest = errors.New("escrow: duplicate request id")
)

// TransitionError decorates a rejection with the transaction id and the state
// observed at the time, so callers can decide to retry, surface, or escalate.
type TransitionError struct {
	TransactionID string
	State         State
	Op            string
	Err           error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("escrow: %s on %s in state %s: %v", e.Op, e.TransactionID, e.State, e.Err)
}

func (e *TransitionError) Unwrap() error { return e.Err }

func rejected(op string, tx Transaction, err error) error {
	return &TransitionError{TransactionID: tx.ID, State: tx.State, Op: op, Err: err}
}
