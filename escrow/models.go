package escrow

import "time"

// State is the lifecycle position of an escrow transaction.
type State string

const (
	StateCreated          State = "created"
	StateAwaitingPayment  State = "awaiting_payment"
	StateFundsHeld        State = "funds_held"
	StateShipped          State = "shipped"
	StateDelivered        State = "delivered"
	StateDisputeOpen      State = "dispute_open"
	StateReleasedToSeller State = "released_to_seller"
	StateRefundedToBuyer  State = "refunded_to_buyer"
	StateCancelled        State = "cancelled"
)

// transitions is the full edge set of the state machine. Donations jump
// created -> released_to_seller; cancellation is only reachable before any
// funds are held.
var transitions = map[State][]State{
	StateCreated:         {StateAwaitingPayment, StateReleasedToSeller, StateCancelled},
	StateAwaitingPayment: {StateFundsHeld, StateCancelled},
	StateFundsHeld:       {StateShipped, StateRefundedToBuyer},
	StateShipped:         {StateDelivered},
	StateDelivered:       {StateReleasedToSeller, StateDisputeOpen},
	StateDisputeOpen:     {StateReleasedToSeller, StateRefundedToBuyer},
}

// Terminal reports whether the state has no outgoing transitions.
func (s State) Terminal() bool {
	switch s {
	case StateReleasedToSeller, StateRefundedToBuyer, StateCancelled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether next is a legal successor of s.
func (s State) CanTransition(next State) bool {
	for _, n := range transitions[s] {
		if n == next {
			return true
		}
	}
	return false
}

// Transaction mirrors the transactions table. Owned exclusively by this
// package; the ledger only moves balances on its instruction.
type Transaction struct {
	ID             string
	ListingID      string
	BuyerID        string
	SellerID       string
	Amount         int64
	State          State
	CreatedAt      time.Time
	LastActivityAt time.Time
}

// Donation reports whether the transaction settles without escrow.
func (t Transaction) Donation() bool { return t.Amount == 0 }

// Timeline event types.
const (
	EventCreated             = "TX_CREATED"
	EventFundsHeld           = "FUNDS_HELD"
	EventCancelled           = "TX_CANCELLED"
	EventShipped             = "SHIPPED"
	EventDelivered           = "DELIVERED"
	EventConfirmed           = "CONFIRMED"
	EventDisputeOpened       = "DISPUTE_OPENED"
	EventDisputeResolved     = "DISPUTE_RESOLVED"
	EventPaymentTimeout      = "PAYMENT_TIMEOUT"
	EventShippingTimeout     = "SHIPPING_TIMEOUT"
	EventConfirmationTimeout = "CONFIRMATION_TIMEOUT"
)

// Event initiators, distinguishing actor-driven from supervisor-driven
// transitions in the audit trail.
const (
	InitiatorActor  = "actor"
	InitiatorSystem = "system"
)

// Outbox topics published on state transitions.
const (
	TopicCreated         = "transaction.created"
	TopicFundsHeld       = "transaction.funds_held"
	TopicCancelled       = "transaction.cancelled"
	TopicShipped         = "transaction.shipped"
	TopicDelivered       = "transaction.delivered"
	TopicReleased        = "transaction.released"
	TopicRefunded        = "transaction.refunded"
	TopicDisputeOpened   = "dispute.opened"
	TopicDisputeResolved = "dispute.resolved"
)
