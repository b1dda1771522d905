package dispute

import "time"

// Resolution is the arbiter-determined outcome of a dispute.
type Resolution string

const (
	ResolutionPending       Resolution = "pending"
	ResolutionBuyerRefunded Resolution = "buyer_refunded"
	ResolutionSellerPaid    Resolution = "seller_paid"
)

// Valid reports whether r is an outcome an arbiter may set.
func (r Resolution) Valid() bool {
	switch r {
	case ResolutionBuyerRefunded, ResolutionSellerPaid:
		return true
	default:
		return false
	}
}

// Record mirrors the disputes table. Evidence references are opaque
// identifiers; their content is never interpreted by the engine.
type Record struct {
	ID            string
	TransactionID string
	OpenedBy      string
	Reason        string
	EvidenceRefs  []string
	Resolution    Resolution
	ResolvedBy    *string
	OpenedAt      time.Time
	ResolvedAt    *time.Time
}
