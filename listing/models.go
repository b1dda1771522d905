package listing

import "time"

// QualityTier is the standardized condition grade a seller declares at
// listing time.
type QualityTier string

const (
	QualityLikeNew     QualityTier = "like_new"
	QualityGood        QualityTier = "good"
	QualityMinorDefect QualityTier = "minor_defect"
)

func (q QualityTier) Valid() bool {
	switch q {
	case QualityLikeNew, QualityGood, QualityMinorDefect:
		return true
	default:
		return false
	}
}

// Listing is the domain representation of a secondhand item offered for sale
// or donation. Price 0 marks a donation. ImpactKg is the deterministic
// environmental impact metric supplied by the caller at creation time.
type Listing struct {
	ID             string
	SellerID       string
	Title          string
	Price          int64
	Quality        QualityTier
	DefectNote     *string
	ImpactKg       float64
	SellerVerified bool
	CreatedAt      time.Time
}

// Donation reports whether the listing settles without escrow.
func (l Listing) Donation() bool { return l.Price == 0 }

// ImpactSummary aggregates environmental impact over settled transactions.
type ImpactSummary struct {
	ItemsSettled int64
	TotalKg      float64
}
