package listing

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound signals the requested listing does not exist.
	ErrNotFound = errors.New("listing: not found")
	// ErrDefectUndisclosed is returned when a minor-defect listing omits the defect note.
	ErrDefectUndisclosed = errors.New("listing: minor_defect listings require a defect note")
	// ErrInvalid covers remaining field validation failures.
	ErrInvalid = errors.New("listing: invalid listing")
)

// CreateParams carries the caller-supplied listing fields.
type CreateParams struct {
	SellerID   string
	Title      string
	Price      int64
	Quality    QualityTier
	DefectNote string
	ImpactKg   float64
}

func (p CreateParams) validate() error {
	if p.SellerID == "" {
		return fmt.Errorf("%w: seller id required", ErrInvalid)
	}
	if p.Title == "" {
		return fmt.Errorf("%w: title required", ErrInvalid)
	}
	if p.Price < 0 {
		return fmt.Errorf("%w: negative price", ErrInvalid)
	}
	if !p.Quality.Valid() {
		return fmt.Errorf("%w: unknown quality tier %q", ErrInvalid, p.Quality)
	}
	if p.Quality == QualityMinorDefect && p.DefectNote == "" {
		return ErrDefectUndisclosed
	}
	if p.ImpactKg < 0 {
		return fmt.Errorf("%w: negative impact", ErrInvalid)
	}
	return nil
}

// Repository provides access to the listing catalog.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Create(ctx context.Context, params CreateParams) (Listing, error) {
	if err := params.validate(); err != nil {
		return Listing{}, err
	}

	var note any
	if params.DefectNote != "" {
		note = params.DefectNote
	}

	var l Listing
	err := r.pool.QueryRow(ctx, `
		INSERT INTO listings (seller_id, title, price, quality, defect_note, impact_kg)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, seller_id, title, price, quality::text, defect_note, impact_kg, seller_verified, created_at
	`, params.SellerID, params.Title, params.Price, params.Quality, note, params.ImpactKg).
		Scan(&l.ID, &l.SellerID, &l.Title, &l.Price, &l.Quality, &l.DefectNote, &l.ImpactKg, &l.SellerVerified, &l.CreatedAt)
	if err != nil {
		return Listing{}, fmt.Errorf("listing: insert: %w", err)
	}
	return l, nil
}

func (r *Repository) GetByID(ctx context.Context, id string) (Listing, error) {
	var l Listing
	err := r.pool.QueryRow(ctx, `
		SELECT id, seller_id, title, price, quality::text, defect_note, impact_kg, seller_verified, created_at
		FROM listings
		WHERE id = $1
	`, id).Scan(&l.ID, &l.SellerID, &l.Title, &l.Price, &l.Quality, &l.DefectNote, &l.ImpactKg, &l.SellerVerified, &l.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Listing{}, ErrNotFound
		}
		return Listing{}, fmt.Errorf("listing: query by id: %w", err)
	}
	return l, nil
}

// List fetches up to limit listings, newest first.
func (r *Repository) List(ctx context.Context, limit int) ([]Listing, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, seller_id, title, price, quality::text, defect_note, impact_kg, seller_verified, created_at
		FROM listings
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing: list: %w", err)
	}
	defer rows.Close()

	listings := make([]Listing, 0, limit)
	for rows.Next() {
		var l Listing
		if err := rows.Scan(&l.ID, &l.SellerID, &l.Title, &l.Price, &l.Quality, &l.DefectNote, &l.ImpactKg, &l.SellerVerified, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("listing: scan: %w", err)
		}
		listings = append(listings, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing: iterate: %w", err)
	}
	return listings, nil
}

// SettledImpact sums the impact metric over listings whose transaction
// released to the seller. Donations count once settled like any other sale.
func (r *Repository) SettledImpact(ctx context.Context) (ImpactSummary, error) {
	var s ImpactSummary
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(SUM(l.impact_kg), 0)
		FROM transactions t
		JOIN listings l ON l.id = t.listing_id
		WHERE t.state = 'released_to_seller'
	`).Scan(&s.ItemsSettled, &s.TotalKg)
	if err != nil {
		return ImpactSummary{}, fmt.Errorf("listing: impact summary: %w", err)
	}
	return s, nil
}
