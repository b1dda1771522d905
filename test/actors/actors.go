package actors

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"rewear/dispute"
	"rewear/escrow"
	"rewear/ledger"
	"rewear/listing"
	"rewear/notify"
	"rewear/timeout"
)

// Actors drive the engine through its public services and swallow operation
// errors: rejections under contention (another actor or the supervisor won
// the race) and chaos-killed connections are both business as usual here.
// Correctness is enforced by the SQL oracles, not by actor return values.

// Seller posts listings (occasionally donations) and ships whatever of its
// funded transactions it can find.
func Seller(ctx context.Context, pool *pgxpool.Pool, listings *listing.Repository, engine *escrow.Service, sellerID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		price := int64(100 * (1 + rand.Intn(50)))
		if rand.Intn(10) == 0 {
			price = 0
		}
		params := listing.CreateParams{
			SellerID: sellerID,
			Title:    fmt.Sprintf("item-%d", rand.Int63()),
			Price:    price,
			Quality:  listing.QualityGood,
			ImpactKg: float64(rand.Intn(80)) / 10,
		}
		if rand.Intn(4) == 0 {
			params.Quality = listing.QualityMinorDefect
			params.DefectNote = "loose button"
		}
		_, _ = listings.Create(ctx, params)

		for _, id := range queryIDs(ctx, pool, `SELECT id FROM transactions WHERE seller_id = $1 AND state = 'funds_held' LIMIT 5`, sellerID) {
			_, _ = engine.MarkShipped(ctx, escrow.ActionParams{
				TransactionID: id,
				ActorID:       sellerID,
				RequestID:     uuid.NewString(),
			})
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// Buyer tops up its account, opens transactions against free listings, and
// walks its purchases toward confirmation or dispute.
func Buyer(ctx context.Context, pool *pgxpool.Pool, accounts *ledger.Store, engine *escrow.Service, buyerID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		if rand.Intn(3) == 0 {
			_, _ = accounts.Deposit(ctx, buyerID, int64(1000+rand.Intn(4000)))
		}

		var listingID string
		err := pool.QueryRow(ctx, `
			SELECT l.id FROM listings l
			WHERE l.seller_id <> $1
			  AND NOT EXISTS (
				SELECT 1 FROM transactions t
				WHERE t.listing_id = l.id
				  AND t.state NOT IN ('released_to_seller', 'refunded_to_buyer', 'cancelled')
			  )
			ORDER BY random() LIMIT 1
		`, buyerID).Scan(&listingID)
		if err == nil {
			tx, err := engine.Create(ctx, escrow.CreateParams{
				ListingID: listingID,
				BuyerID:   buyerID,
				RequestID: uuid.NewString(),
			})
			if err == nil && tx.State == escrow.StateAwaitingPayment {
				_, _ = engine.FundAndHold(ctx, tx.ID, uuid.NewString())
			}
		}

		rows, err := pool.Query(ctx, `SELECT id, state FROM transactions WHERE buyer_id = $1 AND state IN ('shipped', 'delivered') LIMIT 5`, buyerID)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			continue
		}
		type pending struct{ id, state string }
		var work []pending
		for rows.Next() {
			var p pending
			if err := rows.Scan(&p.id, &p.state); err == nil {
				work = append(work, p)
			}
		}
		rows.Close()

		for _, p := range work {
			action := escrow.ActionParams{TransactionID: p.id, ActorID: buyerID, RequestID: uuid.NewString()}
			switch {
			case p.state == "shipped":
				_, _ = engine.MarkDelivered(ctx, action)
			case rand.Intn(5) == 0:
				_, _ = engine.OpenDispute(ctx, escrow.OpenDisputeParams{
					TransactionID: p.id,
					ActorID:       buyerID,
					Reason:        "not as described",
					RequestID:     action.RequestID,
				})
			default:
				_, _ = engine.Confirm(ctx, action)
			}
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// Arbiter resolves pending disputes with random outcomes.
func Arbiter(ctx context.Context, pool *pgxpool.Pool, resolver *dispute.Service, arbiterID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		for _, id := range queryIDs(ctx, pool, `SELECT id FROM disputes WHERE resolution = 'pending' LIMIT 5`) {
			outcome := dispute.ResolutionBuyerRefunded
			if rand.Intn(2) == 0 {
				outcome = dispute.ResolutionSellerPaid
			}
			_, _ = resolver.Resolve(ctx, dispute.ResolveParams{
				DisputeID: id,
				ArbiterID: arbiterID,
				Outcome:   outcome,
				RequestID: uuid.NewString(),
			})
		}
		time.Sleep(time.Duration(100+rand.Intn(100)) * time.Millisecond)
	}
}

// Reaper drives the timeout supervisor's scan loop directly instead of
// waiting on its schedule, so short stress windows expire within the run.
func Reaper(ctx context.Context, sup *timeout.Supervisor, stop <-chan struct{}) error {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		case <-ticker.C:
			_, _ = sup.Scan(ctx)
		}
	}
}

// Courier drains the outbox alongside everything else.
func Courier(ctx context.Context, relay *notify.Relay, stop <-chan struct{}) error {
	ticker := time.NewTicker(150 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		case <-ticker.C:
			_, _ = relay.Drain(ctx)
		}
	}
}

func queryIDs(ctx context.Context, pool *pgxpool.Pool, sql string, args ...any) []string {
	rows, err := pool.Query(ctx, sql, args...)
	if err != nil {
		return nil
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}
