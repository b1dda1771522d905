package test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"rewear/dispute"
	"rewear/escrow"
	"rewear/ledger"
	"rewear/listing"
	"rewear/notify"
	"rewear/test/infra"
	"rewear/timeout"
)

type testEnv struct {
	pool       *pgxpool.Pool
	accounts   *ledger.Store
	listings   *listing.Repository
	escrowRepo *escrow.Repository
	engine     *escrow.Service
	resolver   *dispute.Service
	supervisor *timeout.Supervisor
	relay      *notify.Relay
}

func newTestEnv(t *testing.T, ctx context.Context) *testEnv {
	t.Helper()
	if !dockerAvailable(ctx) {
		t.Skip("no Docker; skipping integration scenarios")
	}

	pgC, dsn, err := infra.StartPostgres16(ctx, "")
	if err != nil {
		t.Fatalf("start postgres: %v", err)
	}
	t.Cleanup(func() { _ = pgC.Terminate(context.Background()) })

	pool, teardown, err := infra.NewMigratedPool(ctx, dsn, false)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	t.Cleanup(func() {
		pool.Close()
		_ = teardown(context.Background())
	})

	accounts := ledger.NewStore(pool)
	listings := listing.NewRepository(pool)
	escrowRepo := escrow.NewRepository(pool)
	env := &testEnv{
		pool:       pool,
		accounts:   accounts,
		listings:   listings,
		escrowRepo: escrowRepo,
		engine:     escrow.NewService(pool, escrowRepo, accounts, listings),
		resolver:   dispute.NewService(pool, dispute.NewRepository(pool), escrowRepo, accounts),
		supervisor: timeout.NewSupervisor(pool, escrowRepo, accounts, timeout.Windows{
			Payment:      15 * time.Minute,
			Shipping:     time.Hour,
			Confirmation: time.Hour,
		}, zerolog.Nop()),
		relay: notify.NewRelay(pool, notify.LogNotifier{Log: zerolog.Nop()}, zerolog.Nop(), time.Second),
	}
	return env
}

func (e *testEnv) list(t *testing.T, ctx context.Context, sellerID string, price int64, impactKg float64) listing.Listing {
	t.Helper()
	l, err := e.listings.Create(ctx, listing.CreateParams{
		SellerID: sellerID,
		Title:    fmt.Sprintf("item-%s", uuid.NewString()[:8]),
		Price:    price,
		Quality:  listing.QualityGood,
		ImpactKg: impactKg,
	})
	if err != nil {
		t.Fatalf("create listing: %v", err)
	}
	return l
}

func (e *testEnv) purchase(t *testing.T, ctx context.Context, listingID, buyerID string) escrow.Transaction {
	t.Helper()
	tx, err := e.engine.Create(ctx, escrow.CreateParams{
		ListingID: listingID,
		BuyerID:   buyerID,
		RequestID: uuid.NewString(),
	})
	if err != nil {
		t.Fatalf("create transaction: %v", err)
	}
	if tx.State == escrow.StateAwaitingPayment {
		tx, err = e.engine.FundAndHold(ctx, tx.ID, uuid.NewString())
		if err != nil {
			t.Fatalf("fund transaction: %v", err)
		}
	}
	return tx
}

func (e *testEnv) balance(t *testing.T, ctx context.Context, partyID string) ledger.Account {
	t.Helper()
	acc, err := e.accounts.Get(ctx, partyID)
	if err != nil {
		t.Fatalf("get account %s: %v", partyID, err)
	}
	return acc
}

func TestEscrowScenarios(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()
	env := newTestEnv(t, ctx)

	t.Run("round trip releases funds to seller", func(t *testing.T) {
		buyer, seller := "rt-buyer", "rt-seller"
		if _, err := env.accounts.Deposit(ctx, buyer, 10000); err != nil {
			t.Fatalf("deposit: %v", err)
		}
		l := env.list(t, ctx, seller, 4500, 3.2)

		tx := env.purchase(t, ctx, l.ID, buyer)
		if tx.State != escrow.StateFundsHeld {
			t.Fatalf("expected funds_held, got %s", tx.State)
		}
		acc := env.balance(t, ctx, buyer)
		if acc.Available != 5500 || acc.Held != 4500 {
			t.Fatalf("expected 5500/4500 after hold, got %d/%d", acc.Available, acc.Held)
		}

		steps := []struct {
			actor string
			fn    func(context.Context, escrow.ActionParams) (escrow.Transaction, error)
			want  escrow.State
		}{
			{seller, env.engine.MarkShipped, escrow.StateShipped},
			{buyer, env.engine.MarkDelivered, escrow.StateDelivered},
			{buyer, env.engine.Confirm, escrow.StateReleasedToSeller},
		}
		for _, s := range steps {
			out, err := s.fn(ctx, escrow.ActionParams{TransactionID: tx.ID, ActorID: s.actor, RequestID: uuid.NewString()})
			if err != nil {
				t.Fatalf("step to %s: %v", s.want, err)
			}
			if out.State != s.want {
				t.Fatalf("expected %s, got %s", s.want, out.State)
			}
		}

		if acc = env.balance(t, ctx, buyer); acc.Available != 5500 || acc.Held != 0 {
			t.Fatalf("expected buyer 5500/0 after release, got %d/%d", acc.Available, acc.Held)
		}
		if acc = env.balance(t, ctx, seller); acc.Available != 4500 {
			t.Fatalf("expected seller credited 4500, got %d", acc.Available)
		}

		var seqs []int
		rows, err := env.pool.Query(ctx, `SELECT seq FROM timeline_events WHERE transaction_id = $1 ORDER BY seq`, tx.ID)
		if err != nil {
			t.Fatalf("query timeline: %v", err)
		}
		for rows.Next() {
			var s int
			if err := rows.Scan(&s); err != nil {
				t.Fatalf("scan seq: %v", err)
			}
			seqs = append(seqs, s)
		}
		rows.Close()
		if len(seqs) != 5 {
			t.Fatalf("expected 5 timeline events, got %d", len(seqs))
		}
		for i, s := range seqs {
			if s != i+1 {
				t.Fatalf("expected contiguous seq from 1, got %v", seqs)
			}
		}

		delivered, err := env.relay.Drain(ctx)
		if err != nil {
			t.Fatalf("drain outbox: %v", err)
		}
		if delivered == 0 {
			t.Fatalf("expected outbox messages delivered")
		}
	})

	t.Run("insufficient funds cancels and frees the listing", func(t *testing.T) {
		buyer, richBuyer, seller := "poor-buyer", "rich-buyer", "if-seller"
		if _, err := env.accounts.Deposit(ctx, buyer, 100); err != nil {
			t.Fatalf("deposit: %v", err)
		}
		if _, err := env.accounts.Deposit(ctx, richBuyer, 10000); err != nil {
			t.Fatalf("deposit: %v", err)
		}
		l := env.list(t, ctx, seller, 4500, 1.0)

		tx, err := env.engine.Create(ctx, escrow.CreateParams{ListingID: l.ID, BuyerID: buyer, RequestID: uuid.NewString()})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		cancelled, err := env.engine.FundAndHold(ctx, tx.ID, uuid.NewString())
		if !errors.Is(err, ledger.ErrInsufficientFunds) {
			t.Fatalf("expected ErrInsufficientFunds, got %v", err)
		}
		if cancelled.State != escrow.StateCancelled {
			t.Fatalf("expected cancelled, got %s", cancelled.State)
		}
		acc := env.balance(t, ctx, buyer)
		if acc.Available != 100 || acc.Held != 0 {
			t.Fatalf("expected untouched balance, got %d/%d", acc.Available, acc.Held)
		}

		// cancelled is terminal, so the listing is purchasable again
		tx2 := env.purchase(t, ctx, l.ID, richBuyer)
		if tx2.State != escrow.StateFundsHeld {
			t.Fatalf("expected second purchase to hold funds, got %s", tx2.State)
		}
	})

	t.Run("double purchase of one listing is rejected", func(t *testing.T) {
		buyerA, buyerB, seller := "dp-buyer-a", "dp-buyer-b", "dp-seller"
		for _, b := range []string{buyerA, buyerB} {
			if _, err := env.accounts.Deposit(ctx, b, 10000); err != nil {
				t.Fatalf("deposit: %v", err)
			}
		}
		l := env.list(t, ctx, seller, 2000, 1.0)

		if tx := env.purchase(t, ctx, l.ID, buyerA); tx.State != escrow.StateFundsHeld {
			t.Fatalf("expected first purchase held, got %s", tx.State)
		}
		_, err := env.engine.Create(ctx, escrow.CreateParams{ListingID: l.ID, BuyerID: buyerB, RequestID: uuid.NewString()})
		if !errors.Is(err, escrow.ErrListingUnavailable) {
			t.Fatalf("expected ErrListingUnavailable, got %v", err)
		}
	})

	t.Run("dispute resolved for buyer refunds held funds", func(t *testing.T) {
		buyer, seller, arbiter := "dis-buyer", "dis-seller", "arbiter-1"
		if _, err := env.accounts.Deposit(ctx, buyer, 5000); err != nil {
			t.Fatalf("deposit: %v", err)
		}
		l := env.list(t, ctx, seller, 3000, 2.0)
		tx := env.purchase(t, ctx, l.ID, buyer)

		for _, s := range []struct {
			actor string
			fn    func(context.Context, escrow.ActionParams) (escrow.Transaction, error)
		}{
			{seller, env.engine.MarkShipped},
			{buyer, env.engine.MarkDelivered},
		} {
			if _, err := s.fn(ctx, escrow.ActionParams{TransactionID: tx.ID, ActorID: s.actor, RequestID: uuid.NewString()}); err != nil {
				t.Fatalf("advance: %v", err)
			}
		}

		disputed, err := env.engine.OpenDispute(ctx, escrow.OpenDisputeParams{
			TransactionID: tx.ID,
			ActorID:       buyer,
			Reason:        "color faded",
			EvidenceRefs:  []string{"photo-1"},
			RequestID:     uuid.NewString(),
		})
		if err != nil {
			t.Fatalf("open dispute: %v", err)
		}
		if disputed.State != escrow.StateDisputeOpen {
			t.Fatalf("expected dispute_open, got %s", disputed.State)
		}
		// funds stay parked while the dispute is open
		if acc := env.balance(t, ctx, buyer); acc.Held != 3000 {
			t.Fatalf("expected 3000 held during dispute, got %d", acc.Held)
		}

		rec, err := env.resolver.GetByTransaction(ctx, tx.ID)
		if err != nil {
			t.Fatalf("lookup dispute: %v", err)
		}
		resolved, err := env.resolver.Resolve(ctx, dispute.ResolveParams{
			DisputeID: rec.ID,
			ArbiterID: arbiter,
			Outcome:   dispute.ResolutionBuyerRefunded,
			RequestID: uuid.NewString(),
		})
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if resolved.Resolution != dispute.ResolutionBuyerRefunded {
			t.Fatalf("expected buyer_refunded, got %s", resolved.Resolution)
		}

		if acc := env.balance(t, ctx, buyer); acc.Available != 5000 || acc.Held != 0 {
			t.Fatalf("expected full refund, got %d/%d", acc.Available, acc.Held)
		}
		final, err := env.engine.Get(ctx, tx.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if final.State != escrow.StateRefundedToBuyer {
			t.Fatalf("expected refunded_to_buyer, got %s", final.State)
		}

		// a second resolution attempt keeps the first outcome
		again, err := env.resolver.Resolve(ctx, dispute.ResolveParams{
			DisputeID: rec.ID,
			ArbiterID: "arbiter-2",
			Outcome:   dispute.ResolutionSellerPaid,
			RequestID: uuid.NewString(),
		})
		if !errors.Is(err, dispute.ErrAlreadyResolved) {
			t.Fatalf("expected ErrAlreadyResolved, got %v", err)
		}
		if again.Resolution != dispute.ResolutionBuyerRefunded {
			t.Fatalf("expected stored outcome, got %s", again.Resolution)
		}
	})

	t.Run("shipping timeout refunds the buyer", func(t *testing.T) {
		buyer, seller := "to-buyer", "to-seller"
		if _, err := env.accounts.Deposit(ctx, buyer, 5000); err != nil {
			t.Fatalf("deposit: %v", err)
		}
		l := env.list(t, ctx, seller, 2500, 1.5)
		tx := env.purchase(t, ctx, l.ID, buyer)

		// backdate past the shipping window
		if _, err := env.pool.Exec(ctx, `UPDATE transactions SET last_activity_at = now() - interval '2 hours' WHERE id = $1`, tx.ID); err != nil {
			t.Fatalf("backdate: %v", err)
		}
		n, err := env.supervisor.Scan(ctx)
		if err != nil {
			t.Fatalf("scan: %v", err)
		}
		if n != 1 {
			t.Fatalf("expected one expiry, got %d", n)
		}

		final, err := env.engine.Get(ctx, tx.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if final.State != escrow.StateRefundedToBuyer {
			t.Fatalf("expected refunded_to_buyer, got %s", final.State)
		}
		if acc := env.balance(t, ctx, buyer); acc.Available != 5000 || acc.Held != 0 {
			t.Fatalf("expected refund, got %d/%d", acc.Available, acc.Held)
		}

		var initiator string
		if err := env.pool.QueryRow(ctx, `SELECT initiator FROM timeline_events WHERE transaction_id = $1 AND type = 'SHIPPING_TIMEOUT'`, tx.ID).Scan(&initiator); err != nil {
			t.Fatalf("timeout event missing: %v", err)
		}
		if initiator != "system" {
			t.Fatalf("expected system initiator, got %s", initiator)
		}
	})

	t.Run("donation settles without ledger movement", func(t *testing.T) {
		buyer, seller := "don-buyer", "don-seller"
		l := env.list(t, ctx, seller, 0, 4.0)

		tx := env.purchase(t, ctx, l.ID, buyer)
		if tx.State != escrow.StateReleasedToSeller {
			t.Fatalf("expected released_to_seller at create, got %s", tx.State)
		}
		// neither party needs an account for a donation
		if _, err := env.accounts.Get(ctx, buyer); !errors.Is(err, ledger.ErrNoAccount) {
			t.Fatalf("expected no buyer account, got %v", err)
		}

		sum, err := env.listings.SettledImpact(ctx)
		if err != nil {
			t.Fatalf("impact: %v", err)
		}
		if sum.ItemsSettled == 0 || sum.TotalKg < 4.0 {
			t.Fatalf("expected donation counted in impact, got %+v", sum)
		}
	})

	t.Run("unauthorized actor cannot ship", func(t *testing.T) {
		buyer, seller := "ua-buyer", "ua-seller"
		if _, err := env.accounts.Deposit(ctx, buyer, 5000); err != nil {
			t.Fatalf("deposit: %v", err)
		}
		l := env.list(t, ctx, seller, 1000, 1.0)
		tx := env.purchase(t, ctx, l.ID, buyer)

		_, err := env.engine.MarkShipped(ctx, escrow.ActionParams{TransactionID: tx.ID, ActorID: buyer, RequestID: uuid.NewString()})
		if !errors.Is(err, escrow.ErrUnauthorized) {
			t.Fatalf("expected ErrUnauthorized, got %v", err)
		}
		final, err := env.engine.Get(ctx, tx.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if final.State != escrow.StateFundsHeld {
			t.Fatalf("rejection must not change state, got %s", final.State)
		}
	})

	t.Run("replayed request id does not re-execute", func(t *testing.T) {
		buyer, seller := "rp-buyer", "rp-seller"
		if _, err := env.accounts.Deposit(ctx, buyer, 5000); err != nil {
			t.Fatalf("deposit: %v", err)
		}
		l := env.list(t, ctx, seller, 2000, 1.0)
		createReq := uuid.NewString()
		created, err := env.engine.Create(ctx, escrow.CreateParams{ListingID: l.ID, BuyerID: buyer, RequestID: createReq})
		if err != nil {
			t.Fatalf("create: %v", err)
		}

		// The listing still has its open transaction, so a naive retry would
		// collide with the one-open-transaction-per-listing index. The replay
		// must return the original instead.
		recreated, err := env.engine.Create(ctx, escrow.CreateParams{ListingID: l.ID, BuyerID: buyer, RequestID: createReq})
		if err != nil {
			t.Fatalf("create replay: %v", err)
		}
		if recreated.ID != created.ID {
			t.Fatalf("expected original transaction %s on replay, got %s", created.ID, recreated.ID)
		}
		var open int
		if err := env.pool.QueryRow(ctx, `SELECT count(*) FROM transactions WHERE listing_id = $1`, l.ID).Scan(&open); err != nil {
			t.Fatalf("count transactions: %v", err)
		}
		if open != 1 {
			t.Fatalf("expected one transaction for the listing, got %d", open)
		}

		fundReq := uuid.NewString()
		if _, err := env.engine.FundAndHold(ctx, created.ID, fundReq); err != nil {
			t.Fatalf("fund: %v", err)
		}
		replayed, err := env.engine.FundAndHold(ctx, created.ID, fundReq)
		if err != nil {
			t.Fatalf("replay: %v", err)
		}
		if replayed.State != escrow.StateFundsHeld {
			t.Fatalf("expected current state on replay, got %s", replayed.State)
		}
		if acc := env.balance(t, ctx, buyer); acc.Held != 2000 {
			t.Fatalf("expected hold applied once, held = %d", acc.Held)
		}

		// the create request id keeps resolving to the live state
		late, err := env.engine.Create(ctx, escrow.CreateParams{ListingID: l.ID, BuyerID: buyer, RequestID: createReq})
		if err != nil {
			t.Fatalf("late create replay: %v", err)
		}
		if late.ID != created.ID || late.State != escrow.StateFundsHeld {
			t.Fatalf("expected %s in funds_held, got %s in %s", created.ID, late.ID, late.State)
		}
	})

	t.Run("confirmation timeout releases funds to the seller", func(t *testing.T) {
		buyer, seller := "ct-buyer", "ct-seller"
		if _, err := env.accounts.Deposit(ctx, buyer, 5000); err != nil {
			t.Fatalf("deposit: %v", err)
		}
		l := env.list(t, ctx, seller, 2000, 1.5)
		tx := env.purchase(t, ctx, l.ID, buyer)

		for _, s := range []struct {
			actor string
			fn    func(context.Context, escrow.ActionParams) (escrow.Transaction, error)
		}{
			{seller, env.engine.MarkShipped},
			{buyer, env.engine.MarkDelivered},
		} {
			if _, err := s.fn(ctx, escrow.ActionParams{TransactionID: tx.ID, ActorID: s.actor, RequestID: uuid.NewString()}); err != nil {
				t.Fatalf("advance: %v", err)
			}
		}

		// buyer never confirms; backdate past the confirmation window
		if _, err := env.pool.Exec(ctx, `UPDATE transactions SET last_activity_at = now() - interval '2 hours' WHERE id = $1`, tx.ID); err != nil {
			t.Fatalf("backdate: %v", err)
		}
		n, err := env.supervisor.Scan(ctx)
		if err != nil {
			t.Fatalf("scan: %v", err)
		}
		if n != 1 {
			t.Fatalf("expected one expiry, got %d", n)
		}

		final, err := env.engine.Get(ctx, tx.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if final.State != escrow.StateReleasedToSeller {
			t.Fatalf("expected released_to_seller, got %s", final.State)
		}
		if acc := env.balance(t, ctx, buyer); acc.Available != 3000 || acc.Held != 0 {
			t.Fatalf("expected buyer 3000/0 after release, got %d/%d", acc.Available, acc.Held)
		}
		if acc := env.balance(t, ctx, seller); acc.Available != 2000 {
			t.Fatalf("expected seller credited 2000, got %d", acc.Available)
		}

		var initiator string
		if err := env.pool.QueryRow(ctx, `SELECT initiator FROM timeline_events WHERE transaction_id = $1 AND type = 'CONFIRMATION_TIMEOUT'`, tx.ID).Scan(&initiator); err != nil {
			t.Fatalf("timeout event missing: %v", err)
		}
		if initiator != "system" {
			t.Fatalf("expected system initiator, got %s", initiator)
		}
	})
}
