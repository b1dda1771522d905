package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns the invariant queries. Each must yield zero rows at any
// committed snapshot; a returned row is a counterexample.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_balances_non_negative",
			SQL:  `SELECT party_id, available, held FROM accounts WHERE available < 0 OR held < 0`,
		},
		{
			Name: "O2_one_open_tx_per_listing",
			SQL: `SELECT listing_id, COUNT(*) FROM transactions
                  WHERE state NOT IN ('released_to_seller','refunded_to_buyer','cancelled')
                  GROUP BY listing_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O3_held_covers_open_escrow",
			SQL: `SELECT a.party_id, a.held,
                         (SELECT COALESCE(SUM(t.amount), 0) FROM transactions t
                          WHERE t.buyer_id = a.party_id
                            AND t.state IN ('funds_held','shipped','delivered','dispute_open')) AS open_escrow
                  FROM accounts a
                  WHERE a.held <> (SELECT COALESCE(SUM(t.amount), 0) FROM transactions t
                                   WHERE t.buyer_id = a.party_id
                                     AND t.state IN ('funds_held','shipped','delivered','dispute_open'))`,
		},
		{
			Name: "O4_seq_monotonic",
			SQL: `WITH seqs AS (
                      SELECT transaction_id, seq,
                             LAG(seq) OVER (PARTITION BY transaction_id ORDER BY seq) AS prev
                      FROM timeline_events)
                  SELECT * FROM seqs WHERE prev IS NOT NULL AND seq <= prev`,
		},
		{
			Name: "O5_single_settlement_event",
			SQL: `SELECT transaction_id, COUNT(*) FROM timeline_events
                  WHERE type IN ('CONFIRMED','DISPUTE_RESOLVED','SHIPPING_TIMEOUT','CONFIRMATION_TIMEOUT')
                  GROUP BY transaction_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O6_resolved_dispute_terminal_tx",
			SQL: `SELECT d.id, d.resolution, t.state FROM disputes d
                  JOIN transactions t ON t.id = d.transaction_id
                  WHERE d.resolution <> 'pending'
                    AND t.state NOT IN ('released_to_seller','refunded_to_buyer')`,
		},
		{
			Name: "O7_open_dispute_has_record",
			SQL: `SELECT t.id FROM transactions t
                  WHERE t.state = 'dispute_open'
                    AND NOT EXISTS (SELECT 1 FROM disputes d WHERE d.transaction_id = t.id)`,
		},
		{
			Name: "O8_outbox_not_stale",
			SQL: `SELECT id, topic, attempts FROM outbox
                  WHERE status = 'pending' AND now() - created_at > interval '5 minutes'`,
		},
		{
			Name: "O9_system_events_flagged",
			SQL: `SELECT id, transaction_id, type FROM timeline_events
                  WHERE type IN ('PAYMENT_TIMEOUT','SHIPPING_TIMEOUT','CONFIRMATION_TIMEOUT')
                    AND initiator <> 'system'`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row
// text), or an empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		if rows.Next() {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
