package ledger

import "time"

// Account mirrors the accounts table. Balances are integer currency units;
// available and held never go negative (enforced both here and by CHECK
// constraints).
type Account struct {
	PartyID   string
	Available int64
	Held      int64
	CreatedAt time.Time
	UpdatedAt time.Time
}
