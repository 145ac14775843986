package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ──────────────────────────────────────────────────────────────────────────────
// Types & constants
// ──────────────────────────────────────────────────────────────────────────────

// BetResult represents the settled state of a user's bet.
type BetResult string

const (
	BetResultPending  BetResult = "PENDING"  // owning market not yet resolved
	BetResultWon      BetResult = "WON"      // market resolved in user's favour
	BetResultLost     BetResult = "LOST"     // market resolved against user
	BetResultRefunded BetResult = "REFUNDED" // no winners; stake returned in full
)

// ──────────────────────────────────────────────────────────────────────────────
// Bet
// ──────────────────────────────────────────────────────────────────────────────

// Bet represents a single user wager on a Market.
//
// Result stays PENDING until the owning market is RESOLVED; once WON, LOST
// or REFUNDED it is immutable. Payout is non-nil exactly when the bet has
// been settled (a LOST bet carries an explicit zero payout).
type Bet struct {
	ID               uuid.UUID        `json:"id"                db:"id"`
	UserID           uuid.UUID        `json:"user_id"           db:"user_id"`
	MarketID         uuid.UUID        `json:"market_id"         db:"market_id"`
	Outcome          Outcome          `json:"outcome"           db:"outcome"`
	Amount           decimal.Decimal  `json:"amount"            db:"amount"`
	EntryProbability int              `json:"entry_probability" db:"entry_probability"`
	Result           BetResult        `json:"result"            db:"result"`
	Payout           *decimal.Decimal `json:"payout"            db:"payout"`
	PlacedAt         time.Time        `json:"placed_at"         db:"placed_at"`
	ResolvedAt       *time.Time       `json:"resolved_at"       db:"resolved_at"`
}

// IsSettled returns true once the bet has a final result.
func (b *Bet) IsSettled() bool {
	return b.Result != BetResultPending
}
