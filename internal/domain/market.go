// Package domain defines the core business entities and types for the
// KASOKO prediction-market settlement system.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// ──────────────────────────────────────────────────────────────────────────────
// Types & constants
// ──────────────────────────────────────────────────────────────────────────────

// MarketStatus represents the lifecycle state of a market.
type MarketStatus string

const (
	StatusOpen     MarketStatus = "OPEN"     // accepting bets
	StatusClosed   MarketStatus = "CLOSED"   // outcome set by admin, awaiting settlement
	StatusResolved MarketStatus = "RESOLVED" // settlement complete, payouts dispatched
)

// Outcome represents the binary result a user bets on.
type Outcome string

const (
	OutcomeYes Outcome = "Yes"
	OutcomeNo  Outcome = "No"
)

// IsValid returns true if the outcome is a recognised value.
func (o Outcome) IsValid() bool {
	return o == OutcomeYes || o == OutcomeNo
}

// ──────────────────────────────────────────────────────────────────────────────
// Market
// ──────────────────────────────────────────────────────────────────────────────

// Market represents a single binary-outcome prediction market.
//
// Lifecycle is strictly OPEN → CLOSED → RESOLVED and never backward:
// an admin resolution sets ResolvedOutcome and flips the market to CLOSED;
// settlement moves it to RESOLVED once all bet and transaction bookkeeping
// has been committed.
type Market struct {
	ID              uuid.UUID    `json:"id"               db:"id"`
	Question        string       `json:"question"         db:"question"`
	Category        string       `json:"category"         db:"category"`
	Status          MarketStatus `json:"status"           db:"status"`
	ResolvedOutcome *Outcome     `json:"resolved_outcome" db:"resolved_outcome"`
	ResolvedAt      *time.Time   `json:"resolved_at"      db:"resolved_at"`
	CreatedAt       time.Time    `json:"created_at"       db:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"       db:"updated_at"`
}

// IsResolved returns true after the market has been settled.
func (m *Market) IsResolved() bool {
	return m.Status == StatusResolved
}

// CanSettle returns true when the market is in the one state settlement
// accepts: CLOSED with a resolved outcome recorded.
func (m *Market) CanSettle() bool {
	return m.Status == StatusClosed && m.ResolvedOutcome != nil
}
