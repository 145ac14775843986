package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx/types"
	"github.com/shopspring/decimal"
)

// ──────────────────────────────────────────────────────────────────────────────
// Types & constants
// ──────────────────────────────────────────────────────────────────────────────

// TxType identifies what a ledger entry represents.
type TxType string

const (
	TxDeposit    TxType = "DEPOSIT"
	TxWithdrawal TxType = "WITHDRAWAL"
	TxPayout     TxType = "PAYOUT"
	TxBet        TxType = "BET"
)

// TxStatus is the disbursement state of a transaction.
type TxStatus string

const (
	TxPending   TxStatus = "PENDING"   // created, awaiting gateway result
	TxCompleted TxStatus = "COMPLETED" // provider confirmed; balance credited
	TxFailed    TxStatus = "FAILED"    // policy rejection or exhausted dispatch
)

// Failure reasons recorded on FAILED transactions. The distinction matters:
// the retry sweep re-dispatches transport failures but never policy ones.
const (
	FailureBelowMinimum   = "below_minimum"    // payout under the configured floor
	FailureTransport      = "transport_error"  // timeout / network / 5xx, retryable
	FailureProviderReject = "provider_reject"  // gateway or callback said no
)

// ──────────────────────────────────────────────────────────────────────────────
// Transaction
// ──────────────────────────────────────────────────────────────────────────────

// Transaction is an immutable ledger entry. ExternalRef is assigned once at
// creation, globally unique, and is the idempotency key used to correlate
// asynchronous gateway callbacks. GatewayMeta accumulates request/response
// snapshots from the payment provider.
type Transaction struct {
	ID            uuid.UUID       `json:"id"             db:"id"`
	UserID        uuid.UUID       `json:"user_id"        db:"user_id"`
	BetID         *uuid.UUID      `json:"bet_id"         db:"bet_id"`
	Type          TxType          `json:"type"           db:"type"`
	Amount        decimal.Decimal `json:"amount"         db:"amount"`
	Status        TxStatus        `json:"status"         db:"status"`
	PhoneNumber   string          `json:"phone_number"   db:"phone_number"`
	ExternalRef   string          `json:"external_ref"   db:"external_ref"`
	Description   string          `json:"description"    db:"description"`
	FailureReason *string         `json:"failure_reason" db:"failure_reason"`
	GatewayMeta   types.JSONText  `json:"gateway_meta"   db:"gateway_meta"`
	CreatedAt     time.Time       `json:"created_at"     db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"     db:"updated_at"`
}

// ConversationID returns the provider conversation id stored in GatewayMeta
// at dispatch-ack time, or "" when the gateway has not acknowledged yet.
func (t *Transaction) ConversationID() string {
	var meta struct {
		ConversationID string `json:"conversation_id"`
	}
	if err := json.Unmarshal(t.GatewayMeta, &meta); err != nil {
		return ""
	}
	return meta.ConversationID
}

// IsPolicyFailure returns true when the transaction failed for a business
// reason (e.g. below-minimum) rather than a transport/provider problem.
func (t *Transaction) IsPolicyFailure() bool {
	return t.FailureReason != nil && *t.FailureReason == FailureBelowMinimum
}

// NewExternalRef builds the unique correlation reference for a payout
// transaction. The nanosecond suffix keeps refs unique even when a market
// is re-settled after a partial failure rollback.
func NewExternalRef(marketID, betID uuid.UUID) string {
	return fmt.Sprintf("KASOKO-%s-%s-%d", marketID, betID, time.Now().UnixNano())
}

// NewRefundRef builds the correlation reference for a full-refund payout.
func NewRefundRef(betID uuid.UUID) string {
	return fmt.Sprintf("KASOKO-REFUND-%s-%d", betID, time.Now().UnixNano())
}
