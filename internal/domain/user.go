package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// User is the minimal projection of a platform account the settlement core
// needs: a payout destination (mobile-money phone number) and a balance.
//
// Balance is mutated only inside the same database transaction as the
// COMPLETED ledger entry that justifies the change — no credit without a
// corresponding immutable Transaction row.
type User struct {
	ID          uuid.UUID       `json:"id"           db:"id"`
	PhoneNumber string          `json:"phone_number" db:"phone_number"`
	FullName    string          `json:"full_name"    db:"full_name"`
	Balance     decimal.Decimal `json:"balance"      db:"balance"`
	IsStaff     bool            `json:"is_staff"     db:"is_staff"`
	CreatedAt   time.Time       `json:"created_at"   db:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"   db:"updated_at"`
}
