package service

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kasoko/settlement/internal/domain"
)

func entryFixtures() (*domain.Market, *domain.User) {
	m := &domain.Market{ID: uuid.New(), Status: domain.StatusClosed}
	u := &domain.User{ID: uuid.New(), PhoneNumber: "254712345678"}
	return m, u
}

func TestBuildLedgerEntry_WinnerAboveMinimum(t *testing.T) {
	m, u := entryFixtures()
	bet := &domain.Bet{ID: uuid.New(), UserID: u.ID}
	line := domain.PayoutLine{Bet: bet, Result: domain.BetResultWon, Payout: decimal.NewFromInt(190)}

	entry, dispatch := buildLedgerEntry(m, line, u, decimal.NewFromInt(10))
	if !dispatch {
		t.Error("winner above minimum must be dispatched")
	}
	if entry.Status != domain.TxPending {
		t.Errorf("status = %s, want PENDING", entry.Status)
	}
	if entry.FailureReason != nil {
		t.Errorf("failure reason = %v, want nil", *entry.FailureReason)
	}
	if entry.PhoneNumber != u.PhoneNumber {
		t.Errorf("phone = %q", entry.PhoneNumber)
	}
	if !strings.HasPrefix(entry.ExternalRef, "KASOKO-") {
		t.Errorf("external ref = %q", entry.ExternalRef)
	}
}

// A payout under the floor is failed with a policy reason before the gateway
// is ever involved, and that reason stays distinguishable from a transport
// failure so the retry sweep skips it.
func TestBuildLedgerEntry_WinnerBelowMinimum(t *testing.T) {
	m, u := entryFixtures()
	bet := &domain.Bet{ID: uuid.New(), UserID: u.ID}
	line := domain.PayoutLine{Bet: bet, Result: domain.BetResultWon, Payout: decimal.NewFromInt(5)}

	entry, dispatch := buildLedgerEntry(m, line, u, decimal.NewFromInt(10))
	if dispatch {
		t.Error("below-minimum payout must never reach the gateway")
	}
	if entry.Status != domain.TxFailed {
		t.Errorf("status = %s, want FAILED", entry.Status)
	}
	if entry.FailureReason == nil || *entry.FailureReason != domain.FailureBelowMinimum {
		t.Errorf("failure reason = %v, want %q", entry.FailureReason, domain.FailureBelowMinimum)
	}
	if *entry.FailureReason == domain.FailureTransport {
		t.Error("policy failure must not look like a transport failure")
	}
}

// Refunds return the user's own stake and are exempt from the payout floor.
func TestBuildLedgerEntry_RefundIgnoresMinimum(t *testing.T) {
	m, u := entryFixtures()
	bet := &domain.Bet{ID: uuid.New(), UserID: u.ID}
	line := domain.PayoutLine{Bet: bet, Result: domain.BetResultRefunded, Payout: decimal.NewFromInt(2)}

	entry, dispatch := buildLedgerEntry(m, line, u, decimal.NewFromInt(10))
	if !dispatch {
		t.Error("refund must be dispatched even below the payout floor")
	}
	if entry.Status != domain.TxPending {
		t.Errorf("status = %s, want PENDING", entry.Status)
	}
	if !strings.Contains(entry.ExternalRef, "REFUND") {
		t.Errorf("refund ref = %q, want REFUND marker", entry.ExternalRef)
	}
}

func TestBuildLedgerEntry_LoserAuditRow(t *testing.T) {
	m, u := entryFixtures()
	bet := &domain.Bet{ID: uuid.New(), UserID: u.ID}
	line := domain.PayoutLine{Bet: bet, Result: domain.BetResultLost, Payout: decimal.Zero}

	entry, dispatch := buildLedgerEntry(m, line, u, decimal.NewFromInt(10))
	if dispatch {
		t.Error("loser rows are audit entries, never dispatched")
	}
	if entry.Status != domain.TxCompleted {
		t.Errorf("status = %s, want COMPLETED", entry.Status)
	}
	if !entry.Amount.IsZero() {
		t.Errorf("amount = %s, want 0", entry.Amount)
	}
	if entry.BetID == nil || *entry.BetID != bet.ID {
		t.Error("entry must reference the losing bet")
	}
}
