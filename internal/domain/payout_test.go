package domain_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/kasoko/settlement/internal/domain"
	"github.com/shopspring/decimal"
)

func bet(outcome domain.Outcome, amount int64) *domain.Bet {
	return &domain.Bet{
		ID:      uuid.New(),
		UserID:  uuid.New(),
		Outcome: outcome,
		Amount:  decimal.NewFromInt(amount),
		Result:  domain.BetResultPending,
	}
}

var fivePct = decimal.NewFromFloat(0.05)

// ── Pari-mutuel distribution ─────────────────────────────────────────────────

// Two Yes bets (100, 200) against a 300 No pool, resolved Yes at 5% fee:
//
//	total_pool    = 600
//	distributable = 600 × 0.95 = 570
//	winners_pool  = 300
//	payout(100)   = 100/300 × 570 = 190.00
//	payout(200)   = 200/300 × 570 = 380.00
//
// The payouts sum to the distributable pool exactly (no rounding loss here).
func TestComputeSettlement_Parimutuel(t *testing.T) {
	bets := []*domain.Bet{
		bet(domain.OutcomeYes, 100),
		bet(domain.OutcomeYes, 200),
		bet(domain.OutcomeNo, 300),
	}

	plan := domain.ComputeSettlement(domain.OutcomeYes, bets, fivePct)

	if !plan.TotalPool.Equal(decimal.NewFromInt(600)) {
		t.Errorf("TotalPool = %s, want 600", plan.TotalPool)
	}
	if !plan.WinnersPool.Equal(decimal.NewFromInt(300)) {
		t.Errorf("WinnersPool = %s, want 300", plan.WinnersPool)
	}
	if !plan.Distributable.Equal(decimal.NewFromInt(570)) {
		t.Errorf("Distributable = %s, want 570", plan.Distributable)
	}
	if !plan.Fee.Equal(decimal.NewFromInt(30)) {
		t.Errorf("Fee = %s, want 30", plan.Fee)
	}
	if plan.WinnerCount != 2 || plan.LoserCount != 1 {
		t.Errorf("counts = %d winners / %d losers, want 2/1", plan.WinnerCount, plan.LoserCount)
	}

	wantPayouts := map[string]string{"100": "190", "200": "380"}
	for _, line := range plan.Lines {
		switch line.Result {
		case domain.BetResultWon:
			want := wantPayouts[line.Bet.Amount.String()]
			if line.Payout.String() != want {
				t.Errorf("payout for stake %s = %s, want %s", line.Bet.Amount, line.Payout, want)
			}
		case domain.BetResultLost:
			if !line.Payout.IsZero() {
				t.Errorf("loser payout = %s, want 0", line.Payout)
			}
		default:
			t.Errorf("unexpected result %s", line.Result)
		}
	}

	if !plan.PaidTotal().Equal(decimal.NewFromInt(570)) {
		t.Errorf("PaidTotal = %s, want 570", plan.PaidTotal())
	}
}

// Conservation: the paid total may fall short of the distributable pool by
// rounding, but must never exceed it.
func TestComputeSettlement_NeverOverpays(t *testing.T) {
	// Three-way split of a pool that does not divide evenly.
	bets := []*domain.Bet{
		bet(domain.OutcomeYes, 10),
		bet(domain.OutcomeYes, 10),
		bet(domain.OutcomeYes, 10),
		bet(domain.OutcomeNo, 70),
	}

	plan := domain.ComputeSettlement(domain.OutcomeYes, bets, fivePct)

	// distributable = 100 × 0.95 = 95; each winner gets 95/3 → 31.66 rounded down
	paid := plan.PaidTotal()
	if paid.GreaterThan(plan.Distributable) {
		t.Fatalf("paid %s exceeds distributable %s", paid, plan.Distributable)
	}

	// Shortfall bounded by rounding error × winner count (1 cent each).
	maxShortfall := decimal.NewFromFloat(0.01).Mul(decimal.NewFromInt(int64(plan.WinnerCount)))
	if plan.Distributable.Sub(paid).GreaterThan(maxShortfall) {
		t.Errorf("shortfall %s exceeds %s", plan.Distributable.Sub(paid), maxShortfall)
	}
}

// ── Degenerate cases ─────────────────────────────────────────────────────────

func TestComputeSettlement_EmptyPool(t *testing.T) {
	plan := domain.ComputeSettlement(domain.OutcomeYes, nil, fivePct)
	if !plan.Empty() {
		t.Errorf("empty market should produce an empty plan, got %d lines", len(plan.Lines))
	}
	if plan.Refund {
		t.Error("empty market must not be a refund")
	}
}

// A sole Yes bet on a market resolved No must NOT be marked LOST: with no
// winners the stake is refunded in full and no fee is taken.
func TestComputeSettlement_NoWinners_FullRefund(t *testing.T) {
	only := bet(domain.OutcomeYes, 100)
	plan := domain.ComputeSettlement(domain.OutcomeNo, []*domain.Bet{only}, fivePct)

	if !plan.Refund {
		t.Fatal("plan.Refund should be true when winners_pool is zero")
	}
	if !plan.Fee.IsZero() {
		t.Errorf("refund fee = %s, want 0", plan.Fee)
	}
	if len(plan.Lines) != 1 {
		t.Fatalf("got %d lines, want 1", len(plan.Lines))
	}
	line := plan.Lines[0]
	if line.Result != domain.BetResultRefunded {
		t.Errorf("result = %s, want REFUNDED", line.Result)
	}
	if !line.Payout.Equal(only.Amount) {
		t.Errorf("refund = %s, want full stake %s", line.Payout, only.Amount)
	}
}

func TestComputeSettlement_RefundIsExactStakes(t *testing.T) {
	bets := []*domain.Bet{
		bet(domain.OutcomeNo, 123),
		bet(domain.OutcomeNo, 77),
	}
	plan := domain.ComputeSettlement(domain.OutcomeYes, bets, fivePct)

	if !plan.Refund {
		t.Fatal("expected refund plan")
	}
	if !plan.PaidTotal().Equal(plan.TotalPool) {
		t.Errorf("refund total = %s, want whole pool %s", plan.PaidTotal(), plan.TotalPool)
	}
}

// ── Rounding direction ───────────────────────────────────────────────────────

func TestComputeSettlement_RoundsDown(t *testing.T) {
	// 1/3 of 95 = 31.6666… → must truncate to 31.66, never round up to 31.67.
	bets := []*domain.Bet{
		bet(domain.OutcomeYes, 1),
		bet(domain.OutcomeYes, 2),
		bet(domain.OutcomeNo, 97),
	}
	plan := domain.ComputeSettlement(domain.OutcomeYes, bets, fivePct)

	for _, line := range plan.Lines {
		if line.Result != domain.BetResultWon {
			continue
		}
		exact := line.Bet.Amount.Div(plan.WinnersPool).Mul(plan.Distributable)
		if line.Payout.GreaterThan(exact) {
			t.Errorf("payout %s rounded above exact value %s", line.Payout, exact)
		}
		if exact.Sub(line.Payout).GreaterThanOrEqual(decimal.NewFromFloat(0.01)) {
			t.Errorf("payout %s truncated more than a cent below %s", line.Payout, exact)
		}
	}
}
