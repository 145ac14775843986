package domain

import (
	"github.com/shopspring/decimal"
)

// ──────────────────────────────────────────────────────────────────────────────
// Pari-mutuel payout calculation — pure arithmetic, no I/O
// ──────────────────────────────────────────────────────────────────────────────

// PayoutLine is the computed settlement outcome for one bet.
type PayoutLine struct {
	Bet    *Bet
	Result BetResult
	Payout decimal.Decimal
}

// SettlementPlan is the full payout distribution for a resolved market.
// It is a value computed by ComputeSettlement; persisting it is the
// orchestrator's job.
type SettlementPlan struct {
	Outcome       Outcome
	TotalPool     decimal.Decimal
	WinnersPool   decimal.Decimal
	Fee           decimal.Decimal
	Distributable decimal.Decimal
	Refund        bool // true when nobody picked the winning side
	Lines         []PayoutLine
	WinnerCount   int
	LoserCount    int
}

// Empty returns true when there was nothing to settle (zero pool).
func (p *SettlementPlan) Empty() bool {
	return len(p.Lines) == 0
}

// PaidTotal sums every non-zero payout in the plan.
func (p *SettlementPlan) PaidTotal() decimal.Decimal {
	total := decimal.Zero
	for _, l := range p.Lines {
		total = total.Add(l.Payout)
	}
	return total
}

// ComputeSettlement distributes a resolved market's pool across its bets
// using pari-mutuel math:
//
//	total_pool    = Σ stakes (both sides)
//	winners_pool  = Σ stakes on the resolved outcome
//	distributable = total_pool × (1 − feeRate)
//	payout(bet)   = bet.amount / winners_pool × distributable
//
// Payouts are rounded DOWN to 2 decimal places at this single finalisation
// point, so the sum of winner payouts can never exceed the distributable
// pool (the rounding shortfall stays with the house).
//
// Degenerate cases:
//   - total_pool == 0 → empty plan, nothing to pay.
//   - winners_pool == 0 (nobody picked the winning side) → full-refund plan:
//     every bet gets its exact stake back, result REFUNDED, and no fee is
//     taken. This is deliberately NOT a loss: refunds and losses must stay
//     distinguishable in the ledger.
func ComputeSettlement(outcome Outcome, bets []*Bet, feeRate decimal.Decimal) *SettlementPlan {
	plan := &SettlementPlan{Outcome: outcome}

	for _, b := range bets {
		plan.TotalPool = plan.TotalPool.Add(b.Amount)
		if b.Outcome == outcome {
			plan.WinnersPool = plan.WinnersPool.Add(b.Amount)
		}
	}

	if plan.TotalPool.IsZero() {
		return plan
	}

	if plan.WinnersPool.IsZero() {
		plan.Refund = true
		for _, b := range bets {
			plan.Lines = append(plan.Lines, PayoutLine{
				Bet:    b,
				Result: BetResultRefunded,
				Payout: b.Amount,
			})
		}
		return plan
	}

	one := decimal.NewFromInt(1)
	plan.Fee = plan.TotalPool.Mul(feeRate)
	plan.Distributable = plan.TotalPool.Mul(one.Sub(feeRate))

	for _, b := range bets {
		if b.Outcome != outcome {
			plan.Lines = append(plan.Lines, PayoutLine{
				Bet:    b,
				Result: BetResultLost,
				Payout: decimal.Zero,
			})
			plan.LoserCount++
			continue
		}
		payout := b.Amount.Div(plan.WinnersPool).Mul(plan.Distributable).RoundDown(2)
		plan.Lines = append(plan.Lines, PayoutLine{
			Bet:    b,
			Result: BetResultWon,
			Payout: payout,
		})
		plan.WinnerCount++
	}

	return plan
}
