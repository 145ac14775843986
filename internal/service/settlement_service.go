// Package service contains the business-logic layer: settlement
// orchestration, payout dispatch and callback reconciliation.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
	"github.com/shopspring/decimal"

	"github.com/kasoko/settlement/internal/config"
	"github.com/kasoko/settlement/internal/domain"
	"github.com/kasoko/settlement/internal/queue"
	"github.com/kasoko/settlement/internal/repository"
)

// TaskDispatchPayout is the queue task name for sending one payout
// transaction to the payment gateway.
const TaskDispatchPayout = "payout.dispatch"

// Enqueuer schedules background tasks. Implemented by *queue.Queue.
type Enqueuer interface {
	Enqueue(name string, args queue.Args, delay time.Duration) error
}

// Broadcaster pushes operational events to connected dashboard clients.
// Implemented by *ws.Hub.
type Broadcaster interface {
	Broadcast(v interface{})
}

// MarketSettledEvent is broadcast once a market's settlement commits.
type MarketSettledEvent struct {
	Type        string `json:"type"`
	MarketID    string `json:"market_id"`
	Outcome     string `json:"outcome"`
	TotalPool   string `json:"total_pool"`
	PaidTotal   string `json:"paid_total"`
	WinnerCount int    `json:"winner_count"`
	LoserCount  int    `json:"loser_count"`
	Refund      bool   `json:"refund"`
}

// SettlementSummary is the result of a settlement attempt, returned to the
// admin caller and logged.
type SettlementSummary struct {
	MarketID      uuid.UUID `json:"market_id"`
	Status        string    `json:"status"` // "settled" | "already_resolved" | "empty"
	Outcome       string    `json:"outcome,omitempty"`
	TotalPool     string    `json:"total_pool"`
	WinnersPool   string    `json:"winners_pool"`
	Fee           string    `json:"fee"`
	Distributable string    `json:"distributable"`
	PaidTotal     string    `json:"paid_total"`
	WinnerCount   int       `json:"winner_count"`
	LoserCount    int       `json:"loser_count"`
	RefundCount   int       `json:"refund_count"`
	Dispatched    int       `json:"dispatched"`
	BelowMinimum  int       `json:"below_minimum"`
	Attempts      int       `json:"attempts"`
}

// SettlementService orchestrates the resolve-and-settle pipeline: it flips
// the market lifecycle, persists bet results and ledger entries in one
// database transaction, and hands payouts to the dispatch queue after
// commit.
type SettlementService struct {
	db        *sqlx.DB
	markets   *repository.MarketRepository
	bets      *repository.BetRepository
	txs       *repository.TransactionRepository
	users     *repository.UserRepository
	enqueuer  Enqueuer
	broadcast Broadcaster
	cfg       config.SettlementConfig
	logger    *slog.Logger
}

// NewSettlementService builds a SettlementService.
func NewSettlementService(
	db *sqlx.DB,
	markets *repository.MarketRepository,
	bets *repository.BetRepository,
	txs *repository.TransactionRepository,
	users *repository.UserRepository,
	enqueuer Enqueuer,
	broadcast Broadcaster,
	cfg config.SettlementConfig,
	logger *slog.Logger,
) *SettlementService {
	return &SettlementService{
		db:        db,
		markets:   markets,
		bets:      bets,
		txs:       txs,
		users:     users,
		enqueuer:  enqueuer,
		broadcast: broadcast,
		cfg:       cfg,
		logger:    logger.With("component", "settlement"),
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// ResolveAndSettle — admin entry point
// ──────────────────────────────────────────────────────────────────────────────

// ResolveAndSettle records the winning outcome for an OPEN market and runs
// settlement. Calling it again for a RESOLVED market is an idempotent no-op;
// calling it for a CLOSED market resumes a previously interrupted settlement
// using the outcome already on record.
func (s *SettlementService) ResolveAndSettle(ctx context.Context, marketID uuid.UUID, outcome domain.Outcome) (*SettlementSummary, error) {
	if !outcome.IsValid() {
		return nil, domain.ErrInvalidOutcome
	}

	m, err := s.markets.GetByID(ctx, marketID)
	if err != nil {
		return nil, err
	}

	switch m.Status {
	case domain.StatusResolved:
		s.logger.Info("resolve ignored, market already resolved", "market_id", marketID)
		return &SettlementSummary{MarketID: marketID, Status: "already_resolved"}, nil
	case domain.StatusOpen:
		if err := s.markets.MarkClosed(ctx, marketID, outcome); err != nil {
			return nil, err
		}
	case domain.StatusClosed:
		// Interrupted earlier run; the stored outcome wins over the request.
		s.logger.Warn("market already closed, resuming settlement",
			"market_id", marketID, "stored_outcome", m.ResolvedOutcome)
	}

	return s.Settle(ctx, marketID)
}

// ──────────────────────────────────────────────────────────────────────────────
// Settle — retrying settlement driver
// ──────────────────────────────────────────────────────────────────────────────

// Settle runs settlement for a CLOSED market, retrying transient failures
// with exponential backoff. State conflicts are returned immediately: they
// will not heal by waiting.
func (s *SettlementService) Settle(ctx context.Context, marketID uuid.UUID) (*SettlementSummary, error) {
	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		summary, err := s.settleOnce(ctx, marketID)
		if err == nil {
			summary.Attempts = attempt
			return summary, nil
		}
		if domain.IsConflict(err) || domain.IsNotFound(err) || errors.Is(err, context.Canceled) {
			return nil, err
		}

		lastErr = err
		if attempt == s.cfg.MaxAttempts {
			break
		}
		delay := s.cfg.RetryBaseDelay << (attempt - 1)
		s.logger.Warn("settlement attempt failed, retrying",
			"market_id", marketID, "attempt", attempt, "retry_in", delay, "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.logger.Error("settlement exhausted retries",
		"market_id", marketID, "attempts", s.cfg.MaxAttempts, "error", lastErr)
	return nil, fmt.Errorf("settlement_service.Settle %s: %w", marketID, lastErr)
}

// settleOnce performs one atomic settlement attempt. Everything from the bet
// results to the RESOLVED flip commits together: if this returns an error,
// the market is untouched and the attempt can be repeated safely.
func (s *SettlementService) settleOnce(ctx context.Context, marketID uuid.UUID) (*SettlementSummary, error) {
	tx, txErr := s.db.BeginTxx(ctx, nil)
	if txErr != nil {
		return nil, fmt.Errorf("settlement_service.settleOnce: begin tx: %w", txErr)
	}
	defer func() {
		if txErr != nil {
			_ = tx.Rollback()
		}
	}()

	// Row lock serialises concurrent settlement attempts on this market.
	m, err := s.markets.GetByIDForUpdate(ctx, tx, marketID)
	if err != nil {
		txErr = err
		return nil, err
	}
	if m.IsResolved() {
		_ = tx.Rollback()
		return &SettlementSummary{MarketID: marketID, Status: "already_resolved"}, nil
	}
	if !m.CanSettle() {
		txErr = domain.ErrMarketNotClosed
		return nil, txErr
	}

	bets, err := s.bets.GetByMarket(ctx, marketID)
	if err != nil {
		txErr = err
		return nil, err
	}

	plan := domain.ComputeSettlement(*m.ResolvedOutcome, bets, decimal.NewFromFloat(s.cfg.FeeRate))
	summary := &SettlementSummary{
		MarketID:      marketID,
		Status:        "settled",
		Outcome:       string(plan.Outcome),
		TotalPool:     plan.TotalPool.StringFixed(2),
		WinnersPool:   plan.WinnersPool.StringFixed(2),
		Fee:           plan.Fee.StringFixed(2),
		Distributable: plan.Distributable.StringFixed(2),
		PaidTotal:     plan.PaidTotal().StringFixed(2),
		WinnerCount:   plan.WinnerCount,
		LoserCount:    plan.LoserCount,
	}

	if plan.Empty() {
		summary.Status = "empty"
		if txErr = s.markets.MarkResolved(ctx, tx, marketID); txErr != nil {
			return nil, txErr
		}
		if txErr = tx.Commit(); txErr != nil {
			return nil, fmt.Errorf("settlement_service.settleOnce: commit: %w", txErr)
		}
		s.logger.Info("market settled with empty pool", "market_id", marketID)
		return summary, nil
	}

	minPayout := decimal.NewFromFloat(s.cfg.MinPayout)
	var dispatchIDs []uuid.UUID

	for _, line := range plan.Lines {
		if txErr = s.bets.UpdateResult(ctx, tx, line.Bet.ID, line.Result, line.Payout); txErr != nil {
			return nil, fmt.Errorf("settlement_service: mark bet %s %s: %w", line.Bet.ID, line.Result, txErr)
		}

		user, uErr := s.users.GetByID(ctx, line.Bet.UserID)
		if uErr != nil {
			txErr = fmt.Errorf("settlement_service: user for bet %s: %w", line.Bet.ID, uErr)
			return nil, txErr
		}

		entry, dispatch := buildLedgerEntry(m, line, user, minPayout)
		if txErr = s.txs.Create(ctx, tx, entry); txErr != nil {
			return nil, fmt.Errorf("settlement_service: ledger entry for bet %s: %w", line.Bet.ID, txErr)
		}
		if dispatch {
			dispatchIDs = append(dispatchIDs, entry.ID)
		}
		switch {
		case line.Result == domain.BetResultRefunded:
			summary.RefundCount++
		case line.Result == domain.BetResultWon && !dispatch:
			summary.BelowMinimum++
		}
	}

	// Last write of the unit: commit means settled exactly once.
	if txErr = s.markets.MarkResolved(ctx, tx, marketID); txErr != nil {
		return nil, txErr
	}
	if txErr = tx.Commit(); txErr != nil {
		return nil, fmt.Errorf("settlement_service.settleOnce: commit: %w", txErr)
	}

	summary.Dispatched = len(dispatchIDs)
	s.logger.Info("market settled",
		"market_id", marketID,
		"outcome", plan.Outcome,
		"total_pool", summary.TotalPool,
		"paid_total", summary.PaidTotal,
		"winners", plan.WinnerCount,
		"losers", plan.LoserCount,
		"refund", plan.Refund,
		"dispatched", len(dispatchIDs),
		"below_minimum", summary.BelowMinimum)

	// Dispatch only after commit: an enqueued payout must always have a
	// committed PENDING ledger entry behind it.
	for _, id := range dispatchIDs {
		if err := s.enqueuer.Enqueue(TaskDispatchPayout, queue.Args{"transaction_id": id.String()}, 0); err != nil {
			// The sweep re-derives undelivered dispatches from PENDING rows.
			s.logger.Error("enqueue payout dispatch failed", "transaction_id", id, "error", err)
		}
	}

	if s.broadcast != nil {
		s.broadcast.Broadcast(MarketSettledEvent{
			Type:        "market_settled",
			MarketID:    marketID.String(),
			Outcome:     string(plan.Outcome),
			TotalPool:   summary.TotalPool,
			PaidTotal:   summary.PaidTotal,
			WinnerCount: plan.WinnerCount,
			LoserCount:  plan.LoserCount,
			Refund:      plan.Refund,
		})
	}

	return summary, nil
}

// buildLedgerEntry maps one payout line to its immutable ledger entry and
// reports whether the entry should be handed to the dispatch queue.
//
//   - LOST bets get a zero-amount COMPLETED entry so the settlement audit
//     trail covers every bet.
//   - WON bets under the minimum become FAILED/below_minimum without ever
//     touching the gateway.
//   - REFUNDED stakes are always dispatched, whatever their size: returning
//     a user's own money is not subject to the payout floor.
func buildLedgerEntry(m *domain.Market, line domain.PayoutLine, user *domain.User, minPayout decimal.Decimal) (*domain.Transaction, bool) {
	now := time.Now().UTC()
	betID := line.Bet.ID
	entry := &domain.Transaction{
		ID:          uuid.New(),
		UserID:      user.ID,
		BetID:       &betID,
		Type:        domain.TxPayout,
		Amount:      line.Payout,
		PhoneNumber: user.PhoneNumber,
		GatewayMeta: types.JSONText("{}"),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	switch line.Result {
	case domain.BetResultLost:
		entry.Status = domain.TxCompleted
		entry.ExternalRef = domain.NewExternalRef(m.ID, betID)
		entry.Description = fmt.Sprintf("Lost bet on market %s", m.ID)
		return entry, false

	case domain.BetResultRefunded:
		entry.Status = domain.TxPending
		entry.ExternalRef = domain.NewRefundRef(betID)
		entry.Description = fmt.Sprintf("Stake refund, market %s had no winners", m.ID)
		return entry, true

	default: // WON
		entry.ExternalRef = domain.NewExternalRef(m.ID, betID)
		entry.Description = fmt.Sprintf("Winnings payout for market %s", m.ID)
		if line.Payout.LessThan(minPayout) {
			reason := domain.FailureBelowMinimum
			entry.Status = domain.TxFailed
			entry.FailureReason = &reason
			return entry, false
		}
		entry.Status = domain.TxPending
		return entry, true
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// SettlementStatus — admin reporting
// ──────────────────────────────────────────────────────────────────────────────

// MarketSettlementStatus is the admin view of a market's payout progress.
type MarketSettlementStatus struct {
	MarketID  uuid.UUID                  `json:"market_id"`
	Status    domain.MarketStatus        `json:"status"`
	Outcome   *domain.Outcome            `json:"outcome"`
	Payouts   []repository.StatusSummary `json:"payouts"`
	UpdatedAt time.Time                  `json:"updated_at"`
}

// SettlementStatus aggregates a market's payout transactions by status.
func (s *SettlementService) SettlementStatus(ctx context.Context, marketID uuid.UUID) (*MarketSettlementStatus, error) {
	m, err := s.markets.GetByID(ctx, marketID)
	if err != nil {
		return nil, err
	}
	rows, err := s.txs.SummarizeByMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	return &MarketSettlementStatus{
		MarketID:  m.ID,
		Status:    m.Status,
		Outcome:   m.ResolvedOutcome,
		Payouts:   rows,
		UpdatedAt: m.UpdatedAt,
	}, nil
}
