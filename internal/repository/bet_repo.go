package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/kasoko/settlement/internal/domain"
)

// BetRepository handles all database operations for Bets.
type BetRepository struct {
	db *sqlx.DB
}

// NewBetRepository creates a new BetRepository.
func NewBetRepository(db *sqlx.DB) *BetRepository {
	return &BetRepository{db: db}
}

// Create inserts a new bet row.
func (r *BetRepository) Create(ctx context.Context, b *domain.Bet) error {
	query := `
		INSERT INTO bets
			(id, user_id, market_id, outcome, amount, entry_probability, result, payout, placed_at, resolved_at)
		VALUES
			(:id, :user_id, :market_id, :outcome, :amount, :entry_probability, :result, :payout, :placed_at, :resolved_at)`
	_, err := r.db.NamedExecContext(ctx, query, b)
	if err != nil {
		return fmt.Errorf("bet_repo.Create: %w", err)
	}
	return nil
}

// GetByID fetches a bet by its primary key.
func (r *BetRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Bet, error) {
	var b domain.Bet
	err := r.db.GetContext(ctx, &b, `SELECT * FROM bets WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrBetNotFound
		}
		return nil, fmt.Errorf("bet_repo.GetByID: %w", err)
	}
	return &b, nil
}

// GetByMarket returns every bet placed on a market, oldest first so the
// settlement order is deterministic.
func (r *BetRepository) GetByMarket(ctx context.Context, marketID uuid.UUID) ([]*domain.Bet, error) {
	var bets []*domain.Bet
	err := r.db.SelectContext(ctx, &bets,
		`SELECT * FROM bets WHERE market_id = $1 ORDER BY placed_at ASC`,
		marketID)
	if err != nil {
		return nil, fmt.Errorf("bet_repo.GetByMarket: %w", err)
	}
	return bets, nil
}

// UpdateResult writes the settled result and payout for a bet inside an
// existing transaction. The PENDING predicate keeps settled bets immutable.
func (r *BetRepository) UpdateResult(ctx context.Context, tx *sqlx.Tx, betID uuid.UUID, result domain.BetResult, payout decimal.Decimal) error {
	query := `
		UPDATE bets
		SET result      = $1,
		    payout      = $2,
		    resolved_at = now()
		WHERE id = $3 AND result = 'PENDING'`
	res, err := tx.ExecContext(ctx, query, string(result), payout, betID)
	if err != nil {
		return fmt.Errorf("bet_repo.UpdateResult: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrBetAlreadySettled
	}
	return nil
}

// GetByUser returns a user's bets, newest first.
func (r *BetRepository) GetByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Bet, error) {
	var bets []*domain.Bet
	err := r.db.SelectContext(ctx, &bets,
		`SELECT * FROM bets WHERE user_id = $1 ORDER BY placed_at DESC LIMIT $2 OFFSET $3`,
		userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("bet_repo.GetByUser: %w", err)
	}
	return bets, nil
}
