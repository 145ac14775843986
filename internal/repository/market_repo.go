// Package repository implements the data-access layer on PostgreSQL via sqlx.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/kasoko/settlement/internal/domain"
)

// MarketRepository handles all database operations for Markets.
type MarketRepository struct {
	db *sqlx.DB
}

// NewMarketRepository creates a new MarketRepository.
func NewMarketRepository(db *sqlx.DB) *MarketRepository {
	return &MarketRepository{db: db}
}

// Create inserts a new market row.
func (r *MarketRepository) Create(ctx context.Context, m *domain.Market) error {
	query := `
		INSERT INTO markets
			(id, question, category, status, resolved_outcome, resolved_at, created_at, updated_at)
		VALUES
			(:id, :question, :category, :status, :resolved_outcome, :resolved_at, :created_at, :updated_at)`
	_, err := r.db.NamedExecContext(ctx, query, m)
	if err != nil {
		return fmt.Errorf("market_repo.Create: %w", err)
	}
	return nil
}

// GetByID fetches a market by its primary key.
func (r *MarketRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Market, error) {
	var m domain.Market
	err := r.db.GetContext(ctx, &m, `SELECT * FROM markets WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrMarketNotFound
		}
		return nil, fmt.Errorf("market_repo.GetByID: %w", err)
	}
	return &m, nil
}

// GetByIDForUpdate fetches a market with a row lock inside an existing
// transaction, serialising concurrent settlement attempts on the same market.
func (r *MarketRepository) GetByIDForUpdate(ctx context.Context, tx *sqlx.Tx, id uuid.UUID) (*domain.Market, error) {
	var m domain.Market
	err := tx.GetContext(ctx, &m, `SELECT * FROM markets WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrMarketNotFound
		}
		return nil, fmt.Errorf("market_repo.GetByIDForUpdate: %w", err)
	}
	return &m, nil
}

// MarkClosed records the admin's resolution decision: sets the winning
// outcome and flips the market OPEN → CLOSED. The status predicate makes the
// transition conditional, so a second concurrent resolve affects zero rows.
func (r *MarketRepository) MarkClosed(ctx context.Context, id uuid.UUID, outcome domain.Outcome) error {
	query := `
		UPDATE markets
		SET status           = 'CLOSED',
		    resolved_outcome = $1,
		    updated_at       = now()
		WHERE id = $2 AND status = 'OPEN'`
	res, err := r.db.ExecContext(ctx, query, string(outcome), id)
	if err != nil {
		return fmt.Errorf("market_repo.MarkClosed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrMarketAlreadyResolved
	}
	return nil
}

// MarkResolved flips the market CLOSED → RESOLVED inside an existing
// transaction. This is the last write of a settlement unit: if it commits,
// settlement happened exactly once.
func (r *MarketRepository) MarkResolved(ctx context.Context, tx *sqlx.Tx, id uuid.UUID) error {
	query := `
		UPDATE markets
		SET status      = 'RESOLVED',
		    resolved_at = now(),
		    updated_at  = now()
		WHERE id = $1 AND status = 'CLOSED'`
	res, err := tx.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("market_repo.MarkResolved: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrMarketNotClosed
	}
	return nil
}

// List returns a paginated slice of markets filtered by optional status.
// status="" returns all statuses. Returns (markets, totalCount, error).
func (r *MarketRepository) List(ctx context.Context, limit, offset int, status string) ([]*domain.Market, int, error) {
	var markets []*domain.Market
	var total int

	if status != "" {
		if err := r.db.GetContext(ctx, &total,
			`SELECT COUNT(*) FROM markets WHERE status = $1`, status); err != nil {
			return nil, 0, fmt.Errorf("market_repo.List count: %w", err)
		}
		if err := r.db.SelectContext(ctx, &markets,
			`SELECT * FROM markets WHERE status = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
			status, limit, offset); err != nil {
			return nil, 0, fmt.Errorf("market_repo.List select: %w", err)
		}
	} else {
		if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM markets`); err != nil {
			return nil, 0, fmt.Errorf("market_repo.List count: %w", err)
		}
		if err := r.db.SelectContext(ctx, &markets,
			`SELECT * FROM markets ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
			limit, offset); err != nil {
			return nil, 0, fmt.Errorf("market_repo.List select: %w", err)
		}
	}
	return markets, total, nil
}
