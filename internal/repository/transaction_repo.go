package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/kasoko/settlement/internal/domain"
)

// TransactionRepository handles all database operations for the immutable
// ledger. Status transitions are conditional UPDATEs: the WHERE clause is the
// idempotency gate that keeps a replayed gateway callback from crediting a
// wallet twice.
type TransactionRepository struct {
	db *sqlx.DB
}

// NewTransactionRepository creates a new TransactionRepository.
func NewTransactionRepository(db *sqlx.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

// Create inserts a new ledger entry inside an existing transaction.
// A collision on the unique external_ref maps to ErrDuplicateExternalRef.
func (r *TransactionRepository) Create(ctx context.Context, tx *sqlx.Tx, t *domain.Transaction) error {
	query := `
		INSERT INTO transactions
			(id, user_id, bet_id, type, amount, status, phone_number, external_ref,
			 description, failure_reason, gateway_meta, created_at, updated_at)
		VALUES
			(:id, :user_id, :bet_id, :type, :amount, :status, :phone_number, :external_ref,
			 :description, :failure_reason, :gateway_meta, :created_at, :updated_at)`
	_, err := tx.NamedExecContext(ctx, query, t)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return domain.ErrDuplicateExternalRef
		}
		return fmt.Errorf("transaction_repo.Create: %w", err)
	}
	return nil
}

// GetByID fetches a transaction by its primary key.
func (r *TransactionRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	var t domain.Transaction
	err := r.db.GetContext(ctx, &t, `SELECT * FROM transactions WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrTransactionNotFound
		}
		return nil, fmt.Errorf("transaction_repo.GetByID: %w", err)
	}
	return &t, nil
}

// GetByExternalRef fetches a transaction by its correlation reference.
func (r *TransactionRepository) GetByExternalRef(ctx context.Context, ref string) (*domain.Transaction, error) {
	var t domain.Transaction
	err := r.db.GetContext(ctx, &t, `SELECT * FROM transactions WHERE external_ref = $1`, ref)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrTransactionNotFound
		}
		return nil, fmt.Errorf("transaction_repo.GetByExternalRef: %w", err)
	}
	return &t, nil
}

// GetByConversationID fetches a transaction by the provider's conversation id
// stored in gateway_meta at dispatch-ack time. Fallback correlation path for
// callbacks that omit the originator reference.
func (r *TransactionRepository) GetByConversationID(ctx context.Context, conversationID string) (*domain.Transaction, error) {
	var t domain.Transaction
	err := r.db.GetContext(ctx, &t,
		`SELECT * FROM transactions WHERE gateway_meta->>'conversation_id' = $1`,
		conversationID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrTransactionNotFound
		}
		return nil, fmt.Errorf("transaction_repo.GetByConversationID: %w", err)
	}
	return &t, nil
}

// MarkCompleted flips the transaction to COMPLETED inside an existing
// transaction. FAILED → COMPLETED is allowed so a late success callback can
// supersede an exhausted-retry verdict; COMPLETED is terminal and the gate
// reports false when the row was already there, letting the caller skip the
// balance credit.
func (r *TransactionRepository) MarkCompleted(ctx context.Context, tx *sqlx.Tx, id uuid.UUID, resultDesc string) (bool, error) {
	query := `
		UPDATE transactions
		SET status         = 'COMPLETED',
		    failure_reason = NULL,
		    description    = $1,
		    updated_at     = now()
		WHERE id = $2 AND status IN ('PENDING','FAILED')`
	res, err := tx.ExecContext(ctx, query, resultDesc, id)
	if err != nil {
		return false, fmt.Errorf("transaction_repo.MarkCompleted: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkFailed flips a PENDING transaction to FAILED with a reason.
// A transaction that already completed is left untouched.
func (r *TransactionRepository) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	query := `
		UPDATE transactions
		SET status         = 'FAILED',
		    failure_reason = $1,
		    updated_at     = now()
		WHERE id = $2 AND status = 'PENDING'`
	res, err := r.db.ExecContext(ctx, query, reason, id)
	if err != nil {
		return fmt.Errorf("transaction_repo.MarkFailed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrTransactionNotPending
	}
	return nil
}

// StoreDispatchAck merges the gateway's synchronous acknowledgement into
// gateway_meta. The || operator preserves anything written earlier.
func (r *TransactionRepository) StoreDispatchAck(ctx context.Context, id uuid.UUID, meta []byte) error {
	query := `
		UPDATE transactions
		SET gateway_meta = gateway_meta || $1::jsonb,
		    updated_at   = now()
		WHERE id = $2`
	res, err := r.db.ExecContext(ctx, query, meta, id)
	if err != nil {
		return fmt.Errorf("transaction_repo.StoreDispatchAck: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrTransactionNotFound
	}
	return nil
}

// ResetForRetry flips a FAILED payout back to PENDING so the dispatch
// pipeline can pick it up again. Policy failures (below_minimum) are never
// reset. Any earlier dispatch acknowledgement is archived under prior_*
// keys: the dispatch handler treats a conversation_id as proof the provider
// already holds the request, so leaving it in place would make the retry a
// silent skip.
func (r *TransactionRepository) ResetForRetry(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE transactions
		SET status         = 'PENDING',
		    failure_reason = NULL,
		    gateway_meta   = (gateway_meta - 'conversation_id' - 'originator_conversation_id' - 'response_code')
		                     || CASE WHEN gateway_meta ? 'conversation_id'
		                             THEN jsonb_build_object('prior_conversation_id', gateway_meta->'conversation_id')
		                             ELSE '{}'::jsonb END,
		    updated_at     = now()
		WHERE id = $1
		  AND status = 'FAILED'
		  AND failure_reason <> $2`
	res, err := r.db.ExecContext(ctx, query, id, domain.FailureBelowMinimum)
	if err != nil {
		return fmt.Errorf("transaction_repo.ResetForRetry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrTransactionNotPending
	}
	return nil
}

// ListFailedPayouts returns FAILED payout transactions with one of the given
// failure reasons, created within the trailing window, oldest first.
// Zero-amount loser entries are excluded; callers never pass below_minimum.
func (r *TransactionRepository) ListFailedPayouts(ctx context.Context, window time.Duration, reasons ...string) ([]*domain.Transaction, error) {
	var txs []*domain.Transaction
	err := r.db.SelectContext(ctx, &txs, `
		SELECT * FROM transactions
		WHERE type = 'PAYOUT'
		  AND status = 'FAILED'
		  AND failure_reason = ANY($1)
		  AND amount > 0
		  AND created_at >= $2
		ORDER BY created_at ASC`,
		pq.StringArray(reasons), time.Now().Add(-window))
	if err != nil {
		return nil, fmt.Errorf("transaction_repo.ListFailedPayouts: %w", err)
	}
	return txs, nil
}

// ListStuckPending returns PENDING payouts older than cutoff that never
// received a dispatch acknowledgement. Transactions carrying a
// conversation_id were accepted by the provider and must wait for the
// callback; re-sending those would risk a double disbursement.
func (r *TransactionRepository) ListStuckPending(ctx context.Context, cutoff time.Time) ([]*domain.Transaction, error) {
	var txs []*domain.Transaction
	err := r.db.SelectContext(ctx, &txs, `
		SELECT * FROM transactions
		WHERE type = 'PAYOUT'
		  AND status = 'PENDING'
		  AND amount > 0
		  AND created_at < $1
		  AND (gateway_meta->>'conversation_id') IS NULL
		ORDER BY created_at ASC`,
		cutoff)
	if err != nil {
		return nil, fmt.Errorf("transaction_repo.ListStuckPending: %w", err)
	}
	return txs, nil
}

// ListByUser returns a user's transactions, newest first.
func (r *TransactionRepository) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Transaction, error) {
	var txs []*domain.Transaction
	err := r.db.SelectContext(ctx, &txs,
		`SELECT * FROM transactions WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("transaction_repo.ListByUser: %w", err)
	}
	return txs, nil
}

// StatusSummary is a per-status aggregate of a market's payout transactions.
type StatusSummary struct {
	Status domain.TxStatus `json:"status" db:"status"`
	Count  int             `json:"count"  db:"count"`
	Total  decimal.Decimal `json:"total"  db:"total"`
}

// SummarizeByMarket aggregates payout transactions by status for every bet on
// the given market. Backs the admin settlement-status view.
func (r *TransactionRepository) SummarizeByMarket(ctx context.Context, marketID uuid.UUID) ([]StatusSummary, error) {
	var rows []StatusSummary
	err := r.db.SelectContext(ctx, &rows, `
		SELECT t.status, COUNT(*) AS count, COALESCE(SUM(t.amount), 0) AS total
		FROM transactions t
		JOIN bets b ON b.id = t.bet_id
		WHERE b.market_id = $1 AND t.type = 'PAYOUT'
		GROUP BY t.status
		ORDER BY t.status`,
		marketID)
	if err != nil {
		return nil, fmt.Errorf("transaction_repo.SummarizeByMarket: %w", err)
	}
	return rows, nil
}
