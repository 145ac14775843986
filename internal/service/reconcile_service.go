package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"

	"github.com/kasoko/settlement/internal/domain"
	"github.com/kasoko/settlement/internal/mpesa"
	"github.com/kasoko/settlement/internal/repository"
)

// ReconcileService applies asynchronous gateway results to the ledger.
// This is the only code path that credits user balances, and it does so
// exactly once per transaction no matter how many times the provider
// replays a callback.
type ReconcileService struct {
	db        *sqlx.DB
	txs       *repository.TransactionRepository
	users     *repository.UserRepository
	broadcast Broadcaster
	logger    *slog.Logger
}

// NewReconcileService builds a ReconcileService.
func NewReconcileService(
	db *sqlx.DB,
	txs *repository.TransactionRepository,
	users *repository.UserRepository,
	broadcast Broadcaster,
	logger *slog.Logger,
) *ReconcileService {
	return &ReconcileService{
		db:        db,
		txs:       txs,
		users:     users,
		broadcast: broadcast,
		logger:    logger.With("component", "reconcile"),
	}
}

// HandleResult processes one gateway result callback. Correlation order:
// the originator conversation id (our external ref), then the Occasion echo,
// then the provider conversation id stored at dispatch time. Returning an
// error here never changes what the HTTP boundary tells the provider — the
// callback endpoint always acknowledges.
func (s *ReconcileService) HandleResult(ctx context.Context, res *mpesa.B2CResult) error {
	t, err := s.correlate(ctx, res)
	if err != nil {
		s.logger.Warn("callback could not be correlated",
			"originator", res.OriginatorConversationID,
			"conversation_id", res.ConversationID,
			"occasion", res.Occasion)
		return err
	}

	// Keep the provider's verdict on the ledger row whatever happens next.
	meta, _ := json.Marshal(map[string]interface{}{
		"result_code":    res.ResultCode,
		"result_desc":    res.ResultDesc,
		"transaction_id": res.TransactionID,
	})
	if err := s.txs.StoreDispatchAck(ctx, t.ID, meta); err != nil {
		s.logger.Error("store result meta failed", "transaction_id", t.ID, "error", err)
	}

	if res.Success() {
		return s.applySuccess(ctx, t, res)
	}
	return s.applyFailure(ctx, t, res)
}

func (s *ReconcileService) correlate(ctx context.Context, res *mpesa.B2CResult) (*domain.Transaction, error) {
	for _, ref := range []string{res.OriginatorConversationID, res.Occasion} {
		if ref == "" {
			continue
		}
		t, err := s.txs.GetByExternalRef(ctx, ref)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, domain.ErrTransactionNotFound) {
			return nil, err
		}
	}
	if res.ConversationID != "" {
		return s.txs.GetByConversationID(ctx, res.ConversationID)
	}
	return nil, domain.ErrTransactionNotFound
}

// applySuccess flips the transaction COMPLETED and credits the user's
// balance in one database transaction. The conditional UPDATE is the
// idempotency gate: when a replayed callback finds the row already
// COMPLETED, zero rows change and no second credit happens.
func (s *ReconcileService) applySuccess(ctx context.Context, t *domain.Transaction, res *mpesa.B2CResult) error {
	tx, txErr := s.db.BeginTxx(ctx, nil)
	if txErr != nil {
		return fmt.Errorf("reconcile_service.applySuccess: begin tx: %w", txErr)
	}
	defer func() {
		if txErr != nil {
			_ = tx.Rollback()
		}
	}()

	desc := fmt.Sprintf("%s (mpesa receipt %s)", t.Description, res.TransactionID)
	flipped, err := s.txs.MarkCompleted(ctx, tx, t.ID, desc)
	if err != nil {
		txErr = err
		return err
	}
	if !flipped {
		_ = tx.Rollback()
		s.logger.Info("duplicate success callback ignored",
			"transaction_id", t.ID, "external_ref", t.ExternalRef)
		return nil
	}

	if txErr = s.users.Credit(ctx, tx, t.UserID, t.Amount); txErr != nil {
		return fmt.Errorf("reconcile_service.applySuccess: credit user %s: %w", t.UserID, txErr)
	}

	if txErr = tx.Commit(); txErr != nil {
		return fmt.Errorf("reconcile_service.applySuccess: commit: %w", txErr)
	}

	s.logger.Info("payout completed",
		"transaction_id", t.ID,
		"external_ref", t.ExternalRef,
		"amount", t.Amount.StringFixed(2),
		"mpesa_receipt", res.TransactionID)
	s.emit(t, "completed", res.TransactionID)
	return nil
}

// applyFailure records a provider rejection. Only PENDING transactions are
// touched: a COMPLETED payout never regresses on a late failure callback.
func (s *ReconcileService) applyFailure(ctx context.Context, t *domain.Transaction, res *mpesa.B2CResult) error {
	err := s.txs.MarkFailed(ctx, t.ID, domain.FailureProviderReject)
	if err != nil {
		if errors.Is(err, domain.ErrTransactionNotPending) {
			s.logger.Info("failure callback for non-pending transaction ignored",
				"transaction_id", t.ID, "status", t.Status, "result_code", res.ResultCode)
			return nil
		}
		return err
	}

	s.logger.Warn("payout rejected by provider",
		"transaction_id", t.ID,
		"external_ref", t.ExternalRef,
		"result_code", res.ResultCode,
		"result_desc", res.ResultDesc)
	s.emit(t, "failed", res.ResultDesc)
	return nil
}

func (s *ReconcileService) emit(t *domain.Transaction, status, detail string) {
	if s.broadcast == nil {
		return
	}
	s.broadcast.Broadcast(PayoutUpdateEvent{
		Type:          "payout_update",
		TransactionID: t.ID.String(),
		ExternalRef:   t.ExternalRef,
		Status:        status,
		Amount:        t.Amount.StringFixed(2),
		Detail:        detail,
	})
}
