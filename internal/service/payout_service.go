package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kasoko/settlement/internal/config"
	"github.com/kasoko/settlement/internal/domain"
	"github.com/kasoko/settlement/internal/mpesa"
	"github.com/kasoko/settlement/internal/queue"
)

// Gateway is the payment provider surface the payout pipeline needs.
// Implemented by *mpesa.Client and *mpesa.MockGateway.
type Gateway interface {
	Disburse(ctx context.Context, dr mpesa.DisburseRequest) (*mpesa.Ack, error)
}

// PayoutLedger is the slice of the transaction repository the payout pipeline
// uses. Implemented by *repository.TransactionRepository.
type PayoutLedger interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error)
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) error
	StoreDispatchAck(ctx context.Context, id uuid.UUID, meta []byte) error
	ResetForRetry(ctx context.Context, id uuid.UUID) error
	ListFailedPayouts(ctx context.Context, window time.Duration, reasons ...string) ([]*domain.Transaction, error)
	ListStuckPending(ctx context.Context, cutoff time.Time) ([]*domain.Transaction, error)
}

// PayoutUpdateEvent is broadcast whenever a payout transaction changes state.
type PayoutUpdateEvent struct {
	Type          string `json:"type"`
	TransactionID string `json:"transaction_id"`
	ExternalRef   string `json:"external_ref"`
	Status        string `json:"status"`
	Amount        string `json:"amount"`
	Detail        string `json:"detail,omitempty"`
}

// PayoutService drives the gateway side of the pipeline: dispatching PENDING
// payouts, recording terminal failures, and the retry paths (manual, batch
// and the periodic sweeps).
type PayoutService struct {
	txs       PayoutLedger
	gateway   Gateway
	enqueuer  Enqueuer
	broadcast Broadcaster
	retryCfg  config.RetryConfig
	logger    *slog.Logger
}

// NewPayoutService builds a PayoutService.
func NewPayoutService(
	txs PayoutLedger,
	gateway Gateway,
	enqueuer Enqueuer,
	broadcast Broadcaster,
	retryCfg config.RetryConfig,
	logger *slog.Logger,
) *PayoutService {
	return &PayoutService{
		txs:       txs,
		gateway:   gateway,
		enqueuer:  enqueuer,
		broadcast: broadcast,
		retryCfg:  retryCfg,
		logger:    logger.With("component", "payout"),
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Dispatch task
// ──────────────────────────────────────────────────────────────────────────────

// DispatchTask is the queue handler for TaskDispatchPayout. It is idempotent:
// a transaction that already left PENDING, or that already holds a gateway
// acknowledgement, is skipped without another provider call.
func (s *PayoutService) DispatchTask(ctx context.Context, args queue.Args) error {
	id, err := uuid.Parse(args["transaction_id"])
	if err != nil {
		return queue.Permanent(fmt.Errorf("payout_service.DispatchTask: bad transaction id %q: %w", args["transaction_id"], err))
	}

	t, err := s.txs.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrTransactionNotFound) {
			return queue.Permanent(err)
		}
		return err
	}
	if t.Status != domain.TxPending {
		s.logger.Info("dispatch skipped, transaction no longer pending",
			"transaction_id", id, "status", t.Status)
		return nil
	}
	if t.ConversationID() != "" {
		// Provider already queued this one; re-sending would risk paying
		// the user twice. The result callback will finish the job.
		s.logger.Info("dispatch skipped, awaiting provider result",
			"transaction_id", id, "conversation_id", t.ConversationID())
		return nil
	}

	ack, err := s.gateway.Disburse(ctx, mpesa.DisburseRequest{
		Phone:       t.PhoneNumber,
		Amount:      t.Amount,
		ExternalRef: t.ExternalRef,
		Remarks:     t.Description,
	})
	if err != nil {
		if mpesa.IsRetryable(err) {
			return err // queue backs off and retries
		}
		return queue.Permanent(err)
	}

	meta, _ := json.Marshal(map[string]string{
		"conversation_id":            ack.ConversationID,
		"originator_conversation_id": ack.OriginatorConversationID,
		"response_code":              ack.ResponseCode,
	})
	if err := s.txs.StoreDispatchAck(ctx, id, meta); err != nil {
		// The money request is already queued provider-side; losing the ack
		// only costs the fallback correlation path, so log and move on.
		s.logger.Error("store dispatch ack failed", "transaction_id", id, "error", err)
	}

	s.emit(t, "dispatched", ack.ConversationID)
	return nil
}

// OnDispatchExhausted runs after the final dispatch attempt fails. It writes
// the terminal verdict to the ledger so the retry sweep (or an operator) can
// pick the payout up later.
func (s *PayoutService) OnDispatchExhausted(ctx context.Context, args queue.Args, cause error) {
	id, err := uuid.Parse(args["transaction_id"])
	if err != nil {
		s.logger.Error("exhausted dispatch with unparseable id", "args", args, "error", err)
		return
	}

	reason := domain.FailureProviderReject
	if mpesa.IsRetryable(cause) {
		reason = domain.FailureTransport
	}
	if err := s.txs.MarkFailed(ctx, id, reason); err != nil {
		if !errors.Is(err, domain.ErrTransactionNotPending) {
			s.logger.Error("mark payout failed", "transaction_id", id, "error", err)
		}
		return
	}
	s.logger.Error("payout dispatch exhausted",
		"transaction_id", id, "reason", reason, "cause", cause)

	if t, err := s.txs.GetByID(ctx, id); err == nil {
		s.emit(t, "failed", reason)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Retry paths
// ──────────────────────────────────────────────────────────────────────────────

// RetryFailed is the operator batch retry: it re-dispatches every failed
// payout created within the configured trailing window, including payouts the
// provider rejected. Policy failures (below_minimum) are never retried.
// Returns the number of payouts re-queued.
func (s *PayoutService) RetryFailed(ctx context.Context) (int, error) {
	n, err := s.requeueFailed(ctx, domain.FailureTransport, domain.FailureProviderReject)
	if err != nil {
		return 0, fmt.Errorf("payout_service.RetryFailed: %w", err)
	}
	return n, nil
}

// SweepTransportFailures is the scheduled hourly retry. Unlike the operator
// batch it touches only transport failures: a provider rejection is a verdict
// on the request itself and re-sending it unchanged would just fail again, so
// those rows wait for explicit operator intervention.
func (s *PayoutService) SweepTransportFailures(ctx context.Context) (int, error) {
	n, err := s.requeueFailed(ctx, domain.FailureTransport)
	if err != nil {
		return 0, fmt.Errorf("payout_service.SweepTransportFailures: %w", err)
	}
	return n, nil
}

func (s *PayoutService) requeueFailed(ctx context.Context, reasons ...string) (int, error) {
	window := time.Duration(s.retryCfg.WindowHours) * time.Hour
	failed, err := s.txs.ListFailedPayouts(ctx, window, reasons...)
	if err != nil {
		return 0, err
	}

	retried := 0
	for _, t := range failed {
		if err := s.txs.ResetForRetry(ctx, t.ID); err != nil {
			s.logger.Warn("reset for retry failed", "transaction_id", t.ID, "error", err)
			continue
		}
		if err := s.enqueuer.Enqueue(TaskDispatchPayout, queue.Args{"transaction_id": t.ID.String()}, 0); err != nil {
			s.logger.Error("enqueue retry failed", "transaction_id", t.ID, "error", err)
			continue
		}
		retried++
	}
	if retried > 0 {
		s.logger.Info("failed payouts re-queued",
			"count", retried, "reasons", reasons, "window_hours", s.retryCfg.WindowHours)
	}
	return retried, nil
}

// RetryOne re-dispatches a single failed payout on operator request.
func (s *PayoutService) RetryOne(ctx context.Context, id uuid.UUID) error {
	t, err := s.txs.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if t.IsPolicyFailure() {
		return fmt.Errorf("payout_service.RetryOne %s: %w", id, domain.ErrTransactionNotPending)
	}
	if err := s.txs.ResetForRetry(ctx, id); err != nil {
		return err
	}
	return s.enqueuer.Enqueue(TaskDispatchPayout, queue.Args{"transaction_id": id.String()}, 0)
}

// SweepStuckPending re-enqueues PENDING payouts that never received a
// dispatch acknowledgement. Acked transactions are left alone: their verdict
// belongs to the result callback.
func (s *PayoutService) SweepStuckPending(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.retryCfg.StuckAfter)
	stuck, err := s.txs.ListStuckPending(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("payout_service.SweepStuckPending: %w", err)
	}

	for _, t := range stuck {
		if err := s.enqueuer.Enqueue(TaskDispatchPayout, queue.Args{"transaction_id": t.ID.String()}, 0); err != nil {
			s.logger.Error("enqueue stuck payout failed", "transaction_id", t.ID, "error", err)
		}
	}
	if len(stuck) > 0 {
		s.logger.Info("stuck payouts re-queued", "count", len(stuck))
	}
	return len(stuck), nil
}

func (s *PayoutService) emit(t *domain.Transaction, status, detail string) {
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
