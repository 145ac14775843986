package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/kasoko/settlement/internal/domain"
	"github.com/kasoko/settlement/internal/repository"
	"github.com/kasoko/settlement/internal/service"
)

// Settler is the slice of the settlement service this handler needs.
type Settler interface {
	ResolveAndSettle(ctx context.Context, marketID uuid.UUID, outcome domain.Outcome) (*service.SettlementSummary, error)
	Settle(ctx context.Context, marketID uuid.UUID) (*service.SettlementSummary, error)
	SettlementStatus(ctx context.Context, marketID uuid.UUID) (*service.MarketSettlementStatus, error)
}

// PayoutRetrier is the slice of the payout service this handler needs.
type PayoutRetrier interface {
	RetryOne(ctx context.Context, id uuid.UUID) error
	RetryFailed(ctx context.Context) (int, error)
}

// SettlementHandler serves the back-office settlement endpoints.
type SettlementHandler struct {
	settler Settler
	payouts PayoutRetrier
	markets *repository.MarketRepository
	txs     *repository.TransactionRepository
}

// NewSettlementHandler builds a SettlementHandler.
func NewSettlementHandler(
	settler Settler,
	payouts PayoutRetrier,
	markets *repository.MarketRepository,
	txs *repository.TransactionRepository,
) *SettlementHandler {
	return &SettlementHandler{settler: settler, payouts: payouts, markets: markets, txs: txs}
}

// ──────────────────────────────────────────────────────────────────────────────
// Markets
// ──────────────────────────────────────────────────────────────────────────────

type resolveRequest struct {
	Outcome string `json:"outcome" binding:"required"`
}

// ResolveMarket handles POST /admin/markets/:id/resolve.
// Records the winning outcome and runs settlement synchronously; the response
// carries the full settlement summary. Re-posting for a settled market
// returns 200 with status "already_resolved".
func (h *SettlementHandler) ResolveMarket(c *gin.Context) {
	marketID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "bad_request", "invalid market id")
		return
	}

	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "bad_request", "outcome is required")
		return
	}

	summary, err := h.settler.ResolveAndSettle(c.Request.Context(), marketID, domain.Outcome(req.Outcome))
	if err != nil {
		if errors.Is(err, domain.ErrInvalidOutcome) {
			respondError(c, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
		respondDomainError(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, summary)
}

// SettleMarket handles POST /admin/markets/:id/settle.
// Resumes settlement for a CLOSED market whose earlier run was interrupted.
func (h *SettlementHandler) SettleMarket(c *gin.Context) {
	marketID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "bad_request", "invalid market id")
		return
	}

	summary, err := h.settler.Settle(c.Request.Context(), marketID)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, summary)
}

// SettlementStatus handles GET /admin/markets/:id/settlement-status.
func (h *SettlementHandler) SettlementStatus(c *gin.Context) {
	marketID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "bad_request", "invalid market id")
		return
	}

	status, err := h.settler.SettlementStatus(c.Request.Context(), marketID)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, status)
}

// ListMarkets handles GET /admin/markets?status=&page=&limit=.
func (h *SettlementHandler) ListMarkets(c *gin.Context) {
	page, limit := pagination(c)
	markets, total, err := h.markets.List(c.Request.Context(), limit, (page-1)*limit, c.Query("status"))
	if err != nil {
		respondDomainError(c, err)
		return
	}
	respondList(c, markets, total, page, limit)
}

// ──────────────────────────────────────────────────────────────────────────────
// Payouts
// ──────────────────────────────────────────────────────────────────────────────

// RetryPayout handles POST /admin/payouts/:id/retry.
func (h *SettlementHandler) RetryPayout(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "bad_request", "invalid transaction id")
		return
	}

	if err := h.payouts.RetryOne(c.Request.Context(), id); err != nil {
		respondDomainError(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{"transaction_id": id, "requeued": true})
}

// RetryFailedPayouts handles POST /admin/payouts/retry-failed.
// Re-dispatches every retryable failed payout from the trailing window.
func (h *SettlementHandler) RetryFailedPayouts(c *gin.Context) {
	n, err := h.payouts.RetryFailed(c.Request.Context())
	if err != nil {
		respondDomainError(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{"requeued": n})
}

// UserTransactions handles GET /admin/users/:id/transactions.
func (h *SettlementHandler) UserTransactions(c *gin.Context) {
	userID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "bad_request", "invalid user id")
		return
	}

	page, limit := pagination(c)
	txs, err := h.txs.ListByUser(c.Request.Context(), userID, limit, (page-1)*limit)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	respondList(c, txs, len(txs), page, limit)
}

// pagination reads ?page= and ?limit= with sane bounds.
func pagination(c *gin.Context) (page, limit int) {
	page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	if page < 1 {
		page = 1
	}
	limit, _ = strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit < 1 || limit > 200 {
		limit = 50
	}
	return page, limit
}
