package handler

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kasoko/settlement/internal/mpesa"
)

// maxCallbackBody caps the callback payload size; real Daraja results are a
// few hundred bytes.
const maxCallbackBody = 64 * 1024

// Reconciler applies a parsed gateway result to the ledger.
type Reconciler interface {
	HandleResult(ctx context.Context, res *mpesa.B2CResult) error
}

// CallbackHandler receives asynchronous B2C results from the payment
// provider. It is the only unauthenticated mutating endpoint, so it does as
// little as possible: parse, hand off, acknowledge.
type CallbackHandler struct {
	reconciler Reconciler
	logger     *slog.Logger
}

// NewCallbackHandler builds a CallbackHandler.
func NewCallbackHandler(reconciler Reconciler, logger *slog.Logger) *CallbackHandler {
	return &CallbackHandler{reconciler: reconciler, logger: logger.With("component", "callback")}
}

// B2CResult handles POST /payments/b2c-callback.
//
// The provider retries on anything but 200, so processing failures are
// acknowledged anyway: a correlation miss or a duplicate replay will not be
// fixed by the provider re-posting the same body, and the hourly sweep
// covers genuinely lost results. Only a syntactically invalid body gets 400.
func (h *CallbackHandler) B2CResult(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCallbackBody))
	if err != nil {
		h.logger.Warn("callback body read failed", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"ResultCode": 1, "ResultDesc": "Rejected"})
		return
	}

	res, err := mpesa.ParseResult(body)
	if err != nil {
		h.logger.Warn("unparseable callback rejected", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"ResultCode": 1, "ResultDesc": "Rejected"})
		return
	}

	if err := h.reconciler.HandleResult(c.Request.Context(), res); err != nil {
		h.logger.Error("callback processing failed",
			"conversation_id", res.ConversationID,
			"originator", res.OriginatorConversationID,
			"error", err)
	}

	c.JSON(http.StatusOK, gin.H{"ResultCode": 0, "ResultDesc": "Accepted"})
}
