package checkout

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/brewpoint/loyalty-engine/internal/common"
	"github.com/brewpoint/loyalty-engine/internal/voucher"
	"github.com/brewpoint/loyalty-engine/internal/wallet"
)

// Handler exposes the checkout submission endpoint.
type Handler struct {
	Svc      *Service
	Validate *validator.Validate
}

// Checkout assembles an order from the user's cart and opens payment.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "checkout service not configured", nil)
		return
	}
	userID, ok := common.UserID(r.Context())
	if !ok || userID == "" {
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required", nil)
		return
	}
	var in Input
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return
	}
	if h.Validate != nil {
		if err := h.Validate.Struct(in); err != nil {
			common.JSONError(w, http.StatusUnprocessableEntity, "VALIDATION_FAILED", err.Error(), nil)
			return
		}
	}
	out, err := h.Svc.Create(r.Context(), userID, in)
	if err != nil {
		h.writeError(w, out, err)
		return
	}
	common.JSON(w, http.StatusCreated, map[string]any{"data": out})
}

func (h *Handler) writeError(w http.ResponseWriter, out Output, err error) {
	switch {
	case errors.Is(err, ErrIntentFailed):
		// The order exists; hand the client its identifiers so the status
		// probe can take over.
		common.JSONError(w, http.StatusBadGateway, "INTENT_FAILED", "payment intent could not be opened", map[string]any{
			"orderId":  out.OrderID,
			"orderRef": out.OrderRef,
		})
	case errors.Is(err, ErrEmptyCart):
		common.JSONError(w, http.StatusBadRequest, "EMPTY_CART", "cart is empty", nil)
	case errors.Is(err, wallet.ErrInsufficientBalance):
		common.JSONError(w, http.StatusPaymentRequired, "INSUFFICIENT_BALANCE", "balance does not cover the total", nil)
	case errors.Is(err, voucher.ErrVoucherExpired),
		errors.Is(err, voucher.ErrNotEligible),
		errors.Is(err, voucher.ErrUsageLimitReached),
		errors.Is(err, voucher.ErrPerUserLimitReached):
		common.JSONError(w, http.StatusUnprocessableEntity, "VOUCHER_REJECTED", err.Error(), nil)
	default:
		var appErr *common.AppError
		if errors.As(err, &appErr) {
			status := appErr.HTTPStatus
			if status == 0 {
				status = http.StatusBadRequest
			}
			common.JSONError(w, status, appErr.Code, appErr.Message, appErr.Details)
			return
		}
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
	}
}
