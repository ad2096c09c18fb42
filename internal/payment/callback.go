package payment

import (
	"context"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/brewpoint/loyalty-engine/internal/common"
	"github.com/brewpoint/loyalty-engine/internal/obs"
	"github.com/brewpoint/loyalty-engine/internal/settlement"
)

// Settler drives a verified outcome through the reconciler.
type Settler interface {
	Process(ctx context.Context, out settlement.Outcome) (settlement.Result, error)
}

// Callback receives gateway notifications. The callback's claim is never
// settled directly: after signature verification the gateway is asked again
// through QueryStatus and that answer wins. A gateway that cannot be reached
// gets a 5xx so it redelivers, and the sweep covers the rest.
type Callback struct {
	Provider Provider
	Settler  Settler
	Log      zerolog.Logger

	// SkipReverify disables the server-side status query in tests.
	SkipReverify bool
}

// Handle processes one gateway notification.
func (h Callback) Handle(w http.ResponseWriter, r *http.Request) {
	if h.Provider == nil || h.Settler == nil {
		common.JSONError(w, http.StatusInternalServerError, "PAYMENT_NOT_CONFIGURED", "callback unavailable", nil)
		return
	}
	out, err := h.Provider.VerifyCallback(r)
	if err != nil {
		h.count("rejected")
		status, code := http.StatusBadRequest, "CALLBACK_INVALID"
		if errors.Is(err, ErrGatewayRejected) {
			status, code = http.StatusUnauthorized, "INVALID_SIGNATURE"
		}
		common.JSONError(w, status, code, err.Error(), nil)
		return
	}

	if !h.SkipReverify {
		verified, err := h.Provider.QueryStatus(r.Context(), out.Ref)
		if err != nil {
			h.count("reverify_error")
			h.Log.Warn().Err(err).Str("ref", out.Ref).Msg("callback re-verification failed, asking gateway to redeliver")
			common.JSONError(w, http.StatusBadGateway, "REVERIFY_FAILED", "gateway status check failed", nil)
			return
		}
		if verified.Status == "" {
			// Gateway still reports the payment in flight; the callback was
			// premature or stale. The sweep settles it once it is terminal.
			h.count("not_terminal")
			w.WriteHeader(http.StatusAccepted)
			return
		}
		if verified.Status != out.Status {
			h.Log.Warn().Str("ref", out.Ref).
				Str("claimed", string(out.Status)).Str("verified", string(verified.Status)).
				Msg("callback status disagrees with gateway, using gateway answer")
		}
		out.Status = verified.Status
		if verified.Amount > 0 {
			out.Amount = verified.Amount
		}
		if verified.ExternalID != "" {
			out.ExternalID = verified.ExternalID
		}
	}

	res, err := h.Settler.Process(r.Context(), out)
	switch {
	case errors.Is(err, settlement.ErrUnknownReference):
		h.count("unknown_ref")
		common.JSONError(w, http.StatusNotFound, "UNKNOWN_REFERENCE", "no transaction for reference", nil)
		return
	case errors.Is(err, settlement.ErrAmountMismatch):
		h.count("amount_mismatch")
		common.JSONError(w, http.StatusBadRequest, "AMOUNT_MISMATCH", "reported amount does not match", nil)
		return
	case err != nil:
		h.count("error")
		h.Log.Error().Err(err).Str("ref", out.Ref).Msg("settlement failed")
		common.JSONError(w, http.StatusInternalServerError, "SETTLEMENT_ERROR", "settlement failed", nil)
		return
	}
	if res.Duplicate {
		h.count("duplicate")
	} else {
		h.count("settled")
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h Callback) count(result string) {
	if obs.PaymentCallbackTotal != nil {
		obs.PaymentCallbackTotal.WithLabelValues("hostedpay", result).Inc()
	}
}
