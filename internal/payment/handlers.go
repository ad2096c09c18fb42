package payment

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/brewpoint/loyalty-engine/internal/common"
	"github.com/brewpoint/loyalty-engine/internal/store"
)

// Handler exposes the payment status probe.
type Handler struct {
	Svc *Service
}

// Status reports the consolidated transaction and order state for a
// reference owned by the authenticated user.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "PAYMENT_NOT_CONFIGURED", "payment handler unavailable", nil)
		return
	}
	userID, ok := common.UserID(r.Context())
	if !ok || strings.TrimSpace(userID) == "" {
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "login required", nil)
		return
	}
	userUUID, err := store.ToUUID(userID)
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid user", nil)
		return
	}
	ref := strings.TrimSpace(chi.URLParam(r, "orderRef"))
	if ref == "" {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "orderRef is required", nil)
		return
	}
	view, err := h.Svc.ConsolidatedStatus(r.Context(), ref, userUUID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			common.JSONError(w, http.StatusNotFound, "PAYMENT_NOT_FOUND", "payment not found", nil)
			return
		}
		common.JSONError(w, http.StatusInternalServerError, "STATUS_ERROR", "status lookup failed", nil)
		return
	}
	common.JSON(w, http.StatusOK, view)
}
