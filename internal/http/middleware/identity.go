package middleware

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/brewpoint/loyalty-engine/internal/common"
)

// Identity trusts the upstream API gateway to authenticate customers and
// forward the user id in X-User-Id, signed with the shared secret in
// X-User-Signature. Requests without a valid pair stay anonymous.
type Identity struct {
	Secret string
}

// Middleware extracts the forwarded identity into the request context.
func (i Identity) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get("X-User-Id"))
		if userID == "" {
			next.ServeHTTP(w, r)
			return
		}
		if i.Secret != "" {
			provided := strings.TrimSpace(r.Header.Get("X-User-Signature"))
			mac := hmac.New(sha256.New, []byte(i.Secret))
			mac.Write([]byte(userID))
			expected := hex.EncodeToString(mac.Sum(nil))
			if provided == "" || !hmac.Equal([]byte(expected), []byte(provided)) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":{"code":"INVALID_IDENTITY","message":"identity signature mismatch"}}`))
				return
			}
		}
		next.ServeHTTP(w, r.WithContext(common.WithUserID(r.Context(), userID)))
	})
}

// RequireUser rejects requests that reached a customer endpoint anonymously.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := common.UserID(r.Context()); !ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":{"code":"UNAUTHORIZED","message":"authentication required"}}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}
