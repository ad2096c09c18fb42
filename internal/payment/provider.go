package payment

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/brewpoint/loyalty-engine/internal/settlement"
	"github.com/brewpoint/loyalty-engine/internal/store"
)

// Gateway failure classes. Callers branch on these with errors.Is; anything
// else is an infrastructure error.
var (
	// ErrTimeout is returned when the gateway does not answer in time. The
	// transaction stays PROCESSING and the sweep resolves it later.
	ErrTimeout = errors.New("payment: gateway timeout")
	// ErrInvalidResponse is returned when the gateway answer cannot be parsed.
	ErrInvalidResponse = errors.New("payment: invalid gateway response")
	// ErrGatewayRejected is returned when the gateway refuses the request.
	ErrGatewayRejected = errors.New("payment: gateway rejected request")
)

// IntentRequest captures the information required to open a hosted-checkout
// session. Ref is the merchant-side reference the gateway echoes back in
// every callback; a retry never reuses it.
type IntentRequest struct {
	Ref         string
	OrderNumber string
	Amount      store.Money
	Description string
	CallbackURL string
	ExpiresIn   time.Duration
}

// Intent is the gateway's answer: where to send the customer and the signed
// form fields the hosted page expects.
type Intent struct {
	Provider    string
	Ref         string
	RedirectURL string
	FormFields  map[string]string
	ExpiresAt   int64
}

// Provider abstracts the upstream payment gateway. VerifyCallback only
// authenticates and normalises the notification; QueryStatus is the
// authoritative server-side answer used for re-verification and the sweep.
type Provider interface {
	CreateIntent(ctx context.Context, req IntentRequest) (Intent, error)
	VerifyCallback(r *http.Request) (settlement.Outcome, error)
	QueryStatus(ctx context.Context, ref string) (settlement.Outcome, error)
}
