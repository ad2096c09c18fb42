package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/brewpoint/loyalty-engine/internal/resilience"
	"github.com/brewpoint/loyalty-engine/internal/settlement"
	"github.com/brewpoint/loyalty-engine/internal/store"
)

// HostedPay implements Provider for a hosted-checkout gateway that signs
// every message with HMAC-SHA512 over ref+status+amount+secret.
type HostedPay struct {
	MerchantID string
	Secret     string
	BaseURL    string
	Client     *http.Client
	Timeout    time.Duration
	// Breaker sheds status queries while the gateway is failing; the sweep
	// picks the affected transactions up once it recovers.
	Breaker *resilience.Breaker
}

// CreateIntent builds the signed hosted-checkout form. The gateway keeps no
// session state before the customer lands on the page, so no network call is
// needed and the intent is deterministic for a given ref.
func (p HostedPay) CreateIntent(_ context.Context, req IntentRequest) (Intent, error) {
	if strings.TrimSpace(req.Ref) == "" {
		return Intent{}, errors.New("payment: ref is required")
	}
	if req.Amount <= 0 {
		return Intent{}, errors.New("payment: amount must be positive")
	}
	expiresIn := req.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 15 * time.Minute
	}
	amount := strconv.FormatInt(req.Amount, 10)
	fields := map[string]string{
		"merchantId":  strings.TrimSpace(p.MerchantID),
		"orderRef":    req.Ref,
		"amount":      amount,
		"description": req.Description,
		"callbackUrl": req.CallbackURL,
		"sig":         p.sign(req.Ref, "intent", amount),
	}
	return Intent{
		Provider:    "hostedpay",
		Ref:         req.Ref,
		RedirectURL: fmt.Sprintf("%s/checkout/%s", strings.TrimRight(p.host(), "/"), url.PathEscape(req.Ref)),
		FormFields:  fields,
		ExpiresAt:   time.Now().Add(expiresIn).Unix(),
	}, nil
}

// VerifyCallback authenticates the notification query string and normalises
// it. It never trusts the reported state beyond signature validity; callers
// re-verify through QueryStatus before settling.
func (p HostedPay) VerifyCallback(r *http.Request) (settlement.Outcome, error) {
	q := r.URL.Query()
	ref := strings.TrimSpace(q.Get("orderRef"))
	if ref == "" {
		return settlement.Outcome{}, fmt.Errorf("%w: missing orderRef", ErrInvalidResponse)
	}
	rawStatus := strings.TrimSpace(q.Get("status"))
	rawAmount := strings.TrimSpace(q.Get("amount"))
	provided := strings.TrimSpace(q.Get("sig"))
	expected := p.sign(ref, rawStatus, rawAmount)
	if expected == "" || provided == "" || !hmac.Equal([]byte(expected), []byte(provided)) {
		return settlement.Outcome{}, fmt.Errorf("%w: invalid signature", ErrGatewayRejected)
	}
	status, err := normaliseStatus(rawStatus)
	if err != nil {
		return settlement.Outcome{}, err
	}
	var amount store.Money
	if rawAmount != "" {
		amount, err = strconv.ParseInt(rawAmount, 10, 64)
		if err != nil {
			return settlement.Outcome{}, fmt.Errorf("%w: bad amount %q", ErrInvalidResponse, rawAmount)
		}
	}
	out := settlement.Outcome{
		Ref:        ref,
		Status:     status,
		Amount:     amount,
		ExternalID: strings.TrimSpace(q.Get("externalTransactionId")),
		Payload:    []byte(mustJSON(q)),
	}
	// Correlation hints are optional; a malformed hint is dropped, not fatal.
	if id, err := store.ToUUID(q.Get("shopOrderId")); err == nil {
		out.ShopOrderID = id
	}
	if id, err := store.ToUUID(q.Get("walletTxnId")); err == nil {
		out.WalletTxnID = id
	}
	if id, err := store.ToUUID(q.Get("userId")); err == nil {
		out.UserID = id
	}
	return out, nil
}

// QueryStatus asks the gateway for the authoritative state of a reference.
func (p HostedPay) QueryStatus(ctx context.Context, ref string) (settlement.Outcome, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return settlement.Outcome{}, fmt.Errorf("%w: missing ref", ErrInvalidResponse)
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if p.Breaker != nil && !p.Breaker.Allow(ctx) {
		return settlement.Outcome{}, fmt.Errorf("%w: circuit open", ErrGatewayRejected)
	}

	endpoint := fmt.Sprintf("%s/api/v1/transactions/%s?merchantId=%s&sig=%s",
		strings.TrimRight(p.host(), "/"), url.PathEscape(ref),
		url.QueryEscape(strings.TrimSpace(p.MerchantID)), p.sign(ref, "query", ""))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return settlement.Outcome{}, err
	}
	resp, err := p.client().Do(req)
	if err != nil {
		p.report(ctx, false)
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return settlement.Outcome{}, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return settlement.Outcome{}, err
	}
	defer resp.Body.Close()
	p.report(ctx, resp.StatusCode < 500)
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return settlement.Outcome{}, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if resp.StatusCode != http.StatusOK {
		return settlement.Outcome{}, fmt.Errorf("%w: http %d", ErrGatewayRejected, resp.StatusCode)
	}
	var payload struct {
		OrderRef              string `json:"orderRef"`
		Status                string `json:"status"`
		Amount                int64  `json:"amount"`
		ExternalTransactionID string `json:"externalTransactionId"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return settlement.Outcome{}, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	status, err := normaliseStatus(payload.Status)
	if err != nil {
		// Non-terminal answers are legitimate while the customer is paying.
		status = ""
	}
	return settlement.Outcome{
		Ref:        ref,
		Status:     status,
		Amount:     payload.Amount,
		ExternalID: payload.ExternalTransactionID,
		Payload:    body,
	}, nil
}

func (p HostedPay) sign(ref, status, amount string) string {
	secret := strings.TrimSpace(p.Secret)
	if secret == "" {
		return ""
	}
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write([]byte(ref))
	mac.Write([]byte(status))
	mac.Write([]byte(amount))
	mac.Write([]byte(secret))
	return hex.EncodeToString(mac.Sum(nil))
}

func (p HostedPay) host() string {
	host := strings.TrimSpace(p.BaseURL)
	if host == "" {
		return "https://pay.hostedpay.example"
	}
	return host
}

func (p HostedPay) report(ctx context.Context, success bool) {
	if p.Breaker != nil {
		p.Breaker.Report(ctx, success)
	}
}

func (p HostedPay) client() *http.Client {
	if p.Client != nil {
		return p.Client
	}
	return http.DefaultClient
}

func normaliseStatus(raw string) (settlement.Status, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "success", "paid", "settlement", "capture":
		return settlement.StatusSuccess, nil
	case "failed", "deny", "expire", "expired":
		return settlement.StatusFailed, nil
	case "cancelled", "canceled", "cancel":
		return settlement.StatusCanceled, nil
	default:
		return "", fmt.Errorf("%w: status %q", ErrInvalidResponse, raw)
	}
}

func mustJSON(v url.Values) string {
	flat := make(map[string]string, len(v))
	for k := range v {
		flat[k] = v.Get(k)
	}
	b, _ := json.Marshal(flat)
	return string(b)
}
