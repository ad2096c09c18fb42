package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/brewpoint/loyalty-engine/internal/settlement"
)

const testSecret = "sekrit"

func signParams(ref, status, amount string) string {
	mac := hmac.New(sha512.New, []byte(testSecret))
	mac.Write([]byte(ref))
	mac.Write([]byte(status))
	mac.Write([]byte(amount))
	mac.Write([]byte(testSecret))
	return hex.EncodeToString(mac.Sum(nil))
}

func callbackRequest(t *testing.T, params url.Values) *http.Request {
	t.Helper()
	return httptest.NewRequest(http.MethodGet, "/payments/callback?"+params.Encode(), nil)
}

func TestVerifyCallbackValidSignature(t *testing.T) {
	p := HostedPay{Secret: testSecret}
	params := url.Values{}
	params.Set("orderRef", "PAY-1")
	params.Set("status", "success")
	params.Set("amount", "8100")
	params.Set("externalTransactionId", "ext-77")
	params.Set("sig", signParams("PAY-1", "success", "8100"))

	out, err := p.VerifyCallback(callbackRequest(t, params))
	require.NoError(t, err)
	require.Equal(t, "PAY-1", out.Ref)
	require.Equal(t, settlement.StatusSuccess, out.Status)
	require.Equal(t, int64(8100), out.Amount)
	require.Equal(t, "ext-77", out.ExternalID)
}

func TestVerifyCallbackRejectsBadSignature(t *testing.T) {
	p := HostedPay{Secret: testSecret}
	params := url.Values{}
	params.Set("orderRef", "PAY-1")
	params.Set("status", "success")
	params.Set("amount", "8100")
	params.Set("sig", signParams("PAY-1", "success", "9999"))

	_, err := p.VerifyCallback(callbackRequest(t, params))
	require.ErrorIs(t, err, ErrGatewayRejected)
}

func TestVerifyCallbackRejectsTamperedStatus(t *testing.T) {
	p := HostedPay{Secret: testSecret}
	params := url.Values{}
	params.Set("orderRef", "PAY-1")
	params.Set("status", "success")
	params.Set("amount", "8100")
	params.Set("sig", signParams("PAY-1", "failed", "8100"))

	_, err := p.VerifyCallback(callbackRequest(t, params))
	require.ErrorIs(t, err, ErrGatewayRejected)
}

func TestStatusNormalisation(t *testing.T) {
	cases := map[string]settlement.Status{
		"success":   settlement.StatusSuccess,
		"PAID":      settlement.StatusSuccess,
		"failed":    settlement.StatusFailed,
		"expired":   settlement.StatusFailed,
		"cancelled": settlement.StatusCanceled,
		"canceled":  settlement.StatusCanceled,
	}
	for raw, want := range cases {
		got, err := normaliseStatus(raw)
		require.NoError(t, err, raw)
		require.Equal(t, want, got, raw)
	}
	_, err := normaliseStatus("pending")
	require.ErrorIs(t, err, ErrInvalidResponse)
}

func TestCreateIntentSignsForm(t *testing.T) {
	p := HostedPay{MerchantID: "m-1", Secret: testSecret, BaseURL: "https://pay.test"}
	intent, err := p.CreateIntent(context.Background(), IntentRequest{Ref: "PAY-9", Amount: 5_000})
	require.NoError(t, err)
	require.Equal(t, "https://pay.test/checkout/PAY-9", intent.RedirectURL)
	require.Equal(t, signParams("PAY-9", "intent", "5000"), intent.FormFields["sig"])
}

func TestQueryStatusParsesGatewayAnswer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"orderRef":"PAY-1","status":"success","amount":8100,"externalTransactionId":"ext-1"}`))
	}))
	defer srv.Close()

	p := HostedPay{Secret: testSecret, BaseURL: srv.URL}
	out, err := p.QueryStatus(context.Background(), "PAY-1")
	require.NoError(t, err)
	require.Equal(t, settlement.StatusSuccess, out.Status)
	require.Equal(t, int64(8100), out.Amount)
	require.Equal(t, "ext-1", out.ExternalID)
}

func TestQueryStatusNonTerminalAnswer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"orderRef":"PAY-1","status":"pending"}`))
	}))
	defer srv.Close()

	p := HostedPay{Secret: testSecret, BaseURL: srv.URL}
	out, err := p.QueryStatus(context.Background(), "PAY-1")
	require.NoError(t, err)
	require.Empty(t, out.Status)
}

func TestQueryStatusTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	p := HostedPay{Secret: testSecret, BaseURL: srv.URL, Timeout: 20 * time.Millisecond}
	_, err := p.QueryStatus(context.Background(), "PAY-1")
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded))
}

func TestQueryStatusGatewayRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	p := HostedPay{Secret: testSecret, BaseURL: srv.URL}
	_, err := p.QueryStatus(context.Background(), "PAY-1")
	require.ErrorIs(t, err, ErrGatewayRejected)
}
