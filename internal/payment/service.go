package payment

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/brewpoint/loyalty-engine/internal/obs"
	"github.com/brewpoint/loyalty-engine/internal/store"
)

// Querier captures the database methods required by the payment service.
type Querier interface {
	GetPaymentTxnByRef(ctx context.Context, ref string) (store.PaymentTxn, error)
	GetOrderByID(ctx context.Context, id pgtype.UUID) (store.Order, error)
	MarkTxnProcessing(ctx context.Context, id pgtype.UUID, redirectURL pgtype.Text, payload []byte) error
}

// Service opens gateway intents and answers status probes.
type Service struct {
	Q           Querier
	Provider    Provider
	IntentTTL   time.Duration
	CallbackURL string
}

// Initiate opens a hosted-checkout intent for a pending transaction and
// advances it to PROCESSING. The gateway call carries a hard deadline; a
// timeout leaves the transaction PENDING and the client retries with a new
// reference.
func (s *Service) Initiate(ctx context.Context, txn store.PaymentTxn, description string) (Intent, error) {
	if s == nil || s.Q == nil || s.Provider == nil {
		return Intent{}, errors.New("payment service not configured")
	}
	ctx, span := otel.Tracer("payment.Service").Start(ctx, "PaymentService.Initiate")
	defer span.End()
	result := "error"
	defer func() {
		span.SetAttributes(
			attribute.String("payment.ref", txn.Ref),
			attribute.String("payment.intent.result", result),
		)
		if obs.PaymentIntentTotal != nil {
			obs.PaymentIntentTotal.WithLabelValues("hostedpay", result).Inc()
		}
	}()

	ttl := s.IntentTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	intent, err := s.Provider.CreateIntent(ctx, IntentRequest{
		Ref:         txn.Ref,
		Amount:      txn.Amount,
		Description: description,
		CallbackURL: s.CallbackURL,
		ExpiresIn:   ttl,
	})
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, ErrTimeout) {
			result = "timeout"
		}
		return Intent{}, err
	}
	redirect := pgtype.Text{String: intent.RedirectURL, Valid: strings.TrimSpace(intent.RedirectURL) != ""}
	if err := s.Q.MarkTxnProcessing(ctx, txn.ID, redirect, nil); err != nil {
		return Intent{}, err
	}
	result = "success"
	return intent, nil
}

// StatusView is the consolidated answer for a client's bounded polling.
type StatusView struct {
	Ref            string            `json:"orderRef"`
	Kind           store.TxnKind     `json:"kind"`
	TxnStatus      store.TxnStatus   `json:"transactionStatus"`
	OrderStatus    store.OrderStatus `json:"orderStatus,omitempty"`
	RedemptionCode string            `json:"redemptionCode,omitempty"`
	FailureReason  string            `json:"failureReason,omitempty"`
}

// ErrNotFound is returned when no transaction matches the reference.
var ErrNotFound = errors.New("payment: transaction not found")

// ConsolidatedStatus reports the best-known state for a reference, merging
// the transaction with its order when one exists.
func (s *Service) ConsolidatedStatus(ctx context.Context, ref string, userID pgtype.UUID) (StatusView, error) {
	if s == nil || s.Q == nil {
		return StatusView{}, errors.New("payment service not configured")
	}
	txn, err := s.Q.GetPaymentTxnByRef(ctx, strings.TrimSpace(ref))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return StatusView{}, ErrNotFound
		}
		return StatusView{}, err
	}
	if userID.Valid && !store.UUIDEqual(txn.UserID, userID) {
		return StatusView{}, ErrNotFound
	}
	view := StatusView{Ref: txn.Ref, Kind: txn.Kind, TxnStatus: txn.Status}
	if txn.FailureReason.Valid {
		view.FailureReason = txn.FailureReason.String
	}
	if txn.OrderID.Valid {
		if order, err := s.Q.GetOrderByID(ctx, txn.OrderID); err == nil {
			view.OrderStatus = order.Status
			if order.RedemptionCode.Valid {
				view.RedemptionCode = order.RedemptionCode.String
			}
			if view.FailureReason == "" && order.FailureReason.Valid {
				view.FailureReason = order.FailureReason.String
			}
		}
	}
	return view, nil
}
