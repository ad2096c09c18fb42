package checkout

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/brewpoint/loyalty-engine/internal/cart"
	"github.com/brewpoint/loyalty-engine/internal/discount"
	"github.com/brewpoint/loyalty-engine/internal/events"
	"github.com/brewpoint/loyalty-engine/internal/payment"
	"github.com/brewpoint/loyalty-engine/internal/pricing"
	"github.com/brewpoint/loyalty-engine/internal/settlement"
	"github.com/brewpoint/loyalty-engine/internal/store"
	"github.com/brewpoint/loyalty-engine/internal/wallet"
)

var (
	// ErrEmptyCart is returned when the cart has no lines.
	ErrEmptyCart = errors.New("checkout: cart is empty")
	// ErrIntentFailed wraps a gateway intent failure. The order and its
	// PENDING transaction survive; the client retries with a fresh checkout.
	ErrIntentFailed = errors.New("checkout: payment intent failed")
)

// Input is the checkout submission.
type Input struct {
	CartID        string `json:"cartId" validate:"required,uuid"`
	OutletID      string `json:"outletId" validate:"omitempty,uuid"`
	VoucherCode   string `json:"voucherCode" validate:"omitempty,max=64"`
	UseBonus      int64  `json:"useBonus" validate:"gte=0"`
	PaymentMethod string `json:"paymentMethod" validate:"omitempty,oneof=gateway balance"`
}

// Output returns the persisted order plus everything the client needs to
// complete payment.
type Output struct {
	OrderID         string            `json:"orderId"`
	OrderNumber     string            `json:"orderNumber"`
	OrderRef        string            `json:"orderRef"`
	Status          string            `json:"status"`
	Subtotal        store.Money       `json:"subtotal"`
	TierDiscount    store.Money       `json:"tierDiscount"`
	VoucherDiscount store.Money       `json:"voucherDiscount"`
	AppliedBonus    store.Money       `json:"appliedBonus"`
	TotalPayable    store.Money       `json:"totalPayable"`
	EarnedPoints    int64             `json:"earnedPoints"`
	RedirectURL     string            `json:"redirectUrl,omitempty"`
	FormFields      map[string]string `json:"formFields,omitempty"`
	ExpiresAt       int64             `json:"expiresAt,omitempty"`
}

// VoucherResolver validates a code and returns its evaluation rule.
type VoucherResolver interface {
	Resolve(ctx context.Context, code string, userID pgtype.UUID) (discount.Voucher, error)
}

// IntentOpener opens the hosted-checkout session post-commit.
type IntentOpener interface {
	Initiate(ctx context.Context, txn store.PaymentTxn, description string) (payment.Intent, error)
}

// Settler settles balance-funded orders without a gateway round trip.
type Settler interface {
	Process(ctx context.Context, out settlement.Outcome) (settlement.Result, error)
}

// Service assembles immutable orders: snapshot the cart, price it, persist
// the order with per-line discount provenance and a payment transaction in
// one database transaction, then open the gateway intent.
type Service struct {
	Q        *store.Queries
	Pool     *pgxpool.Pool
	Carts    *cart.Service
	Vouchers VoucherResolver
	Payments IntentOpener
	Settle   Settler
	Events   *events.Bus
	Log      zerolog.Logger
}

// Create runs one checkout for the authenticated user.
func (s *Service) Create(ctx context.Context, userID string, in Input) (Output, error) {
	if s == nil || s.Q == nil || s.Pool == nil || s.Carts == nil {
		return Output{}, errors.New("checkout service not configured")
	}
	ctx, span := otel.Tracer("checkout.Service").Start(ctx, "CheckoutService.Create")
	defer span.End()

	uID, err := store.ToUUID(userID)
	if err != nil {
		return Output{}, fmt.Errorf("invalid user id: %w", err)
	}
	cID, err := store.ToUUID(in.CartID)
	if err != nil {
		return Output{}, fmt.Errorf("invalid cart id: %w", err)
	}
	var outletID pgtype.UUID
	var outletPtr *uuid.UUID
	if strings.TrimSpace(in.OutletID) != "" {
		outletID, err = store.ToUUID(in.OutletID)
		if err != nil {
			return Output{}, fmt.Errorf("invalid outlet id: %w", err)
		}
		o := uuid.UUID(outletID.Bytes)
		outletPtr = &o
	}

	snap, err := s.Carts.Snapshot(ctx, cID, uID)
	if err != nil {
		return Output{}, err
	}
	if len(snap.Lines) == 0 {
		return Output{}, ErrEmptyCart
	}

	w, err := s.Q.GetWallet(ctx, uID)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return Output{}, err
	}
	var tier store.Tier
	if w.TierID.Valid {
		if tier, err = s.Q.GetTierByID(ctx, w.TierID); err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return Output{}, err
		}
	}

	var rule *discount.Voucher
	code := strings.TrimSpace(in.VoucherCode)
	if code != "" {
		if s.Vouchers == nil {
			return Output{}, errors.New("checkout: voucher validation not configured")
		}
		resolved, err := s.Vouchers.Resolve(ctx, code, uID)
		if err != nil {
			return Output{}, err
		}
		rule = &resolved
	}

	breakdown := discount.Evaluate(snap.Lines, discount.Tier{
		DiscountBps:     tier.DiscountBps,
		StarsMultiplier: tier.StarsMultiplier,
	}, rule, outletPtr)

	method := pricing.MethodGateway
	if in.PaymentMethod == "balance" {
		method = pricing.MethodBalance
	}
	summary := pricing.Aggregate(pricing.Input{
		Subtotal:        breakdown.Subtotal,
		TierDiscount:    breakdown.TierDiscount,
		VoucherDiscount: breakdown.VoucherDiscount,
		RequestedBonus:  in.UseBonus,
		AvailableBonus:  w.BonusBalance,
		Method:          method,
		StarsMultiplier: tier.StarsMultiplier,
	})
	span.SetAttributes(
		attribute.Int64("checkout.subtotal", summary.Subtotal),
		attribute.Int64("checkout.total", summary.Total),
		attribute.String("checkout.method", string(method)),
	)

	orderNumber := newOrderNumber()
	ref := newPaymentRef()
	kind, topupAmount, topupBonus := classifyCart(snap.Items)

	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Output{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	qtx := s.Q.WithTx(tx)

	order, err := qtx.CreateOrder(ctx, store.CreateOrderParams{
		UserID:          uID,
		CartID:          cID,
		OutletID:        outletID,
		OrderNumber:     orderNumber,
		Status:          store.OrderStatusPending,
		PaymentStatus:   store.TxnStatusPending,
		PaymentMethod:   string(method),
		Subtotal:        summary.Subtotal,
		TierDiscount:    summary.TierDiscount,
		VoucherDiscount: summary.VoucherDiscount,
		BonusDiscount:   summary.AppliedBonus,
		TotalPayable:    summary.Total,
		EarnedPoints:    summary.EarnedPoints,
		VoucherCode:     pgtype.Text{String: code, Valid: code != ""},
	})
	if err != nil {
		return Output{}, err
	}
	for i, it := range snap.Items {
		ld := breakdown.Lines[i]
		lineSubtotal := it.UnitPrice * int64(it.Qty)
		if err := qtx.CreateOrderItem(ctx, store.CreateOrderItemParams{
			OrderID:       order.ID,
			ProductID:     it.ProductID,
			CategoryID:    it.CategoryID,
			SubcategoryID: it.SubcategoryID,
			Title:         it.Title,
			Qty:           it.Qty,
			UnitPrice:     it.UnitPrice,
			Subtotal:      lineSubtotal,
			TierAmount:    ld.TierAmount,
			VoucherAmount: ld.VoucherAmount,
			DiscountedQty: int32(ld.DiscountedQty),
			Total:         lineSubtotal - ld.TierAmount - ld.VoucherAmount,
		}); err != nil {
			return Output{}, err
		}
	}
	if kind == store.TxnKindWalletTopup {
		if _, err := qtx.CreateTopupTxn(ctx, store.CreateTopupTxnParams{
			UserID:      uID,
			OrderID:     order.ID,
			Ref:         ref,
			Amount:      topupAmount,
			BonusAmount: topupBonus,
			Status:      store.TxnStatusPending,
		}); err != nil {
			return Output{}, err
		}
	}
	txn, err := qtx.CreatePaymentTxn(ctx, store.CreatePaymentTxnParams{
		OrderID: order.ID,
		UserID:  uID,
		Ref:     ref,
		Kind:    kind,
		Amount:  summary.Total,
		Status:  store.TxnStatusPending,
	})
	if err != nil {
		return Output{}, err
	}
	if method == pricing.MethodBalance {
		ok, err := qtx.DebitBalance(ctx, uID, summary.Total)
		if err != nil {
			return Output{}, err
		}
		if !ok {
			return Output{}, wallet.ErrInsufficientBalance
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return Output{}, err
	}

	if s.Events != nil {
		_, _ = s.Events.Emit(ctx, events.TopicOrderCreated, order.ID, map[string]any{
			"orderId":     store.UUIDString(order.ID),
			"orderNumber": orderNumber,
			"ref":         ref,
			"total":       summary.Total,
		})
	}

	out := Output{
		OrderID:         store.UUIDString(order.ID),
		OrderNumber:     orderNumber,
		OrderRef:        ref,
		Status:          string(order.Status),
		Subtotal:        summary.Subtotal,
		TierDiscount:    summary.TierDiscount,
		VoucherDiscount: summary.VoucherDiscount,
		AppliedBonus:    summary.AppliedBonus,
		TotalPayable:    summary.Total,
		EarnedPoints:    summary.EarnedPoints,
	}

	if method == pricing.MethodBalance {
		// Balance orders settle inline: the money already moved, so the
		// reconciler runs the same effect sequence a gateway callback would.
		if s.Settle != nil {
			if _, err := s.Settle.Process(ctx, settlement.Outcome{
				Ref:        ref,
				Status:     settlement.StatusSuccess,
				Amount:     summary.Total,
				ExternalID: "balance",
			}); err != nil {
				s.Log.Error().Err(err).Str("ref", ref).Msg("inline balance settlement failed, sweep will retry")
			}
		}
		out.Status = string(store.OrderStatusReady)
		return out, nil
	}

	if summary.Total == 0 {
		// Fully covered by discounts and bonus; settle without a gateway trip.
		if s.Settle != nil {
			if _, err := s.Settle.Process(ctx, settlement.Outcome{
				Ref: ref, Status: settlement.StatusSuccess, ExternalID: "zero-total",
			}); err != nil {
				s.Log.Error().Err(err).Str("ref", ref).Msg("zero-total settlement failed, sweep will retry")
			}
		}
		out.Status = string(store.OrderStatusReady)
		return out, nil
	}

	if s.Payments == nil {
		return out, nil
	}
	intent, err := s.Payments.Initiate(ctx, txn, "order "+orderNumber)
	if err != nil {
		s.Log.Error().Err(err).Str("ref", ref).Msg("gateway intent failed after commit")
		return out, fmt.Errorf("%w: %v", ErrIntentFailed, err)
	}
	out.RedirectURL = intent.RedirectURL
	out.FormFields = intent.FormFields
	out.ExpiresAt = intent.ExpiresAt
	return out, nil
}

// classifyCart decides whether this checkout funds the wallet. A cart with a
// top-up product is a wallet_topup transaction; mixed carts keep the shop
// kind and only their top-up lines contribute to the top-up amounts.
func classifyCart(items []store.CartItem) (store.TxnKind, store.Money, store.Money) {
	var amount, bonus store.Money
	for _, it := range items {
		if it.ProductKind == "topup" {
			amount += it.UnitPrice * int64(it.Qty)
			bonus += it.BonusAmount * int64(it.Qty)
		}
	}
	if amount > 0 {
		return store.TxnKindWalletTopup, amount, bonus
	}
	return store.TxnKindShopOrder, 0, 0
}

func newOrderNumber() string {
	var b [3]byte
	_, _ = rand.Read(b[:])
	return fmt.Sprintf("ORD-%s-%s", time.Now().UTC().Format("20060102"), strings.ToUpper(hex.EncodeToString(b[:])))
}

func newPaymentRef() string {
	return "PAY-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:20]
}
