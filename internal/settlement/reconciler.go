package settlement

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/brewpoint/loyalty-engine/internal/events"
	"github.com/brewpoint/loyalty-engine/internal/lock"
	"github.com/brewpoint/loyalty-engine/internal/obs"
	"github.com/brewpoint/loyalty-engine/internal/store"
)

// Status is the normalised terminal state reported by the gateway.
type Status string

const (
	StatusSuccess  Status = "success"
	StatusFailed   Status = "failed"
	StatusCanceled Status = "cancelled"
)

var (
	// ErrUnknownReference is returned when no transaction matches the ref.
	ErrUnknownReference = errors.New("settlement: unknown payment reference")
	// ErrAmountMismatch is returned when the reported amount differs from the
	// recorded transaction amount. Nothing is mutated in that case.
	ErrAmountMismatch = errors.New("settlement: reported amount does not match transaction")
	// ErrUnknownStatus is returned for statuses outside the terminal set.
	ErrUnknownStatus = errors.New("settlement: unrecognised status")
)

// Outcome is one verified gateway notification, either pushed by callback or
// pulled by the reconciliation sweep. Ref is the only required correlation
// field; the identifier hints are recovered from storage when absent.
type Outcome struct {
	Ref         string
	Status      Status
	Amount      store.Money
	ExternalID  string
	ShopOrderID pgtype.UUID
	WalletTxnID pgtype.UUID
	UserID      pgtype.UUID
	Payload     []byte
}

// Result reports what a settlement attempt did.
type Result struct {
	Txn       store.PaymentTxn
	Duplicate bool
	Applied   bool
}

// Querier captures the database methods required by the reconciler.
type Querier interface {
	GetPaymentTxnByRef(ctx context.Context, ref string) (store.PaymentTxn, error)
	GetCorrelationByRef(ctx context.Context, ref string) (store.Correlation, error)
	TryMarkProcessed(ctx context.Context, ref string) (bool, error)
	MarkTxnSuccess(ctx context.Context, id pgtype.UUID, externalID pgtype.Text) (bool, error)
	MarkTxnFailed(ctx context.Context, id pgtype.UUID, reason pgtype.Text) error
	MarkTopupFailed(ctx context.Context, id pgtype.UUID) (bool, error)
	InsertPaymentEvent(ctx context.Context, txnID pgtype.UUID, status store.TxnStatus, payload []byte) error
	GetOrderByID(ctx context.Context, id pgtype.UUID) (store.Order, error)
	UpdateOrderStatus(ctx context.Context, arg store.UpdateOrderStatusParams) error
	SetRedemptionCodeIfAbsent(ctx context.Context, id pgtype.UUID, code string) error
	ListStaleProcessingTxns(ctx context.Context, before time.Time, limit int32) ([]store.PaymentTxn, error)
}

// VoucherSettler records voucher usage for a paid order.
type VoucherSettler interface {
	Settle(ctx context.Context, code string, orderID, userID pgtype.UUID, amount int64) error
}

// LoyaltyLedger applies the idempotent award operations.
type LoyaltyLedger interface {
	AwardPoints(ctx context.Context, userID pgtype.UUID, ref string, points int64) (bool, error)
	AwardStamp(ctx context.Context, userID pgtype.UUID, ref string, stamps int64) (bool, error)
	AwardTopupBonus(ctx context.Context, userID pgtype.UUID, ref string, amount store.Money) (bool, error)
	SpendBonus(ctx context.Context, userID pgtype.UUID, ref string, amount store.Money) (bool, error)
}

// WalletOps settles wallet top-ups.
type WalletOps interface {
	ApplyTopup(ctx context.Context, topupID pgtype.UUID) (store.TopupTxn, bool, error)
}

// CartClearer empties the cart an order was assembled from.
type CartClearer interface {
	ClearForOrder(ctx context.Context, order store.Order) error
}

// Locker serialises settlement per payment reference.
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error
}

// EventBus publishes settlement notifications.
type EventBus interface {
	Emit(ctx context.Context, topic string, aggregateID pgtype.UUID, payload any) (store.DomainEvent, error)
}

// StatusProber asks the gateway for the current state of a reference. The
// reconciliation sweep uses it to resolve transactions stuck in PROCESSING.
type StatusProber interface {
	QueryStatus(ctx context.Context, ref string) (Outcome, error)
}

// Reconciler drives a verified payment outcome to its terminal state exactly
// once. A per-reference advisory lock serialises concurrent deliveries, and a
// durable processed marker classifies re-deliveries after a crash. The marker
// never skips the downstream effects: each effect is existence-checked, so a
// re-delivery re-runs the whole sequence and converges whatever an earlier
// attempt skipped.
type Reconciler struct {
	Q       Querier
	Voucher VoucherSettler
	Loyalty LoyaltyLedger
	Wallet  WalletOps
	Carts   CartClearer
	Locks   Locker
	Bus     EventBus
	Log     zerolog.Logger
	LockTTL time.Duration

	// NewRedemptionCode overrides pickup-code generation in tests.
	NewRedemptionCode func() string
}

// Process settles one outcome under the per-reference lock.
func (r *Reconciler) Process(ctx context.Context, out Outcome) (Result, error) {
	if r == nil || r.Q == nil {
		return Result{}, errors.New("settlement: reconciler not configured")
	}
	out.Ref = strings.TrimSpace(out.Ref)
	if out.Ref == "" {
		return Result{}, ErrUnknownReference
	}
	switch out.Status {
	case StatusSuccess, StatusFailed, StatusCanceled:
	default:
		return Result{}, ErrUnknownStatus
	}
	ctx, span := otel.Tracer("settlement.Reconciler").Start(ctx, "Reconciler.Process",
		trace.WithAttributes(
			attribute.String("payment.ref", out.Ref),
			attribute.String("payment.status", string(out.Status)),
		))
	defer span.End()
	if r.Locks == nil {
		return r.process(ctx, out)
	}
	ttl := r.LockTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	var res Result
	err := r.Locks.WithLock(ctx, lock.SettlementKey(out.Ref), ttl, func(ctx context.Context) error {
		var perr error
		res, perr = r.process(ctx, out)
		return perr
	})
	return res, err
}

func (r *Reconciler) process(ctx context.Context, out Outcome) (Result, error) {
	txn, err := r.Q.GetPaymentTxnByRef(ctx, out.Ref)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Result{}, ErrUnknownReference
		}
		return Result{}, err
	}
	if out.Amount > 0 && out.Amount != txn.Amount {
		r.Log.Warn().Str("ref", out.Ref).
			Int64("reported", out.Amount).Int64("recorded", txn.Amount).
			Msg("settlement amount mismatch, rejecting")
		return Result{Txn: txn}, ErrAmountMismatch
	}
	corr, err := r.correlate(ctx, txn, out)
	if err != nil {
		return Result{Txn: txn}, err
	}

	if out.Status != StatusSuccess {
		return r.processFailure(ctx, txn, corr, out)
	}
	return r.processSuccess(ctx, txn, corr, out)
}

// correlate recovers the internal identifiers for the reference. Callback
// hints are trusted only when they agree with storage; storage wins.
func (r *Reconciler) correlate(ctx context.Context, txn store.PaymentTxn, out Outcome) (store.Correlation, error) {
	corr, err := r.Q.GetCorrelationByRef(ctx, txn.Ref)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return store.Correlation{}, err
		}
		corr = store.Correlation{OrderID: txn.OrderID, UserID: txn.UserID, Kind: txn.Kind}
	}
	if !corr.OrderID.Valid {
		corr.OrderID = txn.OrderID
	}
	if !corr.UserID.Valid {
		corr.UserID = txn.UserID
	}
	if corr.Kind == "" {
		corr.Kind = txn.Kind
	}
	if out.ShopOrderID.Valid && !store.UUIDEqual(out.ShopOrderID, corr.OrderID) {
		r.Log.Warn().Str("ref", txn.Ref).Msg("callback order hint disagrees with stored correlation, using stored")
	}
	return corr, nil
}

// processSuccess applies the success path. The processed marker and the
// guarded status flip only classify the delivery as fresh or duplicate; the
// effect sequence runs either way, so a delivery that arrives after a crash
// or after a transient effect failure repairs whatever is still missing.
func (r *Reconciler) processSuccess(ctx context.Context, txn store.PaymentTxn, corr store.Correlation, out Outcome) (Result, error) {
	fresh, err := r.Q.TryMarkProcessed(ctx, txn.Ref)
	if err != nil {
		return Result{Txn: txn}, err
	}
	if !fresh {
		obs.DuplicateSuppressions.WithLabelValues("marker").Inc()
		r.Log.Info().Str("ref", txn.Ref).Msg("duplicate success delivery, converging settlement effects")
	}

	externalID := pgtype.Text{String: out.ExternalID, Valid: out.ExternalID != ""}
	advanced, err := r.Q.MarkTxnSuccess(ctx, txn.ID, externalID)
	if err != nil {
		return Result{Txn: txn}, err
	}
	if !advanced {
		obs.DuplicateSuppressions.WithLabelValues("txn_status").Inc()
	}

	switch corr.Kind {
	case store.TxnKindWalletTopup:
		r.settleTopup(ctx, txn, corr)
	default:
		r.settleOrder(ctx, txn, corr)
	}

	if fresh {
		r.effect(txn.Ref, "payment_event", func() error {
			return r.Q.InsertPaymentEvent(ctx, txn.ID, store.TxnStatusSuccess, out.Payload)
		})
		obs.SettlementTotal.WithLabelValues(string(corr.Kind), "success").Inc()
	}
	return Result{Txn: txn, Applied: fresh, Duplicate: !fresh}, nil
}

// settleOrder applies the order-side effects in a fixed sequence. Every step
// is re-entrant, and a failed step is logged and skipped so the remaining
// effects still run; a later re-delivery converges the skipped one.
func (r *Reconciler) settleOrder(ctx context.Context, txn store.PaymentTxn, corr store.Correlation) {
	order, err := r.Q.GetOrderByID(ctx, corr.OrderID)
	if err != nil {
		r.Log.Error().Err(err).Str("ref", txn.Ref).Msg("settlement cannot load order, effects deferred to sweep")
		obs.SettlementEffectFailures.WithLabelValues("load_order").Inc()
		return
	}

	if r.Loyalty != nil {
		r.effect(txn.Ref, "bonus_spend", func() error {
			_, err := r.Loyalty.SpendBonus(ctx, order.UserID, txn.Ref, order.BonusDiscount)
			return err
		})
		if order.EarnedPoints > 0 {
			r.effect(txn.Ref, "points_award", func() error {
				_, err := r.Loyalty.AwardPoints(ctx, order.UserID, txn.Ref, order.EarnedPoints)
				return err
			})
		}
		r.effect(txn.Ref, "stamp_award", func() error {
			_, err := r.Loyalty.AwardStamp(ctx, order.UserID, txn.Ref, 1)
			return err
		})
	}

	r.effect(txn.Ref, "order_advance", func() error {
		return r.Q.UpdateOrderStatus(ctx, store.UpdateOrderStatusParams{
			ID:            order.ID,
			Status:        store.OrderStatusReady,
			PaymentStatus: store.TxnStatusSuccess,
		})
	})
	r.effect(txn.Ref, "redemption_code", func() error {
		return r.Q.SetRedemptionCodeIfAbsent(ctx, order.ID, r.redemptionCode())
	})
	if r.Carts != nil {
		r.effect(txn.Ref, "cart_clear", func() error {
			return r.Carts.ClearForOrder(ctx, order)
		})
	}
	if r.Voucher != nil && order.VoucherCode.Valid && order.VoucherCode.String != "" {
		r.effect(txn.Ref, "voucher_usage", func() error {
			return r.Voucher.Settle(ctx, order.VoucherCode.String, order.ID, order.UserID, order.VoucherDiscount)
		})
	}
	r.emit(ctx, events.TopicOrderSettled, order.ID, map[string]any{
		"ref":          txn.Ref,
		"order_number": order.OrderNumber,
		"total":        order.TotalPayable,
	})
}

func (r *Reconciler) settleTopup(ctx context.Context, txn store.PaymentTxn, corr store.Correlation) {
	if r.Wallet == nil || !corr.TopupID.Valid {
		r.Log.Error().Str("ref", txn.Ref).Msg("top-up settlement without wallet ops or topup id")
		obs.SettlementEffectFailures.WithLabelValues("topup_missing").Inc()
		return
	}
	topup, applied, err := r.Wallet.ApplyTopup(ctx, corr.TopupID)
	if err != nil {
		r.Log.Error().Err(err).Str("ref", txn.Ref).Msg("settlement effect failed: wallet_topup")
		obs.SettlementEffectFailures.WithLabelValues("wallet_topup").Inc()
		return
	}
	if !applied {
		obs.DuplicateSuppressions.WithLabelValues("topup_status").Inc()
	}
	if r.Loyalty != nil && topup.BonusAmount > 0 {
		r.effect(txn.Ref, "topup_bonus", func() error {
			_, err := r.Loyalty.AwardTopupBonus(ctx, topup.UserID, txn.Ref, topup.BonusAmount)
			return err
		})
	}
	r.emit(ctx, events.TopicTopupSettled, topup.UserID, map[string]any{
		"ref":    txn.Ref,
		"amount": topup.Amount,
		"bonus":  topup.BonusAmount,
	})
}

// processFailure is terminal for the transaction but writes no processed
// marker: the guarded status updates alone make it idempotent, and they never
// overwrite an earlier success.
func (r *Reconciler) processFailure(ctx context.Context, txn store.PaymentTxn, corr store.Correlation, out Outcome) (Result, error) {
	if txn.Status == store.TxnStatusSuccess {
		obs.DuplicateSuppressions.WithLabelValues("txn_status").Inc()
		r.Log.Warn().Str("ref", txn.Ref).Str("status", string(out.Status)).
			Msg("failure delivery for an already settled transaction, ignoring")
		return Result{Txn: txn, Duplicate: true}, nil
	}
	reason := "payment " + string(out.Status)
	if err := r.Q.MarkTxnFailed(ctx, txn.ID, pgtype.Text{String: reason, Valid: true}); err != nil {
		return Result{Txn: txn}, err
	}
	if corr.Kind == store.TxnKindWalletTopup {
		// The pending top-up row must close too, or it lingers forever while
		// the payment side is already FAILED. The transition is guarded so a
		// late failure can never demote a settled top-up.
		if corr.TopupID.Valid {
			r.effect(txn.Ref, "topup_close", func() error {
				_, err := r.Q.MarkTopupFailed(ctx, corr.TopupID)
				return err
			})
		}
	} else if corr.OrderID.Valid {
		r.effect(txn.Ref, "order_cancel", func() error {
			return r.Q.UpdateOrderStatus(ctx, store.UpdateOrderStatusParams{
				ID:            corr.OrderID,
				Status:        store.OrderStatusCanceled,
				PaymentStatus: store.TxnStatusFailed,
				FailureReason: pgtype.Text{String: reason, Valid: true},
			})
		})
		r.emit(ctx, events.TopicOrderCanceled, corr.OrderID, map[string]any{"ref": txn.Ref, "reason": reason})
	}
	r.effect(txn.Ref, "payment_event", func() error {
		return r.Q.InsertPaymentEvent(ctx, txn.ID, store.TxnStatusFailed, out.Payload)
	})
	r.emit(ctx, events.TopicPaymentFailed, txn.ID, map[string]any{"ref": txn.Ref, "reason": reason})
	obs.SettlementTotal.WithLabelValues(string(corr.Kind), string(out.Status)).Inc()
	return Result{Txn: txn, Applied: true}, nil
}

// Sweep resolves transactions stuck in PROCESSING by asking the gateway for
// their current state and feeding terminal answers back through Process.
func (r *Reconciler) Sweep(ctx context.Context, prober StatusProber, olderThan time.Duration, limit int32) (int, error) {
	if prober == nil {
		return 0, errors.New("settlement: status prober not configured")
	}
	stale, err := r.Q.ListStaleProcessingTxns(ctx, time.Now().Add(-olderThan), limit)
	if err != nil {
		return 0, err
	}
	var settled int
	for _, txn := range stale {
		out, err := prober.QueryStatus(ctx, txn.Ref)
		if err != nil {
			obs.ReconcileSweepTotal.WithLabelValues("probe_error").Inc()
			r.Log.Warn().Err(err).Str("ref", txn.Ref).Msg("sweep probe failed")
			continue
		}
		switch out.Status {
		case StatusSuccess, StatusFailed, StatusCanceled:
		default:
			obs.ReconcileSweepTotal.WithLabelValues("still_pending").Inc()
			continue
		}
		if _, err := r.Process(ctx, out); err != nil {
			obs.ReconcileSweepTotal.WithLabelValues("process_error").Inc()
			r.Log.Error().Err(err).Str("ref", txn.Ref).Msg("sweep settlement failed")
			continue
		}
		obs.ReconcileSweepTotal.WithLabelValues("settled").Inc()
		settled++
	}
	return settled, nil
}

func (r *Reconciler) effect(ref, name string, fn func() error) {
	if err := fn(); err != nil {
		obs.SettlementEffectFailures.WithLabelValues(name).Inc()
		r.Log.Error().Err(err).Str("ref", ref).Str("effect", name).
			Msg("settlement effect failed, continuing")
	}
}

func (r *Reconciler) emit(ctx context.Context, topic string, aggregateID pgtype.UUID, payload any) {
	if r.Bus == nil {
		return
	}
	if _, err := r.Bus.Emit(ctx, topic, aggregateID, payload); err != nil {
		r.Log.Warn().Err(err).Str("topic", topic).Msg("settlement event emit failed")
	}
}

func (r *Reconciler) redemptionCode() string {
	if r.NewRedemptionCode != nil {
		return r.NewRedemptionCode()
	}
	var b [4]byte
	_, _ = rand.Read(b[:])
	return strings.ToUpper(hex.EncodeToString(b[:]))
}
