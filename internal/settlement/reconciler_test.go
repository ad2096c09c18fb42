package settlement_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/brewpoint/loyalty-engine/internal/obs"
	"github.com/brewpoint/loyalty-engine/internal/settlement"
	"github.com/brewpoint/loyalty-engine/internal/store"
)

func TestMain(m *testing.M) {
	obs.MustRegisterDomainMetrics("test", prometheus.NewRegistry())
	m.Run()
}

type fakeStore struct {
	txn   store.PaymentTxn
	corr  store.Correlation
	order store.Order

	processed       map[string]bool
	topupClosed     bool
	topupCloses     int
	txnStatus       store.TxnStatus
	orderStatus     store.OrderStatus
	orderPayStatus  store.TxnStatus
	failureReason   string
	redemptionCode  string
	redemptionSets  int
	paymentEvents   []store.TxnStatus
	successFlips    int
	correlationHits int
}

func newFakeStore() *fakeStore {
	orderID := pgUUID()
	userID := pgUUID()
	cartID := pgUUID()
	return &fakeStore{
		txn: store.PaymentTxn{
			ID:      pgUUID(),
			OrderID: orderID,
			UserID:  userID,
			Ref:     "PAY-100",
			Kind:    store.TxnKindShopOrder,
			Amount:  8_100,
			Status:  store.TxnStatusProcessing,
		},
		corr: store.Correlation{OrderID: orderID, UserID: userID, Kind: store.TxnKindShopOrder},
		order: store.Order{
			ID:              orderID,
			UserID:          userID,
			CartID:          cartID,
			OrderNumber:     "ORD-100",
			Status:          store.OrderStatusPending,
			PaymentStatus:   store.TxnStatusProcessing,
			Subtotal:        10_000,
			TierDiscount:    1_000,
			VoucherDiscount: 900,
			BonusDiscount:   0,
			TotalPayable:    8_100,
			EarnedPoints:    81,
			VoucherCode:     pgtype.Text{String: "PROMO", Valid: true},
		},
		processed:      map[string]bool{},
		txnStatus:      store.TxnStatusProcessing,
		orderStatus:    store.OrderStatusPending,
		orderPayStatus: store.TxnStatusProcessing,
	}
}

func (f *fakeStore) GetPaymentTxnByRef(ctx context.Context, ref string) (store.PaymentTxn, error) {
	if ref != f.txn.Ref {
		return store.PaymentTxn{}, pgx.ErrNoRows
	}
	txn := f.txn
	txn.Status = f.txnStatus
	return txn, nil
}

func (f *fakeStore) GetCorrelationByRef(ctx context.Context, ref string) (store.Correlation, error) {
	f.correlationHits++
	return f.corr, nil
}

func (f *fakeStore) TryMarkProcessed(ctx context.Context, ref string) (bool, error) {
	if f.processed[ref] {
		return false, nil
	}
	f.processed[ref] = true
	return true, nil
}

func (f *fakeStore) MarkTxnSuccess(ctx context.Context, id pgtype.UUID, externalID pgtype.Text) (bool, error) {
	if f.txnStatus == store.TxnStatusSuccess {
		return false, nil
	}
	f.txnStatus = store.TxnStatusSuccess
	f.successFlips++
	return true, nil
}

func (f *fakeStore) MarkTxnFailed(ctx context.Context, id pgtype.UUID, reason pgtype.Text) error {
	if f.txnStatus != store.TxnStatusSuccess && f.txnStatus != store.TxnStatusFailed {
		f.txnStatus = store.TxnStatusFailed
	}
	return nil
}

func (f *fakeStore) MarkTopupFailed(ctx context.Context, id pgtype.UUID) (bool, error) {
	if f.topupClosed {
		return false, nil
	}
	f.topupClosed = true
	f.topupCloses++
	return true, nil
}

func (f *fakeStore) InsertPaymentEvent(ctx context.Context, txnID pgtype.UUID, status store.TxnStatus, payload []byte) error {
	f.paymentEvents = append(f.paymentEvents, status)
	return nil
}

func (f *fakeStore) GetOrderByID(ctx context.Context, id pgtype.UUID) (store.Order, error) {
	if !store.UUIDEqual(id, f.order.ID) {
		return store.Order{}, pgx.ErrNoRows
	}
	o := f.order
	o.Status = f.orderStatus
	o.PaymentStatus = f.orderPayStatus
	return o, nil
}

func (f *fakeStore) UpdateOrderStatus(ctx context.Context, arg store.UpdateOrderStatusParams) error {
	f.orderStatus = arg.Status
	f.orderPayStatus = arg.PaymentStatus
	if arg.FailureReason.Valid {
		f.failureReason = arg.FailureReason.String
	}
	return nil
}

func (f *fakeStore) SetRedemptionCodeIfAbsent(ctx context.Context, id pgtype.UUID, code string) error {
	if f.redemptionCode == "" {
		f.redemptionCode = code
		f.redemptionSets++
	}
	return nil
}

func (f *fakeStore) ListStaleProcessingTxns(ctx context.Context, before time.Time, limit int32) ([]store.PaymentTxn, error) {
	if f.txnStatus != store.TxnStatusProcessing {
		return nil, nil
	}
	txn := f.txn
	txn.Status = f.txnStatus
	return []store.PaymentTxn{txn}, nil
}

type fakeLoyalty struct {
	awards map[string]int64

	// pointsErr fails the next AwardPoints call once, simulating a
	// transient wallet error during settlement.
	pointsErr error
}

func (l *fakeLoyalty) key(ref, source string) string { return ref + "|" + source }

func (l *fakeLoyalty) award(ref, source string, amount int64) (bool, error) {
	if l.awards == nil {
		l.awards = map[string]int64{}
	}
	k := l.key(ref, source)
	if _, ok := l.awards[k]; ok {
		return false, nil
	}
	l.awards[k] = amount
	return true, nil
}

func (l *fakeLoyalty) AwardPoints(ctx context.Context, userID pgtype.UUID, ref string, points int64) (bool, error) {
	if l.pointsErr != nil {
		err := l.pointsErr
		l.pointsErr = nil
		return false, err
	}
	return l.award(ref, "order_points", points)
}

func (l *fakeLoyalty) AwardStamp(ctx context.Context, userID pgtype.UUID, ref string, stamps int64) (bool, error) {
	return l.award(ref, "order_stamp", stamps)
}

func (l *fakeLoyalty) AwardTopupBonus(ctx context.Context, userID pgtype.UUID, ref string, amount store.Money) (bool, error) {
	return l.award(ref, "topup_bonus", amount)
}

func (l *fakeLoyalty) SpendBonus(ctx context.Context, userID pgtype.UUID, ref string, amount store.Money) (bool, error) {
	if amount <= 0 {
		return false, nil
	}
	return l.award(ref, "bonus_spend", -amount)
}

type fakeVoucher struct{ settles int }

func (v *fakeVoucher) Settle(ctx context.Context, code string, orderID, userID pgtype.UUID, amount int64) error {
	v.settles++
	return nil
}

type fakeCarts struct{ clears int }

func (c *fakeCarts) ClearForOrder(ctx context.Context, order store.Order) error {
	c.clears++
	return nil
}

type fakeWallet struct {
	topup   store.TopupTxn
	applies int
}

func (w *fakeWallet) ApplyTopup(ctx context.Context, topupID pgtype.UUID) (store.TopupTxn, bool, error) {
	w.applies++
	return w.topup, w.applies == 1, nil
}

func newReconciler(f *fakeStore) (*settlement.Reconciler, *fakeLoyalty, *fakeVoucher, *fakeCarts) {
	loyalty := &fakeLoyalty{}
	vouchers := &fakeVoucher{}
	carts := &fakeCarts{}
	r := &settlement.Reconciler{
		Q:                 f,
		Voucher:           vouchers,
		Loyalty:           loyalty,
		Carts:             carts,
		Log:               zerolog.Nop(),
		NewRedemptionCode: func() string { return "ABCD1234" },
	}
	return r, loyalty, vouchers, carts
}

func TestSuccessSettlesOnce(t *testing.T) {
	f := newFakeStore()
	r, loyalty, vouchers, carts := newReconciler(f)

	out := settlement.Outcome{Ref: "PAY-100", Status: settlement.StatusSuccess, Amount: 8_100, ExternalID: "ext-1"}
	res, err := r.Process(context.Background(), out)
	require.NoError(t, err)
	require.True(t, res.Applied)
	require.False(t, res.Duplicate)

	require.Equal(t, store.TxnStatusSuccess, f.txnStatus)
	require.Equal(t, store.OrderStatusReady, f.orderStatus)
	require.Equal(t, "ABCD1234", f.redemptionCode)
	require.Equal(t, 1, carts.clears)
	require.Equal(t, 1, vouchers.settles)
	require.Equal(t, int64(81), loyalty.awards["PAY-100|order_points"])
	require.Equal(t, int64(1), loyalty.awards["PAY-100|order_stamp"])
}

func TestDuplicateDeliveryDoesNotDoubleApply(t *testing.T) {
	f := newFakeStore()
	r, loyalty, _, _ := newReconciler(f)
	out := settlement.Outcome{Ref: "PAY-100", Status: settlement.StatusSuccess, Amount: 8_100}

	_, err := r.Process(context.Background(), out)
	require.NoError(t, err)
	res, err := r.Process(context.Background(), out)
	require.NoError(t, err)

	// The effects re-run on the duplicate, but every guarded write stays
	// single-shot.
	require.True(t, res.Duplicate)
	require.False(t, res.Applied)
	require.Equal(t, 1, f.successFlips)
	require.Equal(t, 1, f.redemptionSets)
	require.Len(t, f.paymentEvents, 1)
	require.Len(t, loyalty.awards, 2)
}

func TestRedeliveryRetriesFailedAward(t *testing.T) {
	f := newFakeStore()
	r, loyalty, _, _ := newReconciler(f)
	loyalty.pointsErr = errors.New("wallet row temporarily locked")
	out := settlement.Outcome{Ref: "PAY-100", Status: settlement.StatusSuccess, Amount: 8_100}

	_, err := r.Process(context.Background(), out)
	require.NoError(t, err)
	require.NotContains(t, loyalty.awards, "PAY-100|order_points")
	require.Equal(t, store.OrderStatusReady, f.orderStatus, "remaining effects still run")

	// The next delivery repairs the award the first one lost.
	res, err := r.Process(context.Background(), out)
	require.NoError(t, err)
	require.True(t, res.Duplicate)
	require.Equal(t, int64(81), loyalty.awards["PAY-100|order_points"])
	require.Equal(t, int64(1), loyalty.awards["PAY-100|order_stamp"])
	require.Equal(t, 1, f.successFlips)
}

func TestMarkerWithoutEffectsStillSettles(t *testing.T) {
	// Crash window: the processed marker committed but nothing else ran.
	f := newFakeStore()
	f.processed["PAY-100"] = true
	r, loyalty, _, _ := newReconciler(f)

	res, err := r.Process(context.Background(), settlement.Outcome{
		Ref: "PAY-100", Status: settlement.StatusSuccess, Amount: 8_100,
	})
	require.NoError(t, err)
	require.True(t, res.Duplicate)
	require.Equal(t, store.TxnStatusSuccess, f.txnStatus)
	require.Equal(t, store.OrderStatusReady, f.orderStatus)
	require.Equal(t, "ABCD1234", f.redemptionCode)
	require.Equal(t, int64(81), loyalty.awards["PAY-100|order_points"])
}

func TestMissingCorrelationRecoveredFromRef(t *testing.T) {
	f := newFakeStore()
	r, _, _, _ := newReconciler(f)

	// Only the reference, no identifier hints.
	out := settlement.Outcome{Ref: "PAY-100", Status: settlement.StatusSuccess}
	res, err := r.Process(context.Background(), out)
	require.NoError(t, err)
	require.True(t, res.Applied)
	require.Positive(t, f.correlationHits)
	require.Equal(t, store.OrderStatusReady, f.orderStatus)
}

func TestFailureCancelsOrder(t *testing.T) {
	f := newFakeStore()
	r, loyalty, _, _ := newReconciler(f)

	out := settlement.Outcome{Ref: "PAY-100", Status: settlement.StatusFailed}
	res, err := r.Process(context.Background(), out)
	require.NoError(t, err)
	require.True(t, res.Applied)

	require.Equal(t, store.TxnStatusFailed, f.txnStatus)
	require.Equal(t, store.OrderStatusCanceled, f.orderStatus)
	require.Equal(t, "payment failed", f.failureReason)
	require.Empty(t, loyalty.awards)
	require.False(t, f.processed["PAY-100"], "failure must not write the processed marker")
}

func TestFailureAfterSuccessIgnored(t *testing.T) {
	f := newFakeStore()
	r, _, _, _ := newReconciler(f)

	_, err := r.Process(context.Background(), settlement.Outcome{Ref: "PAY-100", Status: settlement.StatusSuccess})
	require.NoError(t, err)

	res, err := r.Process(context.Background(), settlement.Outcome{Ref: "PAY-100", Status: settlement.StatusCanceled})
	require.NoError(t, err)
	require.True(t, res.Duplicate)
	require.Equal(t, store.TxnStatusSuccess, f.txnStatus)
	require.Equal(t, store.OrderStatusReady, f.orderStatus)
}

func TestAmountMismatchRejected(t *testing.T) {
	f := newFakeStore()
	r, _, _, _ := newReconciler(f)

	out := settlement.Outcome{Ref: "PAY-100", Status: settlement.StatusSuccess, Amount: 9_999}
	_, err := r.Process(context.Background(), out)
	require.ErrorIs(t, err, settlement.ErrAmountMismatch)
	require.Equal(t, store.TxnStatusProcessing, f.txnStatus)
	require.Equal(t, store.OrderStatusPending, f.orderStatus)
}

func TestUnknownReferenceRejected(t *testing.T) {
	f := newFakeStore()
	r, _, _, _ := newReconciler(f)
	_, err := r.Process(context.Background(), settlement.Outcome{Ref: "PAY-404", Status: settlement.StatusSuccess})
	require.ErrorIs(t, err, settlement.ErrUnknownReference)
}

func TestTopupSettlementAwardsBonusOnce(t *testing.T) {
	f := newFakeStore()
	f.txn.Kind = store.TxnKindWalletTopup
	f.corr.Kind = store.TxnKindWalletTopup
	f.corr.TopupID = pgUUID()
	wallet := &fakeWallet{topup: store.TopupTxn{
		ID: f.corr.TopupID, UserID: f.txn.UserID, Ref: "PAY-100", Amount: 50_000, BonusAmount: 5_000,
	}}
	r, loyalty, _, _ := newReconciler(f)
	r.Wallet = wallet

	out := settlement.Outcome{Ref: "PAY-100", Status: settlement.StatusSuccess, Amount: 8_100}
	_, err := r.Process(context.Background(), out)
	require.NoError(t, err)
	res, err := r.Process(context.Background(), out)
	require.NoError(t, err)

	require.True(t, res.Duplicate)
	require.Equal(t, 2, wallet.applies, "the guarded apply re-runs as a no-op")
	require.Equal(t, int64(5_000), loyalty.awards["PAY-100|topup_bonus"])
}

func TestFailureClosesTopup(t *testing.T) {
	f := newFakeStore()
	f.txn.Kind = store.TxnKindWalletTopup
	f.corr.Kind = store.TxnKindWalletTopup
	f.corr.TopupID = pgUUID()
	r, _, _, _ := newReconciler(f)

	res, err := r.Process(context.Background(), settlement.Outcome{
		Ref: "PAY-100", Status: settlement.StatusCanceled,
	})
	require.NoError(t, err)
	require.True(t, res.Applied)
	require.Equal(t, store.TxnStatusFailed, f.txnStatus)
	require.Equal(t, 1, f.topupCloses, "the pending top-up row must close with the payment")
	require.Equal(t, store.OrderStatusPending, f.orderStatus, "no shop order to cancel")
}

type fakeProber struct{ out settlement.Outcome }

func (p *fakeProber) QueryStatus(ctx context.Context, ref string) (settlement.Outcome, error) {
	out := p.out
	out.Ref = ref
	return out, nil
}

func TestSweepSettlesStaleProcessing(t *testing.T) {
	f := newFakeStore()
	r, _, _, _ := newReconciler(f)
	prober := &fakeProber{out: settlement.Outcome{Status: settlement.StatusSuccess, Amount: 8_100}}

	settled, err := r.Sweep(context.Background(), prober, 15*time.Minute, 100)
	require.NoError(t, err)
	require.Equal(t, 1, settled)
	require.Equal(t, store.TxnStatusSuccess, f.txnStatus)

	// Nothing stale remains on the next pass.
	settled, err = r.Sweep(context.Background(), prober, 15*time.Minute, 100)
	require.NoError(t, err)
	require.Zero(t, settled)
}

func pgUUID() pgtype.UUID {
	return pgtype.UUID{Bytes: uuid.New(), Valid: true}
}
