package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

const createPaymentTxn = `
INSERT INTO payment_txns (order_id, user_id, ref, kind, amount, status)
VALUES ($1,$2,$3,$4,$5,$6)
RETURNING id, order_id, user_id, ref, kind, amount, status, external_id,
  payload, redirect_url, failure_reason, created_at, updated_at
`

// CreatePaymentTxnParams mirrors the payment_txns insert columns.
type CreatePaymentTxnParams struct {
	OrderID pgtype.UUID
	UserID  pgtype.UUID
	Ref     string
	Kind    TxnKind
	Amount  Money
	Status  TxnStatus
}

func (q *Queries) CreatePaymentTxn(ctx context.Context, arg CreatePaymentTxnParams) (PaymentTxn, error) {
	row := q.db.QueryRow(ctx, createPaymentTxn,
		arg.OrderID, arg.UserID, arg.Ref, arg.Kind, arg.Amount, arg.Status)
	return scanPaymentTxn(row)
}

const getPaymentTxnByRef = `
SELECT id, order_id, user_id, ref, kind, amount, status, external_id,
  payload, redirect_url, failure_reason, created_at, updated_at
FROM payment_txns WHERE ref = $1
`

func (q *Queries) GetPaymentTxnByRef(ctx context.Context, ref string) (PaymentTxn, error) {
	return scanPaymentTxn(q.db.QueryRow(ctx, getPaymentTxnByRef, ref))
}

const getLatestPaymentTxnByOrder = `
SELECT id, order_id, user_id, ref, kind, amount, status, external_id,
  payload, redirect_url, failure_reason, created_at, updated_at
FROM payment_txns WHERE order_id = $1 ORDER BY created_at DESC LIMIT 1
`

func (q *Queries) GetLatestPaymentTxnByOrder(ctx context.Context, orderID pgtype.UUID) (PaymentTxn, error) {
	return scanPaymentTxn(q.db.QueryRow(ctx, getLatestPaymentTxnByOrder, orderID))
}

const markTxnProcessing = `
UPDATE payment_txns SET status = 'PROCESSING', redirect_url = $2, payload = $3, updated_at = now()
WHERE id = $1 AND status = 'PENDING'
`

func (q *Queries) MarkTxnProcessing(ctx context.Context, id pgtype.UUID, redirectURL pgtype.Text, payload []byte) error {
	_, err := q.db.Exec(ctx, markTxnProcessing, id, redirectURL, payload)
	return err
}

const markTxnSuccess = `
UPDATE payment_txns SET status = 'SUCCESS', external_id = $2, updated_at = now()
WHERE id = $1 AND status <> 'SUCCESS'
`

// MarkTxnSuccess transitions the transaction to its terminal success state.
// Returns false when a prior attempt already settled it.
func (q *Queries) MarkTxnSuccess(ctx context.Context, id pgtype.UUID, externalID pgtype.Text) (bool, error) {
	tag, err := q.db.Exec(ctx, markTxnSuccess, id, externalID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

const markTxnFailed = `
UPDATE payment_txns SET status = 'FAILED', failure_reason = $2, updated_at = now()
WHERE id = $1 AND status NOT IN ('SUCCESS','FAILED')
`

func (q *Queries) MarkTxnFailed(ctx context.Context, id pgtype.UUID, reason pgtype.Text) error {
	_, err := q.db.Exec(ctx, markTxnFailed, id, reason)
	return err
}

const insertPaymentEvent = `
INSERT INTO payment_events (txn_id, status, payload) VALUES ($1,$2,$3)
`

// InsertPaymentEvent appends a status transition to the audit trail.
func (q *Queries) InsertPaymentEvent(ctx context.Context, txnID pgtype.UUID, status TxnStatus, payload []byte) error {
	_, err := q.db.Exec(ctx, insertPaymentEvent, txnID, status, payload)
	return err
}

const getCorrelationByRef = `
SELECT p.order_id, p.user_id, COALESCE(t.id, '00000000-0000-0000-0000-000000000000'::uuid), t.id IS NOT NULL, p.kind
FROM payment_txns p
LEFT JOIN topup_txns t ON t.ref = p.ref
WHERE p.ref = $1
`

// GetCorrelationByRef recovers the internal identifiers for a gateway ref
// when the callback payload omits them.
func (q *Queries) GetCorrelationByRef(ctx context.Context, ref string) (Correlation, error) {
	var (
		c        Correlation
		topupID  pgtype.UUID
		hasTopup bool
	)
	err := q.db.QueryRow(ctx, getCorrelationByRef, ref).Scan(&c.OrderID, &c.UserID, &topupID, &hasTopup, &c.Kind)
	if err != nil {
		return Correlation{}, err
	}
	if hasTopup {
		c.TopupID = topupID
	}
	return c, nil
}

const tryMarkProcessed = `
INSERT INTO processed_callbacks (ref, processed_at) VALUES ($1, now())
ON CONFLICT (ref) DO NOTHING
`

// TryMarkProcessed records the durable "payment already processed" marker.
// Returns false when the marker already existed.
func (q *Queries) TryMarkProcessed(ctx context.Context, ref string) (bool, error) {
	tag, err := q.db.Exec(ctx, tryMarkProcessed, ref)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

const listStaleProcessingTxns = `
SELECT id, order_id, user_id, ref, kind, amount, status, external_id,
  payload, redirect_url, failure_reason, created_at, updated_at
FROM payment_txns
WHERE status = 'PROCESSING' AND updated_at < $1
ORDER BY updated_at
LIMIT $2
`

// ListStaleProcessingTxns feeds the reconciliation sweep.
func (q *Queries) ListStaleProcessingTxns(ctx context.Context, before time.Time, limit int32) ([]PaymentTxn, error) {
	rows, err := q.db.Query(ctx, listStaleProcessingTxns, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var txns []PaymentTxn
	for rows.Next() {
		txn, err := scanPaymentTxn(rows)
		if err != nil {
			return nil, err
		}
		txns = append(txns, txn)
	}
	return txns, rows.Err()
}

func scanPaymentTxn(row interface{ Scan(dest ...any) error }) (PaymentTxn, error) {
	var t PaymentTxn
	err := row.Scan(
		&t.ID, &t.OrderID, &t.UserID, &t.Ref, &t.Kind, &t.Amount, &t.Status,
		&t.ExternalID, &t.Payload, &t.RedirectUrl, &t.FailureReason,
		&t.CreatedAt, &t.UpdatedAt,
	)
	return t, err
}
