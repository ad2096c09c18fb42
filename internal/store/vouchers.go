package store

import (
	"context"

	"github.com/jackc/pgx/v5/pgtype"
)

const voucherColumns = `id, code, kind, value, percent_bps, min_purchase, scope,
  max_units_per_use, gift_product_id, product_ids, category_ids,
  subcategory_ids, outlet_ids, used_count, usage_limit, valid_to`

const getVoucherByCodeForUpdate = `
SELECT ` + voucherColumns + ` FROM vouchers WHERE code = $1 FOR UPDATE
`

func (q *Queries) GetVoucherByCodeForUpdate(ctx context.Context, code string) (Voucher, error) {
	return scanVoucher(q.db.QueryRow(ctx, getVoucherByCodeForUpdate, code))
}

const getUserVoucher = `
SELECT id, user_id, voucher_id, used_count, max_uses, status, expires_at
FROM user_vouchers WHERE user_id = $1 AND voucher_id = $2
`

func (q *Queries) GetUserVoucher(ctx context.Context, userID, voucherID pgtype.UUID) (UserVoucher, error) {
	var uv UserVoucher
	err := q.db.QueryRow(ctx, getUserVoucher, userID, voucherID).Scan(
		&uv.ID, &uv.UserID, &uv.VoucherID, &uv.UsedCount, &uv.MaxUses,
		&uv.Status, &uv.ExpiresAt,
	)
	return uv, err
}

const getVoucherUsageByOrder = `
SELECT id, voucher_id, order_id, user_id, amount, created_at
FROM voucher_usages WHERE voucher_id = $1 AND order_id = $2
`

func (q *Queries) GetVoucherUsageByOrder(ctx context.Context, voucherID, orderID pgtype.UUID) (VoucherUsage, error) {
	var u VoucherUsage
	err := q.db.QueryRow(ctx, getVoucherUsageByOrder, voucherID, orderID).Scan(
		&u.ID, &u.VoucherID, &u.OrderID, &u.UserID, &u.Amount, &u.CreatedAt)
	return u, err
}

const insertVoucherUsage = `
INSERT INTO voucher_usages (voucher_id, order_id, user_id, amount)
VALUES ($1,$2,$3,$4)
`

// InsertVoucherUsageParams mirrors the voucher_usages insert columns.
type InsertVoucherUsageParams struct {
	VoucherID pgtype.UUID
	OrderID   pgtype.UUID
	UserID    pgtype.UUID
	Amount    Money
}

func (q *Queries) InsertVoucherUsage(ctx context.Context, arg InsertVoucherUsageParams) error {
	_, err := q.db.Exec(ctx, insertVoucherUsage, arg.VoucherID, arg.OrderID, arg.UserID, arg.Amount)
	return err
}

const increaseVoucherUsedCount = `
UPDATE vouchers SET used_count = used_count + 1 WHERE id = $1
`

func (q *Queries) IncreaseVoucherUsedCount(ctx context.Context, id pgtype.UUID) error {
	_, err := q.db.Exec(ctx, increaseVoucherUsedCount, id)
	return err
}

const increaseUserVoucherUsedCount = `
UPDATE user_vouchers
SET used_count = used_count + 1,
    status = CASE WHEN used_count + 1 >= max_uses THEN 'used' ELSE status END
WHERE id = $1 AND used_count < max_uses
`

// IncreaseUserVoucherUsedCount bumps the per-user counter while preserving
// the used_count <= max_uses invariant.
func (q *Queries) IncreaseUserVoucherUsedCount(ctx context.Context, id pgtype.UUID) (bool, error) {
	tag, err := q.db.Exec(ctx, increaseUserVoucherUsedCount, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

const expireUserVouchers = `
UPDATE user_vouchers SET status = 'expired'
WHERE status = 'active' AND expires_at IS NOT NULL AND expires_at < now()
`

// ExpireUserVouchers sweeps lapsed vouchers so they are no longer selectable.
func (q *Queries) ExpireUserVouchers(ctx context.Context) (int64, error) {
	tag, err := q.db.Exec(ctx, expireUserVouchers)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanVoucher(row interface{ Scan(dest ...any) error }) (Voucher, error) {
	var v Voucher
	err := row.Scan(
		&v.ID, &v.Code, &v.Kind, &v.Value, &v.PercentBps, &v.MinPurchase,
		&v.Scope, &v.MaxUnitsPerUse, &v.GiftProductID, &v.ProductIds,
		&v.CategoryIds, &v.SubcategoryIds, &v.OutletIds, &v.UsedCount,
		&v.UsageLimit, &v.ValidTo,
	)
	return v, err
}
