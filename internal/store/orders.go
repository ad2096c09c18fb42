package store

import (
	"context"

	"github.com/jackc/pgx/v5/pgtype"
)

const createOrder = `
INSERT INTO orders (
  user_id, cart_id, outlet_id, order_number, status, payment_status,
  payment_method, subtotal, tier_discount, voucher_discount, bonus_discount,
  total_payable, earned_points, voucher_code
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
RETURNING id, user_id, cart_id, outlet_id, order_number, status, payment_status,
  payment_method, subtotal, tier_discount, voucher_discount, bonus_discount,
  total_payable, earned_points, voucher_code, redemption_code, failure_reason, created_at, updated_at
`

// CreateOrderParams mirrors the orders insert columns.
type CreateOrderParams struct {
	UserID          pgtype.UUID
	CartID          pgtype.UUID
	OutletID        pgtype.UUID
	OrderNumber     string
	Status          OrderStatus
	PaymentStatus   TxnStatus
	PaymentMethod   string
	Subtotal        Money
	TierDiscount    Money
	VoucherDiscount Money
	BonusDiscount   Money
	TotalPayable    Money
	EarnedPoints    int64
	VoucherCode     pgtype.Text
}

func (q *Queries) CreateOrder(ctx context.Context, arg CreateOrderParams) (Order, error) {
	row := q.db.QueryRow(ctx, createOrder,
		arg.UserID, arg.CartID, arg.OutletID, arg.OrderNumber, arg.Status,
		arg.PaymentStatus, arg.PaymentMethod, arg.Subtotal, arg.TierDiscount,
		arg.VoucherDiscount, arg.BonusDiscount, arg.TotalPayable,
		arg.EarnedPoints, arg.VoucherCode,
	)
	return scanOrder(row)
}

const getOrderByID = `
SELECT id, user_id, cart_id, outlet_id, order_number, status, payment_status,
  payment_method, subtotal, tier_discount, voucher_discount, bonus_discount,
  total_payable, earned_points, voucher_code, redemption_code, failure_reason, created_at, updated_at
FROM orders WHERE id = $1
`

func (q *Queries) GetOrderByID(ctx context.Context, id pgtype.UUID) (Order, error) {
	return scanOrder(q.db.QueryRow(ctx, getOrderByID, id))
}

const updateOrderStatus = `
UPDATE orders SET status = $2, payment_status = $3, failure_reason = $4, updated_at = now()
WHERE id = $1
`

// UpdateOrderStatusParams carries a status transition.
type UpdateOrderStatusParams struct {
	ID            pgtype.UUID
	Status        OrderStatus
	PaymentStatus TxnStatus
	FailureReason pgtype.Text
}

func (q *Queries) UpdateOrderStatus(ctx context.Context, arg UpdateOrderStatusParams) error {
	_, err := q.db.Exec(ctx, updateOrderStatus, arg.ID, arg.Status, arg.PaymentStatus, arg.FailureReason)
	return err
}

const setRedemptionCode = `
UPDATE orders SET redemption_code = $2, updated_at = now()
WHERE id = $1 AND redemption_code IS NULL
`

// SetRedemptionCodeIfAbsent writes the code only when none exists yet so
// re-delivery reuses the original code.
func (q *Queries) SetRedemptionCodeIfAbsent(ctx context.Context, id pgtype.UUID, code string) error {
	_, err := q.db.Exec(ctx, setRedemptionCode, id, code)
	return err
}

const createOrderItem = `
INSERT INTO order_items (
  order_id, product_id, category_id, subcategory_id, title, qty, unit_price,
  subtotal, tier_amount, voucher_amount, discounted_qty, total
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
`

// CreateOrderItemParams mirrors the order_items insert columns.
type CreateOrderItemParams struct {
	OrderID       pgtype.UUID
	ProductID     pgtype.UUID
	CategoryID    pgtype.UUID
	SubcategoryID pgtype.UUID
	Title         string
	Qty           int32
	UnitPrice     Money
	Subtotal      Money
	TierAmount    Money
	VoucherAmount Money
	DiscountedQty int32
	Total         Money
}

func (q *Queries) CreateOrderItem(ctx context.Context, arg CreateOrderItemParams) error {
	_, err := q.db.Exec(ctx, createOrderItem,
		arg.OrderID, arg.ProductID, arg.CategoryID, arg.SubcategoryID, arg.Title,
		arg.Qty, arg.UnitPrice, arg.Subtotal, arg.TierAmount, arg.VoucherAmount,
		arg.DiscountedQty, arg.Total,
	)
	return err
}

const listOrderItems = `
SELECT id, order_id, product_id, category_id, subcategory_id, title, qty,
  unit_price, subtotal, tier_amount, voucher_amount, discounted_qty, total
FROM order_items WHERE order_id = $1 ORDER BY created_at
`

func (q *Queries) ListOrderItems(ctx context.Context, orderID pgtype.UUID) ([]OrderItem, error) {
	rows, err := q.db.Query(ctx, listOrderItems, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []OrderItem
	for rows.Next() {
		var it OrderItem
		if err := rows.Scan(
			&it.ID, &it.OrderID, &it.ProductID, &it.CategoryID, &it.SubcategoryID,
			&it.Title, &it.Qty, &it.UnitPrice, &it.Subtotal, &it.TierAmount,
			&it.VoucherAmount, &it.DiscountedQty, &it.Total,
		); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func scanOrder(row interface{ Scan(dest ...any) error }) (Order, error) {
	var o Order
	err := row.Scan(
		&o.ID, &o.UserID, &o.CartID, &o.OutletID, &o.OrderNumber, &o.Status,
		&o.PaymentStatus, &o.PaymentMethod, &o.Subtotal, &o.TierDiscount,
		&o.VoucherDiscount, &o.BonusDiscount, &o.TotalPayable, &o.EarnedPoints,
		&o.VoucherCode, &o.RedemptionCode, &o.FailureReason, &o.CreatedAt, &o.UpdatedAt,
	)
	return o, err
}
