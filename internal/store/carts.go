package store

import (
	"context"

	"github.com/jackc/pgx/v5/pgtype"
)

const getCartByID = `
SELECT id, user_id, created_at FROM carts WHERE id = $1
`

func (q *Queries) GetCartByID(ctx context.Context, id pgtype.UUID) (Cart, error) {
	var c Cart
	err := q.db.QueryRow(ctx, getCartByID, id).Scan(&c.ID, &c.UserID, &c.CreatedAt)
	return c, err
}

const listCartItems = `
SELECT id, cart_id, product_id, category_id, subcategory_id, title, qty,
  unit_price, product_kind, bonus_amount
FROM cart_items WHERE cart_id = $1 ORDER BY created_at
`

func (q *Queries) ListCartItems(ctx context.Context, cartID pgtype.UUID) ([]CartItem, error) {
	rows, err := q.db.Query(ctx, listCartItems, cartID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []CartItem
	for rows.Next() {
		var it CartItem
		if err := rows.Scan(
			&it.ID, &it.CartID, &it.ProductID, &it.CategoryID, &it.SubcategoryID,
			&it.Title, &it.Qty, &it.UnitPrice, &it.ProductKind, &it.BonusAmount,
		); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

const clearCart = `
DELETE FROM cart_items WHERE cart_id = $1
`

// ClearCart removes all lines of a single cart. Callers scope this to the
// cart snapshotted by a specific order so a cart built for the next purchase
// is never wiped.
func (q *Queries) ClearCart(ctx context.Context, cartID pgtype.UUID) error {
	_, err := q.db.Exec(ctx, clearCart, cartID)
	return err
}

const insertDomainEvent = `
INSERT INTO domain_events (topic, aggregate_id, payload)
VALUES ($1,$2,$3)
RETURNING id, topic, aggregate_id, payload, occurred_at
`

// InsertDomainEventParams mirrors the domain_events insert columns.
type InsertDomainEventParams struct {
	Topic       string
	AggregateID pgtype.UUID
	Payload     []byte
}

func (q *Queries) InsertDomainEvent(ctx context.Context, arg InsertDomainEventParams) (DomainEvent, error) {
	var ev DomainEvent
	err := q.db.QueryRow(ctx, insertDomainEvent, arg.Topic, arg.AggregateID, arg.Payload).Scan(
		&ev.ID, &ev.Topic, &ev.AggregateID, &ev.Payload, &ev.OccurredAt)
	return ev, err
}
