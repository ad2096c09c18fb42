package cart

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/brewpoint/loyalty-engine/internal/discount"
	"github.com/brewpoint/loyalty-engine/internal/store"
)

// ErrNotOwned is returned when a cart does not belong to the requesting user.
var ErrNotOwned = errors.New("cart does not belong to user")

// Querier captures the database methods required by the cart service.
type Querier interface {
	GetCartByID(ctx context.Context, id pgtype.UUID) (store.Cart, error)
	ListCartItems(ctx context.Context, cartID pgtype.UUID) ([]store.CartItem, error)
	ClearCart(ctx context.Context, cartID pgtype.UUID) error
}

// Snapshot is the immutable view of a cart taken at checkout start.
type Snapshot struct {
	Cart  store.Cart
	Items []store.CartItem
	Lines []discount.Line
}

// Service exposes the read side of carts plus the order-scoped clear used by
// settlement. Cart editing lives in the excluded presentation layer.
type Service struct {
	Q Querier
}

// Snapshot loads the cart, verifies ownership and converts its items into
// evaluator lines preserving cart order.
func (s *Service) Snapshot(ctx context.Context, cartID, userID pgtype.UUID) (Snapshot, error) {
	if s == nil || s.Q == nil {
		return Snapshot{}, errors.New("cart service not configured")
	}
	c, err := s.Q.GetCartByID(ctx, cartID)
	if err != nil {
		return Snapshot{}, err
	}
	if c.UserID.Valid && !store.UUIDEqual(c.UserID, userID) {
		return Snapshot{}, ErrNotOwned
	}
	items, err := s.Q.ListCartItems(ctx, cartID)
	if err != nil {
		return Snapshot{}, err
	}
	lines := make([]discount.Line, 0, len(items))
	for _, it := range items {
		ln := discount.Line{
			ProductID: uuid.UUID(it.ProductID.Bytes),
			Qty:       int(it.Qty),
			UnitPrice: it.UnitPrice,
		}
		if it.CategoryID.Valid {
			cat := uuid.UUID(it.CategoryID.Bytes)
			ln.CategoryID = &cat
		}
		if it.SubcategoryID.Valid {
			sub := uuid.UUID(it.SubcategoryID.Bytes)
			ln.SubcategoryID = &sub
		}
		lines = append(lines, ln)
	}
	return Snapshot{Cart: c, Items: items, Lines: lines}, nil
}

// ClearForOrder empties the cart an order was assembled from. The scope to a
// single cart id keeps a cart built for the next purchase intact.
func (s *Service) ClearForOrder(ctx context.Context, order store.Order) error {
	if s == nil || s.Q == nil {
		return errors.New("cart service not configured")
	}
	if !order.CartID.Valid {
		return nil
	}
	return s.Q.ClearCart(ctx, order.CartID)
}
