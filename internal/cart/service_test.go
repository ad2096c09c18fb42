package cart

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/require"

	"github.com/brewpoint/loyalty-engine/internal/store"
)

type fakeCartStore struct {
	cart    store.Cart
	items   []store.CartItem
	cleared []pgtype.UUID
}

func (f *fakeCartStore) GetCartByID(context.Context, pgtype.UUID) (store.Cart, error) {
	return f.cart, nil
}

func (f *fakeCartStore) ListCartItems(context.Context, pgtype.UUID) ([]store.CartItem, error) {
	return f.items, nil
}

func (f *fakeCartStore) ClearCart(_ context.Context, cartID pgtype.UUID) error {
	f.cleared = append(f.cleared, cartID)
	return nil
}

func TestSnapshotBuildsEvaluatorLines(t *testing.T) {
	owner := store.NewUUID()
	cartID := store.NewUUID()
	category := store.NewUUID()
	q := &fakeCartStore{
		cart: store.Cart{ID: cartID, UserID: owner},
		items: []store.CartItem{
			{CartID: cartID, ProductID: store.NewUUID(), CategoryID: category, Title: "latte", Qty: 2, UnitPrice: 4_500},
			{CartID: cartID, ProductID: store.NewUUID(), Title: "beans 250g", Qty: 1, UnitPrice: 12_000},
		},
	}
	svc := &Service{Q: q}

	snap, err := svc.Snapshot(context.Background(), cartID, owner)
	require.NoError(t, err)
	require.Len(t, snap.Lines, 2)
	require.Equal(t, 2, snap.Lines[0].Qty)
	require.EqualValues(t, 4_500, snap.Lines[0].UnitPrice)
	require.NotNil(t, snap.Lines[0].CategoryID)
	require.Nil(t, snap.Lines[1].CategoryID)
}

func TestSnapshotRejectsForeignCart(t *testing.T) {
	q := &fakeCartStore{cart: store.Cart{ID: store.NewUUID(), UserID: store.NewUUID()}}
	svc := &Service{Q: q}

	_, err := svc.Snapshot(context.Background(), q.cart.ID, store.NewUUID())
	require.True(t, errors.Is(err, ErrNotOwned))
}

func TestClearForOrderScopesToOrderCart(t *testing.T) {
	q := &fakeCartStore{}
	svc := &Service{Q: q}
	orderCart := store.NewUUID()

	require.NoError(t, svc.ClearForOrder(context.Background(), store.Order{CartID: orderCart}))
	require.Len(t, q.cleared, 1)
	require.True(t, store.UUIDEqual(q.cleared[0], orderCart))

	require.NoError(t, svc.ClearForOrder(context.Background(), store.Order{}))
	require.Len(t, q.cleared, 1, "an order without a cart clears nothing")
}
