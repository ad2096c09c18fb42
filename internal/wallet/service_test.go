package wallet

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/require"

	"github.com/brewpoint/loyalty-engine/internal/store"
)

type fakeWalletStore struct {
	wallet    store.Wallet
	topup     store.TopupTxn
	tiers     []store.Tier
	tierSet   pgtype.UUID
	succeeded bool
}

func (f *fakeWalletStore) GetWallet(context.Context, pgtype.UUID) (store.Wallet, error) {
	return f.wallet, nil
}

func (f *fakeWalletStore) CreditBalance(_ context.Context, _ pgtype.UUID, amount store.Money) error {
	f.wallet.Balance += amount
	f.wallet.LifetimeTopup += amount
	return nil
}

func (f *fakeWalletStore) DebitBalance(_ context.Context, _ pgtype.UUID, amount store.Money) (bool, error) {
	if f.wallet.Balance < amount {
		return false, nil
	}
	f.wallet.Balance -= amount
	return true, nil
}

func (f *fakeWalletStore) GetTopupTxn(context.Context, pgtype.UUID) (store.TopupTxn, error) {
	return f.topup, nil
}

func (f *fakeWalletStore) MarkTopupSuccess(context.Context, pgtype.UUID) (bool, error) {
	if f.succeeded {
		return false, nil
	}
	f.succeeded = true
	return true, nil
}

func (f *fakeWalletStore) GetTierForLifetime(_ context.Context, lifetime store.Money) (store.Tier, error) {
	var best *store.Tier
	for i := range f.tiers {
		if f.tiers[i].MinLifetimeTopup <= lifetime {
			if best == nil || f.tiers[i].MinLifetimeTopup > best.MinLifetimeTopup {
				best = &f.tiers[i]
			}
		}
	}
	if best == nil {
		return store.Tier{}, pgx.ErrNoRows
	}
	return *best, nil
}

func (f *fakeWalletStore) SetWalletTier(_ context.Context, _ pgtype.UUID, tierID pgtype.UUID) error {
	f.tierSet = tierID
	f.wallet.TierID = tierID
	return nil
}

func TestApplyTopupCreditsOnce(t *testing.T) {
	user := store.NewUUID()
	q := &fakeWalletStore{
		wallet: store.Wallet{UserID: user, Balance: 1_000, LifetimeTopup: 1_000},
		topup:  store.TopupTxn{ID: store.NewUUID(), UserID: user, Amount: 5_000, Status: store.TxnStatusPending},
	}
	svc := &Service{Q: q}
	ctx := context.Background()

	_, applied, err := svc.ApplyTopup(ctx, q.topup.ID)
	require.NoError(t, err)
	require.True(t, applied)
	require.EqualValues(t, 6_000, q.wallet.Balance)

	_, applied, err = svc.ApplyTopup(ctx, q.topup.ID)
	require.NoError(t, err)
	require.False(t, applied, "re-delivery must not credit twice")
	require.EqualValues(t, 6_000, q.wallet.Balance)
}

func TestApplyTopupAdvancesTier(t *testing.T) {
	user := store.NewUUID()
	bronze := store.Tier{ID: store.NewUUID(), Name: "bronze", MinLifetimeTopup: 0}
	gold := store.Tier{ID: store.NewUUID(), Name: "gold", MinLifetimeTopup: 10_000}
	q := &fakeWalletStore{
		wallet: store.Wallet{UserID: user, LifetimeTopup: 8_000, TierID: bronze.ID},
		topup:  store.TopupTxn{ID: store.NewUUID(), UserID: user, Amount: 5_000},
		tiers:  []store.Tier{bronze, gold},
	}
	svc := &Service{Q: q}

	_, applied, err := svc.ApplyTopup(context.Background(), q.topup.ID)
	require.NoError(t, err)
	require.True(t, applied)
	require.True(t, store.UUIDEqual(q.tierSet, gold.ID), "crossing the threshold promotes the wallet")
}

func TestDebitRejectsOverdraw(t *testing.T) {
	user := store.NewUUID()
	q := &fakeWalletStore{wallet: store.Wallet{UserID: user, Balance: 300}}
	svc := &Service{Q: q}
	ctx := context.Background()

	err := svc.Debit(ctx, user, 500)
	require.True(t, errors.Is(err, ErrInsufficientBalance))
	require.EqualValues(t, 300, q.wallet.Balance)

	require.NoError(t, svc.Debit(ctx, user, 300))
	require.EqualValues(t, 0, q.wallet.Balance)
}
