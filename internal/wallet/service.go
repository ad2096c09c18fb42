package wallet

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/brewpoint/loyalty-engine/internal/store"
)

// ErrInsufficientBalance is returned when a debit would overdraw the
// primary settlement balance.
var ErrInsufficientBalance = errors.New("wallet: insufficient balance")

// Querier captures the database methods required by the wallet service.
type Querier interface {
	GetWallet(ctx context.Context, userID pgtype.UUID) (store.Wallet, error)
	CreditBalance(ctx context.Context, userID pgtype.UUID, amount store.Money) error
	DebitBalance(ctx context.Context, userID pgtype.UUID, amount store.Money) (bool, error)
	GetTopupTxn(ctx context.Context, id pgtype.UUID) (store.TopupTxn, error)
	MarkTopupSuccess(ctx context.Context, id pgtype.UUID) (bool, error)
	GetTierForLifetime(ctx context.Context, lifetime store.Money) (store.Tier, error)
	SetWalletTier(ctx context.Context, userID, tierID pgtype.UUID) error
}

// Service owns the primary balance and the tier threshold progression.
// Only the settlement path calls its mutating methods post-checkout.
type Service struct {
	Q Querier
}

// Get returns the authoritative wallet snapshot for a user.
func (s *Service) Get(ctx context.Context, userID pgtype.UUID) (store.Wallet, error) {
	if s == nil || s.Q == nil {
		return store.Wallet{}, errors.New("wallet service not configured")
	}
	return s.Q.GetWallet(ctx, userID)
}

// ApplyTopup settles a wallet top-up exactly once: the status flip guards
// the credit, so a re-delivered callback finds the transaction already
// successful and applies nothing. Returns the transaction and whether the
// credit was applied by this call.
func (s *Service) ApplyTopup(ctx context.Context, topupID pgtype.UUID) (store.TopupTxn, bool, error) {
	if s == nil || s.Q == nil {
		return store.TopupTxn{}, false, errors.New("wallet service not configured")
	}
	topup, err := s.Q.GetTopupTxn(ctx, topupID)
	if err != nil {
		return store.TopupTxn{}, false, err
	}
	applied, err := s.Q.MarkTopupSuccess(ctx, topup.ID)
	if err != nil {
		return topup, false, err
	}
	if !applied {
		return topup, false, nil
	}
	if err := s.Q.CreditBalance(ctx, topup.UserID, topup.Amount); err != nil {
		return topup, true, err
	}
	if err := s.advanceTier(ctx, topup.UserID); err != nil {
		return topup, true, err
	}
	return topup, true, nil
}

// Debit withdraws from the primary balance for balance-funded orders.
func (s *Service) Debit(ctx context.Context, userID pgtype.UUID, amount store.Money) error {
	if s == nil || s.Q == nil {
		return errors.New("wallet service not configured")
	}
	if amount <= 0 {
		return nil
	}
	ok, err := s.Q.DebitBalance(ctx, userID, amount)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInsufficientBalance
	}
	return nil
}

// advanceTier moves the wallet to the highest tier covered by its lifetime
// top-up total. Tiers only move upward here; demotion is a back-office
// concern outside the settlement path.
func (s *Service) advanceTier(ctx context.Context, userID pgtype.UUID) error {
	w, err := s.Q.GetWallet(ctx, userID)
	if err != nil {
		return err
	}
	tier, err := s.Q.GetTierForLifetime(ctx, w.LifetimeTopup)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		return err
	}
	if store.UUIDEqual(w.TierID, tier.ID) {
		return nil
	}
	return s.Q.SetWalletTier(ctx, userID, tier.ID)
}
