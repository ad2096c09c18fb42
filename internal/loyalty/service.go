package loyalty

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/brewpoint/loyalty-engine/internal/store"
)

// Award sources. Together with (userID, ref) they form the natural
// uniqueness key for each ledger row.
const (
	SourceOrderPoints = "order_points"
	SourceOrderStamp  = "order_stamp"
	SourceTopupBonus  = "topup_bonus"
	SourceBonusSpend  = "bonus_spend"
)

// Querier captures the database methods required by the loyalty service.
type Querier interface {
	GetAward(ctx context.Context, arg store.GetAwardParams) (store.Award, error)
	InsertAward(ctx context.Context, arg store.InsertAwardParams) error
	CreditPoints(ctx context.Context, userID pgtype.UUID, points int64) error
	CreditStamps(ctx context.Context, userID pgtype.UUID, stamps int64) error
	CreditBonusBalance(ctx context.Context, userID pgtype.UUID, amount store.Money) error
	DebitBonusBalance(ctx context.Context, userID pgtype.UUID, amount store.Money) (bool, error)
}

// Service maintains the append-only loyalty ledgers. Every operation is
// existence-checked against its (user, ref, source) key, so re-delivery
// converges instead of applying twice.
type Service struct {
	Q Querier
}

// AwardPoints credits loyalty points once per (user, ref).
func (s *Service) AwardPoints(ctx context.Context, userID pgtype.UUID, ref string, points int64) (bool, error) {
	return s.award(ctx, userID, ref, SourceOrderPoints, points, func() error {
		return s.Q.CreditPoints(ctx, userID, points)
	})
}

// AwardStamp credits the recurring stamp currency once per (user, ref).
func (s *Service) AwardStamp(ctx context.Context, userID pgtype.UUID, ref string, stamps int64) (bool, error) {
	return s.award(ctx, userID, ref, SourceOrderStamp, stamps, func() error {
		return s.Q.CreditStamps(ctx, userID, stamps)
	})
}

// AwardTopupBonus credits the spendable bonus balance granted by a top-up
// product, once per (user, ref).
func (s *Service) AwardTopupBonus(ctx context.Context, userID pgtype.UUID, ref string, amount store.Money) (bool, error) {
	return s.award(ctx, userID, ref, SourceTopupBonus, amount, func() error {
		return s.Q.CreditBonusBalance(ctx, userID, amount)
	})
}

// ErrInsufficientBonus is returned when the bonus balance cannot cover the
// discount applied at checkout. The debit is retried on the next delivery.
var ErrInsufficientBonus = errors.New("loyalty: insufficient bonus balance at settlement")

// SpendBonus debits the bonus balance applied at checkout, once per
// (user, ref). The ledger row is written only after the debit lands: a
// shortfall leaves no row, so the next delivery retries the debit instead of
// treating it as spent. The per-reference settlement lock keeps concurrent
// deliveries from racing between the debit and the row.
func (s *Service) SpendBonus(ctx context.Context, userID pgtype.UUID, ref string, amount store.Money) (bool, error) {
	if s == nil || s.Q == nil {
		return false, errors.New("loyalty service not configured")
	}
	if amount <= 0 || !userID.Valid || strings.TrimSpace(ref) == "" {
		return false, nil
	}
	key := store.GetAwardParams{UserID: userID, Ref: ref, Source: SourceBonusSpend}
	if _, err := s.Q.GetAward(ctx, key); err == nil {
		return false, nil
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return false, err
	}
	ok, err := s.Q.DebitBonusBalance(ctx, userID, amount)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, ErrInsufficientBonus
	}
	if err := s.Q.InsertAward(ctx, store.InsertAwardParams{
		UserID: userID,
		Ref:    ref,
		Source: SourceBonusSpend,
		Amount: -amount,
	}); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) award(ctx context.Context, userID pgtype.UUID, ref, source string, amount int64, apply func() error) (bool, error) {
	if s == nil || s.Q == nil {
		return false, errors.New("loyalty service not configured")
	}
	if !userID.Valid || strings.TrimSpace(ref) == "" || amount == 0 {
		return false, nil
	}
	key := store.GetAwardParams{UserID: userID, Ref: ref, Source: source}
	_, err := s.Q.GetAward(ctx, key)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, err
	}
	if err := s.Q.InsertAward(ctx, store.InsertAwardParams{
		UserID: userID,
		Ref:    ref,
		Source: source,
		Amount: amount,
	}); err != nil {
		return false, err
	}
	if err := apply(); err != nil {
		return true, err
	}
	return true, nil
}
