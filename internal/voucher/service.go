package voucher

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/brewpoint/loyalty-engine/internal/discount"
	"github.com/brewpoint/loyalty-engine/internal/store"
)

var (
	// ErrNotEligible is returned when the voucher cannot be applied to the provided context.
	ErrNotEligible = errors.New("voucher not eligible")
	// ErrUsageLimitReached indicates the voucher has exhausted the global usage quota.
	ErrUsageLimitReached = errors.New("voucher usage limit reached")
	// ErrPerUserLimitReached indicates the caller has exceeded the per-user allowance.
	ErrPerUserLimitReached = errors.New("voucher per-user usage limit reached")
	// ErrVoucherExpired is returned when the voucher has already expired.
	ErrVoucherExpired = errors.New("voucher expired")
)

// Querier captures the database methods required by the voucher service.
type Querier interface {
	GetVoucherByCodeForUpdate(ctx context.Context, code string) (store.Voucher, error)
	GetUserVoucher(ctx context.Context, userID, voucherID pgtype.UUID) (store.UserVoucher, error)
	GetVoucherUsageByOrder(ctx context.Context, voucherID, orderID pgtype.UUID) (store.VoucherUsage, error)
	InsertVoucherUsage(ctx context.Context, arg store.InsertVoucherUsageParams) error
	IncreaseVoucherUsedCount(ctx context.Context, id pgtype.UUID) error
	IncreaseUserVoucherUsedCount(ctx context.Context, id pgtype.UUID) (bool, error)
}

// Service encapsulates voucher selectability checks and settlement.
type Service struct {
	Q   Querier
	Now func() time.Time
}

// Resolve validates that the user may apply the voucher right now and
// returns the evaluation rule for the discount engine. No state is mutated;
// usage is only recorded at settlement.
func (s *Service) Resolve(ctx context.Context, code string, userID pgtype.UUID) (discount.Voucher, error) {
	if s == nil || s.Q == nil {
		return discount.Voucher{}, errors.New("voucher service not configured")
	}
	trimmed := strings.TrimSpace(code)
	if trimmed == "" {
		return discount.Voucher{}, ErrNotEligible
	}
	v, err := s.Q.GetVoucherByCodeForUpdate(ctx, trimmed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return discount.Voucher{}, ErrNotEligible
		}
		return discount.Voucher{}, err
	}
	now := s.now()
	if v.ValidTo.Valid && now.After(v.ValidTo.Time) {
		return discount.Voucher{}, ErrVoucherExpired
	}
	if v.UsageLimit.Valid && v.UsageLimit.Int32 >= 0 && v.UsedCount >= v.UsageLimit.Int32 {
		return discount.Voucher{}, ErrUsageLimitReached
	}
	held, err := s.Q.GetUserVoucher(ctx, userID, v.ID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return discount.Voucher{}, ErrNotEligible
		}
		return discount.Voucher{}, err
	}
	if held.Status == store.VoucherStatusExpired || (held.ExpiresAt.Valid && now.After(held.ExpiresAt.Time)) {
		return discount.Voucher{}, ErrVoucherExpired
	}
	if held.Status == store.VoucherStatusUsed || (held.MaxUses > 0 && held.UsedCount >= held.MaxUses) {
		return discount.Voucher{}, ErrPerUserLimitReached
	}
	return RuleFromModel(v), nil
}

// Settle records voucher usage at order payment time ensuring idempotency.
// Re-delivery of a settled order is a no-op.
func (s *Service) Settle(ctx context.Context, code string, orderID, userID pgtype.UUID, amount int64) error {
	if s == nil || s.Q == nil {
		return errors.New("voucher service not configured")
	}
	if strings.TrimSpace(code) == "" || !orderID.Valid {
		return nil
	}
	v, err := s.Q.GetVoucherByCodeForUpdate(ctx, code)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		return err
	}
	if amount < 0 {
		amount = 0
	}
	_, err = s.Q.GetVoucherUsageByOrder(ctx, v.ID, orderID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	if err := s.Q.InsertVoucherUsage(ctx, store.InsertVoucherUsageParams{
		VoucherID: v.ID,
		OrderID:   orderID,
		UserID:    userID,
		Amount:    amount,
	}); err != nil {
		return err
	}
	_ = s.Q.IncreaseVoucherUsedCount(ctx, v.ID)
	if userID.Valid {
		if held, err := s.Q.GetUserVoucher(ctx, userID, v.ID); err == nil {
			_, _ = s.Q.IncreaseUserVoucherUsedCount(ctx, held.ID)
		}
	}
	return nil
}

func (s *Service) now() time.Time {
	if s != nil && s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// RuleFromModel converts the stored voucher into the evaluation rule.
func RuleFromModel(v store.Voucher) discount.Voucher {
	rule := discount.Voucher{
		Code:        v.Code,
		Kind:        discount.VoucherKind(v.Kind),
		Value:       v.Value,
		MinPurchase: v.MinPurchase,
		Scope:       discount.Scope(v.Scope),
	}
	if v.PercentBps.Valid {
		rule.PercentBps = v.PercentBps.Int32
	}
	if v.MaxUnitsPerUse.Valid {
		rule.MaxUnitsPerUse = int(v.MaxUnitsPerUse.Int32)
	}
	if v.GiftProductID.Valid {
		gift := uuid.UUID(v.GiftProductID.Bytes)
		rule.GiftProductID = &gift
	}
	rule.ProductIDs = toUUIDSlice(v.ProductIds)
	rule.CategoryIDs = toUUIDSlice(v.CategoryIds)
	rule.SubcategoryIDs = toUUIDSlice(v.SubcategoryIds)
	if len(v.OutletIds) > 0 {
		rule.OutletRestricted = true
		rule.OutletIDs = toUUIDSlice(v.OutletIds)
	}
	return rule
}

func toUUIDSlice(values []pgtype.UUID) []uuid.UUID {
	if len(values) == 0 {
		return nil
	}
	out := make([]uuid.UUID, 0, len(values))
	for _, v := range values {
		if v.Valid {
			out = append(out, uuid.UUID(v.Bytes))
		}
	}
	return out
}
