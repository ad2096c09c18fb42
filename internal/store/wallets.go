package store

import (
	"context"

	"github.com/jackc/pgx/v5/pgtype"
)

const getWallet = `
SELECT user_id, balance, bonus_balance, points, stamps, lifetime_topup, tier_id
FROM wallets WHERE user_id = $1
`

func (q *Queries) GetWallet(ctx context.Context, userID pgtype.UUID) (Wallet, error) {
	var w Wallet
	err := q.db.QueryRow(ctx, getWallet, userID).Scan(
		&w.UserID, &w.Balance, &w.BonusBalance, &w.Points, &w.Stamps,
		&w.LifetimeTopup, &w.TierID,
	)
	return w, err
}

const creditBalance = `
UPDATE wallets SET balance = balance + $2, lifetime_topup = lifetime_topup + $2, updated_at = now()
WHERE user_id = $1
`

// CreditBalance adds funds to the primary settlement balance. Top-ups also
// advance the lifetime counter that drives tier thresholds.
func (q *Queries) CreditBalance(ctx context.Context, userID pgtype.UUID, amount Money) error {
	_, err := q.db.Exec(ctx, creditBalance, userID, amount)
	return err
}

const debitBalance = `
UPDATE wallets SET balance = balance - $2, updated_at = now()
WHERE user_id = $1 AND balance >= $2
`

// DebitBalance withdraws from the primary balance, refusing overdraw.
func (q *Queries) DebitBalance(ctx context.Context, userID pgtype.UUID, amount Money) (bool, error) {
	tag, err := q.db.Exec(ctx, debitBalance, userID, amount)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

const creditBonusBalance = `
UPDATE wallets SET bonus_balance = bonus_balance + $2, updated_at = now()
WHERE user_id = $1
`

func (q *Queries) CreditBonusBalance(ctx context.Context, userID pgtype.UUID, amount Money) error {
	_, err := q.db.Exec(ctx, creditBonusBalance, userID, amount)
	return err
}

const debitBonusBalance = `
UPDATE wallets SET bonus_balance = bonus_balance - $2, updated_at = now()
WHERE user_id = $1 AND bonus_balance >= $2
`

func (q *Queries) DebitBonusBalance(ctx context.Context, userID pgtype.UUID, amount Money) (bool, error) {
	tag, err := q.db.Exec(ctx, debitBonusBalance, userID, amount)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

const creditPoints = `
UPDATE wallets SET points = points + $2, updated_at = now() WHERE user_id = $1
`

func (q *Queries) CreditPoints(ctx context.Context, userID pgtype.UUID, points int64) error {
	_, err := q.db.Exec(ctx, creditPoints, userID, points)
	return err
}

const creditStamps = `
UPDATE wallets SET stamps = stamps + $2, updated_at = now() WHERE user_id = $1
`

func (q *Queries) CreditStamps(ctx context.Context, userID pgtype.UUID, stamps int64) error {
	_, err := q.db.Exec(ctx, creditStamps, userID, stamps)
	return err
}

const setWalletTier = `
UPDATE wallets SET tier_id = $2, updated_at = now() WHERE user_id = $1
`

func (q *Queries) SetWalletTier(ctx context.Context, userID, tierID pgtype.UUID) error {
	_, err := q.db.Exec(ctx, setWalletTier, userID, tierID)
	return err
}

const getTierByID = `
SELECT id, name, discount_bps, stars_multiplier, min_lifetime_topup
FROM tiers WHERE id = $1
`

func (q *Queries) GetTierByID(ctx context.Context, id pgtype.UUID) (Tier, error) {
	var t Tier
	err := q.db.QueryRow(ctx, getTierByID, id).Scan(
		&t.ID, &t.Name, &t.DiscountBps, &t.StarsMultiplier, &t.MinLifetimeTopup)
	return t, err
}

const getTierForLifetime = `
SELECT id, name, discount_bps, stars_multiplier, min_lifetime_topup
FROM tiers WHERE min_lifetime_topup <= $1
ORDER BY min_lifetime_topup DESC LIMIT 1
`

// GetTierForLifetime resolves the highest tier whose threshold is covered by
// the accumulated top-up total.
func (q *Queries) GetTierForLifetime(ctx context.Context, lifetime Money) (Tier, error) {
	var t Tier
	err := q.db.QueryRow(ctx, getTierForLifetime, lifetime).Scan(
		&t.ID, &t.Name, &t.DiscountBps, &t.StarsMultiplier, &t.MinLifetimeTopup)
	return t, err
}

const createTopupTxn = `
INSERT INTO topup_txns (user_id, order_id, ref, amount, bonus_amount, status)
VALUES ($1,$2,$3,$4,$5,$6)
RETURNING id, user_id, order_id, ref, amount, bonus_amount, status, created_at
`

// CreateTopupTxnParams mirrors the topup_txns insert columns.
type CreateTopupTxnParams struct {
	UserID      pgtype.UUID
	OrderID     pgtype.UUID
	Ref         string
	Amount      Money
	BonusAmount Money
	Status      TxnStatus
}

func (q *Queries) CreateTopupTxn(ctx context.Context, arg CreateTopupTxnParams) (TopupTxn, error) {
	row := q.db.QueryRow(ctx, createTopupTxn,
		arg.UserID, arg.OrderID, arg.Ref, arg.Amount, arg.BonusAmount, arg.Status)
	return scanTopupTxn(row)
}

const getTopupTxn = `
SELECT id, user_id, order_id, ref, amount, bonus_amount, status, created_at
FROM topup_txns WHERE id = $1
`

func (q *Queries) GetTopupTxn(ctx context.Context, id pgtype.UUID) (TopupTxn, error) {
	return scanTopupTxn(q.db.QueryRow(ctx, getTopupTxn, id))
}

const markTopupSuccess = `
UPDATE topup_txns SET status = 'SUCCESS', updated_at = now()
WHERE id = $1 AND status <> 'SUCCESS'
`

// MarkTopupSuccess guards the balance credit: false means a prior attempt
// already applied it.
func (q *Queries) MarkTopupSuccess(ctx context.Context, id pgtype.UUID) (bool, error) {
	tag, err := q.db.Exec(ctx, markTopupSuccess, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

const markTopupFailed = `
UPDATE topup_txns SET status = 'FAILED', updated_at = now()
WHERE id = $1 AND status NOT IN ('SUCCESS', 'FAILED')
`

// MarkTopupFailed closes a pending top-up whose payment terminated without
// success. A top-up that already settled is never demoted.
func (q *Queries) MarkTopupFailed(ctx context.Context, id pgtype.UUID) (bool, error) {
	tag, err := q.db.Exec(ctx, markTopupFailed, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func scanTopupTxn(row interface{ Scan(dest ...any) error }) (TopupTxn, error) {
	var t TopupTxn
	err := row.Scan(&t.ID, &t.UserID, &t.OrderID, &t.Ref, &t.Amount,
		&t.BonusAmount, &t.Status, &t.CreatedAt)
	return t, err
}
