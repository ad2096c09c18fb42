package store

import (
	"github.com/jackc/pgx/v5/pgtype"
)

// Money is a monetary amount in minor units (cents).
type Money = int64

// OrderStatus enumerates the order lifecycle.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusReady     OrderStatus = "READY"
	OrderStatusCompleted OrderStatus = "COMPLETED"
	OrderStatusCanceled  OrderStatus = "CANCELED"
)

// TxnStatus enumerates the payment transaction lifecycle.
type TxnStatus string

const (
	TxnStatusPending    TxnStatus = "PENDING"
	TxnStatusProcessing TxnStatus = "PROCESSING"
	TxnStatusSuccess    TxnStatus = "SUCCESS"
	TxnStatusFailed     TxnStatus = "FAILED"
)

// TxnKind distinguishes what a payment transaction settles.
type TxnKind string

const (
	TxnKindShopOrder   TxnKind = "shop_order"
	TxnKindWalletTopup TxnKind = "wallet_topup"
	TxnKindGacha       TxnKind = "gacha"
)

// VoucherStatus enumerates user-held voucher states.
type VoucherStatus string

const (
	VoucherStatusActive  VoucherStatus = "active"
	VoucherStatusUsed    VoucherStatus = "used"
	VoucherStatusExpired VoucherStatus = "expired"
)

// Order is the persisted immutable order record. After checkout only the
// settlement path transitions its status fields.
type Order struct {
	ID              pgtype.UUID
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
	RedemptionCode  pgtype.Text
	FailureReason   pgtype.Text
	CreatedAt       pgtype.Timestamptz
	UpdatedAt       pgtype.Timestamptz
}

// OrderItem carries the per-line discount provenance recorded at checkout.
type OrderItem struct {
	ID            pgtype.UUID
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

// PaymentTxn correlates an order with the external gateway via Ref.
type PaymentTxn struct {
	ID            pgtype.UUID
	OrderID       pgtype.UUID
	UserID        pgtype.UUID
	Ref           string
	Kind          TxnKind
	Amount        Money
	Status        TxnStatus
	ExternalID    pgtype.Text
	Payload       []byte
	RedirectUrl   pgtype.Text
	FailureReason pgtype.Text
	CreatedAt     pgtype.Timestamptz
	UpdatedAt     pgtype.Timestamptz
}

// TopupTxn drives balance and tier mutation when an "add funds" product
// settles.
type TopupTxn struct {
	ID          pgtype.UUID
	UserID      pgtype.UUID
	OrderID     pgtype.UUID
	Ref         string
	Amount      Money
	BonusAmount Money
	Status      TxnStatus
	CreatedAt   pgtype.Timestamptz
}

// Wallet holds the primary settlement balance, the spendable bonus balance
// and the loyalty counters for one user.
type Wallet struct {
	UserID        pgtype.UUID
	Balance       Money
	BonusBalance  Money
	Points        int64
	Stamps        int64
	LifetimeTopup Money
	TierID        pgtype.UUID
}

// Tier is read-only reference data resolved once per checkout.
type Tier struct {
	ID               pgtype.UUID
	Name             string
	DiscountBps      int32
	StarsMultiplier  int32
	MinLifetimeTopup Money
}

// Voucher is the shared voucher definition.
type Voucher struct {
	ID             pgtype.UUID
	Code           string
	Kind           string
	Value          Money
	PercentBps     pgtype.Int4
	MinPurchase    Money
	Scope          string
	MaxUnitsPerUse pgtype.Int4
	GiftProductID  pgtype.UUID
	ProductIds     []pgtype.UUID
	CategoryIds    []pgtype.UUID
	SubcategoryIds []pgtype.UUID
	OutletIds      []pgtype.UUID
	UsedCount      int32
	UsageLimit     pgtype.Int4
	ValidTo        pgtype.Timestamptz
}

// UserVoucher wraps a Voucher with per-user counters and expiry.
type UserVoucher struct {
	ID        pgtype.UUID
	UserID    pgtype.UUID
	VoucherID pgtype.UUID
	UsedCount int32
	MaxUses   int32
	Status    VoucherStatus
	ExpiresAt pgtype.Timestamptz
}

// VoucherUsage is one redemption ledger row, unique per (voucher, order).
type VoucherUsage struct {
	ID        pgtype.UUID
	VoucherID pgtype.UUID
	OrderID   pgtype.UUID
	UserID    pgtype.UUID
	Amount    Money
	CreatedAt pgtype.Timestamptz
}

// Award is one loyalty ledger row, unique per (user, ref, source).
type Award struct {
	ID        pgtype.UUID
	UserID    pgtype.UUID
	Ref       string
	Source    string
	Amount    int64
	CreatedAt pgtype.Timestamptz
}

// Cart rows are immutable snapshots taken at checkout start.
type Cart struct {
	ID        pgtype.UUID
	UserID    pgtype.UUID
	CreatedAt pgtype.Timestamptz
}

// CartItem is one cart line.
type CartItem struct {
	ID            pgtype.UUID
	CartID        pgtype.UUID
	ProductID     pgtype.UUID
	CategoryID    pgtype.UUID
	SubcategoryID pgtype.UUID
	Title         string
	Qty           int32
	UnitPrice     Money
	ProductKind   string
	BonusAmount   Money
}

// DomainEvent is a persisted settlement notification.
type DomainEvent struct {
	ID          pgtype.UUID
	Topic       string
	AggregateID pgtype.UUID
	Payload     []byte
	OccurredAt  pgtype.Timestamptz
}

// Correlation is the set of identifiers recovered from a payment ref when a
// callback arrives without them.
type Correlation struct {
	OrderID pgtype.UUID
	UserID  pgtype.UUID
	TopupID pgtype.UUID
	Kind    TxnKind
}
