package discount

import (
	"github.com/google/uuid"
)

// VoucherKind enumerates supported voucher discount mechanics.
type VoucherKind string

const (
	KindPercent     VoucherKind = "percent"
	KindFixedAmount VoucherKind = "fixed_amount"
	KindFreeGift    VoucherKind = "free_gift"
)

// Scope controls whether a voucher discounts the whole order or individual
// eligible lines.
type Scope string

const (
	ScopeOrderTotal     Scope = "order_total"
	ScopePerProductLine Scope = "per_product_line"
)

// Line is one cart line snapshotted at checkout start.
type Line struct {
	ProductID     uuid.UUID
	CategoryID    *uuid.UUID
	SubcategoryID *uuid.UUID
	Qty           int
	UnitPrice     int64
}

// Tier carries the membership rates resolved once per checkout.
type Tier struct {
	DiscountBps     int32
	StarsMultiplier int32
}

// Voucher captures the runtime constraints of a voucher rule.
type Voucher struct {
	Code           string
	Kind           VoucherKind
	Value          int64
	PercentBps     int32
	MinPurchase    int64
	Scope          Scope
	MaxUnitsPerUse int
	GiftProductID  *uuid.UUID
	ProductIDs     []uuid.UUID
	CategoryIDs    []uuid.UUID
	SubcategoryIDs []uuid.UUID
	// OutletRestricted limits redemption to OutletIDs. An unrestricted
	// voucher applies at every outlet.
	OutletRestricted bool
	OutletIDs        []uuid.UUID
}

// LineDiscount reports the breakdown for one cart line. DiscountedQty is the
// number of units the voucher actually covered, which can be a partial line
// when a per-product cap runs out mid-line.
type LineDiscount struct {
	TierAmount    int64
	VoucherAmount int64
	DiscountedQty int
}

// Breakdown is the evaluator output consumed by the pricing aggregator and
// reproduced verbatim at settlement time.
type Breakdown struct {
	Lines           []LineDiscount
	Subtotal        int64
	TierDiscount    int64
	VoucherDiscount int64
	GiftProductID   *uuid.UUID
}

// Evaluate computes the per-line tier and voucher discount decomposition.
// Pure and deterministic: the same cart, tier, voucher and outlet always
// yield the same breakdown.
//
// Both discounts are derived from the original subtotal rather than
// compounded. The one deliberate exception: an order-total percent voucher
// is computed over the tier-discounted remainder so sequential subtraction
// holds (subtotal - tier - voucher never double-counts the tier share).
// Minimum-purchase eligibility always checks the original subtotal.
func Evaluate(lines []Line, tier Tier, v *Voucher, outletID *uuid.UUID) Breakdown {
	out := Breakdown{Lines: make([]LineDiscount, len(lines))}

	for i, ln := range lines {
		if ln.Qty <= 0 || ln.UnitPrice < 0 {
			continue
		}
		lineSubtotal := int64(ln.Qty) * ln.UnitPrice
		out.Subtotal += lineSubtotal
		if tier.DiscountBps > 0 {
			amount := lineSubtotal * int64(tier.DiscountBps) / 10000
			out.Lines[i].TierAmount = amount
			out.TierDiscount += amount
		}
	}

	if v == nil || !eligible(out.Subtotal, v, outletID) {
		return out
	}
	if v.Kind == KindFreeGift {
		out.GiftProductID = v.GiftProductID
		return out
	}

	switch v.Scope {
	case ScopePerProductLine:
		applyPerLine(lines, v, &out)
	default:
		applyOrderTotal(v, &out)
	}
	return out
}

func eligible(subtotal int64, v *Voucher, outletID *uuid.UUID) bool {
	if subtotal < v.MinPurchase {
		return false
	}
	if v.OutletRestricted {
		if outletID == nil {
			return false
		}
		return containsUUID(v.OutletIDs, *outletID)
	}
	return true
}

// applyPerLine walks lines in cart order carrying the count of units already
// discounted, so the cap splits correctly across lines and caps mid-line.
func applyPerLine(lines []Line, v *Voucher, out *Breakdown) {
	remaining := v.MaxUnitsPerUse
	capped := v.MaxUnitsPerUse > 0
	for i, ln := range lines {
		if ln.Qty <= 0 || ln.UnitPrice < 0 {
			continue
		}
		if capped && remaining <= 0 {
			break
		}
		if !matchesLine(v, ln) {
			continue
		}
		qty := ln.Qty
		if capped && qty > remaining {
			qty = remaining
		}
		eligibleAmount := int64(qty) * ln.UnitPrice
		var amount int64
		switch v.Kind {
		case KindPercent:
			// truncated per line before summation so the settlement
			// re-derivation cannot drift
			amount = eligibleAmount * int64(v.PercentBps) / 10000
		case KindFixedAmount:
			amount = int64(qty) * v.Value
			if amount > eligibleAmount {
				amount = eligibleAmount
			}
		}
		if amount <= 0 {
			continue
		}
		out.Lines[i].VoucherAmount = amount
		out.Lines[i].DiscountedQty = qty
		out.VoucherDiscount += amount
		if capped {
			remaining -= qty
		}
	}
}

func applyOrderTotal(v *Voucher, out *Breakdown) {
	base := out.Subtotal - out.TierDiscount
	if base <= 0 {
		return
	}
	var amount int64
	switch v.Kind {
	case KindPercent:
		amount = base * int64(v.PercentBps) / 10000
	case KindFixedAmount:
		amount = v.Value
	}
	if amount > base {
		amount = base
	}
	if amount <= 0 {
		return
	}
	out.VoucherDiscount = amount
}

// matchesLine checks the voucher eligibility sets against a line. A voucher
// without any scope set matches every line.
func matchesLine(v *Voucher, ln Line) bool {
	scoped := len(v.ProductIDs) > 0 || len(v.CategoryIDs) > 0 || len(v.SubcategoryIDs) > 0
	if !scoped {
		return true
	}
	if containsUUID(v.ProductIDs, ln.ProductID) {
		return true
	}
	if ln.CategoryID != nil && containsUUID(v.CategoryIDs, *ln.CategoryID) {
		return true
	}
	if ln.SubcategoryID != nil && containsUUID(v.SubcategoryIDs, *ln.SubcategoryID) {
		return true
	}
	return false
}

func containsUUID(ids []uuid.UUID, id uuid.UUID) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}
