package discount

import (
	"testing"

	"github.com/google/uuid"
)

func TestTierAndOrderTotalVoucher(t *testing.T) {
	// subtotal 100.00, tier 10%, 10% voucher over the tier-discounted
	// remainder: tier 10.00, voucher 9.00
	lines := []Line{{ProductID: uuid.New(), Qty: 4, UnitPrice: 2_500}}
	v := &Voucher{Kind: KindPercent, PercentBps: 1000, MinPurchase: 5_000, Scope: ScopeOrderTotal}
	out := Evaluate(lines, Tier{DiscountBps: 1000}, v, nil)
	if out.Subtotal != 10_000 {
		t.Fatalf("subtotal = %d, want 10000", out.Subtotal)
	}
	if out.TierDiscount != 1_000 {
		t.Fatalf("tier discount = %d, want 1000", out.TierDiscount)
	}
	if out.VoucherDiscount != 900 {
		t.Fatalf("voucher discount = %d, want 900", out.VoucherDiscount)
	}
}

func TestMinPurchaseUsesOriginalSubtotal(t *testing.T) {
	// tier discount drops the remainder below min purchase but eligibility
	// checks the original subtotal
	lines := []Line{{ProductID: uuid.New(), Qty: 1, UnitPrice: 10_000}}
	v := &Voucher{Kind: KindPercent, PercentBps: 500, MinPurchase: 9_500, Scope: ScopeOrderTotal}
	out := Evaluate(lines, Tier{DiscountBps: 2000}, v, nil)
	if out.VoucherDiscount == 0 {
		t.Fatal("voucher should apply: min purchase is checked on the original subtotal")
	}
}

func TestMinPurchaseUnmet(t *testing.T) {
	lines := []Line{{ProductID: uuid.New(), Qty: 1, UnitPrice: 4_000}}
	v := &Voucher{Kind: KindPercent, PercentBps: 1000, MinPurchase: 5_000, Scope: ScopeOrderTotal}
	out := Evaluate(lines, Tier{}, v, nil)
	if out.VoucherDiscount != 0 {
		t.Fatalf("voucher discount = %d, want 0", out.VoucherDiscount)
	}
}

func TestPerProductLineCapSplitsAcrossLines(t *testing.T) {
	prodA := uuid.New()
	prodB := uuid.New()
	lines := []Line{
		{ProductID: prodA, Qty: 2, UnitPrice: 1_000},
		{ProductID: prodB, Qty: 3, UnitPrice: 2_000},
	}
	v := &Voucher{
		Kind:           KindPercent,
		PercentBps:     5000,
		Scope:          ScopePerProductLine,
		MaxUnitsPerUse: 3,
		ProductIDs:     []uuid.UUID{prodA, prodB},
	}
	out := Evaluate(lines, Tier{}, v, nil)
	if out.Lines[0].DiscountedQty != 2 {
		t.Fatalf("line 0 discounted qty = %d, want 2", out.Lines[0].DiscountedQty)
	}
	if out.Lines[1].DiscountedQty != 1 {
		t.Fatalf("line 1 discounted qty = %d, want 1 (cap reached mid-line)", out.Lines[1].DiscountedQty)
	}
	if out.Lines[0].VoucherAmount != 1_000 {
		t.Fatalf("line 0 voucher amount = %d, want 1000", out.Lines[0].VoucherAmount)
	}
	if out.Lines[1].VoucherAmount != 1_000 {
		t.Fatalf("line 1 voucher amount = %d, want 1000", out.Lines[1].VoucherAmount)
	}
	if out.VoucherDiscount != 2_000 {
		t.Fatalf("voucher discount = %d, want 2000", out.VoucherDiscount)
	}
}

func TestPerProductLineExceedingCapIsNotAnError(t *testing.T) {
	prod := uuid.New()
	lines := []Line{{ProductID: prod, Qty: 10, UnitPrice: 500}}
	v := &Voucher{
		Kind:           KindFixedAmount,
		Value:          100,
		Scope:          ScopePerProductLine,
		MaxUnitsPerUse: 4,
		ProductIDs:     []uuid.UUID{prod},
	}
	out := Evaluate(lines, Tier{}, v, nil)
	if out.Lines[0].DiscountedQty != 4 {
		t.Fatalf("discounted qty = %d, want 4", out.Lines[0].DiscountedQty)
	}
	if out.VoucherDiscount != 400 {
		t.Fatalf("voucher discount = %d, want 400", out.VoucherDiscount)
	}
}

func TestOutletRestriction(t *testing.T) {
	outletA := uuid.New()
	outletB := uuid.New()
	lines := []Line{{ProductID: uuid.New(), Qty: 1, UnitPrice: 10_000}}
	v := &Voucher{
		Kind:             KindPercent,
		PercentBps:       1000,
		Scope:            ScopeOrderTotal,
		OutletRestricted: true,
		OutletIDs:        []uuid.UUID{outletB},
	}
	out := Evaluate(lines, Tier{}, v, &outletA)
	if out.VoucherDiscount != 0 {
		t.Fatalf("voucher discount at wrong outlet = %d, want 0", out.VoucherDiscount)
	}
	out = Evaluate(lines, Tier{}, v, &outletB)
	if out.VoucherDiscount != 1_000 {
		t.Fatalf("voucher discount at allowed outlet = %d, want 1000", out.VoucherDiscount)
	}
	out = Evaluate(lines, Tier{}, v, nil)
	if out.VoucherDiscount != 0 {
		t.Fatal("restricted voucher must not apply without an outlet")
	}
}

func TestFixedAmountCappedAtEligible(t *testing.T) {
	lines := []Line{{ProductID: uuid.New(), Qty: 1, UnitPrice: 2_000}}
	v := &Voucher{Kind: KindFixedAmount, Value: 5_000, Scope: ScopeOrderTotal}
	out := Evaluate(lines, Tier{}, v, nil)
	if out.VoucherDiscount != 2_000 {
		t.Fatalf("voucher discount = %d, want capped 2000", out.VoucherDiscount)
	}
}

func TestFreeGiftCarriesProductWithoutDiscount(t *testing.T) {
	gift := uuid.New()
	lines := []Line{{ProductID: uuid.New(), Qty: 1, UnitPrice: 3_000}}
	v := &Voucher{Kind: KindFreeGift, Scope: ScopeOrderTotal, GiftProductID: &gift}
	out := Evaluate(lines, Tier{}, v, nil)
	if out.VoucherDiscount != 0 {
		t.Fatalf("free gift voucher discount = %d, want 0", out.VoucherDiscount)
	}
	if out.GiftProductID == nil || *out.GiftProductID != gift {
		t.Fatal("gift product reference not carried through")
	}
}

func TestScopedEligibilitySkipsUnmatchedLines(t *testing.T) {
	catID := uuid.New()
	otherCat := uuid.New()
	lines := []Line{
		{ProductID: uuid.New(), CategoryID: &catID, Qty: 1, UnitPrice: 1_000},
		{ProductID: uuid.New(), CategoryID: &otherCat, Qty: 1, UnitPrice: 1_000},
	}
	v := &Voucher{
		Kind:        KindPercent,
		PercentBps:  10000,
		Scope:       ScopePerProductLine,
		CategoryIDs: []uuid.UUID{catID},
	}
	out := Evaluate(lines, Tier{}, v, nil)
	if out.Lines[0].VoucherAmount != 1_000 || out.Lines[1].VoucherAmount != 0 {
		t.Fatalf("voucher amounts = %d/%d, want 1000/0",
			out.Lines[0].VoucherAmount, out.Lines[1].VoucherAmount)
	}
}

func TestZeroQuantityLinesIgnored(t *testing.T) {
	lines := []Line{
		{ProductID: uuid.New(), Qty: 0, UnitPrice: 1_000},
		{ProductID: uuid.New(), Qty: 2, UnitPrice: 1_000},
	}
	out := Evaluate(lines, Tier{DiscountBps: 1000}, nil, nil)
	if out.Subtotal != 2_000 {
		t.Fatalf("subtotal = %d, want 2000", out.Subtotal)
	}
	if out.Lines[0].TierAmount != 0 {
		t.Fatal("zero-quantity line must not accrue tier discount")
	}
}
