package pricing

// Money represents a monetary value stored in minor units.
type Money = int64

// PaymentMethod distinguishes how the payable total is funded.
type PaymentMethod string

const (
	// MethodGateway is a real-money payment through the external gateway.
	MethodGateway PaymentMethod = "gateway"
	// MethodBalance pays from the primary settlement balance.
	MethodBalance PaymentMethod = "balance"
)

// Summary aggregates the final pricing components for one checkout.
type Summary struct {
	Subtotal        Money
	TierDiscount    Money
	VoucherDiscount Money
	AppliedBonus    Money
	Total           Money
	EarnedPoints    int64
	StarsMultiplier int32
}

// Input carries the aggregation operands. AvailableBonus must come from the
// authoritative store, never from the client.
type Input struct {
	Subtotal        Money
	TierDiscount    Money
	VoucherDiscount Money
	RequestedBonus  Money
	AvailableBonus  Money
	Method          PaymentMethod
	StarsMultiplier int32
}

// Aggregate composes tier discount, voucher discount and the bonus-balance
// deduction into the final payable total. The bonus deduction is clamped so
// the total never goes negative and never exceeds the user's balance.
func Aggregate(in Input) Summary {
	remainder := in.Subtotal - in.TierDiscount - in.VoucherDiscount
	if remainder < 0 {
		remainder = 0
	}
	bonus := in.RequestedBonus
	if bonus < 0 {
		bonus = 0
	}
	if bonus > in.AvailableBonus {
		bonus = in.AvailableBonus
	}
	if bonus > remainder {
		bonus = remainder
	}
	total := remainder - bonus
	return Summary{
		Subtotal:        in.Subtotal,
		TierDiscount:    in.TierDiscount,
		VoucherDiscount: in.VoucherDiscount,
		AppliedBonus:    bonus,
		Total:           total,
		EarnedPoints:    EarnedPoints(total, in.Method, in.StarsMultiplier),
		StarsMultiplier: in.StarsMultiplier,
	}
}

// EarnedPoints computes the loyalty points for a payment. Only real-money
// payments earn points; balance-funded payments earn zero while the
// multiplier is still carried for display. This asymmetry is a business
// rule, not an accident.
func EarnedPoints(total Money, method PaymentMethod, starsMultiplier int32) int64 {
	if method == MethodBalance {
		return 0
	}
	if total <= 0 || starsMultiplier <= 0 {
		return 0
	}
	// one point per whole currency unit, scaled by the tier multiplier
	return (total / 100) * int64(starsMultiplier)
}
