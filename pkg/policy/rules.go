package policy

import "math/bits"

// Built-in rule kinds.
const (
	RuleRoyalty    = "royalty"
	RuleLock       = "kiosk_lock"
	RuleFloorPrice = "floor_price"
)

// RoyaltyRule owes the recipient a fraction of every transfer price.
type RoyaltyRule struct {
	Recipient string
	Bps       uint16
	MinAmount uint64
}

// Name implements Rule.
func (RoyaltyRule) Name() string { return RuleRoyalty }

// FeeAmount returns the royalty owed on price: floor(price * bps / 10000),
// raised to MinAmount if configured higher. The product goes through a
// 128-bit intermediate so large prices at high rates do not wrap.
func (r RoyaltyRule) FeeAmount(price uint64) uint64 {
	bps := r.Bps
	if bps > 10_000 {
		bps = 10_000
	}
	hi, lo := bits.Mul64(price, uint64(bps))
	fee, _ := bits.Div64(hi, lo, 10_000)
	if fee < r.MinAmount {
		fee = r.MinAmount
	}
	return fee
}

// LockRule requires transferred items to be locked into the destination
// kiosk rather than freely placed.
type LockRule struct{}

// Name implements Rule.
func (LockRule) Name() string { return RuleLock }

// FloorPriceRule rejects transfers below a minimum realized price.
type FloorPriceRule struct {
	Floor uint64
}

// Name implements Rule.
func (FloorPriceRule) Name() string { return RuleFloorPrice }
