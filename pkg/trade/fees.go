package trade

import (
	"math/bits"

	"github.com/ledgerline/bazaar/pkg/policy"
)

// marketFee returns the marketplace cut on a gross payment, floor division.
// The product goes through a 128-bit intermediate so large payments at high
// rates do not wrap.
func marketFee(payment uint64, bps uint16) uint64 {
	if bps > 10_000 {
		bps = 10_000
	}
	hi, lo := bits.Mul64(payment, uint64(bps))
	fee, _ := bits.Div64(hi, lo, 10_000)
	return fee
}

// convergedRoyalty reserves the royalty for an escrowed offer. The royalty is
// owed on the price net of itself, so it is recomputed three times against
// the payment minus the previous round's fee, starting from zero. The
// iteration count is pinned: changing it changes reserved amounts for
// identical inputs.
func convergedRoyalty(pol *policy.TransferPolicy, payment uint64) uint64 {
	if _, ok := pol.Royalty(); !ok {
		return 0
	}
	var fee uint64
	for i := 0; i < 3; i++ {
		base := uint64(0)
		if fee < payment {
			base = payment - fee
		}
		fee = pol.FeeAmount(base)
	}
	return fee
}
