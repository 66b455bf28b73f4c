package herd

import "math"

// Nostr kinds that credit payout share beyond the zap itself.
const (
	kindRepost   = 6
	kindReaction = 7
)

// CalcPayoutIncrement converts a zap amount to payout-share units. Zaps
// under 10 sats earn nothing; every full 10 sats earns 0.01, rounded to two
// decimals and capped at 1.0.
func CalcPayoutIncrement(sats int64) float64 {
	if sats < 10 {
		return 0
	}
	units := sats / 10
	share := math.Round(float64(units)*0.01*100) / 100
	return math.Min(1.0, share)
}

// engagementBonus credits fixed increments for engagement kinds that have
// not been credited before. Reposts are worth 0.2; reactions are recorded
// but worth nothing.
func engagementBonus(existing []int, incoming []int) float64 {
	bonus := 0.0
	if containsKind(incoming, kindRepost) && !containsKind(existing, kindRepost) {
		bonus += 0.2
	}
	return bonus
}

func containsKind(kinds []int, kind int) bool {
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// HeadbuttThreshold is the amount an attacker must reach to displace the
// lowest active member.
func HeadbuttThreshold(lowestAmount int64, minSats int64) int64 {
	threshold := lowestAmount + 1
	if threshold < minSats {
		threshold = minSats
	}
	return threshold
}

// capPayouts clamps accumulated payout share to the 1.0 ceiling.
func capPayouts(payouts float64) float64 {
	return math.Min(1.0, payouts)
}
