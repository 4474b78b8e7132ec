package escrow

import (
	"time"

	"escrowlane/ledger"
)

// Authority sums the weights of signed slots whose key appears in the
// account's signer table. Each key counts once and unknown keys add nothing.
func Authority(sigs []*Signature, table ledger.AccountWeight) int {
	seen := make(map[string]struct{}, len(sigs))
	total := 0
	for _, sig := range sigs {
		if sig == nil || !sig.Signed {
			continue
		}
		if _, dup := seen[sig.PublicKey]; dup {
			continue
		}
		seen[sig.PublicKey] = struct{}{}
		if weight, ok := table.WeightOf(sig.PublicKey); ok && weight > 0 {
			total += weight
		}
	}
	return total
}

// HasWeight reports whether the collected signatures reach the threshold of
// the transaction's tier.
func HasWeight(tx *PreTransaction, table ledger.AccountWeight) bool {
	if tx == nil || !tx.Tier.Valid() {
		return false
	}
	return Authority(tx.Signatures, table) >= table.Threshold(tx.Tier)
}

// IsAuthorized reports whether the transaction can execute at now.
func IsAuthorized(tx *PreTransaction, table ledger.AccountWeight, now time.Time) bool {
	return IsOpenAt(tx, now) && HasWeight(tx, table)
}
