package escrow

import "time"

// IsOpen reports whether now falls inside [min, max]. Both bounds unset (0)
// means always open. A single unset bound keeps its literal zero value.
func IsOpen(now, min, max int64) bool {
	if min == 0 && max == 0 {
		return true
	}
	return min <= now && now <= max
}

// IsOpenAt is IsOpen for a transaction at a wall-clock instant.
func IsOpenAt(tx *PreTransaction, now time.Time) bool {
	if tx == nil {
		return false
	}
	return IsOpen(now.Unix(), tx.MinTime, tx.MaxTime)
}

// notExpired reports whether the window has not closed yet. Used when
// pre-signing a transaction whose window lies in the future.
func notExpired(now, max int64) bool {
	return max == 0 || now <= max
}
