package escrow

// Allocate returns the sequence number a transaction built for offset must
// carry. The ledger accepts account sequence + 1, so offset 0 maps to base+1.
func Allocate(base, offset int64) int64 {
	return base + offset + 1
}

// sequenceCursor hands out offsets in construction order. Offsets are never
// reused within a contract.
type sequenceCursor struct {
	base int64
	next int64
}

func newSequenceCursor(base int64) *sequenceCursor {
	return &sequenceCursor{base: base}
}

// take reserves n consecutive offsets and returns the first.
func (c *sequenceCursor) take(n int64) int64 {
	if n < 1 {
		n = 1
	}
	offset := c.next
	c.next += n
	return offset
}

// tip is the highest sequence number allocated so far.
func (c *sequenceCursor) tip() int64 {
	return c.base + c.next
}
