package kv

// staticCursor is a ForwardCursor over an in memory snapshot of pairs.
type staticCursor struct {
	idx   int
	pairs []Pair
}

// NewStaticCursor returns a ForwardCursor over the provided pairs. The
// pairs are assumed to already be in key order.
func NewStaticCursor(pairs []Pair) ForwardCursor {
	return &staticCursor{pairs: pairs}
}

// Next returns the next key value pair, or two nil slices once the
// snapshot is exhausted.
func (c *staticCursor) Next() ([]byte, []byte) {
	if c.idx >= len(c.pairs) {
		return nil, nil
	}

	pair := c.pairs[c.idx]
	c.idx++
	return pair.Key, pair.Value
}

// Err always returns nil, iterating a snapshot cannot fail.
func (c *staticCursor) Err() error { return nil }

// Close releases the cursor.
func (c *staticCursor) Close() error { return nil }
