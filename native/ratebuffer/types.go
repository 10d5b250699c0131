package ratebuffer

// Rate is a single observation of a controlled rate. Rates are immutable once
// pushed into a buffer.
type Rate struct {
	// Target is the committed rate after the rate-of-change limit was applied.
	Target uint64
	// Current is the controller output before the rate-of-change limit.
	Current uint64
	// Timestamp is the unix second at which the rate was recorded.
	Timestamp uint32
}

// Metadata is the ring bookkeeping for one entity.
type Metadata struct {
	Capacity uint16
	Length   uint16
	Head     uint16
	Paused   bool
}

// Full reports whether the next push overwrites the oldest observation.
func (m Metadata) Full() bool {
	return m.Capacity > 0 && m.Length == m.Capacity
}
