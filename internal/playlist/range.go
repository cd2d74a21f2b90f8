package playlist

// Range is a closed window of offsets, in seconds, measured from the first
// non-header entry of a session.
type Range struct {
	X float64
	Y float64
}

// Contains reports whether v lies within the range, both ends inclusive.
func (r Range) Contains(v float64) bool {
	return v >= r.X && v <= r.Y
}
