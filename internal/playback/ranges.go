package playback

// Range is a contiguous buffered time interval, in seconds.
type Range struct {
	Start float64
	End   float64
}

// Duration returns the range's length.
func (r Range) Duration() float64 {
	return r.End - r.Start
}

// Contains reports whether t falls inside the range.
func (r Range) Contains(t float64) bool {
	return t >= r.Start && t < r.End
}

// Ranges is an ordered, non-overlapping list of buffered intervals, the Go
// counterpart of the browser's TimeRanges.
type Ranges []Range

// RangeFor returns the range containing t, if any.
func (rs Ranges) RangeFor(t float64) (Range, bool) {
	for _, r := range rs {
		if r.Contains(t) {
			return r, true
		}
	}
	return Range{}, false
}

// GapFrom returns the buffered duration from t to the end of the range
// containing t, or 0 when t is not buffered.
func (rs Ranges) GapFrom(t float64) float64 {
	r, ok := rs.RangeFor(t)
	if !ok {
		return 0
	}
	return r.End - t
}

// BufferedBehind returns the buffered duration strictly before t.
func (rs Ranges) BufferedBehind(t float64) float64 {
	var total float64
	for _, r := range rs {
		if r.End <= t {
			total += r.Duration()
		} else if r.Start < t {
			total += t - r.Start
		}
	}
	return total
}

// TotalDuration returns the summed duration of all ranges.
func (rs Ranges) TotalDuration() float64 {
	var total float64
	for _, r := range rs {
		total += r.Duration()
	}
	return total
}
