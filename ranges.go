package cpio

import (
	"fmt"
	"strconv"
	"strings"
)

// partRange is one comma-separated term of a Ranges string: "N", "N-M",
// "N-", or "-M". A nil bound means unbounded in that direction.
type partRange struct {
	start, end *int
}

func (r partRange) contains(n int) bool {
	if r.start != nil && n < *r.start {
		return false
	}
	if r.end != nil && n > *r.end {
		return false
	}
	return true
}

func (r partRange) hasMore(n int) bool {
	return r.end == nil || *r.end > n
}

// Ranges selects a set of 1-based segment numbers, used by --parts to
// restrict which concatenated archives extraction visits. Listing,
// counting and examining do not apply it.
type Ranges struct {
	ranges []partRange
}

// ParseRanges parses a comma-separated list of terms ("N", "N-M", "N-",
// "-M") into a Ranges value.
func ParseRanges(s string) (Ranges, error) {
	var rs Ranges
	for _, term := range strings.Split(s, ",") {
		start, end, hasDash := term, term, false
		if i := strings.IndexByte(term, '-'); i >= 0 {
			start, end, hasDash = term[:i], term[i+1:], true
		}
		var r partRange
		if hasDash {
			if start != "" {
				n, err := strconv.Atoi(start)
				if err != nil {
					return Ranges{}, fmt.Errorf("invalid range %q: %w", term, err)
				}
				r.start = &n
			}
			if end != "" {
				n, err := strconv.Atoi(end)
				if err != nil {
					return Ranges{}, fmt.Errorf("invalid range %q: %w", term, err)
				}
				r.end = &n
			}
		} else {
			n, err := strconv.Atoi(start)
			if err != nil {
				return Ranges{}, fmt.Errorf("invalid range %q: %w", term, err)
			}
			r.start, r.end = &n, &n
		}
		rs.ranges = append(rs.ranges, r)
	}
	return rs, nil
}

// Contains reports whether n falls in any term of rs.
func (rs Ranges) Contains(n int) bool {
	for _, r := range rs.ranges {
		if r.contains(n) {
			return true
		}
	}
	return false
}

// HasMore reports whether some later segment number than n could still be
// selected, letting a scan stop early once every remaining term is behind it.
func (rs Ranges) HasMore(n int) bool {
	for _, r := range rs.ranges {
		if r.hasMore(n) {
			return true
		}
	}
	return false
}
