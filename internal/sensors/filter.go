package sensors

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// FilterMode selects the acceptance rule a sensor applies to each new
// candidate value before it is recorded.
type FilterMode int

const (
	FilterAny FilterMode = iota
	FilterChanged
	FilterNonZero
	FilterMinDiff
	FilterMaxDiff
	FilterMinDelay
)

var filterNames = map[FilterMode]string{
	FilterAny:      "ANY",
	FilterChanged:  "CHANGED",
	FilterNonZero:  "NONZERO",
	FilterMinDiff:  "MINDIFF",
	FilterMaxDiff:  "MAXDIFF",
	FilterMinDelay: "MINDELAY",
}

func (m FilterMode) String() string {
	if s, ok := filterNames[m]; ok {
		return s
	}
	return fmt.Sprintf("FilterMode(%d)", int(m))
}

// ParseFilterMode accepts the names written by String. MINDIFFDELAY is the
// legacy spelling of MINDELAY.
func ParseFilterMode(s string) (FilterMode, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "MINDIFFDELAY" {
		return FilterMinDelay, nil
	}
	for m, name := range filterNames {
		if name == s {
			return m, nil
		}
	}
	return FilterAny, fmt.Errorf("unknown filter mode %q", s)
}

// accepts evaluates mode for candidate against last. nil values and a missing
// last value always pass.
func accepts(mode FilterMode, last *StampedValue, candidate StampedValue, delta float64, minDelay time.Duration) bool {
	if candidate.Value == nil || last == nil || last.Value == nil {
		return true
	}
	cur, curNum := candidate.Number()
	prev, prevNum := last.Number()
	numeric := curNum && prevNum

	switch mode {
	case FilterChanged:
		return !valuesEqual(last.Value, candidate.Value)
	case FilterNonZero:
		return !valuesEqual(last.Value, candidate.Value) || (curNum && cur != 0)
	case FilterMinDiff:
		if numeric {
			return math.Abs(cur-prev) >= delta
		}
	case FilterMaxDiff:
		if numeric {
			return math.Abs(cur-prev) < delta
		}
	case FilterMinDelay:
		if candidate.Time.Sub(last.Time) <= minDelay {
			return false
		}
		if numeric {
			return math.Abs(cur-prev) >= delta
		}
	}
	return true
}
