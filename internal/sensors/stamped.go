package sensors

import (
	"cmp"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"
)

// StampLayout is the timestamp layout used in the history log and in every
// text message sent to subscribers.
const StampLayout = "2006-01-02 15:04:05.000"

// StampedValue is a timestamped source/value triple. Value is nil, a float64
// or a string.
type StampedValue struct {
	Time   time.Time
	Source string
	Value  any
}

// NewStampedValue stamps value with the current wall clock at millisecond
// resolution.
func NewStampedValue(source string, value any) StampedValue {
	return StampedValueAt(time.Now(), source, value)
}

// StampedValueAt builds a StampedValue for an explicit time.
func StampedValueAt(t time.Time, source string, value any) StampedValue {
	return StampedValue{Time: t.Truncate(time.Millisecond), Source: source, Value: value}
}

// Millis returns the timestamp as milliseconds since the Unix epoch.
func (v StampedValue) Millis() int64 { return v.Time.UnixMilli() }

// Number reports the value as float64 if it is numeric.
func (v StampedValue) Number() (float64, bool) {
	f, ok := v.Value.(float64)
	return f, ok
}

// Equal reports whether both values share time and source. The value itself
// is ignored so that a sort-then-dedup pass keeps one entry per pair.
func (v StampedValue) Equal(o StampedValue) bool {
	return v.Millis() == o.Millis() && v.Source == o.Source
}

// Compare orders by time (unsigned milliseconds), then by source.
func (v StampedValue) Compare(o StampedValue) int {
	if c := cmp.Compare(uint64(v.Millis()), uint64(o.Millis())); c != 0 {
		return c
	}
	return strings.Compare(v.Source, o.Source)
}

// String renders the history log line: time, source and value separated by
// tabs.
func (v StampedValue) String() string {
	return v.Time.Local().Format(StampLayout) + "\t" + v.Source + "\t" + FormatValue(v.Value)
}

// FormatValue renders a value the way it appears in the history log.
func FormatValue(value any) string {
	switch x := value.(type) {
	case nil:
		return "NaN"
	case float64:
		if math.IsNaN(x) {
			return "NaN"
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	case string:
		return x
	default:
		return fmt.Sprint(x)
	}
}

// ParseValue is the inverse of FormatValue: numbers become float64, anything
// else stays text.
func ParseValue(s string) any {
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// ParseStampedValue decodes one history log line.
func ParseStampedValue(line string) (StampedValue, error) {
	cols := strings.Split(line, "\t")
	if len(cols) != 3 {
		return StampedValue{}, fmt.Errorf("expected 3 tab separated columns, got %d", len(cols))
	}
	t, err := time.ParseInLocation(StampLayout, cols[0], time.Local)
	if err != nil {
		return StampedValue{}, fmt.Errorf("invalid timestamp %q: %w", cols[0], err)
	}
	if cols[1] == "" {
		return StampedValue{}, fmt.Errorf("empty source")
	}
	return StampedValueAt(t, cols[1], ParseValue(cols[2])), nil
}

// SortDedup sorts values in place and removes adjacent duplicates, keeping
// the first of each (time, source) pair.
func SortDedup(values []StampedValue) []StampedValue {
	slices.SortStableFunc(values, StampedValue.Compare)
	return slices.CompactFunc(values, StampedValue.Equal)
}

func valuesEqual(a, b any) bool {
	af, aok := a.(float64)
	bf, bok := b.(float64)
	if aok && bok {
		return af == bf
	}
	return a == b
}
