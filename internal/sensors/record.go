package sensors

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// RecordHeader starts every sensor configuration file.
const RecordHeader = "# pihive sensors v1"

const recordSep = ", "

// Record is the persisted configuration of one sensor:
//
//	name, unit, description, kind, device-id, enabled, a, b, delta, mode
type Record struct {
	Name        string
	Unit        string
	Description string
	Kind        Kind
	DeviceID    string
	Enabled     bool
	A, B        float64
	Delta       float64
	Mode        FilterMode
}

// DefaultRecord returns a record with the default calibration and filter.
func DefaultRecord(name string, kind Kind) Record {
	return Record{
		Name:    name,
		Kind:    kind,
		Enabled: true,
		A:       1,
		Delta:   DefaultDelta,
		Mode:    FilterAny,
	}
}

// String encodes the record as one line. Text fields cannot contain the
// separator or line breaks; ", " is written as "," so the columns stay put.
func (r Record) String() string {
	return strings.Join([]string{
		textField(r.Name),
		textField(r.Unit),
		textField(r.Description),
		string(r.Kind),
		textField(r.DeviceID),
		strconv.FormatBool(r.Enabled),
		strconv.FormatFloat(r.A, 'g', -1, 64),
		strconv.FormatFloat(r.B, 'g', -1, 64),
		strconv.FormatFloat(r.Delta, 'g', -1, 64),
		r.Mode.String(),
	}, recordSep)
}

var lineBreaks = strings.NewReplacer("\r", " ", "\n", " ")

func textField(s string) string {
	s = lineBreaks.Replace(s)
	for strings.Contains(s, recordSep) {
		s = strings.ReplaceAll(s, recordSep, ",")
	}
	return s
}

// ParseKind maps a kind tag to a Kind. Class names written by older
// versions of the node are accepted so old files keep loading.
func ParseKind(s string) (Kind, error) {
	switch {
	case s == string(KindExt), s == string(KindW1), s == string(KindWeight):
		return Kind(s), nil
	case strings.HasSuffix(s, "W1Sensor"):
		return KindW1, nil
	case strings.HasSuffix(s, "HXSensor"):
		return KindWeight, nil
	case strings.HasSuffix(s, "Station"):
		return KindExt, nil
	}
	return "", fmt.Errorf("unknown sensor kind %q", s)
}

// ParseRecord decodes one configuration line. The first six fields are
// mandatory; the calibration and filter fields may be omitted in pairs.
func ParseRecord(line string) (Record, error) {
	cols := strings.Split(line, recordSep)
	if len(cols) < 6 {
		return Record{}, fmt.Errorf("expected at least 6 fields, got %d", len(cols))
	}
	kind, err := ParseKind(strings.TrimSpace(cols[3]))
	if err != nil {
		return Record{}, err
	}
	r := DefaultRecord(strings.TrimSpace(cols[0]), kind)
	if r.Name == "" {
		return Record{}, fmt.Errorf("empty sensor name")
	}
	r.Unit = cols[1]
	r.Description = cols[2]
	r.DeviceID = cols[4]
	if r.Enabled, err = strconv.ParseBool(strings.TrimSpace(cols[5])); err != nil {
		return Record{}, fmt.Errorf("enabled: %w", err)
	}
	if len(cols) > 7 {
		if r.A, err = strconv.ParseFloat(strings.TrimSpace(cols[6]), 64); err != nil {
			return Record{}, fmt.Errorf("calibration a: %w", err)
		}
		if r.B, err = strconv.ParseFloat(strings.TrimSpace(cols[7]), 64); err != nil {
			return Record{}, fmt.Errorf("calibration b: %w", err)
		}
	}
	if len(cols) > 9 {
		if r.Delta, err = strconv.ParseFloat(strings.TrimSpace(cols[8]), 64); err != nil {
			return Record{}, fmt.Errorf("delta: %w", err)
		}
		if r.Mode, err = ParseFilterMode(cols[9]); err != nil {
			return Record{}, err
		}
	}
	return r, nil
}

// ReadRecords decodes a configuration file. Comments and blank lines are
// ignored; malformed lines are logged and skipped.
func ReadRecords(r io.Reader, logger *logrus.Logger) ([]Record, error) {
	var out []Record
	sc := bufio.NewScanner(r)
	n := 0
	for sc.Scan() {
		n++
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(line) == "" || strings.HasPrefix(line, "#") {
			continue
		}
		rec, err := ParseRecord(line)
		if err != nil {
			logger.WithError(err).WithFields(logrus.Fields{
				"line": n,
				"text": line,
			}).Warn("Invalid sensor config line skipped")
			continue
		}
		if cols := strings.Count(line, recordSep) + 1; cols != 6 && cols != 8 && cols != 10 {
			logger.WithFields(logrus.Fields{
				"line":   n,
				"fields": cols,
				"text":   line,
			}).Warn("Sensor config line has unpaired or extra fields, ignoring them")
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return out, fmt.Errorf("failed to read sensor config: %w", err)
	}
	return out, nil
}

// WriteRecords writes the header followed by one line per record.
func WriteRecords(w io.Writer, records []Record) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, RecordHeader)
	for _, r := range records {
		fmt.Fprintln(bw, r.String())
	}
	return bw.Flush()
}
