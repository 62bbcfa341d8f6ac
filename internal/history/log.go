package history

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/jkaberg/pihive/internal/sensors"
)

// MaxLineLength bounds a history line. Longer lines are skipped on replay.
const MaxLineLength = 64 * 1024

// LoadLog replays a history log. Malformed and overlong lines are logged and
// skipped. The result is sorted and holds one value per time and source.
func LoadLog(r io.Reader, logger *logrus.Logger) ([]sensors.StampedValue, error) {
	var values []sensors.StampedValue
	br := bufio.NewReader(r)
	n, skipped := 0, 0
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			n++
			if v, ok := parseLine(line, n, logger); ok {
				values = append(values, v)
			} else if strings.TrimSpace(line) != "" {
				skipped++
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return sensors.SortDedup(values), fmt.Errorf("failed to read history log: %w", err)
		}
	}
	if skipped > 0 {
		logger.WithFields(logrus.Fields{
			"skipped": skipped,
			"lines":   n,
		}).Warn("History log contained malformed lines")
	}
	return sensors.SortDedup(values), nil
}

func parseLine(line string, n int, logger *logrus.Logger) (sensors.StampedValue, bool) {
	if len(line) > MaxLineLength {
		logger.WithFields(logrus.Fields{
			"line":   n,
			"length": len(line),
		}).Debug("Skipping overlong history line")
		return sensors.StampedValue{}, false
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return sensors.StampedValue{}, false
	}
	v, err := sensors.ParseStampedValue(line)
	if err != nil {
		logger.WithError(err).WithField("line", n).Debug("Skipping malformed history line")
		return sensors.StampedValue{}, false
	}
	return v, true
}
