// Package w1 reads DS18B20 temperature thermometers through the kernel w1-therm
// driver.
package w1

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// DefaultRoot is where the kernel exposes one-wire slaves.
const DefaultRoot = "/sys/bus/w1/devices"

// familyDS18B20 prefixes the id of every DS18B20 thermometer.
const familyDS18B20 = "28-"

var (
	// ErrCRC is returned when the kernel reports a checksum mismatch.
	ErrCRC = errors.New("w1: crc mismatch")
	// ErrPowerOnReset is returned for the 85 °C value a thermometer reports before
	// its first conversion.
	ErrPowerOnReset = errors.New("w1: power-on reset value")
)

// Bus lists and reads thermometers below a sysfs root.
type Bus struct {
	root string
}

// NewBus returns a bus rooted at root, DefaultRoot when empty.
func NewBus(root string) *Bus {
	if root == "" {
		root = DefaultRoot
	}
	return &Bus{root: root}
}

// Discover returns the ids of all DS18B20 thermometers, sorted.
func (b *Bus) Discover() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(b.root, familyDS18B20+"*"))
	if err != nil {
		return nil, fmt.Errorf("failed to list one-wire devices: %w", err)
	}
	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		ids = append(ids, filepath.Base(m))
	}
	sort.Strings(ids)
	return ids, nil
}

// Read returns the temperature of thermometer id in °C. The kernel performs the
// conversion while the file is read, which takes up to 750 ms.
func (b *Bus) Read(id string) (float64, error) {
	f, err := os.Open(filepath.Join(b.root, id, "w1_slave"))
	if err != nil {
		return 0, fmt.Errorf("failed to open thermometer %s: %w", id, err)
	}
	defer f.Close()
	t, err := parseSlave(f)
	if err != nil {
		return 0, fmt.Errorf("thermometer %s: %w", id, err)
	}
	return t, nil
}

// parseSlave decodes the two-line w1_slave format:
//
//	fb 00 ff ff 7f ff ff ff 03 : crc=03 YES
//	fb 00 ff ff 7f ff ff ff 03 t=15687
func parseSlave(r io.Reader) (float64, error) {
	sc := bufio.NewScanner(r)
	if !sc.Scan() {
		return 0, fmt.Errorf("empty w1_slave: %w", io.ErrUnexpectedEOF)
	}
	if !strings.HasSuffix(strings.TrimSpace(sc.Text()), "YES") {
		return 0, ErrCRC
	}
	if !sc.Scan() {
		return 0, fmt.Errorf("missing temperature line: %w", io.ErrUnexpectedEOF)
	}
	line := sc.Text()
	i := strings.LastIndex(line, "t=")
	if i < 0 {
		return 0, fmt.Errorf("no temperature in %q", line)
	}
	milli, err := strconv.Atoi(strings.TrimSpace(line[i+2:]))
	if err != nil {
		return 0, fmt.Errorf("invalid temperature: %w", err)
	}
	if milli == 85000 {
		return 0, ErrPowerOnReset
	}
	return float64(milli) / 1000, nil
}
