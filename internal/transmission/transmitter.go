package transmission

import "github.com/jkaberg/pihive/internal/sensors"

// Transmitter defines the interface for transmitting the latest value per sensor
type Transmitter interface {
	Transmit(latest map[string]sensors.StampedValue) error
	IsConnected() bool
}
