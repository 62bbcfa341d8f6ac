package cache

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/jkaberg/pihive/internal/sensors"
)

// Manager remembers the last published value per sensor and answers the
// question: "which sensors changed since the last time I asked?".
//
// Behaviour:
//   - The first call to Changed returns every sensor.
//   - Timestamps are ignored when comparing; only the value counts.
//   - Forget drops the memory so the next call reports everything again,
//     used when a publish did not reach the broker.
type Manager struct {
	mu     sync.Mutex
	prev   map[string]any
	logger *logrus.Logger
}

// NewManager returns a ready-to-use cache manager.
func NewManager(logger *logrus.Logger) *Manager {
	return &Manager{prev: make(map[string]any), logger: logger}
}

// Changed returns the entries of latest whose value differs from the one seen
// on the previous call, and remembers latest for the next call.
func (m *Manager) Changed(latest map[string]sensors.StampedValue) map[string]sensors.StampedValue {
	m.mu.Lock()
	defer m.mu.Unlock()

	changed := make(map[string]sensors.StampedValue)
	for name, v := range latest {
		old, seen := m.prev[name]
		if seen && sameValue(old, v.Value) {
			continue
		}
		changed[name] = v
		m.prev[name] = v.Value
	}
	m.logger.WithFields(logrus.Fields{
		"sensors": len(latest),
		"changed": len(changed),
	}).Debug("Compared against last published values")
	return changed
}

// Forget clears the remembered values.
func (m *Manager) Forget() {
	m.mu.Lock()
	m.prev = make(map[string]any)
	m.mu.Unlock()
}

func sameValue(a, b any) bool {
	return sensors.FormatValue(a) == sensors.FormatValue(b)
}
