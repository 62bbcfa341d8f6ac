package sensors

import (
	"errors"
	"strconv"
	"sync"
)

// ErrUnknownSensor is returned for names not present in the registry.
var ErrUnknownSensor = errors.New("unknown sensor")

// Registry owns every sensor by name. Iteration follows insertion order so
// that polling and persistence are deterministic.
type Registry struct {
	mu      sync.RWMutex
	byName  map[string]*Sensor
	ordered []*Sensor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*Sensor)}
}

// Add registers s, replacing a sensor with the same name.
func (r *Registry) Add(s *Sensor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.byName[s.Name()]; ok {
		for i, o := range r.ordered {
			if o == old {
				r.ordered[i] = s
				break
			}
		}
	} else {
		r.ordered = append(r.ordered, s)
	}
	r.byName[s.Name()] = s
}

// Get looks a sensor up by name.
func (r *Registry) Get(name string) (*Sensor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byName[name]
	return s, ok
}

// All returns every sensor in insertion order.
func (r *Registry) All() []*Sensor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Sensor, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// Enabled returns the sensors currently enabled.
func (r *Registry) Enabled() []*Sensor {
	var out []*Sensor
	for _, s := range r.All() {
		if s.Enabled() {
			out = append(out, s)
		}
	}
	return out
}

// ByDevice finds the sensor of the given kind bound to device id.
func (r *Registry) ByDevice(kind Kind, id string) (*Sensor, bool) {
	for _, s := range r.All() {
		if s.Kind() == kind && s.DeviceID() == id {
			return s, true
		}
	}
	return nil, false
}

// NextFreeName returns prefix followed by the lowest positive number not yet
// in use, e.g. T1, T2.
func (r *Registry) NextFreeName(prefix string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := 1; ; i++ {
		name := prefix + strconv.Itoa(i)
		if _, ok := r.byName[name]; !ok {
			return name
		}
	}
}

// Records snapshots the persistent state of every sensor.
func (r *Registry) Records() []Record {
	all := r.All()
	out := make([]Record, 0, len(all))
	for _, s := range all {
		out = append(out, s.Record())
	}
	return out
}

// Len returns the number of sensors.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ordered)
}
