package w1

import (
	"github.com/sirupsen/logrus"

	"github.com/jkaberg/pihive/internal/pool"
	"github.com/jkaberg/pihive/internal/sensors"
)

// thermometerDelta is the default resolution for newly discovered thermometers.
const thermometerDelta = 0.5

// Attach binds every thermometer present on the bus to its sensor in reg. Thermometers
// without a configured sensor get a new one named T<n>. It returns the
// sensors created.
func Attach(reg *sensors.Registry, bus *Bus, p *pool.Pool, logger *logrus.Logger) ([]*sensors.Sensor, error) {
	ids, err := bus.Discover()
	if err != nil {
		return nil, err
	}
	var created []*sensors.Sensor
	for _, id := range ids {
		s, ok := reg.ByDevice(sensors.KindW1, id)
		if !ok {
			r := sensors.DefaultRecord(reg.NextFreeName("T"), sensors.KindW1)
			r.Unit = "°C"
			r.DeviceID = id
			r.Delta = thermometerDelta
			r.Mode = sensors.FilterMinDiff
			s = sensors.New(r)
			reg.Add(s)
			created = append(created, s)
			logger.WithFields(logrus.Fields{
				"sensor": s.Name(),
				"device": id,
			}).Info("Discovered new one-wire thermometer")
		}
		s.Attach(NewThermometer(id, bus, s, p, logger))
	}
	for _, s := range reg.All() {
		if s.Kind() == sensors.KindW1 && !contains(ids, s.DeviceID()) {
			logger.WithFields(logrus.Fields{
				"sensor": s.Name(),
				"device": s.DeviceID(),
			}).Warn("Configured one-wire thermometer not present")
		}
	}
	return created, nil
}

func contains(ids []string, id string) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}
