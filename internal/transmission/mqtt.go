package transmission

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/iancoleman/strcase"
	"github.com/sirupsen/logrus"

	"github.com/jkaberg/pihive/internal/mqtt"
	"github.com/jkaberg/pihive/internal/sensors"
)

// MQTTTransmitter publishes sensor state to an MQTT broker. It also serves as
// a history subscriber, forwarding every accepted value line as it arrives.
type MQTTTransmitter struct {
	client           *mqtt.Client
	registry         *sensors.Registry
	discoveryPrefix  string
	version          string
	logger           *logrus.Logger
	mu               sync.Mutex
	publishedSensors map[string]bool // Tracks published discovery configs
}

// HADiscoveryConfig represents Home Assistant MQTT discovery configuration
type HADiscoveryConfig struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	UnitOfMeasurement string   `json:"unit_of_measurement,omitempty"`
	Device            HADevice `json:"device"`
	AvailabilityTopic string   `json:"availability_topic"`
	Icon              string   `json:"icon,omitempty"`
	StateClass        string   `json:"state_class,omitempty"`
}

// HADevice represents the device information for Home Assistant
type HADevice struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Model        string   `json:"model"`
	Manufacturer string   `json:"manufacturer"`
	SWVersion    string   `json:"sw_version,omitempty"`
}

// NewMQTTTransmitter creates a new MQTT transmitter
func NewMQTTTransmitter(client *mqtt.Client, reg *sensors.Registry, discoveryPrefix, version string, logger *logrus.Logger) *MQTTTransmitter {
	return &MQTTTransmitter{
		client:           client,
		registry:         reg,
		discoveryPrefix:  discoveryPrefix,
		version:          version,
		logger:           logger,
		publishedSensors: make(map[string]bool),
	}
}

// EntityID maps a sensor name onto a Home Assistant object id.
func EntityID(name string) string {
	return strcase.ToSnake(name)
}

// deviceClass guesses the Home Assistant device class from the unit.
func deviceClass(unit string) (class, icon string) {
	switch unit {
	case "°C", "C":
		return "temperature", ""
	case "kg", "g":
		return "weight", "mdi:beehive-outline"
	case "%":
		return "humidity", ""
	case "hPa", "mbar":
		return "atmospheric_pressure", ""
	case "m/s", "km/h":
		return "wind_speed", ""
	}
	return "", "mdi:gauge"
}

func (t *MQTTTransmitter) device() HADevice {
	return HADevice{
		Identifiers:  []string{fmt.Sprintf("%s_%s", mqtt.TopicRoot, mqtt.BuildCleanTopic(t.client.Host()))},
		Name:         fmt.Sprintf("Beehive %s", t.client.Host()),
		Model:        "Hive scale",
		Manufacturer: "pihive",
		SWVersion:    t.version,
	}
}

// publishDiscoveryForSensor publishes the discovery config for a single sensor.
func (t *MQTTTransmitter) publishDiscoveryForSensor(s *sensors.Sensor, device HADevice) error {
	entityID := EntityID(s.Name())
	uniqueID := fmt.Sprintf("%s_%s", device.Identifiers[0], entityID)

	t.mu.Lock()
	done := t.publishedSensors[uniqueID]
	t.mu.Unlock()
	if done {
		return nil
	}

	name := s.Description()
	if name == "" {
		name = s.Name()
	}
	class, icon := deviceClass(s.Unit())
	config := HADiscoveryConfig{
		Name:              name,
		UniqueID:          uniqueID,
		StateTopic:        t.client.StateTopic(),
		ValueTemplate:     fmt.Sprintf("{{ value_json.%s }}", entityID),
		DeviceClass:       class,
		UnitOfMeasurement: s.Unit(),
		Device:            device,
		AvailabilityTopic: t.client.AvailabilityTopic(),
		Icon:              icon,
		StateClass:        "measurement",
	}

	topic := t.client.DiscoveryTopic(t.discoveryPrefix, "sensor", entityID)
	if err := t.publishConfigRaw(topic, config); err != nil {
		return fmt.Errorf("failed to publish %s discovery config: %w", s.Name(), err)
	}

	t.logger.WithFields(logrus.Fields{
		"sensor":    s.Name(),
		"entity_id": entityID,
		"topic":     topic,
	}).Info("Published sensor discovery config")

	t.mu.Lock()
	t.publishedSensors[uniqueID] = true
	t.mu.Unlock()
	return nil
}

// publishConfigRaw publishes a raw configuration object
func (t *MQTTTransmitter) publishConfigRaw(topic string, config interface{}) error {
	payload, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal discovery config: %w", err)
	}
	return t.client.Publish(topic, payload, true)
}

// buildStatePayload builds the JSON payload for the state topic. Text values
// are operator notes and are left out.
func buildStatePayload(latest map[string]sensors.StampedValue) ([]byte, error) {
	state := make(map[string]interface{}, len(latest))
	for name, v := range latest {
		switch v.Value.(type) {
		case nil:
			state[EntityID(name)] = nil
		case float64:
			state[EntityID(name)] = v.Value
		}
	}
	return json.Marshal(state)
}

// Transmit publishes discovery for every known sensor with a value, then the
// retained state and availability.
func (t *MQTTTransmitter) Transmit(latest map[string]sensors.StampedValue) error {
	if !t.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	device := t.device()
	for name := range latest {
		s, ok := t.registry.Get(name)
		if !ok {
			continue
		}
		if err := t.publishDiscoveryForSensor(s, device); err != nil {
			t.logger.WithError(err).WithField("sensor", name).Error("Failed to publish discovery config")
		}
	}

	payload, err := buildStatePayload(latest)
	if err != nil {
		return fmt.Errorf("failed to build state payload: %w", err)
	}
	if err := t.client.Publish(t.client.StateTopic(), payload, true); err != nil {
		return fmt.Errorf("failed to publish sensor data: %w", err)
	}
	t.logger.WithFields(logrus.Fields{
		"topic":   t.client.StateTopic(),
		"payload": string(payload),
	}).Info("Published sensor data")

	if err := t.client.PublishAvailability(true); err != nil {
		return fmt.Errorf("failed to publish availability: %w", err)
	}
	return nil
}

// ValuesTopic carries every accepted value line.
func (t *MQTTTransmitter) ValuesTopic() string {
	return t.client.Topic("values")
}

// Deliver forwards one history line. It makes the transmitter a fan-out sink.
func (t *MQTTTransmitter) Deliver(text string) error {
	if !t.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}
	return t.client.Publish(t.ValuesTopic(), []byte(text), false)
}

// IsConnected checks if the MQTT client is connected
func (t *MQTTTransmitter) IsConnected() bool {
	return t.client.IsConnected()
}
