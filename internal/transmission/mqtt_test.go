package transmission

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaberg/pihive/internal/mqtt"
	"github.com/jkaberg/pihive/internal/mqtt/mqtttest"
	"github.com/jkaberg/pihive/internal/sensors"
)

type inbox struct {
	mu   sync.Mutex
	msgs map[string][]byte
}

func (i *inbox) handle(topic string, payload []byte) {
	i.mu.Lock()
	i.msgs[topic] = payload
	i.mu.Unlock()
}

func (i *inbox) get(topic string) ([]byte, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	p, ok := i.msgs[topic]
	return p, ok
}

func TestMQTTTransmitterPublishesDiscoveryAndState(t *testing.T) {
	url := mqtttest.Broker(t)
	client, err := mqtt.NewClient(url, "hive1", mqtt.Options{}, quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { client.Disconnect(100) })

	box := &inbox{msgs: make(map[string][]byte)}
	require.NoError(t, client.Subscribe("#", box.handle))

	reg := sensors.NewRegistry()
	rec := sensors.DefaultRecord("Weight", sensors.KindWeight)
	rec.Unit = "kg"
	reg.Add(sensors.New(rec))

	tx := NewMQTTTransmitter(client, reg, "homeassistant", "test", quietLogger())
	require.NoError(t, tx.Transmit(map[string]sensors.StampedValue{
		"Weight": sensors.NewStampedValue("Weight", 41.2),
		"note":   sensors.NewStampedValue("note", "queen seen"),
	}))
	require.NoError(t, tx.Deliver("line"))

	discovery := "homeassistant/sensor/pihive_hive1/weight/config"
	require.Eventually(t, func() bool {
		_, d := box.get(discovery)
		_, s := box.get(client.StateTopic())
		_, v := box.get(tx.ValuesTopic())
		return d && s && v
	}, 5*time.Second, 10*time.Millisecond)

	raw, _ := box.get(discovery)
	var cfg HADiscoveryConfig
	require.NoError(t, json.Unmarshal(raw, &cfg))
	assert.Equal(t, "weight", cfg.DeviceClass)
	assert.Equal(t, "kg", cfg.UnitOfMeasurement)
	assert.Equal(t, "{{ value_json.weight }}", cfg.ValueTemplate)
	assert.Equal(t, "pihive/hive1/state", cfg.StateTopic)

	raw, _ = box.get(client.StateTopic())
	var state map[string]any
	require.NoError(t, json.Unmarshal(raw, &state))
	assert.Equal(t, map[string]any{"weight": 41.2}, state)

	raw, _ = box.get(tx.ValuesTopic())
	assert.Equal(t, "line", string(raw))
}
