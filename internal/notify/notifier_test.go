package notify

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	mu     sync.Mutex
	topics []string
	bodies [][]byte
}

func (f *fakePublisher) Publish(topic string, payload []byte, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topics = append(f.topics, topic)
	f.bodies = append(f.bodies, payload)
	return nil
}

func (f *fakePublisher) Topic(parts ...string) string {
	out := "pihive/hive1"
	for _, p := range parts {
		out += "/" + p
	}
	return out
}

func (f *fakePublisher) IsConnected() bool { return true }

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestReportPublishesOnce(t *testing.T) {
	pub := &fakePublisher{}
	n := NewNotifier(pub, quietLogger())

	n.Report(context.Background(), "W", "sensor W disabled")
	n.Report(context.Background(), "W", "sensor W disabled")

	require.Len(t, pub.topics, 1)
	assert.Equal(t, "pihive/hive1/alert/W", pub.topics[0])
	var a Alert
	require.NoError(t, json.Unmarshal(pub.bodies[0], &a))
	assert.Equal(t, "W", a.Subject)
	assert.Equal(t, "sensor W disabled", a.Message)
	assert.Len(t, n.Active(), 1)
}

func TestClearAllowsReportAgain(t *testing.T) {
	pub := &fakePublisher{}
	n := NewNotifier(pub, quietLogger())

	n.Report(context.Background(), "W", "disabled")
	n.Clear("W")
	assert.Empty(t, n.Active())
	require.Len(t, pub.bodies, 2)
	assert.Empty(t, pub.bodies[1], "clearing removes the retained alert")

	n.Report(context.Background(), "W", "disabled")
	assert.Len(t, pub.topics, 3)
}

func TestReportWithoutPublisher(t *testing.T) {
	n := NewNotifier(nil, quietLogger())
	n.Report(context.Background(), "W", "disabled")
	n.Report(context.Background(), "", "ignored")
	assert.Len(t, n.Active(), 1)
}
