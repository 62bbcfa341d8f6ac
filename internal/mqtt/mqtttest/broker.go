// Package mqtttest runs an in-process MQTT broker for tests.
package mqtttest

import (
	"fmt"
	"net"
	"testing"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/stretchr/testify/require"
)

// Broker starts an open broker on a free local port and returns its URL. The
// broker is closed when the test ends.
func Broker(t testing.TB) string {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	server := mochi.New(nil)
	require.NoError(t, server.AddHook(new(auth.AllowHook), nil))
	require.NoError(t, server.AddListener(listeners.NewTCP(listeners.Config{
		Type:    "tcp",
		ID:      "t1",
		Address: addr,
	})))
	require.NoError(t, server.Serve())
	t.Cleanup(func() { _ = server.Close() })

	return fmt.Sprintf("mqtt://%s", addr)
}
