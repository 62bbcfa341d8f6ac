package netutil

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsLocalOrPrivateHost(t *testing.T) {
	for host, want := range map[string]bool{
		"localhost":          true,
		"127.0.0.1":          true,
		"::1":                true,
		"192.168.1.20":       true,
		"10.1.2.3":           true,
		"fd00::1":            true,
		"fe80::1":            true,
		"hive.local":         true,
		"nas.lan":            true,
		"8.8.8.8":            false,
		"api.open-meteo.com": false,
	} {
		assert.Equal(t, want, isLocalOrPrivateHost(host), host)
	}
}

func TestHTTPClientRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "ok")
	}))
	defer srv.Close()

	l := logrus.New()
	l.SetOutput(io.Discard)
	c := NewHTTPClient(time.Second, false, l)
	resp, err := c.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))
}
