package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.Samples.WithLabelValues("W").Inc()
	m.HXFaults.Add(3)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Samples.WithLabelValues("W")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.HXFaults))

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `pihive_samples_accepted_total{sensor="W"} 1`)
	assert.Contains(t, string(body), "pihive_hx711_faults_total 3")
}
