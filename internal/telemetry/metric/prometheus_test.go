package metric_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cipherfan/internal/telemetry/metric"
)

func TestRegistriesAreIndependent(t *testing.T) {
	a := metric.NewRegistry()
	b := metric.NewRegistry()

	a.FanoutDevices.WithLabelValues("encrypt", "ok").Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.FanoutDevices.WithLabelValues("encrypt", "ok")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.FanoutDevices.WithLabelValues("encrypt", "ok")))
}

func TestHandlerServesMetrics(t *testing.T) {
	r := metric.NewRegistry()
	r.DecryptFailures.WithLabelValues("SessionCorrupted").Inc()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `cipherfan_session_decrypt_failures_total{kind="SessionCorrupted"} 1`)
}
