package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	t.Parallel()
	var m *Metrics
	m.SendAttempt()
	m.SendDone(OutcomeSent, 0.1)
	m.Reconnect("backoff")
	m.Warmup(true)
	m.Fire()
	m.UnitState("", "open")
	assert.Nil(t, m.Registry())
}

func TestCountersAndHandler(t *testing.T) {
	t.Parallel()
	m := New(func() int { return 7 })
	m.SendAttempt()
	m.SendAttempt()
	m.SendDone(OutcomeFatal, 0.2)
	m.UnitState("", "open")
	m.UnitState("open", "reconnecting")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.sendAttempts))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sends.WithLabelValues(OutcomeFatal)))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.units.WithLabelValues("open")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.units.WithLabelValues("reconnecting")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "unlockbot_metadata_cache_entries 7")
}
