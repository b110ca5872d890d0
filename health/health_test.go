package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregate(t *testing.T) {
	agg := Aggregate("node", nil)
	assert.Equal(t, StatusHealthy, agg.Status)

	agg = Aggregate("node", []Status{
		Healthy("a", ""),
		Healthy("b", ""),
	})
	assert.Equal(t, StatusHealthy, agg.Status)
	assert.True(t, agg.Healthy)

	agg = Aggregate("node", []Status{
		Healthy("a", ""),
		Degraded("b", "slow"),
	})
	assert.Equal(t, StatusDegraded, agg.Status)

	agg = Aggregate("node", []Status{
		Degraded("a", ""),
		Unhealthy("b", "down"),
	})
	assert.Equal(t, StatusUnhealthy, agg.Status)
	assert.Len(t, agg.SubStatuses, 2)
}

func TestMonitorEvaluate(t *testing.T) {
	m := NewMonitor("node-a")
	m.RegisterCheck("nats", func() Status { return Healthy("", "connected") })
	m.RegisterCheck("gateway", func() Status { return Unhealthy("", "server dead") })

	status := m.Evaluate()
	assert.Equal(t, "node-a", status.Component)
	assert.Equal(t, StatusUnhealthy, status.Status)

	m.RemoveCheck("gateway")
	assert.Equal(t, StatusHealthy, m.Evaluate().Status)
}

func TestHandler(t *testing.T) {
	m := NewMonitor("node-a")
	m.RegisterCheck("nats", func() Status { return Healthy("", "connected") })

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var status Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, StatusHealthy, status.Status)

	m.RegisterCheck("gateway", func() Status { return Unhealthy("", "dead") })
	rec = httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
