package health

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusConstructors(t *testing.T) {
	healthy := NewHealthy("source", "polling")
	assert.True(t, healthy.Healthy)
	assert.True(t, healthy.IsHealthy())
	assert.False(t, healthy.Timestamp.IsZero())

	degraded := NewDegraded("inference", "slow")
	assert.False(t, degraded.Healthy)
	assert.True(t, degraded.IsDegraded())

	unhealthy := NewUnhealthy("storage", "down")
	assert.False(t, unhealthy.Healthy)
	assert.True(t, unhealthy.IsUnhealthy())
}

func TestFromError(t *testing.T) {
	assert.True(t, FromError("source", nil).IsHealthy())

	st := FromError("source", errors.New("dial nats://10.0.0.5:4222 failed with token=abc"))
	assert.True(t, st.IsUnhealthy())
	assert.NotContains(t, st.Message, "10.0.0.5")
	assert.NotContains(t, st.Message, "abc")
}

func TestSanitizeErrorMessage(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"empty", "", ""},
		{"unix path", "failed to open /etc/framestream/config.yaml", "failed to open [PATH]"},
		{"http url", "post https://infer.local/predict refused", "post [URL] refused"},
		{"nats url", "cannot connect to nats://localhost:4222", "cannot connect to [URL]"},
		{"ip address", "timeout connecting to 192.168.1.100", "timeout connecting to [IP]"},
		{"port", "failed to bind to :9090", "failed to bind to [PORT]"},
		{"credential", "auth failed with password:hunter2", "auth failed with [REDACTED]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, sanitizeErrorMessage(tt.input))
		})
	}
}

func TestAggregate(t *testing.T) {
	tests := []struct {
		name  string
		subs  []Status
		state string
	}{
		{"empty", nil, StateHealthy},
		{"all healthy", []Status{NewHealthy("a", ""), NewHealthy("b", "")}, StateHealthy},
		{"one degraded", []Status{NewHealthy("a", ""), NewDegraded("b", "")}, StateDegraded},
		{"unhealthy wins", []Status{NewDegraded("a", ""), NewUnhealthy("b", "")}, StateUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Aggregate("framestream", tt.subs)
			assert.Equal(t, tt.state, got.Status)
			assert.Len(t, got.SubStatuses, len(tt.subs))
		})
	}
}

func TestMonitor_UpdateAndGet(t *testing.T) {
	m := NewMonitor("framestream")

	m.Update("source", Status{Status: StateHealthy, Healthy: true})
	st, ok := m.Get("source")
	require.True(t, ok)
	assert.Equal(t, "source", st.Component)
	assert.False(t, st.Timestamp.IsZero())

	m.UpdateError("storage", errors.New("bucket missing"))
	st, ok = m.Get("storage")
	require.True(t, ok)
	assert.True(t, st.IsUnhealthy())

	m.Remove("storage")
	_, ok = m.Get("storage")
	assert.False(t, ok)
}

func TestMonitor_AggregateSorted(t *testing.T) {
	m := NewMonitor("framestream")
	m.UpdateHealthy("storage", "")
	m.UpdateDegraded("inference", "")
	m.UpdateHealthy("source", "")

	agg := m.AggregateHealth()
	assert.Equal(t, "framestream", agg.Component)
	assert.True(t, agg.IsDegraded())
	require.Len(t, agg.SubStatuses, 3)
	assert.Equal(t, "inference", agg.SubStatuses[0].Component)
	assert.Equal(t, "source", agg.SubStatuses[1].Component)
	assert.Equal(t, "storage", agg.SubStatuses[2].Component)
}

func TestMonitor_ServeHTTP(t *testing.T) {
	m := NewMonitor("framestream")
	m.UpdateHealthy("source", "")

	rec := httptest.NewRecorder()
	m.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var body Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Healthy)

	m.UpdateUnhealthy("storage", "down")
	rec = httptest.NewRecorder()
	m.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMonitor_ConcurrentAccess(t *testing.T) {
	m := NewMonitor("framestream")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			m.UpdateHealthy("source", "")
		}()
		go func() {
			defer wg.Done()
			_ = m.AggregateHealth()
		}()
	}
	wg.Wait()

	_, ok := m.Get("source")
	assert.True(t, ok)
}
