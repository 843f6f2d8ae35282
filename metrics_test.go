package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMetrics_Health(t *testing.T) {
	m := NewMetricsCollector(nil, zap.NewNop())
	h := m.Handler("/metrics")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}

func TestMetrics_Ready(t *testing.T) {
	engine := NewEngine(DefaultConfig(), zap.NewNop())
	m := NewMetricsCollector(engine, zap.NewNop())
	h := m.Handler("/metrics")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	engine.state.Store(int32(EngineStateRunning))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ready"`)
}

func TestMetrics_Prometheus(t *testing.T) {
	m := NewMetricsCollector(nil, zap.NewNop())
	m.last = EngineStats{SlaveCount: 3, ActiveSlaves: 2, Requests: 40, Exceptions: 4, Dropped: 1}

	rec := httptest.NewRecorder()
	m.Handler("/metrics").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "# TYPE modbusd_requests_total counter")
	assert.Contains(t, body, "modbusd_requests_total 40\n")
	assert.Contains(t, body, "modbusd_exceptions_total 4\n")
	assert.Contains(t, body, "modbusd_dropped_total 1\n")
	assert.Contains(t, body, "modbusd_slaves_active 2\n")
}

func TestMetrics_JSON(t *testing.T) {
	engine := NewEngine(DefaultConfig(), zap.NewNop())
	m := NewMetricsCollector(engine, zap.NewNop())
	m.collect()
	m.last.Requests = 10
	m.last.Exceptions = 2

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("Accept", "application/json")
	rec := httptest.NewRecorder()
	m.Handler("/metrics").ServeHTTP(rec, req)

	var snapshot MetricsSnapshot
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&snapshot))
	assert.Equal(t, "stopped", snapshot.EngineState)
	assert.Equal(t, uint64(10), snapshot.TotalRequests)
	assert.InDelta(t, 20.0, snapshot.ExceptionRate, 0.001)
}

func TestMetrics_RequestsPerSec(t *testing.T) {
	m := NewMetricsCollector(nil, zap.NewNop())
	now := time.Now()
	m.requestHistory = []requestSample{
		{timestamp: now.Add(-2 * time.Second), requests: 100},
		{timestamp: now, requests: 300},
	}

	assert.InDelta(t, 100.0, m.Snapshot().RequestsPerSec, 0.001)
}

func TestMetrics_StartStop(t *testing.T) {
	m := NewMetricsCollector(nil, zap.NewNop())
	port := freePort(t)
	require.NoError(t, m.Start("/metrics", port))

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/metrics", port))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "modbusd_uptime_seconds")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, m.Stop(ctx))
}
