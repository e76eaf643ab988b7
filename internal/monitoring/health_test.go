package monitoring

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-stepper/internal/optimizer"
)

type fakeSource struct {
	states []optimizer.State
}

func (f fakeSource) States() []optimizer.State { return f.states }
func (f fakeSource) TileSize() int             { return 256 }

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthEndpoints(t *testing.T) {
	hm := NewHealthMonitor("avx2", nil)
	h := hm.Handler()

	rec := get(t, h, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"healthy"`)

	rec = get(t, h, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	hm.SetSource(fakeSource{})
	rec = get(t, h, "/readyz")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDeviceFailureDegradesHealth(t *testing.T) {
	hm := NewHealthMonitor("wide", fakeSource{})
	h := hm.Handler()

	hm.RecordStep(1, 1000, time.Millisecond, nil)
	hm.RecordStep(1, 1000, time.Millisecond, fmt.Errorf("step: %w", optimizer.ErrLengthMismatch))
	assert.Equal(t, http.StatusOK, get(t, h, "/health").Code, "warnings do not degrade")

	hm.RecordStep(2, 1000, time.Millisecond, fmt.Errorf("step: %w: %w", optimizer.ErrDeviceSync, errors.New("link down")))
	rec := get(t, h, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "degraded")

	var alerts []Alert
	require.NoError(t, json.Unmarshal(get(t, h, "/admin/alerts").Body.Bytes(), &alerts))
	require.Len(t, alerts, 2)
	assert.Equal(t, "device", alerts[1].Component)

	hm.ResolveAlert(1)
	assert.Equal(t, http.StatusOK, get(t, h, "/health").Code)
}

func TestClearAlerts(t *testing.T) {
	hm := NewHealthMonitor("scalar", nil)
	h := hm.Handler()
	hm.AddAlert("critical", "system", "boom")

	assert.Equal(t, http.StatusMethodNotAllowed, get(t, h, "/admin/clear-alerts").Code)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/clear-alerts", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/health").Code)
}

func TestStatusAndOptimizers(t *testing.T) {
	src := fakeSource{states: []optimizer.State{
		{Handle: 3, Hyper: optimizer.DefaultHyper(optimizer.Momentum), Step: 12, N: 4096},
		{Handle: 7, Hyper: optimizer.DefaultHyper(optimizer.Adagrad), Step: 1, N: -1},
	}}
	hm := NewHealthMonitor("medium", src)
	h := hm.Handler()

	hm.RecordStep(3, 4096, 2*time.Millisecond, nil)
	hm.RecordStep(3, 4096, 2*time.Millisecond, nil)

	var status HealthStatus
	require.NoError(t, json.Unmarshal(get(t, h, "/status").Body.Bytes(), &status))
	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, "medium", status.Stepper.SIMDLevel)
	assert.Equal(t, 2, status.Stepper.ActiveOptimizers)
	assert.Equal(t, 256, status.Stepper.TileSize)
	assert.Equal(t, int64(8192), status.Stepper.TotalElements)
	assert.InDelta(t, 2.0, status.Performance.AvgLatencyMs, 1e-9)
	assert.InDelta(t, 4096/0.002, status.Performance.ElementsPerSecond, 1)

	var opts []OptimizerInfo
	require.NoError(t, json.Unmarshal(get(t, h, "/optimizers").Body.Bytes(), &opts))
	require.Len(t, opts, 2)
	assert.Equal(t, "momentum", opts[0].Family)
	assert.Equal(t, uint64(12), opts[0].Step)
	assert.Equal(t, 0.9, opts[0].Beta)
	assert.Equal(t, -1, opts[1].N)
}

func TestMetricsEndpoint(t *testing.T) {
	rec := get(t, NewHealthMonitor("scalar", nil).Handler(), "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "go_goroutines"))
}

func TestStartStop(t *testing.T) {
	hm := NewHealthMonitor("scalar", fakeSource{})
	addr, err := hm.Start("localhost:0")
	require.NoError(t, err)

	resp, err := http.Get("http://" + addr.String() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, hm.Stop(t.Context()))
}
