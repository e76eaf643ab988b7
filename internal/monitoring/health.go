package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-stepper/internal/logger"
	"github.com/23skdu/longbow-stepper/internal/optimizer"
)

// Source is the registry view served by the monitor.
type Source interface {
	States() []optimizer.State
	TileSize() int
}

// HealthStatus represents the health status of the system
type HealthStatus struct {
	Status      string          `json:"status"`
	Timestamp   time.Time       `json:"timestamp"`
	Version     string          `json:"version"`
	Uptime      time.Duration   `json:"uptime"`
	System      SystemInfo      `json:"system"`
	Stepper     StepperInfo     `json:"stepper"`
	Performance PerformanceInfo `json:"performance"`
	Alerts      []Alert         `json:"alerts"`
}

// SystemInfo contains system-level information
type SystemInfo struct {
	GoVersion    string `json:"go_version"`
	OS           string `json:"os"`
	Arch         string `json:"arch"`
	NumCPU       int    `json:"num_cpu"`
	MemoryMB     int    `json:"memory_mb"`
	MemoryUsedMB int    `json:"memory_used_mb"`
}

// StepperInfo describes the optimizer registry
type StepperInfo struct {
	SIMDLevel        string `json:"simd_level"`
	TileSize         int    `json:"tile_size"`
	ActiveOptimizers int    `json:"active_optimizers"`
	TotalElements    int64  `json:"total_elements"`
}

// PerformanceInfo contains performance metrics
type PerformanceInfo struct {
	ElementsPerSecond float64   `json:"elements_per_second"`
	AvgLatencyMs      float64   `json:"avg_latency_ms"`
	P95LatencyMs      float64   `json:"p95_latency_ms"`
	ErrorRate         float64   `json:"error_rate"`
	LastStep          time.Time `json:"last_step"`
}

// Alert represents a system alert
type Alert struct {
	Level      string     `json:"level"`     // info, warning, error, critical
	Component  string     `json:"component"` // optimizer, device, system
	Message    string     `json:"message"`
	Timestamp  time.Time  `json:"timestamp"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// OptimizerInfo is the /optimizers view of one handle
type OptimizerInfo struct {
	Handle      int32   `json:"handle"`
	Family      string  `json:"family"`
	Step        uint64  `json:"step"`
	N           int     `json:"n"`
	LR          float64 `json:"lr"`
	Eps         float64 `json:"eps"`
	WeightDecay float64 `json:"weight_decay"`
	Beta        float64 `json:"beta,omitempty"`
}

// PerfPoint represents a performance data point
type PerfPoint struct {
	Timestamp time.Time
	Elements  int
	Duration  time.Duration
	Failed    bool
}

// HealthMonitor serves health, readiness, metrics and registry state.
type HealthMonitor struct {
	startTime time.Time
	simdLevel string
	source    Source
	server    *http.Server
	log       *logger.Logger

	mu          sync.RWMutex
	alerts      []Alert
	lastStep    time.Time
	perfHistory []PerfPoint
	totalElems  int64
}

// NewHealthMonitor creates a new health monitor. source may be nil until
// SetSource is called; the monitor is not ready until then.
func NewHealthMonitor(simdLevel string, source Source) *HealthMonitor {
	return &HealthMonitor{
		startTime:   time.Now(),
		simdLevel:   simdLevel,
		source:      source,
		log:         logger.Log.With("monitoring"),
		alerts:      make([]Alert, 0),
		perfHistory: make([]PerfPoint, 0),
	}
}

// SetSource attaches the registry.
func (hm *HealthMonitor) SetSource(s Source) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.source = s
}

// Handler returns the monitor's HTTP routes.
func (hm *HealthMonitor) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", hm.handleHealth)
	mux.HandleFunc("/healthz", hm.handleHealth) // Kubernetes compatibility
	mux.HandleFunc("/readyz", hm.handleReady)

	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/status", hm.handleDetailedStatus)
	mux.HandleFunc("/optimizers", hm.handleOptimizers)

	mux.HandleFunc("/admin/alerts", hm.handleAlerts)
	mux.HandleFunc("/admin/clear-alerts", hm.handleClearAlerts)
	return mux
}

// Start listens on addr and serves in the background. It returns the bound
// address so ":0" can be used.
func (hm *HealthMonitor) Start(addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("health monitor listen on %s: %w", addr, err)
	}
	hm.server = &http.Server{
		Handler:      hm.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	hm.log.Info("health monitor starting", "addr", ln.Addr().String())
	go func() {
		if err := hm.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			hm.log.Error("health monitor stopped", "error", err)
		}
	}()
	return ln.Addr(), nil
}

// Stop stops health monitoring
func (hm *HealthMonitor) Stop(ctx context.Context) error {
	if hm.server != nil {
		return hm.server.Shutdown(ctx)
	}
	return nil
}

// RecordStep records a completed step for performance monitoring. A non-nil
// err raises an alert; device sync failures are errors, the rest warnings.
func (hm *HealthMonitor) RecordStep(handle int32, elements int, duration time.Duration, err error) {
	hm.mu.Lock()
	now := time.Now()
	hm.lastStep = now
	hm.totalElems += int64(elements)
	hm.perfHistory = append(hm.perfHistory, PerfPoint{
		Timestamp: now,
		Elements:  elements,
		Duration:  duration,
		Failed:    err != nil,
	})

	// Keep only last 1000 points
	if len(hm.perfHistory) > 1000 {
		hm.perfHistory = hm.perfHistory[1:]
	}
	hm.mu.Unlock()

	switch {
	case errors.Is(err, optimizer.ErrDeviceSync):
		hm.AddAlert("error", "device", fmt.Sprintf("optimizer %d: %v", handle, err))
	case err != nil:
		hm.AddAlert("warning", "optimizer", fmt.Sprintf("optimizer %d: %v", handle, err))
	}
}

// AddAlert adds a new alert
func (hm *HealthMonitor) AddAlert(level, component, message string) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	hm.alerts = append(hm.alerts, Alert{
		Level:     level,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
	})

	// Keep only last 100 alerts
	if len(hm.alerts) > 100 {
		hm.alerts = hm.alerts[1:]
	}

	hm.log.Warn("alert raised", "level", level, "component", component, "message", message)
}

// ResolveAlert resolves an alert
func (hm *HealthMonitor) ResolveAlert(index int) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	if index >= 0 && index < len(hm.alerts) {
		now := time.Now()
		hm.alerts[index].Resolved = true
		hm.alerts[index].ResolvedAt = &now
	}
}

// HTTP Handlers

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (hm *HealthMonitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := hm.getHealthStatus()

	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{
		"status":    status.Status,
		"timestamp": status.Timestamp.Format(time.RFC3339),
	})
}

func (hm *HealthMonitor) handleReady(w http.ResponseWriter, r *http.Request) {
	hm.mu.RLock()
	ready := hm.source != nil
	hm.mu.RUnlock()

	if !ready {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (hm *HealthMonitor) handleDetailedStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, hm.getHealthStatus())
}

func (hm *HealthMonitor) handleOptimizers(w http.ResponseWriter, r *http.Request) {
	hm.mu.RLock()
	src := hm.source
	hm.mu.RUnlock()

	out := make([]OptimizerInfo, 0)
	if src != nil {
		for _, st := range src.States() {
			out = append(out, OptimizerInfo{
				Handle:      st.Handle,
				Family:      st.Hyper.Family.String(),
				Step:        st.Step,
				N:           st.N,
				LR:          st.Hyper.LR,
				Eps:         st.Hyper.Eps,
				WeightDecay: st.Hyper.WeightDecay,
				Beta:        st.Hyper.Beta,
			})
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (hm *HealthMonitor) handleAlerts(w http.ResponseWriter, r *http.Request) {
	hm.mu.RLock()
	alerts := make([]Alert, len(hm.alerts))
	copy(alerts, hm.alerts)
	hm.mu.RUnlock()

	writeJSON(w, http.StatusOK, alerts)
}

func (hm *HealthMonitor) handleClearAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	hm.mu.Lock()
	hm.alerts = hm.alerts[:0] // Clear all alerts
	hm.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"message": "alerts cleared"})
}

// Health status calculation

func (hm *HealthMonitor) getHealthStatus() HealthStatus {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	status := "healthy"
	for _, alert := range hm.alerts {
		if alert.Resolved {
			continue
		}
		if alert.Level == "critical" {
			status = "critical"
			break
		}
		if alert.Level == "error" {
			status = "degraded"
		}
	}

	info := StepperInfo{
		SIMDLevel:     hm.simdLevel,
		TotalElements: hm.totalElems,
	}
	if hm.source != nil {
		info.ActiveOptimizers = len(hm.source.States())
		info.TileSize = hm.source.TileSize()
	}

	alerts := make([]Alert, len(hm.alerts))
	copy(alerts, hm.alerts)

	return HealthStatus{
		Status:      status,
		Timestamp:   time.Now(),
		Version:     "1.0.0",
		Uptime:      time.Since(hm.startTime),
		System:      getSystemInfo(),
		Stepper:     info,
		Performance: hm.calculatePerformanceInfo(),
		Alerts:      alerts,
	}
}

func getSystemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return SystemInfo{
		GoVersion:    runtime.Version(),
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		NumCPU:       runtime.NumCPU(),
		MemoryMB:     int(m.Sys / 1024 / 1024),
		MemoryUsedMB: int(m.Alloc / 1024 / 1024),
	}
}

func (hm *HealthMonitor) calculatePerformanceInfo() PerformanceInfo {
	if len(hm.perfHistory) == 0 {
		return PerformanceInfo{LastStep: hm.lastStep}
	}

	var totalElements int
	var totalDuration time.Duration
	var failed int
	latencies := make([]float64, 0, len(hm.perfHistory))
	for _, point := range hm.perfHistory {
		totalElements += point.Elements
		totalDuration += point.Duration
		if point.Failed {
			failed++
		}
		latencies = append(latencies, float64(point.Duration.Nanoseconds())/1e6)
	}
	sort.Float64s(latencies)

	p95Index := int(float64(len(latencies)) * 0.95)
	if p95Index >= len(latencies) {
		p95Index = len(latencies) - 1
	}

	info := PerformanceInfo{
		AvgLatencyMs: float64(totalDuration.Nanoseconds()) / float64(len(hm.perfHistory)) / 1e6,
		P95LatencyMs: latencies[p95Index],
		ErrorRate:    float64(failed) / float64(len(hm.perfHistory)),
		LastStep:     hm.lastStep,
	}
	if totalDuration > 0 {
		info.ElementsPerSecond = float64(totalElements) / totalDuration.Seconds()
	}
	return info
}
