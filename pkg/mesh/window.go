package mesh

import (
	"sort"
	"sync"
	"time"

	"github.com/fluxgate/fabric/pkg/types"
)

const metricsWindow = 60 * time.Second

// serviceWindow accumulates one service's call outcomes for the current
// 60s window (§4.2.4) before being rolled into a types.ServiceMetrics
// snapshot and reset.
type serviceWindow struct {
	windowStart   time.Time
	requestCount  int64
	errorCount    int64
	activeConns   int64
	durationsMs   []float64
}

// metricsTable is the mesh's per-service rolling-window store.
type metricsTable struct {
	mu       sync.Mutex
	windows  map[string]*serviceWindow
}

func newMetricsTable() *metricsTable {
	return &metricsTable{windows: make(map[string]*serviceWindow)}
}

func (m *metricsTable) record(serviceName string, durationMs float64, isError bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[serviceName]
	if !ok {
		w = &serviceWindow{windowStart: time.Now()}
		m.windows[serviceName] = w
	}
	w.requestCount++
	if isError {
		w.errorCount++
	}
	w.durationsMs = append(w.durationsMs, durationMs)
}

func (m *metricsTable) setActiveConns(serviceName string, delta int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.windows[serviceName]
	if !ok {
		w = &serviceWindow{windowStart: time.Now()}
		m.windows[serviceName] = w
	}
	w.activeConns += delta
	if w.activeConns < 0 {
		w.activeConns = 0
	}
}

// snapshot computes a types.ServiceMetrics for serviceName from the
// current window without resetting it.
func (m *metricsTable) snapshot(serviceName string) (types.ServiceMetrics, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[serviceName]
	if !ok {
		return types.ServiceMetrics{}, false
	}
	return buildSnapshot(serviceName, w), true
}

func buildSnapshot(serviceName string, w *serviceWindow) types.ServiceMetrics {
	sorted := append([]float64(nil), w.durationsMs...)
	sort.Float64s(sorted)

	return types.ServiceMetrics{
		ServiceName:  serviceName,
		WindowStart:  w.windowStart,
		RequestCount: w.requestCount,
		ErrorCount:   w.errorCount,
		ActiveConns:  w.activeConns,
		P50Ms:        percentile(sorted, 0.50),
		P95Ms:        percentile(sorted, 0.95),
		P99Ms:        percentile(sorted, 0.99),
		AvgMs:        average(sorted),
	}
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

func average(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// rollLoop resets every service's window every 60s, matching §4.2.4's
// "aggregated into per-service 60-second windows".
func (m *metricsTable) rollLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(metricsWindow)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.roll()
		case <-stop:
			return
		}
	}
}

func (m *metricsTable) roll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, w := range m.windows {
		active := w.activeConns
		m.windows[name] = &serviceWindow{windowStart: time.Now(), activeConns: active}
	}
}
