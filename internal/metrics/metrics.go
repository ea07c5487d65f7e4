package metrics

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
)

// Metrics is the agent's in-process counter set, exposed both as JSON
// (diagnostics API) and Prometheus text exposition format.
type Metrics struct {
	// PLC transport
	TransportReconnects int64 `json:"transport_reconnects"`
	TransportFaults     int64 `json:"transport_faults"`

	// Sync loop
	SyncTicksTotal    int64 `json:"sync_ticks_total"`
	SyncTicksSkipped  int64 `json:"sync_ticks_skipped"`
	SyncReadErrors    int64 `json:"sync_read_errors"`
	SyncReconciled    int64 `json:"sync_reconciled"`

	// Command dispatcher
	CommandsCompleted int64 `json:"commands_completed"`
	CommandsFailed    int64 `json:"commands_failed"`

	// Recipe executor
	ExecutionsStarted   int64 `json:"executions_started"`
	ExecutionsCompleted int64 `json:"executions_completed"`
	ExecutionsFailed    int64 `json:"executions_failed"`
	ExecutionsCancelled int64 `json:"executions_cancelled"`

	// System
	Uptime         int64   `json:"uptime_seconds"`
	MemoryUsed     uint64  `json:"memory_used_bytes"`
	MemoryTotal    uint64  `json:"memory_total_bytes"`
	GoroutineCount int     `json:"goroutine_count"`

	// Diagnostics API
	TotalRequests   int64   `json:"total_requests"`
	TotalErrors     int64   `json:"total_errors"`
	AvgResponseTime float64 `json:"avg_response_time_ms"`

	mu        sync.RWMutex
	startTime time.Time
}

// NewMetrics constructs a Metrics set with its uptime clock started.
func NewMetrics() *Metrics {
	return &Metrics{startTime: time.Now()}
}

func (m *Metrics) IncrementTransportReconnects() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TransportReconnects++
}

func (m *Metrics) IncrementTransportFaults() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TransportFaults++
}

func (m *Metrics) RecordSyncTick(skipped bool, readErrors, reconciled int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SyncTicksTotal++
	if skipped {
		m.SyncTicksSkipped++
	}
	m.SyncReadErrors += int64(readErrors)
	m.SyncReconciled += int64(reconciled)
}

func (m *Metrics) IncrementCommandsCompleted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CommandsCompleted++
}

func (m *Metrics) IncrementCommandsFailed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CommandsFailed++
}

func (m *Metrics) IncrementExecutionsStarted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ExecutionsStarted++
}

func (m *Metrics) RecordExecutionFinished(status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch status {
	case "completed":
		m.ExecutionsCompleted++
	case "failed":
		m.ExecutionsFailed++
	case "cancelled":
		m.ExecutionsCancelled++
	}
}

func (m *Metrics) IncrementRequests() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TotalRequests++
}

func (m *Metrics) IncrementErrors() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TotalErrors++
}

// RecordResponseTime folds a sample into an exponential moving average.
func (m *Metrics) RecordResponseTime(duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ms := float64(duration.Milliseconds())
	if m.AvgResponseTime == 0 {
		m.AvgResponseTime = ms
	} else {
		m.AvgResponseTime = (m.AvgResponseTime * 0.9) + (ms * 0.1)
	}
}

// UpdateSystemMetrics refreshes uptime, memory, and goroutine counters.
func (m *Metrics) UpdateSystemMetrics() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Uptime = int64(time.Since(m.startTime).Seconds())

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	m.MemoryUsed = memStats.Alloc
	m.MemoryTotal = memStats.Sys

	m.GoroutineCount = runtime.NumGoroutine()
}

// GetMetrics returns the current snapshot as a JSON-friendly map.
func (m *Metrics) GetMetrics() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]interface{}{
		"transport": map[string]interface{}{
			"reconnects": m.TransportReconnects,
			"faults":     m.TransportFaults,
		},
		"sync_loop": map[string]interface{}{
			"ticks_total":   m.SyncTicksTotal,
			"ticks_skipped": m.SyncTicksSkipped,
			"read_errors":   m.SyncReadErrors,
			"reconciled":    m.SyncReconciled,
		},
		"commands": map[string]interface{}{
			"completed": m.CommandsCompleted,
			"failed":    m.CommandsFailed,
		},
		"executions": map[string]interface{}{
			"started":   m.ExecutionsStarted,
			"completed": m.ExecutionsCompleted,
			"failed":    m.ExecutionsFailed,
			"cancelled": m.ExecutionsCancelled,
		},
		"system": map[string]interface{}{
			"uptime_seconds":     m.Uptime,
			"memory_used_bytes":  m.MemoryUsed,
			"memory_total_bytes": m.MemoryTotal,
			"memory_used_mb":     m.MemoryUsed / 1024 / 1024,
			"goroutines":         m.GoroutineCount,
		},
		"api": map[string]interface{}{
			"total_requests":       m.TotalRequests,
			"total_errors":         m.TotalErrors,
			"avg_response_time_ms": m.AvgResponseTime,
		},
	}
}

// PrometheusFormat renders the snapshot in Prometheus text exposition
// format for scraping by the diagnostics API.
func (m *Metrics) PrometheusFormat() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return `# HELP aldagent_transport_reconnects_total PLC transport reconnect count
# TYPE aldagent_transport_reconnects_total counter
aldagent_transport_reconnects_total ` + formatInt64(m.TransportReconnects) + `

# HELP aldagent_transport_faults_total PLC transport fault count
# TYPE aldagent_transport_faults_total counter
aldagent_transport_faults_total ` + formatInt64(m.TransportFaults) + `

# HELP aldagent_sync_ticks_total Sync loop ticks executed
# TYPE aldagent_sync_ticks_total counter
aldagent_sync_ticks_total ` + formatInt64(m.SyncTicksTotal) + `

# HELP aldagent_sync_ticks_skipped_total Sync loop ticks skipped due to overrun
# TYPE aldagent_sync_ticks_skipped_total counter
aldagent_sync_ticks_skipped_total ` + formatInt64(m.SyncTicksSkipped) + `

# HELP aldagent_commands_completed_total Commands completed
# TYPE aldagent_commands_completed_total counter
aldagent_commands_completed_total ` + formatInt64(m.CommandsCompleted) + `

# HELP aldagent_commands_failed_total Commands failed
# TYPE aldagent_commands_failed_total counter
aldagent_commands_failed_total ` + formatInt64(m.CommandsFailed) + `

# HELP aldagent_executions_completed_total Recipe executions completed
# TYPE aldagent_executions_completed_total counter
aldagent_executions_completed_total ` + formatInt64(m.ExecutionsCompleted) + `

# HELP aldagent_executions_failed_total Recipe executions failed
# TYPE aldagent_executions_failed_total counter
aldagent_executions_failed_total ` + formatInt64(m.ExecutionsFailed) + `

# HELP aldagent_uptime_seconds Agent uptime in seconds
# TYPE aldagent_uptime_seconds gauge
aldagent_uptime_seconds ` + formatInt64(m.Uptime) + `

# HELP aldagent_memory_used_bytes Memory used in bytes
# TYPE aldagent_memory_used_bytes gauge
aldagent_memory_used_bytes ` + formatUint64(m.MemoryUsed) + `

# HELP aldagent_goroutines Number of goroutines
# TYPE aldagent_goroutines gauge
aldagent_goroutines ` + formatInt(m.GoroutineCount) + `

# HELP aldagent_api_requests_total Diagnostics API requests
# TYPE aldagent_api_requests_total counter
aldagent_api_requests_total ` + formatInt64(m.TotalRequests) + `

# HELP aldagent_api_errors_total Diagnostics API error responses
# TYPE aldagent_api_errors_total counter
aldagent_api_errors_total ` + formatInt64(m.TotalErrors) + `

# HELP aldagent_api_response_time_ms Average diagnostics API response time
# TYPE aldagent_api_response_time_ms gauge
aldagent_api_response_time_ms ` + formatFloat64(m.AvgResponseTime) + `
`
}

// MetricsMiddleware records per-request count, error rate, and latency
// for every diagnostics API route it wraps.
func MetricsMiddleware(m *Metrics) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		m.IncrementRequests()

		err := c.Next()

		m.RecordResponseTime(time.Since(start))
		if c.Response().StatusCode() >= 400 {
			m.IncrementErrors()
		}
		return err
	}
}

func formatInt64(n int64) string   { return fmt.Sprintf("%d", n) }
func formatUint64(n uint64) string { return fmt.Sprintf("%d", n) }
func formatInt(n int) string       { return fmt.Sprintf("%d", n) }
func formatFloat64(n float64) string { return fmt.Sprintf("%.2f", n) }
