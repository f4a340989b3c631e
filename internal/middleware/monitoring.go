package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"claude-code-proxy/internal/events"
	"claude-code-proxy/internal/monitor"
)

// MonitoringMiddleware provides health and metrics endpoints
type MonitoringMiddleware struct {
	metrics       *monitor.Metrics
	eventBus      events.EventBus
	broadcastMu   sync.Mutex
	lastBroadcast map[string]time.Time
}

// NewMonitoringMiddleware creates a new monitoring middleware
func NewMonitoringMiddleware() *MonitoringMiddleware {
	return &MonitoringMiddleware{
		metrics:       monitor.NewMetrics(),
		lastBroadcast: make(map[string]time.Time),
	}
}

// SetEventBus 设置EventBus事件总线
func (mm *MonitoringMiddleware) SetEventBus(eventBus events.EventBus) {
	mm.eventBus = eventBus
}

// GetMetrics returns the metrics instance
func (mm *MonitoringMiddleware) GetMetrics() *monitor.Metrics {
	return mm.metrics
}

// RegisterHealthEndpoint registers health check endpoints
func (mm *MonitoringMiddleware) RegisterHealthEndpoint(mux *http.ServeMux) {
	mux.HandleFunc("/health", mm.handleHealth)
	mux.HandleFunc("/metrics", mm.handleMetrics)
}

// handleHealth handles basic health check
func (mm *MonitoringMiddleware) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snapshot := mm.metrics.GetSnapshot()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	response := map[string]interface{}{
		"status":             "healthy",
		"active_connections": snapshot.ActiveConnections,
		"total_requests":     snapshot.TotalRequests,
		"uptime_seconds":     int64(time.Since(snapshot.StartTime).Seconds()),
	}

	json.NewEncoder(w).Encode(response)
}

// handleMetrics handles metrics endpoint
func (mm *MonitoringMiddleware) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snapshot := mm.metrics.GetSnapshot()

	w.Header().Set("Content-Type", "text/plain")

	// Basic Prometheus-style metrics
	fmt.Fprintf(w, "# HELP relay_requests_total Total number of client requests\n")
	fmt.Fprintf(w, "# TYPE relay_requests_total counter\n")
	fmt.Fprintf(w, "relay_requests_total %d\n", snapshot.TotalRequests)

	fmt.Fprintf(w, "# HELP relay_requests_successful Successful client requests\n")
	fmt.Fprintf(w, "# TYPE relay_requests_successful counter\n")
	fmt.Fprintf(w, "relay_requests_successful %d\n", snapshot.SuccessfulRequests)

	fmt.Fprintf(w, "# HELP relay_requests_failed Failed client requests\n")
	fmt.Fprintf(w, "# TYPE relay_requests_failed counter\n")
	fmt.Fprintf(w, "relay_requests_failed %d\n", snapshot.FailedRequests)

	fmt.Fprintf(w, "# HELP relay_retries_total Total upstream retry attempts\n")
	fmt.Fprintf(w, "# TYPE relay_retries_total counter\n")
	fmt.Fprintf(w, "relay_retries_total %d\n", snapshot.TotalRetries)

	fmt.Fprintf(w, "# HELP relay_active_connections In-flight client requests\n")
	fmt.Fprintf(w, "# TYPE relay_active_connections gauge\n")
	fmt.Fprintf(w, "relay_active_connections %d\n", snapshot.ActiveConnections)
}

// RecordRequest records a new request in metrics
func (mm *MonitoringMiddleware) RecordRequest(requestID, clientIP, userAgent, method, path string, streaming bool) {
	mm.metrics.RecordRequest(requestID, clientIP, userAgent, method, path, streaming)
}

// RecordRetry records a retry attempt
func (mm *MonitoringMiddleware) RecordRetry(requestID string) {
	mm.metrics.RecordRetry(requestID)
}

// RecordCommitted 记录流提交，首字节已到达客户端
func (mm *MonitoringMiddleware) RecordCommitted(requestID string) {
	mm.metrics.RecordCommitted(requestID)
}

// RecordOutcome 记录请求终态并广播系统统计
func (mm *MonitoringMiddleware) RecordOutcome(requestID, outcome string, elapsed time.Duration) {
	mm.metrics.RecordOutcome(requestID, outcome, elapsed)

	if mm.eventBus != nil && mm.shouldBroadcast("system_stats", 5*time.Second) {
		mm.broadcastSystemStats()
	}
}

// shouldBroadcast 检查是否应该广播事件（基于频率限制）
func (mm *MonitoringMiddleware) shouldBroadcast(eventType string, interval time.Duration) bool {
	mm.broadcastMu.Lock()
	defer mm.broadcastMu.Unlock()

	lastTime, exists := mm.lastBroadcast[eventType]
	if !exists || time.Since(lastTime) >= interval {
		mm.lastBroadcast[eventType] = time.Now()
		return true
	}
	return false
}

// broadcastSystemStats 广播系统级统计事件
func (mm *MonitoringMiddleware) broadcastSystemStats() {
	snapshot := mm.metrics.GetSnapshot()

	mm.eventBus.Publish(events.Event{
		Type:     events.EventRequestCompleted,
		Source:   "monitoring",
		Priority: events.PriorityLow,
		Data: map[string]interface{}{
			"total_requests":      snapshot.TotalRequests,
			"active_connections":  snapshot.ActiveConnections,
			"successful_requests": snapshot.SuccessfulRequests,
			"failed_requests":     snapshot.FailedRequests,
			"total_retries":       snapshot.TotalRetries,
			"success_rate":        mm.metrics.GetSuccessRate(),
		},
	})
}
