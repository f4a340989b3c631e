package monitor

import (
	"sync"
	"time"
)

// Metrics contains all monitoring metrics
type Metrics struct {
	mu sync.RWMutex

	// Request metrics
	TotalRequests      int64
	SuccessfulRequests int64
	FailedRequests     int64
	CancelledRequests  int64
	ExhaustedRequests  int64

	// Retry metrics
	TotalRetries    int64
	CommittedStream int64 // 已向客户端提交首字节的流数量

	// Response time metrics
	ResponseTimes     []time.Duration
	TotalResponseTime time.Duration
	MinResponseTime   time.Duration
	MaxResponseTime   time.Duration

	// Connection metrics
	ActiveConnections map[string]*ConnectionInfo
	ConnectionHistory []*ConnectionInfo

	// System metrics
	StartTime time.Time

	// Historical data (circular buffer)
	RequestHistory   []RequestDataPoint
	ResponseHistory  []ResponseTimePoint
	MaxHistoryPoints int
}

// ConnectionInfo represents an active connection
type ConnectionInfo struct {
	ID           string
	ClientIP     string
	UserAgent    string
	StartTime    time.Time
	LastActivity time.Time
	Method       string
	Path         string
	RetryCount   int
	Status       string // "active", "completed", "failed", "cancelled", "exhausted"
	IsStreaming  bool
	Committed    bool
}

// RequestDataPoint represents a point in time for request metrics
type RequestDataPoint struct {
	Timestamp  time.Time
	Total      int64
	Successful int64
	Failed     int64
}

// ResponseTimePoint represents response time at a point in time
type ResponseTimePoint struct {
	Timestamp   time.Time
	AverageTime time.Duration
	MinTime     time.Duration
	MaxTime     time.Duration
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	return &Metrics{
		ActiveConnections: make(map[string]*ConnectionInfo),
		ConnectionHistory: make([]*ConnectionInfo, 0),
		StartTime:         time.Now(),
		RequestHistory:    make([]RequestDataPoint, 0),
		ResponseHistory:   make([]ResponseTimePoint, 0),
		MaxHistoryPoints:  300, // 5 minutes of data at 1-second intervals
	}
}

// RecordRequest records a new inbound request
func (m *Metrics) RecordRequest(requestID, clientIP, userAgent, method, path string, streaming bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.TotalRequests++

	m.ActiveConnections[requestID] = &ConnectionInfo{
		ID:           requestID,
		ClientIP:     clientIP,
		UserAgent:    userAgent,
		StartTime:    time.Now(),
		LastActivity: time.Now(),
		Method:       method,
		Path:         path,
		Status:       "active",
		IsStreaming:  streaming,
	}
}

// RecordRetry records a retry attempt for an active connection
func (m *Metrics) RecordRetry(requestID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.TotalRetries++
	if conn, exists := m.ActiveConnections[requestID]; exists {
		conn.RetryCount++
		conn.LastActivity = time.Now()
	}
}

// RecordCommitted marks a connection as having delivered its first byte
func (m *Metrics) RecordCommitted(requestID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CommittedStream++
	if conn, exists := m.ActiveConnections[requestID]; exists {
		conn.Committed = true
		conn.LastActivity = time.Now()
	}
}

// RecordOutcome records the final outcome and closes the connection entry
func (m *Metrics) RecordOutcome(requestID, outcome string, elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.TotalResponseTime += elapsed
	m.ResponseTimes = append(m.ResponseTimes, elapsed)
	if m.MinResponseTime == 0 || elapsed < m.MinResponseTime {
		m.MinResponseTime = elapsed
	}
	if elapsed > m.MaxResponseTime {
		m.MaxResponseTime = elapsed
	}

	switch outcome {
	case "success":
		m.SuccessfulRequests++
	case "cancelled":
		m.CancelledRequests++
	case "exhausted":
		m.ExhaustedRequests++
		m.FailedRequests++
	default:
		m.FailedRequests++
	}

	if conn, exists := m.ActiveConnections[requestID]; exists {
		conn.LastActivity = time.Now()
		switch outcome {
		case "success":
			conn.Status = "completed"
		default:
			conn.Status = outcome
		}

		m.ConnectionHistory = append(m.ConnectionHistory, conn)
		delete(m.ActiveConnections, requestID)

		if len(m.ConnectionHistory) > 1000 {
			m.ConnectionHistory = m.ConnectionHistory[len(m.ConnectionHistory)-1000:]
		}
	}

	if len(m.ResponseTimes) > 1000 {
		m.ResponseTimes = m.ResponseTimes[len(m.ResponseTimes)-1000:]
	}
}

// Snapshot 计数器的一致性快照，供并发读取方使用
type Snapshot struct {
	TotalRequests       int64
	SuccessfulRequests  int64
	FailedRequests      int64
	CancelledRequests   int64
	ExhaustedRequests   int64
	TotalRetries        int64
	CommittedStream     int64
	ActiveConnections   int
	AverageResponseTime time.Duration
	StartTime           time.Time
}

// GetSnapshot returns a consistent snapshot of all counters
func (m *Metrics) GetSnapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return Snapshot{
		TotalRequests:       m.TotalRequests,
		SuccessfulRequests:  m.SuccessfulRequests,
		FailedRequests:      m.FailedRequests,
		CancelledRequests:   m.CancelledRequests,
		ExhaustedRequests:   m.ExhaustedRequests,
		TotalRetries:        m.TotalRetries,
		CommittedStream:     m.CommittedStream,
		ActiveConnections:   len(m.ActiveConnections),
		AverageResponseTime: m.averageResponseTimeLocked(),
		StartTime:           m.StartTime,
	}
}

// GetAverageResponseTime calculates average response time
func (m *Metrics) GetAverageResponseTime() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.averageResponseTimeLocked()
}

func (m *Metrics) averageResponseTimeLocked() time.Duration {
	if m.TotalRequests == 0 {
		return 0
	}
	return m.TotalResponseTime / time.Duration(m.TotalRequests)
}

// GetSuccessRate calculates success rate as percentage
func (m *Metrics) GetSuccessRate() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.TotalRequests == 0 {
		return 0
	}
	return float64(m.SuccessfulRequests) / float64(m.TotalRequests) * 100
}

// GetActiveConnectionCount returns the number of in-flight requests
func (m *Metrics) GetActiveConnectionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.ActiveConnections)
}

// GetActiveConnections returns a snapshot of in-flight connections
func (m *Metrics) GetActiveConnections() []*ConnectionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*ConnectionInfo, 0, len(m.ActiveConnections))
	for _, conn := range m.ActiveConnections {
		copied := *conn
		result = append(result, &copied)
	}
	return result
}

// GetConnectionHistory returns recently completed connections (newest last)
func (m *Metrics) GetConnectionHistory(limit int) []*ConnectionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	start := 0
	if limit > 0 && len(m.ConnectionHistory) > limit {
		start = len(m.ConnectionHistory) - limit
	}

	result := make([]*ConnectionInfo, 0, len(m.ConnectionHistory)-start)
	for _, conn := range m.ConnectionHistory[start:] {
		copied := *conn
		result = append(result, &copied)
	}
	return result
}

// AddHistoryDataPoints 定期收集历史数据点
func (m *Metrics) AddHistoryDataPoints() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()

	m.RequestHistory = append(m.RequestHistory, RequestDataPoint{
		Timestamp:  now,
		Total:      m.TotalRequests,
		Successful: m.SuccessfulRequests,
		Failed:     m.FailedRequests,
	})

	m.ResponseHistory = append(m.ResponseHistory, ResponseTimePoint{
		Timestamp:   now,
		AverageTime: m.averageResponseTimeLocked(),
		MinTime:     m.MinResponseTime,
		MaxTime:     m.MaxResponseTime,
	})

	if len(m.RequestHistory) > m.MaxHistoryPoints {
		m.RequestHistory = m.RequestHistory[len(m.RequestHistory)-m.MaxHistoryPoints:]
	}
	if len(m.ResponseHistory) > m.MaxHistoryPoints {
		m.ResponseHistory = m.ResponseHistory[len(m.ResponseHistory)-m.MaxHistoryPoints:]
	}
}

// GetChartDataForRequestHistory 获取请求历史图表数据
func (m *Metrics) GetChartDataForRequestHistory(minutes int) []RequestDataPoint {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cutoff := time.Now().Add(-time.Duration(minutes) * time.Minute)

	var result []RequestDataPoint
	for _, point := range m.RequestHistory {
		if point.Timestamp.After(cutoff) {
			result = append(result, point)
		}
	}
	return result
}

// GetChartDataForResponseTime 获取响应时间图表数据
func (m *Metrics) GetChartDataForResponseTime(minutes int) []ResponseTimePoint {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cutoff := time.Now().Add(-time.Duration(minutes) * time.Minute)

	var result []ResponseTimePoint
	for _, point := range m.ResponseHistory {
		if point.Timestamp.After(cutoff) {
			result = append(result, point)
		}
	}
	return result
}
