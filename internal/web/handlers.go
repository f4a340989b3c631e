package web

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"claude-code-proxy/internal/monitor"
	"claude-code-proxy/internal/utils"
)

func (ws *WebServer) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(ws.startTime).Round(time.Second).String(),
	})
}

// handleStatus 服务状态总览
func (ws *WebServer) handleStatus(c *gin.Context) {
	snapshot := ws.monitoring.GetMetrics().GetSnapshot()

	c.JSON(http.StatusOK, gin.H{
		"status":              "running",
		"uptime":              time.Since(ws.startTime).Round(time.Second).String(),
		"start_time":          ws.startTime.Format("2006-01-02 15:04:05"),
		"upstream":            ws.config.Upstream.BaseURL,
		"retry_enabled":       ws.config.Retry.IsEnabled(),
		"max_retries":         ws.config.Retry.RetryBudget(),
		"total_requests":      snapshot.TotalRequests,
		"successful_requests": snapshot.SuccessfulRequests,
		"failed_requests":     snapshot.FailedRequests,
		"cancelled_requests":  snapshot.CancelledRequests,
		"exhausted_requests":  snapshot.ExhaustedRequests,
		"total_retries":       snapshot.TotalRetries,
		"committed_streams":   snapshot.CommittedStream,
		"active_connections":  snapshot.ActiveConnections,
		"success_rate":        utils.FormatPercentage(snapshot.SuccessfulRequests, snapshot.TotalRequests),
		"avg_response_time":   utils.FormatResponseTime(snapshot.AverageResponseTime),
		"sse_clients":         ws.eventManager.ClientCount(),
	})
}

// handleConnections 当前活跃连接
func (ws *WebServer) handleConnections(c *gin.Context) {
	conns := ws.monitoring.GetMetrics().GetActiveConnections()

	c.JSON(http.StatusOK, gin.H{
		"count":       len(conns),
		"connections": connectionViews(conns),
	})
}

// handleRequests 最近完成的请求
func (ws *WebServer) handleRequests(c *gin.Context) {
	limit := 100
	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	history := ws.monitoring.GetMetrics().GetConnectionHistory(limit)

	c.JSON(http.StatusOK, gin.H{
		"count":    len(history),
		"requests": connectionViews(history),
	})
}

func connectionViews(conns []*monitor.ConnectionInfo) []gin.H {
	views := make([]gin.H, 0, len(conns))
	for _, conn := range conns {
		views = append(views, gin.H{
			"id":            conn.ID,
			"client_ip":     conn.ClientIP,
			"method":        conn.Method,
			"path":          conn.Path,
			"status":        conn.Status,
			"streaming":     conn.IsStreaming,
			"committed":     conn.Committed,
			"retry_count":   conn.RetryCount,
			"start_time":    conn.StartTime.Format("2006-01-02 15:04:05"),
			"last_activity": conn.LastActivity.Format("2006-01-02 15:04:05"),
		})
	}
	return views
}

// handleConfig 返回脱敏后的运行配置
func (ws *WebServer) handleConfig(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"server":      ws.config.Server,
		"timeouts":    ws.config.Timeouts,
		"retry":       ws.config.Retry,
		"streaming":   ws.config.Streaming,
		"pool":        ws.config.Pool,
		"logging":     ws.config.Logging,
		"web":         ws.config.Web,
		"config_path": ws.configPath,
		// api_key不下发
		"upstream": gin.H{"base_url": ws.config.Upstream.BaseURL},
	})
}

// handleStats 诊断记录器累计统计
func (ws *WebServer) handleStats(c *gin.Context) {
	if ws.recorder == nil {
		c.JSON(http.StatusOK, gin.H{"tracking_enabled": false})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"tracking_enabled": true,
		"stats":            ws.recorder.Stats(),
	})
}

// handleMetricsHistory Chart.js图表数据
func (ws *WebServer) handleMetricsHistory(c *gin.Context) {
	minutes := 30
	if v := c.Query("minutes"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 && parsed <= 1440 {
			minutes = parsed
		}
	}

	metrics := ws.monitoring.GetMetrics()

	requestPoints := metrics.GetChartDataForRequestHistory(minutes)
	requests := make([]gin.H, 0, len(requestPoints))
	for _, p := range requestPoints {
		requests = append(requests, gin.H{
			"timestamp":  p.Timestamp.Format("15:04:05"),
			"total":      p.Total,
			"successful": p.Successful,
			"failed":     p.Failed,
		})
	}

	responsePoints := metrics.GetChartDataForResponseTime(minutes)
	responses := make([]gin.H, 0, len(responsePoints))
	for _, p := range responsePoints {
		responses = append(responses, gin.H{
			"timestamp": p.Timestamp.Format("15:04:05"),
			"avg_ms":    p.AverageTime.Milliseconds(),
			"min_ms":    p.MinTime.Milliseconds(),
			"max_ms":    p.MaxTime.Milliseconds(),
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"minutes":        minutes,
		"requests":       requests,
		"response_times": responses,
	})
}

// handleSSE 处理Server-Sent Events连接
func (ws *WebServer) handleSSE(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("Access-Control-Allow-Origin", "*")
	c.Writer.Flush()

	clientID := c.Query("client_id")
	if clientID == "" {
		clientID = uuid.New().String()
	}

	client := ws.eventManager.AddClient(clientID, nil)
	defer ws.eventManager.RemoveClient(clientID)

	// 发送初始连接确认
	c.SSEvent("connection", gin.H{
		"status":    "established",
		"client_id": clientID,
		"timestamp": time.Now().Format("2006-01-02 15:04:05"),
	})
	c.Writer.Flush()

	ctx := c.Request.Context()
	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case event, ok := <-client.Channel:
			if !ok {
				return
			}
			c.SSEvent(string(event.Type), event.Data)
			c.Writer.Flush()

		case <-ping.C:
			c.SSEvent("ping", gin.H{"timestamp": time.Now().Unix()})
			c.Writer.Flush()

		case <-ctx.Done():
			ws.logger.Debug("SSE客户端断开连接", "client_id", clientID)
			return
		}
	}
}
