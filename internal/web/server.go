package web

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"claude-code-proxy/config"
	"claude-code-proxy/internal/middleware"
	"claude-code-proxy/internal/tracking"
)

// HistoryCollector 负责定期收集历史数据点
type HistoryCollector struct {
	metrics  *middleware.MonitoringMiddleware
	ticker   *time.Ticker
	stopChan chan struct{}
	logger   *slog.Logger
	running  bool
}

// NewHistoryCollector 创建新的历史数据收集器
func NewHistoryCollector(mm *middleware.MonitoringMiddleware, logger *slog.Logger) *HistoryCollector {
	return &HistoryCollector{
		metrics:  mm,
		stopChan: make(chan struct{}),
		logger:   logger,
	}
}

// Start 启动历史数据收集器
func (hc *HistoryCollector) Start() {
	if hc.running {
		return
	}

	hc.running = true
	hc.ticker = time.NewTicker(30 * time.Second)

	go func() {
		hc.logger.Info("📊 历史数据收集器已启动 (30秒间隔)")

		for {
			select {
			case <-hc.ticker.C:
				hc.metrics.GetMetrics().AddHistoryDataPoints()
			case <-hc.stopChan:
				hc.logger.Info("📊 历史数据收集器已停止")
				return
			}
		}
	}()
}

// Stop 停止历史数据收集器
func (hc *HistoryCollector) Stop() {
	if !hc.running {
		return
	}

	hc.running = false
	if hc.ticker != nil {
		hc.ticker.Stop()
	}
	close(hc.stopChan)
}

// WebServer represents the Web UI server
type WebServer struct {
	server           *http.Server
	engine           *gin.Engine
	logger           *slog.Logger
	config           *config.Config
	monitoring       *middleware.MonitoringMiddleware
	recorder         *tracking.Recorder
	eventManager     *EventManager
	startTime        time.Time
	configPath       string
	historyCollector *HistoryCollector
}

// NewWebServer creates a new Web UI server
// recorder可为nil，此时统计接口只返回内存计数之外的空数据
func NewWebServer(cfg *config.Config, mm *middleware.MonitoringMiddleware, recorder *tracking.Recorder,
	logger *slog.Logger, configPath string) *WebServer {

	// 设置gin为release模式以减少日志输出
	gin.SetMode(gin.ReleaseMode)

	engine := gin.New()
	engine.Use(ginLoggerMiddleware(logger))
	engine.Use(gin.Recovery())

	ws := &WebServer{
		engine:           engine,
		logger:           logger,
		config:           cfg,
		monitoring:       mm,
		recorder:         recorder,
		eventManager:     NewEventManager(logger),
		startTime:        time.Now(),
		configPath:       configPath,
		historyCollector: NewHistoryCollector(mm, logger),
	}

	ws.setupRoutes()

	return ws
}

// EventBroadcaster 返回SSE广播器，供事件总线对接
func (ws *WebServer) EventBroadcaster() *EventManager {
	return ws.eventManager
}

// Start 启动Web服务器
func (ws *WebServer) Start() error {
	addr := fmt.Sprintf("%s:%d", ws.config.Web.Host, ws.config.Web.Port)

	ws.server = &http.Server{
		Addr:         addr,
		Handler:      ws.engine,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE连接需要禁用写入超时
		IdleTimeout:  300 * time.Second,
	}

	ws.logger.Info(fmt.Sprintf("🌐 Web界面启动中... - 地址: %s", addr))

	go func() {
		if err := ws.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			ws.logger.Error(fmt.Sprintf("❌ Web服务器启动失败: %v", err))
		}
	}()

	ws.historyCollector.Start()

	ws.logger.Info(fmt.Sprintf("✅ Web界面启动成功！访问地址: http://%s", addr))
	return nil
}

// Stop 优雅关闭Web服务器
func (ws *WebServer) Stop(ctx context.Context) error {
	if ws.server == nil {
		return nil
	}

	ws.logger.Info("🛑 正在关闭Web服务器...")

	ws.historyCollector.Stop()
	ws.eventManager.Stop()

	err := ws.server.Shutdown(ctx)
	if err != nil {
		ws.logger.Error(fmt.Sprintf("❌ Web服务器关闭失败: %v", err))
	} else {
		ws.logger.Info("✅ Web服务器已安全关闭")
	}
	return err
}

// UpdateConfig 更新配置并广播配置更新事件
func (ws *WebServer) UpdateConfig(newConfig *config.Config) {
	ws.config = newConfig
	ws.logger.Info("🔄 Web服务器配置已更新")

	ws.eventManager.BroadcastEvent(string(EventTypeConfig), map[string]interface{}{
		"event":     "config_updated",
		"timestamp": time.Now().Format("2006-01-02 15:04:05"),
	})
}

// setupRoutes 设置路由
func (ws *WebServer) setupRoutes() {
	ws.engine.GET("/healthz", ws.handleHealthz)

	api := ws.engine.Group("/api/v1")
	{
		api.GET("/status", ws.handleStatus)
		api.GET("/connections", ws.handleConnections)
		api.GET("/requests", ws.handleRequests)
		api.GET("/config", ws.handleConfig)
		api.GET("/stats", ws.handleStats)
		api.GET("/metrics/history", ws.handleMetricsHistory)
		api.GET("/stream", ws.handleSSE)
	}
}

// ginLoggerMiddleware 自定义gin日志中间件，接入slog
func ginLoggerMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		// SSE长连接不记录完成日志
		if path == "/api/v1/stream" {
			return
		}

		logger.Debug("🌐 [Web请求]",
			"method", c.Request.Method,
			"path", path,
			"status", c.Writer.Status(),
			"duration", time.Since(start).Round(time.Microsecond).String(),
			"client_ip", c.ClientIP(),
		)
	}
}
