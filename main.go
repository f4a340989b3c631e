package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"claude-code-proxy/config"
	"claude-code-proxy/internal/events"
	"claude-code-proxy/internal/middleware"
	"claude-code-proxy/internal/proxy"
	"claude-code-proxy/internal/relay"
	"claude-code-proxy/internal/tracking"
	"claude-code-proxy/internal/transport"
	"claude-code-proxy/internal/web"
)

var (
	configPath  = flag.String("config", "config/example.yaml", "Path to configuration file")
	showVersion = flag.Bool("version", false, "Show version information")
	enableWeb   = flag.Bool("web", false, "Enable Web interface")
	webPort     = flag.Int("web-port", 8088, "Web interface port (default: 8088)")

	// Build-time variables (set via ldflags)
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("Claude Code Proxy\n")
		fmt.Printf("Version: %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
		fmt.Printf("Built: %s\n", date)
		os.Exit(0)
	}

	// 初始日志器，加载配置后按配置重建
	logger := setupLogger(config.LoggingConfig{Level: "info", Format: "text"})
	slog.SetDefault(logger)

	configWatcher, err := config.NewConfigWatcher(*configPath, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create configuration watcher: %v\n", err)
		os.Exit(1)
	}
	defer configWatcher.Close()

	cfg := configWatcher.GetConfig()

	// 命令行参数覆盖Web配置
	if *enableWeb {
		cfg.Web.Enabled = true
	}
	if *webPort != 8088 { // 只有当用户显式指定了端口时才覆盖
		cfg.Web.Port = *webPort
	}

	logger = setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	logger.Info("🚀 Claude Code Proxy 启动中...",
		"version", version,
		"commit", commit,
		"build_date", date,
		"config_file", *configPath,
		"upstream", cfg.Upstream.BaseURL)

	if cfg.Proxy.Enabled {
		logger.Info(fmt.Sprintf("🔗 出站代理已启用 - 类型: %s", cfg.Proxy.Type))
	} else {
		logger.Info("🔗 代理未启用，将直接连接上游")
	}

	if cfg.Auth.Enabled {
		logger.Info("🔐 鉴权已启用，访问需要Bearer Token验证")
	} else {
		logger.Info("🔓 鉴权已禁用，所有请求将直接转发")
		if cfg.Server.Host != "127.0.0.1" && cfg.Server.Host != "localhost" && cfg.Server.Host != "::1" {
			logger.Warn("⚠️  注意：将在非本地地址启动但未启用鉴权，请确保网络环境安全")
		}
	}

	// 事件总线
	eventBus := events.NewEventBus(logger)
	if err := eventBus.Start(); err != nil {
		logger.Error(fmt.Sprintf("❌ EventBus启动失败: %v", err))
		os.Exit(1)
	}
	defer func() {
		if err := eventBus.Stop(); err != nil {
			logger.Error(fmt.Sprintf("❌ EventBus关闭失败: %v", err))
		}
	}()

	// 诊断记录器（可选）
	var recorder *tracking.Recorder
	if cfg.Tracking.Enabled {
		recorder, err = tracking.NewRecorder(cfg.Tracking, logger)
		if err != nil {
			logger.Error(fmt.Sprintf("❌ 诊断记录器初始化失败: %v", err))
			os.Exit(1)
		}
		defer func() {
			if err := recorder.Close(); err != nil {
				logger.Error(fmt.Sprintf("❌ 诊断记录器关闭失败: %v", err))
			}
		}()
	}

	// 上游HTTP客户端
	httpClient, err := transport.NewClient(cfg)
	if err != nil {
		logger.Error(fmt.Sprintf("❌ HTTP客户端初始化失败: %v", err))
		os.Exit(1)
	}

	// 避免把nil指针装进非nil接口
	var rec relay.Recorder
	if recorder != nil {
		rec = recorder
	}
	proxyHandler := proxy.NewHandler(cfg, httpClient, rec)
	proxyHandler.SetEventBus(eventBus)

	loggingMiddleware := middleware.NewLoggingMiddleware(logger)
	monitoringMiddleware := middleware.NewMonitoringMiddleware()
	monitoringMiddleware.SetEventBus(eventBus)
	proxyHandler.SetMonitoringMiddleware(monitoringMiddleware)

	// Web界面（可选）
	var webServer *web.WebServer
	if cfg.Web.Enabled {
		webServer = web.NewWebServer(cfg, monitoringMiddleware, recorder, logger, *configPath)
		eventBus.SetSSEBroadcaster(webServer.EventBroadcaster())
	}

	// 配置热重载回调
	configWatcher.AddReloadCallback(func(newCfg *config.Config) {
		newLogger := setupLogger(newCfg.Logging)
		slog.SetDefault(newLogger)

		proxyHandler.UpdateConfig(newCfg)
		if webServer != nil {
			webServer.UpdateConfig(newCfg)
		}

		eventBus.Publish(events.Event{
			Type:      events.EventConfigChanged,
			Source:    "config_watcher",
			Timestamp: time.Now(),
			Priority:  events.PriorityHigh,
			Data: map[string]interface{}{
				"config_file": *configPath,
			},
		})

		newLogger.Info("🔄 所有组件已更新为新配置")
	})
	logger.Info("🔄 配置文件自动重载已启用")

	mux := http.NewServeMux()
	monitoringMiddleware.RegisterHealthEndpoint(mux)
	mux.Handle("/", loggingMiddleware.Wrap(proxyHandler))

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 0, // 流式转发禁用写超时
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("🌐 HTTP 服务器启动中...", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	// 给服务器一点启动时间再确认状态
	time.Sleep(100 * time.Millisecond)

	select {
	case err := <-serverErr:
		logger.Error(fmt.Sprintf("❌ 服务器启动失败: %v", err))
		os.Exit(1)
	default:
		baseURL := fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
		logger.Info("✅ 服务器启动成功！")
		logger.Info("📋 配置说明：请在 Claude Code 的 settings.json 中设置")
		logger.Info("🔧 ANTHROPIC_BASE_URL: " + baseURL)

		if cfg.Server.Host != "127.0.0.1" && cfg.Server.Host != "localhost" && cfg.Server.Host != "::1" {
			if !cfg.Auth.Enabled {
				logger.Warn("⚠️  安全警告：服务器绑定到非本地地址但未启用鉴权！")
				logger.Warn("📝 在配置文件中设置 auth.enabled: true 和 auth.token 来启用鉴权")
			} else {
				logger.Info("🔒 已启用鉴权保护，服务器可安全对外开放")
			}
		}
	}

	if webServer != nil {
		if err := webServer.Start(); err != nil {
			logger.Error(fmt.Sprintf("❌ Web服务器启动失败: %v", err))
		}
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		logger.Error(fmt.Sprintf("❌ 服务器运行时错误: %v", err))
		os.Exit(1)
	case sig := <-interrupt:
		logger.Info(fmt.Sprintf("📡 收到终止信号，开始优雅关闭... - 信号: %v", sig))
	}

	logger.Info("🛑 正在关闭服务器...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if webServer != nil {
		webServer.Stop(ctx)
	}

	if err := server.Shutdown(ctx); err != nil {
		logger.Error(fmt.Sprintf("❌ 服务器关闭失败: %v", err))
		os.Exit(1)
	}

	logger.Info("✅ 服务器已安全关闭")
}

// setupLogger 根据配置构建slog日志器
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
