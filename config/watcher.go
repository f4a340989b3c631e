package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadCallback 配置重载回调函数类型
type ReloadCallback func(*Config)

// ConfigWatcher 配置文件监控器
// 监控yaml文件变化并热重载，编辑器的rename保存方式也能正确处理
type ConfigWatcher struct {
	configPath    string
	config        *Config
	configMutex   sync.RWMutex
	watcher       *fsnotify.Watcher
	callbacks     []ReloadCallback
	callbackMutex sync.Mutex
	logger        *slog.Logger
	lastModTime   time.Time
	debounceTimer *time.Timer
	debounceMutex sync.Mutex
	stopChan      chan struct{}
	stopped       bool
	stopMutex     sync.Mutex
}

// NewConfigWatcher 创建配置监控器并立即加载一次配置
func NewConfigWatcher(configPath string, logger *slog.Logger) (*ConfigWatcher, error) {
	config, err := LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load initial config: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	cw := &ConfigWatcher{
		configPath: configPath,
		config:     config,
		watcher:    watcher,
		logger:     logger,
		stopChan:   make(chan struct{}),
	}

	if info, err := os.Stat(configPath); err == nil {
		cw.lastModTime = info.ModTime()
	}

	// 监控文件所在目录而不是文件本身，rename后仍能收到事件
	configDir := filepath.Dir(configPath)
	if err := watcher.Add(configDir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch config directory: %w", err)
	}

	go cw.watchLoop()

	logger.Info(fmt.Sprintf("👁️ [配置监控] 开始监控配置文件: %s", configPath))
	return cw, nil
}

// GetConfig 获取当前配置（线程安全）
func (cw *ConfigWatcher) GetConfig() *Config {
	cw.configMutex.RLock()
	defer cw.configMutex.RUnlock()
	return cw.config
}

// AddReloadCallback 注册配置重载回调
func (cw *ConfigWatcher) AddReloadCallback(callback ReloadCallback) {
	cw.callbackMutex.Lock()
	defer cw.callbackMutex.Unlock()
	cw.callbacks = append(cw.callbacks, callback)
}

func (cw *ConfigWatcher) watchLoop() {
	for {
		select {
		case <-cw.stopChan:
			return
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(cw.configPath) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				cw.scheduleReload()
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.logger.Warn(fmt.Sprintf("⚠️ [配置监控] 文件监控错误: %v", err))
		}
	}
}

// scheduleReload 防抖：编辑器保存时可能触发多个事件，500ms内合并为一次重载
func (cw *ConfigWatcher) scheduleReload() {
	cw.debounceMutex.Lock()
	defer cw.debounceMutex.Unlock()

	if cw.debounceTimer != nil {
		cw.debounceTimer.Stop()
	}
	cw.debounceTimer = time.AfterFunc(500*time.Millisecond, cw.reloadConfig)
}

func (cw *ConfigWatcher) reloadConfig() {
	info, err := os.Stat(cw.configPath)
	if err != nil {
		cw.logger.Warn(fmt.Sprintf("⚠️ [配置监控] 无法读取配置文件状态: %v", err))
		return
	}
	if !info.ModTime().After(cw.lastModTime) {
		return
	}

	newConfig, err := LoadConfig(cw.configPath)
	if err != nil {
		cw.logger.Error(fmt.Sprintf("❌ [配置监控] 配置重载失败，保留当前配置: %v", err))
		return
	}

	cw.configMutex.Lock()
	oldConfig := cw.config
	cw.config = newConfig
	cw.lastModTime = info.ModTime()
	cw.configMutex.Unlock()

	cw.logConfigChanges(oldConfig, newConfig)

	// 回调快照，避免持锁调用外部代码
	cw.callbackMutex.Lock()
	callbacks := make([]ReloadCallback, len(cw.callbacks))
	copy(callbacks, cw.callbacks)
	cw.callbackMutex.Unlock()

	for _, callback := range callbacks {
		callback(newConfig)
	}

	cw.logger.Info("🔄 [配置监控] 配置热重载完成")
}

func (cw *ConfigWatcher) logConfigChanges(oldConfig, newConfig *Config) {
	if oldConfig.Retry.RetryBudget() != newConfig.Retry.RetryBudget() {
		cw.logger.Info(fmt.Sprintf("🔧 [配置变更] 最大重试次数: %d → %d",
			oldConfig.Retry.RetryBudget(), newConfig.Retry.RetryBudget()))
	}
	if oldConfig.Retry.RetryBaseDelay() != newConfig.Retry.RetryBaseDelay() {
		cw.logger.Info(fmt.Sprintf("🔧 [配置变更] 重试基础延迟: %v → %v",
			oldConfig.Retry.RetryBaseDelay(), newConfig.Retry.RetryBaseDelay()))
	}
	if oldConfig.Retry.IsEnabled() != newConfig.Retry.IsEnabled() {
		cw.logger.Info(fmt.Sprintf("🔧 [配置变更] 流式重试开关: %v → %v",
			oldConfig.Retry.IsEnabled(), newConfig.Retry.IsEnabled()))
	}
	if oldConfig.Upstream.BaseURL != newConfig.Upstream.BaseURL {
		cw.logger.Info(fmt.Sprintf("🔧 [配置变更] 上游地址: %s → %s",
			oldConfig.Upstream.BaseURL, newConfig.Upstream.BaseURL))
	}
	if oldConfig.Timeouts.Read != newConfig.Timeouts.Read {
		cw.logger.Info(fmt.Sprintf("🔧 [配置变更] 读超时: %v → %v",
			oldConfig.Timeouts.Read, newConfig.Timeouts.Read))
	}
	if oldConfig.Logging.Level != newConfig.Logging.Level {
		cw.logger.Info(fmt.Sprintf("🔧 [配置变更] 日志级别: %s → %s",
			oldConfig.Logging.Level, newConfig.Logging.Level))
	}
}

// Close 停止监控
func (cw *ConfigWatcher) Close() error {
	cw.stopMutex.Lock()
	defer cw.stopMutex.Unlock()

	if cw.stopped {
		return nil
	}
	cw.stopped = true
	close(cw.stopChan)

	cw.debounceMutex.Lock()
	if cw.debounceTimer != nil {
		cw.debounceTimer.Stop()
	}
	cw.debounceMutex.Unlock()

	return cw.watcher.Close()
}
